package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Keys used inside ExternalData
const (
	ExternalKeyArchivedOriginalID = "archivedOriginalId"
	ExternalKeyProviderTxID       = "providerTransactionId"
	ExternalKeyCounterpartyIBAN   = "counterpartyIban"
	ExternalKeyCorrelationID      = "correlationId"
	ExternalKeyIBAN               = "iban"
	ExternalKeyStableAccountID    = "stableAccountId"
	ExternalKeyHashMigratedTo     = "hashMigratedTo"
	ExternalKeyArchivedType       = "archivedAccountType"
	ExternalKeyDescription        = "description"
	ExternalKeyDateSource         = "dateSource"
)

// ExternalData is provider metadata stored as a JSON object
type ExternalData map[string]interface{}

// String returns the string value at key, or "" when missing or not a string
func (d ExternalData) String(key string) string {
	if d == nil {
		return ""
	}
	if s, ok := d[key].(string); ok {
		return s
	}
	return ""
}

// With returns a copy of d with key set to value
func (d ExternalData) With(key string, value interface{}) ExternalData {
	out := make(ExternalData, len(d)+1)
	for k, v := range d {
		out[k] = v
	}
	out[key] = value
	return out
}

// Without returns a copy of d with key removed
func (d ExternalData) Without(key string) ExternalData {
	out := make(ExternalData, len(d))
	for k, v := range d {
		if k != key {
			out[k] = v
		}
	}
	return out
}

// Value implements driver.Valuer
func (d ExternalData) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]interface{}(d))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal external data: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (d *ExternalData) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = ExternalData{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported external data type %T", src)
	}
	if len(raw) == 0 {
		*d = ExternalData{}
		return nil
	}
	m := map[string]interface{}{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("failed to unmarshal external data: %w", err)
	}
	*d = m
	return nil
}
