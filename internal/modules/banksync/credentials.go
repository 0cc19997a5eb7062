package banksync

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/domain"
)

// Credentials is one provider's credential shape. The variants are closed:
// only this package implements it.
type Credentials interface {
	Provider() domain.AccountType
	validate(now time.Time) error
}

// MonobankCredentials is a personal API token
type MonobankCredentials struct {
	Token string `json:"token"`
}

// EnableBankingCredentials is an authorized PSD2 session
type EnableBankingCredentials struct {
	ValidUntil    time.Time `json:"valid_until"`
	ApplicationID string    `json:"application_id"`
	SessionID     string    `json:"session_id"`
}

// LunchFlowCredentials is an API key
type LunchFlowCredentials struct {
	APIKey string `json:"api_key"`
}

// WalutomatCredentials is an API key with its request signing key
type WalutomatCredentials struct {
	APIKey     string `json:"api_key"`
	PrivateKey string `json:"private_key"`
}

func (MonobankCredentials) Provider() domain.AccountType      { return domain.AccountTypeMonobank }
func (EnableBankingCredentials) Provider() domain.AccountType { return domain.AccountTypeEnableBanking }
func (LunchFlowCredentials) Provider() domain.AccountType     { return domain.AccountTypeLunchFlow }
func (WalutomatCredentials) Provider() domain.AccountType     { return domain.AccountTypeWalutomat }

func (c MonobankCredentials) validate(time.Time) error {
	return required("token", c.Token)
}

func (c EnableBankingCredentials) validate(now time.Time) error {
	if err := required("application_id", c.ApplicationID); err != nil {
		return err
	}
	if err := required("session_id", c.SessionID); err != nil {
		return err
	}
	if !c.ValidUntil.IsZero() && now.After(c.ValidUntil) {
		return apperrors.Provider(apperrors.ProviderAuth, "enable banking session expired", nil)
	}
	return nil
}

func (c LunchFlowCredentials) validate(time.Time) error {
	return required("api_key", c.APIKey)
}

func (c WalutomatCredentials) validate(time.Time) error {
	if err := required("api_key", c.APIKey); err != nil {
		return err
	}
	return required("private_key", c.PrivateKey)
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperrors.Validation("credentials: %s is required", field)
	}
	return nil
}

// DecodeCredentials parses and validates the stored credentials of a
// provider connection. Everything past this point works with the typed
// variant.
func DecodeCredentials(provider domain.AccountType, raw json.RawMessage, now time.Time) (Credentials, error) {
	var creds Credentials
	switch provider {
	case domain.AccountTypeMonobank:
		creds = &MonobankCredentials{}
	case domain.AccountTypeEnableBanking:
		creds = &EnableBankingCredentials{}
	case domain.AccountTypeLunchFlow:
		creds = &LunchFlowCredentials{}
	case domain.AccountTypeWalutomat:
		creds = &WalutomatCredentials{}
	default:
		return nil, apperrors.Validation("unknown provider type %q", provider)
	}

	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, creds); err != nil {
		return nil, apperrors.Validation("credentials for %s are malformed: %v", provider, err)
	}
	if err := creds.validate(now); err != nil {
		return nil, err
	}
	return deref(creds), nil
}

func deref(c Credentials) Credentials {
	switch v := c.(type) {
	case *MonobankCredentials:
		return *v
	case *EnableBankingCredentials:
		return *v
	case *LunchFlowCredentials:
		return *v
	case *WalutomatCredentials:
		return *v
	}
	return c
}

// Direction is which way money moved
type Direction string

const (
	DirectionUnknown Direction = ""
	DirectionDebit   Direction = "debit"
	DirectionCredit  Direction = "credit"
)

// TransactionMetadata is the typed provider metadata sync relies on
type TransactionMetadata struct {
	CounterpartyIBAN string
	CorrelationID    string
	Kind             string // provider's own label, e.g. PAYOUT
	Direction        Direction
}

// ExternalData renders the metadata into the keys stored on a transaction
func (m TransactionMetadata) ExternalData() domain.ExternalData {
	d := domain.ExternalData{}
	if m.CounterpartyIBAN != "" {
		d[domain.ExternalKeyCounterpartyIBAN] = m.CounterpartyIBAN
	}
	if m.CorrelationID != "" {
		d[domain.ExternalKeyCorrelationID] = m.CorrelationID
	}
	if m.Kind != "" {
		d["kind"] = m.Kind
	}
	return d
}
