package banksync

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/modules/ledger"
)

// importTransactions stores the provider transactions that are not in the
// ledger yet and returns the created ones. Each transaction is its own unit
// of work, so a re-run after a failure picks up where this one stopped.
func (s *Service) importTransactions(ctx context.Context, account *domain.Account, accountKey string, scheme IDScheme, fetched []ProviderTransaction, result *SyncResult) ([]*domain.Transaction, error) {
	sort.SliceStable(fetched, func(i, j int) bool {
		a, _, _ := fetched[i].Dates.Primary()
		b, _, _ := fetched[j].Dates.Primary()
		return a.Before(b)
	})

	var created []*domain.Transaction
	for _, pt := range fetched {
		ids := OriginalIDs(scheme, accountKey, pt)
		if len(ids) == 0 {
			s.log.Warn().Int64("account_id", account.ID).Msg("Skipping provider transaction without id or date")
			result.Skipped++
			continue
		}
		if pt.Currency != "" && !strings.EqualFold(pt.Currency, account.CurrencyCode) {
			s.log.Warn().
				Int64("account_id", account.ID).
				Str("provider_currency", pt.Currency).
				Str("account_currency", account.CurrencyCode).
				Msg("Skipping provider transaction in a currency other than the account's")
			result.Skipped++
			continue
		}

		var outcome importOutcome
		var t *domain.Transaction
		err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
			var err error
			outcome, t, err = s.importOne(ctx, tx, account, ids, pt)
			return err
		})
		if err != nil {
			return nil, err
		}

		switch outcome {
		case outcomeDuplicate:
			result.Skipped++
		case outcomeRestored:
			result.Restored++
		case outcomeCreated:
			result.Imported++
			created = append(created, t)
		}
	}
	return created, nil
}

type importOutcome int

const (
	outcomeDuplicate importOutcome = iota
	outcomeRestored
	outcomeCreated
)

// importOne dedups a provider transaction against the ledger: first by
// original id (any candidate hash), then by an original id archived when
// the account was unlinked. Only a miss on both creates a transaction.
func (s *Service) importOne(ctx context.Context, tx *sql.Tx, account *domain.Account, ids []string, pt ProviderTransaction) (importOutcome, *domain.Transaction, error) {
	for _, id := range ids {
		existing, err := s.txs.GetByOriginalID(ctx, tx, account.ID, id)
		if err != nil {
			return 0, nil, err
		}
		if existing != nil {
			return outcomeDuplicate, existing, nil
		}
	}

	for _, id := range ids {
		archived, err := s.txs.GetByArchivedOriginalID(ctx, tx, account.ID, id)
		if err != nil {
			return 0, nil, err
		}
		if archived == nil {
			continue
		}
		restoredID := id
		archived.OriginalID = &restoredID
		archived.AccountType = account.Type
		archived.ExternalData = archived.ExternalData.Without(domain.ExternalKeyArchivedOriginalID)
		if err := s.txs.SetProvenance(ctx, tx, archived, s.now()); err != nil {
			return 0, nil, err
		}
		return outcomeRestored, archived, nil
	}

	date, source, ok := pt.Dates.Primary()
	if !ok {
		date = s.now()
	}
	data := pt.Metadata.ExternalData()
	if pt.ExternalID != "" {
		data[domain.ExternalKeyProviderTxID] = pt.ExternalID
	}
	if pt.Description != "" {
		data[domain.ExternalKeyDescription] = pt.Description
	}
	if source != "" {
		data[domain.ExternalKeyDateSource] = source
	}

	originalID := ids[0]
	created, err := s.ledger.CreateTransactionTx(ctx, tx, ledger.CreateParams{
		UserID:          account.UserID,
		AccountID:       account.ID,
		Amount:          pt.Amount,
		TransactionType: transactionType(pt),
		AccountType:     account.Type,
		PaymentType:     paymentType(pt),
		OriginalID:      &originalID,
		Note:            pt.Description,
		Time:            date,
		ExternalData:    data,
	})
	if err != nil {
		return 0, nil, err
	}
	return outcomeCreated, created[0], nil
}

func transactionType(pt ProviderTransaction) domain.TransactionType {
	switch pt.Metadata.Direction {
	case DirectionDebit:
		return domain.TransactionTypeExpense
	case DirectionCredit:
		return domain.TransactionTypeIncome
	}
	if pt.Amount < 0 {
		return domain.TransactionTypeExpense
	}
	return domain.TransactionTypeIncome
}

func paymentType(pt ProviderTransaction) domain.PaymentType {
	if pt.Metadata.CounterpartyIBAN != "" {
		return domain.PaymentTypeBankTransfer
	}
	return domain.PaymentTypeDebitCard
}

// migrateIdentity moves an account onto the provider's stable identifier.
// Every stored original id derived from the old account key is recomputed
// in one unit of work. Accounts already on the stable id are left alone, so
// re-running is a no-op.
func (s *Service) migrateIdentity(ctx context.Context, account *domain.Account, pa ProviderAccount, scheme IDScheme) (int, error) {
	externalChanged := account.ExternalID == nil || *account.ExternalID != pa.ExternalID
	needsStable := pa.StableID != "" && account.ExternalData.String(domain.ExternalKeyStableAccountID) != pa.StableID
	needsIBAN := pa.IBAN != "" && account.ExternalData.String(domain.ExternalKeyIBAN) == ""
	if !externalChanged && !needsStable && !needsIBAN {
		return 0, nil
	}

	migrated := 0
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		migrated = 0
		data := account.ExternalData
		if needsStable {
			n, err := s.rehash(ctx, tx, account, pa.StableID, scheme)
			if err != nil {
				return err
			}
			migrated = n
			data = data.With(domain.ExternalKeyStableAccountID, pa.StableID)
		}
		if needsIBAN {
			data = data.With(domain.ExternalKeyIBAN, pa.IBAN)
		}
		if err := s.accounts.UpdateExternalData(ctx, tx, account.ID, data); err != nil {
			return err
		}
		if externalChanged {
			externalID := pa.ExternalID
			if err := s.accounts.UpdateProvenance(ctx, tx, account.ID, account.Type, account.ConnectionID, &externalID); err != nil {
				return err
			}
			account.ExternalID = &externalID
		}
		account.ExternalData = data
		return nil
	})
	if err != nil {
		return 0, err
	}
	if migrated > 0 {
		s.log.Info().Int64("account_id", account.ID).Int("transactions", migrated).Msg("Migrated transaction hashes to stable account id")
	}
	return migrated, nil
}

// rehash recomputes the original ids of an account's imported transactions
// under a new account key. Ids the provider issued globally are kept.
func (s *Service) rehash(ctx context.Context, tx *sql.Tx, account *domain.Account, accountKey string, scheme IDScheme) (int, error) {
	imported, err := s.txs.ListImported(ctx, tx, account.ID)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, t := range imported {
		var next string
		if providerID := t.ExternalData.String(domain.ExternalKeyProviderTxID); providerID != "" {
			if scheme != IDPerAccount {
				continue
			}
			next = ScopedID(accountKey, providerID)
		} else {
			signed := t.Amount
			if t.TransactionType == domain.TransactionTypeExpense {
				signed = -signed
			}
			next = contentHash(accountKey, t.Time, signed, t.ExternalData.String(domain.ExternalKeyDescription))
		}
		if t.OriginalID != nil && *t.OriginalID == next {
			continue
		}
		t.OriginalID = &next
		t.ExternalData = t.ExternalData.With(domain.ExternalKeyHashMigratedTo, accountKey)
		if err := s.txs.SetProvenance(ctx, tx, t, s.now()); err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// autoLink pairs freshly imported transactions with their counterpart leg on
// another account of the same user. A counterpart is found through the
// counterparty IBAN, the provider's correlation id, or another account's
// transaction naming this account's IBAN. It must have the opposite type,
// the same amount and currency, and lie within the match window; the
// closest in time wins. Without a match the transaction stays as it is.
func (s *Service) autoLink(ctx context.Context, account *domain.Account, imported []*domain.Transaction) (int, error) {
	linked := 0
	for _, t := range imported {
		candidate, err := s.findCounterpart(ctx, account, t)
		if err != nil {
			return linked, err
		}
		if candidate == nil {
			continue
		}

		err = database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
			_, _, err := s.ledger.LinkExistingTx(ctx, tx, account.UserID, t.ID, candidate.ID)
			return err
		})
		if err != nil {
			s.log.Warn().Err(err).
				Int64("transaction_id", t.ID).
				Int64("counterpart_id", candidate.ID).
				Msg("Could not link transfer counterpart")
			continue
		}
		linked++
		s.log.Info().
			Int64("transaction_id", t.ID).
			Int64("counterpart_id", candidate.ID).
			Msg("Auto-linked transfer")
	}
	return linked, nil
}

func (s *Service) findCounterpart(ctx context.Context, account *domain.Account, t *domain.Transaction) (*domain.Transaction, error) {
	base := ledger.LinkCandidateFilter{
		UserID:          account.UserID,
		ExcludeAccount:  account.ID,
		TransactionType: t.TransactionType.Opposite(),
		Amount:          t.Amount,
		CurrencyCode:    t.CurrencyCode,
		From:            t.Time.Add(-s.cfg.TransferMatchWindow),
		To:              t.Time.Add(s.cfg.TransferMatchWindow),
	}

	var filters []ledger.LinkCandidateFilter
	if iban := t.ExternalData.String(domain.ExternalKeyCounterpartyIBAN); iban != "" {
		others, err := s.accounts.FindByIBAN(ctx, s.db, account.UserID, iban, account.ID)
		if err != nil {
			return nil, err
		}
		if len(others) > 0 {
			f := base
			for _, a := range others {
				f.AccountIDs = append(f.AccountIDs, a.ID)
			}
			filters = append(filters, f)
		}
	}
	if correlation := t.ExternalData.String(domain.ExternalKeyCorrelationID); correlation != "" {
		f := base
		f.CorrelationID = correlation
		filters = append(filters, f)
	}
	if own := account.ExternalData.String(domain.ExternalKeyIBAN); own != "" {
		f := base
		f.CounterpartyIBAN = own
		filters = append(filters, f)
	}

	for _, f := range filters {
		candidates, err := s.txs.FindLinkCandidates(ctx, s.db, f)
		if err != nil {
			return nil, err
		}
		if best := closest(t.Time, candidates); best != nil {
			return best, nil
		}
	}
	return nil, nil
}

// closest returns the candidate nearest in time; ties go to the earlier row
func closest(at time.Time, candidates []*domain.Transaction) *domain.Transaction {
	var best *domain.Transaction
	var bestGap time.Duration
	for _, c := range candidates {
		gap := c.Time.Sub(at)
		if gap < 0 {
			gap = -gap
		}
		if best == nil || gap < bestGap {
			best, bestGap = c, gap
		}
	}
	return best
}
