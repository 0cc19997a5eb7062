package ledger

import (
	"context"
	"database/sql"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/domain"
	"github.com/aristath/tally/internal/events"
	"github.com/aristath/tally/internal/utils"
)

// BulkUpdate changes category, note or tags on many transactions at once.
// Every id and tag is checked for ownership before anything is written, and
// updated_at moves on every target so pollers notice tag-only changes.
func (s *Service) BulkUpdate(ctx context.Context, p BulkUpdateParams) ([]*domain.Transaction, error) {
	ids := utils.UniqueIDs(p.IDs)
	if len(ids) == 0 {
		return nil, apperrors.Validation("no transactions selected")
	}
	if p.CategoryID == nil && p.Note == nil && len(p.TagIDs) == 0 && p.TagMode != TagModeReplace {
		return nil, apperrors.Validation("nothing to update")
	}
	switch p.TagMode {
	case "", TagModeAdd, TagModeRemove, TagModeReplace:
	default:
		return nil, apperrors.Validation("unknown tag mode %q", p.TagMode)
	}
	if p.TagMode == "" {
		p.TagMode = TagModeAdd
	}

	var updated []*domain.Transaction
	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		targets, err := s.txs.GetManyForUser(ctx, tx, p.UserID, ids)
		if err != nil {
			return err
		}
		if len(targets) != len(ids) {
			return apperrors.NotFound("some transactions were not found")
		}
		if len(p.TagIDs) > 0 {
			if err := s.checkTags(ctx, tx, p.UserID, p.TagIDs); err != nil {
				return err
			}
		}
		if p.CategoryID != nil {
			if err := s.checkCategories(ctx, tx, p.UserID, []int64{*p.CategoryID}); err != nil {
				return err
			}
			for _, t := range targets {
				if t.TransferNature.IsTransfer() {
					return apperrors.Validation("transaction %d is a transfer and cannot have a category", t.ID)
				}
			}
		}

		now := s.now()
		for _, t := range targets {
			if p.CategoryID != nil {
				t.CategoryID = p.CategoryID
			}
			if p.Note != nil {
				t.Note = *p.Note
			}
			if p.CategoryID != nil || p.Note != nil {
				if err := s.txs.Update(ctx, tx, t, now); err != nil {
					return err
				}
			}

			switch {
			case p.TagMode == TagModeReplace:
				err = s.tags.Replace(ctx, tx, t.ID, p.TagIDs)
			case len(p.TagIDs) == 0:
			case p.TagMode == TagModeRemove:
				err = s.tags.Remove(ctx, tx, t.ID, p.TagIDs)
			default:
				err = s.tags.Add(ctx, tx, t.ID, p.TagIDs)
			}
			if err != nil {
				return err
			}
		}

		if err := s.txs.Touch(ctx, tx, ids, now); err != nil {
			return err
		}
		updated, err = s.txs.GetManyForUser(ctx, tx, p.UserID, ids)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.emit(events.TransactionUpdated, p.UserID, updated...)
	return updated, nil
}
