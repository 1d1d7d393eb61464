package budget

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// NewRequest is the input for CreateRequest.
type NewRequest struct {
	FiscalYear    int
	DepartmentID  *int64
	Justification string
}

// RequestPatch is the input for UpdateRequest. ClearDepartment turns the
// request into a central request.
type RequestPatch struct {
	Justification   *string
	DepartmentID    *int64
	ClearDepartment bool
}

// CreateRequest creates a DRAFT request numbered BR-{fiscal_year}-{seq}
// from the store's per-year sequence.
func (e *Engine) CreateRequest(ctx context.Context, in NewRequest, userID string) (*BudgetRequest, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if in.FiscalYear < e.Rules.MinFiscalYear {
		return nil, ValidationError(CodeInvalidFiscalYear, "fiscal year must be %d or later", e.Rules.MinFiscalYear)
	}

	var created *BudgetRequest
	err := e.Store.WithTx(ctx, func(tx Store) error {
		seq, err := tx.NextRequestSequence(ctx, in.FiscalYear)
		if err != nil {
			return err
		}
		now := e.now()
		r := &BudgetRequest{
			RequestNumber:        RequestNumber(in.FiscalYear, seq),
			FiscalYear:           in.FiscalYear,
			DepartmentID:         in.DepartmentID,
			Status:               StatusDraft,
			TotalRequestedAmount: decimal.Zero,
			Justification:        strings.TrimSpace(in.Justification),
			CreatedBy:            userID,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := tx.InsertRequest(ctx, r); err != nil {
			return err
		}
		e.recorder().Record(ctx, tx, AuditEntry{
			BudgetRequestID: r.ID,
			Action:          AuditCreate,
			EntityType:      EntityRequest,
			EntityID:        r.ID,
			FieldName:       "request_number",
			NewValue:        r.RequestNumber,
			UserID:          userID,
			CreatedAt:       now,
		})
		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log(ctx).Info("budget request created",
		zap.Int64("request_id", created.ID),
		zap.String("request_number", created.RequestNumber),
		zap.Bool("central", created.IsCentral()),
	)
	return created, nil
}

// GetRequest returns a live request or NotFound.
func (e *Engine) GetRequest(ctx context.Context, id int64) (*BudgetRequest, error) {
	return loadRequest(ctx, e.Store, id)
}

// ListRequests returns live requests matching filter.
func (e *Engine) ListRequests(ctx context.Context, filter RequestFilter) ([]BudgetRequest, error) {
	return e.Store.ListRequests(ctx, filter)
}

// UpdateRequest edits the justification or department of a DRAFT request,
// auditing each changed field.
func (e *Engine) UpdateRequest(ctx context.Context, id int64, patch RequestPatch, userID string) (*BudgetRequest, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	var updated *BudgetRequest
	err := e.Store.WithTx(ctx, func(tx Store) error {
		r, err := loadRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusDraft {
			return invalidStatus("edit", r.Status)
		}

		before := *r
		if patch.Justification != nil {
			r.Justification = strings.TrimSpace(*patch.Justification)
		}
		switch {
		case patch.ClearDepartment:
			r.DepartmentID = nil
		case patch.DepartmentID != nil:
			dept := *patch.DepartmentID
			r.DepartmentID = &dept
		}

		changes := RequestChanges(before, *r)
		if len(changes) == 0 {
			updated = r
			return nil
		}
		r.UpdatedAt = e.now()
		if err := guardStale(tx.UpdateRequest(ctx, r, StatusDraft), r); err != nil {
			return err
		}
		e.recorder().RecordChanges(ctx, tx, AuditEntry{
			BudgetRequestID: r.ID,
			Action:          AuditUpdate,
			EntityType:      EntityRequest,
			EntityID:        r.ID,
			UserID:          userID,
			CreatedAt:       r.UpdatedAt,
		}, changes)
		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteRequest soft-deletes a DRAFT or REJECTED request. While items exist
// the delete is refused unless cascade is set, in which case the items are
// removed in the same transaction.
func (e *Engine) DeleteRequest(ctx context.Context, id int64, cascade bool, userID string) error {
	if err := requireUser(userID); err != nil {
		return err
	}

	return e.Store.WithTx(ctx, func(tx Store) error {
		r, err := loadRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusDraft && r.Status != StatusRejected {
			return invalidStatus("delete", r.Status)
		}

		n, err := tx.CountItems(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			if !cascade {
				return PreconditionError(CodeHasItems, "budget request %s still has %d items", r.RequestNumber, n)
			}
			if _, err := tx.DeleteAllItems(ctx, id); err != nil {
				return err
			}
			r.TotalRequestedAmount = decimal.Zero
		}

		r.Deleted = true
		r.UpdatedAt = e.now()
		if err := guardStale(tx.UpdateRequest(ctx, r, r.Status), r); err != nil {
			return err
		}
		e.recorder().Record(ctx, tx, AuditEntry{
			BudgetRequestID: r.ID,
			Action:          AuditDelete,
			EntityType:      EntityRequest,
			EntityID:        r.ID,
			FieldName:       "is_deleted",
			OldValue:        "false",
			NewValue:        "true",
			UserID:          userID,
			CreatedAt:       r.UpdatedAt,
		})
		return nil
	})
}
