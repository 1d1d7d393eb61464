/*
items.go - Line item management

PURPOSE:
  Add, update and delete the drug lines of a budget request, and bulk
  initialize a request from the drug catalog.

RULES:
  - Every mutation requires the owning request to be DRAFT.
  - Unsupplied quarterly quantities default to an even split of
    requested_qty with the remainder pushed to Q4. When only some quarters
    are given, the others share requested_qty minus the given ones, with
    the remainder on the last of them.
  - requested_amount = requested_qty x unit_price is recomputed on every
    write; the request total is recomputed from the surviving items in the
    same store transaction as the mutation.
  - Each mutation is audited (CREATE / UPDATE per field / DELETE).

SEE ALSO:
  - quarter.go: SplitQuarters
  - importer.go: spreadsheet-driven item changes
*/
package budget

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ItemInput carries the user-supplied fields of a line item. Nil fields are
// left unchanged on update and defaulted on add.
type ItemInput struct {
	GenericID       int64
	BudgetID        *int64
	HistoricalUsage *HistoricalUsage
	EstimatedUsage  *decimal.Decimal
	CurrentStock    *decimal.Decimal
	UnitPrice       *decimal.Decimal
	RequestedQty    *decimal.Decimal
	Q1Qty           *decimal.Decimal
	Q2Qty           *decimal.Decimal
	Q3Qty           *decimal.Decimal
	Q4Qty           *decimal.Decimal
}

func (in ItemInput) hasQuarters() bool {
	return in.Q1Qty != nil || in.Q2Qty != nil || in.Q3Qty != nil || in.Q4Qty != nil
}

func (in ItemInput) validate() error {
	if in.UnitPrice != nil && in.UnitPrice.IsNegative() {
		return ValidationError(CodeInvalidPrice, "unit price cannot be negative")
	}
	if in.RequestedQty != nil && in.RequestedQty.IsNegative() {
		return ValidationError(CodeInvalidQuantity, "requested quantity cannot be negative")
	}
	for _, q := range []*decimal.Decimal{in.Q1Qty, in.Q2Qty, in.Q3Qty, in.Q4Qty, in.EstimatedUsage, in.CurrentStock} {
		if q != nil && q.IsNegative() {
			return ValidationError(CodeInvalidQuantity, "quantities cannot be negative")
		}
	}
	return nil
}

// apply copies the supplied fields onto item and re-derives the rest.
// Quarters left out of a partial quarter input share what remains of
// requested_qty.
func (in ItemInput) apply(item *BudgetRequestItem) error {
	if in.BudgetID != nil {
		item.BudgetID = in.BudgetID
	}
	if in.HistoricalUsage != nil {
		item.HistoricalUsage = *in.HistoricalUsage
	}
	if in.EstimatedUsage != nil {
		item.EstimatedUsage = *in.EstimatedUsage
	}
	if in.CurrentStock != nil {
		item.CurrentStock = *in.CurrentStock
	}
	if in.UnitPrice != nil {
		item.UnitPrice = *in.UnitPrice
	}
	qtyChanged := in.RequestedQty != nil && !in.RequestedQty.Equal(item.RequestedQty)
	if in.RequestedQty != nil {
		item.RequestedQty = *in.RequestedQty
	}

	switch {
	case in.hasQuarters():
		var given [4]*decimal.Decimal
		copy(given[:], []*decimal.Decimal{in.Q1Qty, in.Q2Qty, in.Q3Qty, in.Q4Qty})
		q, err := FillQuarters(item.RequestedQty, given)
		if err != nil {
			return err
		}
		item.SetQuarters(q)
	case qtyChanged:
		item.SetQuarters(SplitQuarters(item.RequestedQty, RemainderLast))
	}
	item.Recalculate()
	return nil
}

// =============================================================================
// ITEM MANAGER
// =============================================================================

// Items returns the request's line items ordered by line number.
func (e *Engine) Items(ctx context.Context, requestID int64) ([]BudgetRequestItem, error) {
	if _, err := loadRequest(ctx, e.Store, requestID); err != nil {
		return nil, err
	}
	return e.Store.ListItems(ctx, requestID)
}

// AddItem appends a line for a catalog generic to a DRAFT request.
func (e *Engine) AddItem(ctx context.Context, requestID int64, in ItemInput, userID string) (*BudgetRequestItem, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	g, err := e.Catalog.GenericByID(ctx, in.GenericID)
	if err != nil {
		return nil, err
	}
	if g == nil || !g.Active {
		return nil, NotFoundError(CodeGenericNotFound, "drug generic %d not found", in.GenericID)
	}

	var created *BudgetRequestItem
	err = e.Store.WithTx(ctx, func(tx Store) error {
		r, err := loadDraft(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if dup, err := findGeneric(ctx, tx, requestID, g.ID); err != nil {
			return err
		} else if dup != nil {
			return ConflictErrorCode(CodeDuplicateGeneric, "generic %s is already line %d of this request", g.WorkingCode, dup.LineNumber)
		}

		line, err := tx.MaxLineNumber(ctx, requestID)
		if err != nil {
			return err
		}

		now := e.now()
		item := newItemFromGeneric(r, g, line+1, now)
		if in.UnitPrice == nil {
			in.UnitPrice = &g.UnitPrice
		}
		if in.RequestedQty == nil {
			zero := decimal.Zero
			in.RequestedQty = &zero
		}
		if err := in.apply(item); err != nil {
			return err
		}
		if !in.hasQuarters() {
			item.SetQuarters(SplitQuarters(item.RequestedQty, RemainderLast))
		}

		if err := tx.InsertItem(ctx, item); err != nil {
			return err
		}
		if err := e.refreshTotal(ctx, tx, r); err != nil {
			return err
		}

		e.recorder().Record(ctx, tx, AuditEntry{
			BudgetRequestID: r.ID,
			Action:          AuditCreate,
			EntityType:      EntityItem,
			EntityID:        item.ID,
			FieldName:       "generic_code",
			NewValue:        item.GenericCode,
			UserID:          userID,
			CreatedAt:       now,
		})
		created = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateItem changes the supplied fields of a line item on a DRAFT request.
// A quantity change without explicit quarters re-splits the quarters.
func (e *Engine) UpdateItem(ctx context.Context, requestID, itemID int64, in ItemInput, userID string) (*BudgetRequestItem, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	var updated *BudgetRequestItem
	err := e.Store.WithTx(ctx, func(tx Store) error {
		r, err := loadDraft(ctx, tx, requestID)
		if err != nil {
			return err
		}
		item, err := tx.GetItem(ctx, requestID, itemID)
		if err != nil {
			return err
		}
		if item == nil {
			return NotFoundError(CodeItemNotFound, "item %d not found in budget request %d", itemID, requestID)
		}

		before := *item
		if err := in.apply(item); err != nil {
			return err
		}
		item.UpdatedAt = e.now()

		changes := ItemChanges(before, *item)
		if len(changes) == 0 {
			updated = item
			return nil
		}
		if err := tx.UpdateItem(ctx, item); err != nil {
			return err
		}
		if err := e.refreshTotal(ctx, tx, r); err != nil {
			return err
		}

		e.recorder().RecordChanges(ctx, tx, AuditEntry{
			BudgetRequestID: r.ID,
			Action:          AuditUpdate,
			EntityType:      EntityItem,
			EntityID:        item.ID,
			UserID:          userID,
			CreatedAt:       item.UpdatedAt,
		}, changes)
		updated = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteItem removes one line item from a DRAFT request.
func (e *Engine) DeleteItem(ctx context.Context, requestID, itemID int64, userID string) error {
	n, err := e.DeleteItems(ctx, requestID, []int64{itemID}, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return NotFoundError(CodeItemNotFound, "item %d not found in budget request %d", itemID, requestID)
	}
	return nil
}

// DeleteItems removes the listed items from a DRAFT request and returns how
// many were removed. Unknown ids are ignored.
func (e *Engine) DeleteItems(ctx context.Context, requestID int64, itemIDs []int64, userID string) (int, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}

	var deleted int
	err := e.Store.WithTx(ctx, func(tx Store) error {
		r, err := loadDraft(ctx, tx, requestID)
		if err != nil {
			return err
		}

		var existing []BudgetRequestItem
		for _, id := range itemIDs {
			it, err := tx.GetItem(ctx, requestID, id)
			if err != nil {
				return err
			}
			if it != nil {
				existing = append(existing, *it)
			}
		}

		if deleted, err = tx.DeleteItems(ctx, requestID, itemIDs); err != nil {
			return err
		}
		if err := e.refreshTotal(ctx, tx, r); err != nil {
			return err
		}

		for _, it := range existing {
			e.recorder().Record(ctx, tx, AuditEntry{
				BudgetRequestID: r.ID,
				Action:          AuditDelete,
				EntityType:      EntityItem,
				EntityID:        it.ID,
				FieldName:       "generic_code",
				OldValue:        it.GenericCode,
				UserID:          userID,
				CreatedAt:       r.UpdatedAt,
			})
		}
		return nil
	})
	return deleted, err
}

// DeleteAllItems resets a DRAFT request to no items and a zero total.
func (e *Engine) DeleteAllItems(ctx context.Context, requestID int64, userID string) (int, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}

	var deleted int
	err := e.Store.WithTx(ctx, func(tx Store) error {
		r, err := loadDraft(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if deleted, err = tx.DeleteAllItems(ctx, requestID); err != nil {
			return err
		}
		// No items survive, so the total is known without re-summing.
		if err := e.saveTotal(ctx, tx, r, decimal.Zero); err != nil {
			return err
		}

		e.recorder().Record(ctx, tx, AuditEntry{
			BudgetRequestID: r.ID,
			Action:          AuditDelete,
			EntityType:      EntityItem,
			FieldName:       "items",
			OldValue:        itoa(deleted),
			NewValue:        "0",
			UserID:          userID,
			CreatedAt:       r.UpdatedAt,
		})
		return nil
	})
	return deleted, err
}

// InitializeItems adds one line per active catalog generic not yet on the
// DRAFT request, with three years of usage history, the historical average
// as the usage estimate, the catalog price, and zero requested quantity.
func (e *Engine) InitializeItems(ctx context.Context, requestID int64, userID string) (int, error) {
	if err := requireUser(userID); err != nil {
		return 0, err
	}

	draft, err := loadDraft(ctx, e.Store, requestID)
	if err != nil {
		return 0, err
	}
	generics, err := e.Catalog.ActiveGenerics(ctx)
	if err != nil {
		return 0, err
	}

	// Reference data is read before the transaction; stores may serialize
	// all access behind it.
	years := HistoryYears(draft.FiscalYear)
	usage := make(map[int64]HistoricalUsage, len(generics))
	for _, g := range generics {
		if usage[g.ID], err = e.usageFor(ctx, g.ID, years); err != nil {
			return 0, err
		}
	}

	var created int
	err = e.Store.WithTx(ctx, func(tx Store) error {
		r, err := loadDraft(ctx, tx, requestID)
		if err != nil {
			return err
		}
		items, err := tx.ListItems(ctx, requestID)
		if err != nil {
			return err
		}
		present := make(map[int64]bool, len(items))
		line := 0
		for _, it := range items {
			present[it.GenericID] = true
			if it.LineNumber > line {
				line = it.LineNumber
			}
		}

		now := e.now()
		for i := range generics {
			g := &generics[i]
			if present[g.ID] {
				continue
			}

			line++
			item := newItemFromGeneric(r, g, line, now)
			item.HistoricalUsage = usage[g.ID]
			item.UnitPrice = g.UnitPrice
			item.Recalculate()
			item.EstimatedUsage = item.AvgUsage
			item.Recalculate()

			if err := tx.InsertItem(ctx, item); err != nil {
				return err
			}
			created++
		}

		if err := e.refreshTotal(ctx, tx, r); err != nil {
			return err
		}
		e.recorder().Record(ctx, tx, AuditEntry{
			BudgetRequestID: r.ID,
			Action:          AuditCreate,
			EntityType:      EntityItem,
			FieldName:       "items_initialized",
			NewValue:        itoa(created),
			UserID:          userID,
			CreatedAt:       now,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.log(ctx).Info("budget request items initialized from catalog",
		zap.Int64("request_id", requestID),
		zap.Int("created", created),
	)
	return created, nil
}

func (e *Engine) usageFor(ctx context.Context, genericID int64, years [3]int) (HistoricalUsage, error) {
	var h HistoricalUsage
	for i, y := range years {
		h[i] = UsageYear{FiscalYear: y}
	}
	if e.Usage == nil {
		return h, nil
	}
	m, err := e.Usage.UsageFor(ctx, genericID, years[:])
	if err != nil {
		return h, err
	}
	for i, y := range years {
		h[i].Quantity = m[y]
	}
	return h, nil
}

func newItemFromGeneric(r *BudgetRequest, g *DrugGeneric, line int, now time.Time) *BudgetRequestItem {
	return &BudgetRequestItem{
		RequestID:       r.ID,
		LineNumber:      line,
		GenericID:       g.ID,
		GenericCode:     g.WorkingCode,
		GenericName:     g.Name,
		PackageSize:     g.PackageSize,
		Unit:            g.Unit,
		BudgetID:        g.BudgetID,
		HistoricalUsage: emptyHistory(r.FiscalYear),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func emptyHistory(targetYear int) HistoricalUsage {
	return NewHistoricalUsage(targetYear, decimal.Zero, decimal.Zero, decimal.Zero)
}

func findGeneric(ctx context.Context, s ItemStore, requestID, genericID int64) (*BudgetRequestItem, error) {
	items, err := s.ListItems(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].GenericID == genericID {
			return &items[i], nil
		}
	}
	return nil, nil
}

func itoa(n int) string { return strconv.Itoa(n) }
