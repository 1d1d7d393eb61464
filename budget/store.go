/*
store.go - Persistence interfaces for the budget engine

PURPOSE:
  Defines the boundary between the engine and the Ledger Store. The engine
  never issues SQL; it talks to these interfaces. Implementations:
  - store/sqlite/sqlite.go: production SQLite store
  - budget/store/memory.go: in-memory store for tests and demos

KEY INTERFACES:
  RequestStore:    budget_requests rows + per-year request number sequence
  ItemStore:       budget_request_items rows
  AllocationStore: budget_allocations, including the atomic accumulate-upsert
  AuditStore:      append-only budget_request_audit rows
  TxStore:         runs a function inside one store transaction
  Catalog:         read-only drug generic lookups
  UsageHistory:    read-only historical consumption per generic and year

GUARDED UPDATES:
  UpdateRequest takes the status the caller last observed. The store writes
  only if the row still has that status and returns ErrStaleStatus otherwise,
  so two concurrent transitions on one request cannot both succeed.

ACCUMULATING UPSERT:
  UpsertAllocation inserts the delta as a new row or, when the
  (fiscal_year, budget_id, department_id) key exists, adds the delta onto the
  budget and remaining columns in the same statement. Spent columns are never
  touched. No read-modify-write happens in Go.

SEE ALSO:
  - workflow.go: the finance-approval transaction
  - errors.go: kinds stores map their failures onto
*/
package budget

import (
	"context"

	"github.com/shopspring/decimal"
)

// RequestStore persists budget requests.
type RequestStore interface {
	// NextRequestSequence returns the next sequence value for fiscalYear.
	// Values are unique per year; gaps are allowed.
	NextRequestSequence(ctx context.Context, fiscalYear int) (int, error)

	// InsertRequest persists a new request and assigns its ID.
	InsertRequest(ctx context.Context, r *BudgetRequest) error

	// GetRequest returns nil, nil when the request is absent or soft-deleted.
	GetRequest(ctx context.Context, id int64) (*BudgetRequest, error)

	// UpdateRequest writes r if the stored status still equals from.
	UpdateRequest(ctx context.Context, r *BudgetRequest, from Status) error

	ListRequests(ctx context.Context, filter RequestFilter) ([]BudgetRequest, error)
}

// ItemStore persists line items.
type ItemStore interface {
	// ListItems returns the request's items ordered by line number.
	ListItems(ctx context.Context, requestID int64) ([]BudgetRequestItem, error)

	// GetItem returns nil, nil when the item is absent from the request.
	GetItem(ctx context.Context, requestID, itemID int64) (*BudgetRequestItem, error)

	InsertItem(ctx context.Context, item *BudgetRequestItem) error
	UpdateItem(ctx context.Context, item *BudgetRequestItem) error

	// DeleteItems removes the given items of the request and reports how many existed.
	DeleteItems(ctx context.Context, requestID int64, itemIDs []int64) (int, error)
	DeleteAllItems(ctx context.Context, requestID int64) (int, error)

	CountItems(ctx context.Context, requestID int64) (int, error)
	MaxLineNumber(ctx context.Context, requestID int64) (int, error)
}

// AllocationStore persists the allocation ledger.
type AllocationStore interface {
	UpsertAllocation(ctx context.Context, delta AllocationDelta) error

	// GetAllocation returns nil, nil when no row exists for key.
	GetAllocation(ctx context.Context, key AllocationKey) (*BudgetAllocation, error)
	ListAllocations(ctx context.Context, fiscalYear int) ([]BudgetAllocation, error)
}

// AuditStore persists audit entries. Append-only.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
	ListAudit(ctx context.Context, requestID int64) ([]AuditEntry, error)
}

// Store is the full Ledger Store surface.
type Store interface {
	RequestStore
	ItemStore
	AllocationStore
	AuditStore
}

// TxStore runs fn inside one transaction: committed when fn returns nil,
// rolled back otherwise. fn must only use the Store it is given.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Catalog looks up drug generics. Lookups return nil, nil when absent.
type Catalog interface {
	GenericByID(ctx context.Context, id int64) (*DrugGeneric, error)
	// GenericByCode resolves an active generic by its external working code.
	GenericByCode(ctx context.Context, code string) (*DrugGeneric, error)
	ActiveGenerics(ctx context.Context) ([]DrugGeneric, error)
}

// UsageHistory reports consumed quantity per fiscal year. Missing years are
// absent from the map.
type UsageHistory interface {
	UsageFor(ctx context.Context, genericID int64, fiscalYears []int) (map[int]decimal.Decimal, error)
}
