// Package store provides an in-memory budget.TxStore, Catalog and
// UsageHistory for tests and demos.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/drug-budget/budget"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements budget.TxStore, budget.Catalog and budget.UsageHistory.
//
// The Fail* fields inject errors for tests: when non-nil, the matching
// operation returns the error without writing.
type Memory struct {
	mu    sync.Mutex
	state *memState

	FailAllocationUpserts error
	FailAudit             error
	FailItemUpdates       error
}

type memState struct {
	requests    map[int64]budget.BudgetRequest
	sequences   map[int]int
	items       map[int64]budget.BudgetRequestItem
	allocations map[budget.AllocationKey]budget.BudgetAllocation
	audit       []budget.AuditEntry
	generics    map[int64]budget.DrugGeneric
	usage       map[int64]map[int]decimal.Decimal

	nextRequestID int64
	nextItemID    int64
	nextAuditID   int64
	nextGenericID int64
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		requests:    make(map[int64]budget.BudgetRequest),
		sequences:   make(map[int]int),
		items:       make(map[int64]budget.BudgetRequestItem),
		allocations: make(map[budget.AllocationKey]budget.BudgetAllocation),
		generics:    make(map[int64]budget.DrugGeneric),
		usage:       make(map[int64]map[int]decimal.Decimal),
	}}
}

// WithTx runs fn against an unlocked view while holding the store lock.
// Writes go straight to the state; a snapshot taken up front is restored
// when fn fails.
func (m *Memory) WithTx(_ context.Context, fn func(budget.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&view{m: m}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *memState) clone() *memState {
	c := *s
	c.requests = make(map[int64]budget.BudgetRequest, len(s.requests))
	for k, v := range s.requests {
		c.requests[k] = v
	}
	c.sequences = make(map[int]int, len(s.sequences))
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	c.items = make(map[int64]budget.BudgetRequestItem, len(s.items))
	for k, v := range s.items {
		c.items[k] = v
	}
	c.allocations = make(map[budget.AllocationKey]budget.BudgetAllocation, len(s.allocations))
	for k, v := range s.allocations {
		c.allocations[k] = v
	}
	c.audit = append([]budget.AuditEntry(nil), s.audit...)
	// Catalog and usage are reference data and not written inside transactions.
	return &c
}

// locked runs fn against the view while holding the lock.
func (m *Memory) locked(fn func(v *view) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(&view{m: m})
}

// =============================================================================
// LOCKED WRAPPERS
// =============================================================================

func (m *Memory) NextRequestSequence(ctx context.Context, fiscalYear int) (seq int, err error) {
	err = m.locked(func(v *view) error {
		seq, err = v.NextRequestSequence(ctx, fiscalYear)
		return err
	})
	return seq, err
}

func (m *Memory) InsertRequest(ctx context.Context, r *budget.BudgetRequest) error {
	return m.locked(func(v *view) error { return v.InsertRequest(ctx, r) })
}

func (m *Memory) GetRequest(ctx context.Context, id int64) (r *budget.BudgetRequest, err error) {
	err = m.locked(func(v *view) error {
		r, err = v.GetRequest(ctx, id)
		return err
	})
	return r, err
}

func (m *Memory) UpdateRequest(ctx context.Context, r *budget.BudgetRequest, from budget.Status) error {
	return m.locked(func(v *view) error { return v.UpdateRequest(ctx, r, from) })
}

func (m *Memory) ListRequests(ctx context.Context, filter budget.RequestFilter) (out []budget.BudgetRequest, err error) {
	err = m.locked(func(v *view) error {
		out, err = v.ListRequests(ctx, filter)
		return err
	})
	return out, err
}

func (m *Memory) ListItems(ctx context.Context, requestID int64) (out []budget.BudgetRequestItem, err error) {
	err = m.locked(func(v *view) error {
		out, err = v.ListItems(ctx, requestID)
		return err
	})
	return out, err
}

func (m *Memory) GetItem(ctx context.Context, requestID, itemID int64) (it *budget.BudgetRequestItem, err error) {
	err = m.locked(func(v *view) error {
		it, err = v.GetItem(ctx, requestID, itemID)
		return err
	})
	return it, err
}

func (m *Memory) InsertItem(ctx context.Context, item *budget.BudgetRequestItem) error {
	return m.locked(func(v *view) error { return v.InsertItem(ctx, item) })
}

func (m *Memory) UpdateItem(ctx context.Context, item *budget.BudgetRequestItem) error {
	return m.locked(func(v *view) error { return v.UpdateItem(ctx, item) })
}

func (m *Memory) DeleteItems(ctx context.Context, requestID int64, itemIDs []int64) (n int, err error) {
	err = m.locked(func(v *view) error {
		n, err = v.DeleteItems(ctx, requestID, itemIDs)
		return err
	})
	return n, err
}

func (m *Memory) DeleteAllItems(ctx context.Context, requestID int64) (n int, err error) {
	err = m.locked(func(v *view) error {
		n, err = v.DeleteAllItems(ctx, requestID)
		return err
	})
	return n, err
}

func (m *Memory) CountItems(ctx context.Context, requestID int64) (n int, err error) {
	err = m.locked(func(v *view) error {
		n, err = v.CountItems(ctx, requestID)
		return err
	})
	return n, err
}

func (m *Memory) MaxLineNumber(ctx context.Context, requestID int64) (n int, err error) {
	err = m.locked(func(v *view) error {
		n, err = v.MaxLineNumber(ctx, requestID)
		return err
	})
	return n, err
}

func (m *Memory) UpsertAllocation(ctx context.Context, delta budget.AllocationDelta) error {
	return m.locked(func(v *view) error { return v.UpsertAllocation(ctx, delta) })
}

func (m *Memory) GetAllocation(ctx context.Context, key budget.AllocationKey) (a *budget.BudgetAllocation, err error) {
	err = m.locked(func(v *view) error {
		a, err = v.GetAllocation(ctx, key)
		return err
	})
	return a, err
}

func (m *Memory) ListAllocations(ctx context.Context, fiscalYear int) (out []budget.BudgetAllocation, err error) {
	err = m.locked(func(v *view) error {
		out, err = v.ListAllocations(ctx, fiscalYear)
		return err
	})
	return out, err
}

func (m *Memory) AppendAudit(ctx context.Context, entry budget.AuditEntry) error {
	return m.locked(func(v *view) error { return v.AppendAudit(ctx, entry) })
}

func (m *Memory) ListAudit(ctx context.Context, requestID int64) (out []budget.AuditEntry, err error) {
	err = m.locked(func(v *view) error {
		out, err = v.ListAudit(ctx, requestID)
		return err
	})
	return out, err
}

// =============================================================================
// CATALOG & USAGE
// =============================================================================

// AddGeneric registers a catalog entry, assigning an ID when zero.
func (m *Memory) AddGeneric(g budget.DrugGeneric) budget.DrugGeneric {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	if g.ID == 0 {
		s.nextGenericID++
		g.ID = s.nextGenericID
	} else if g.ID > s.nextGenericID {
		s.nextGenericID = g.ID
	}
	s.generics[g.ID] = g
	return g
}

// SetUsage records consumption of a generic in one fiscal year.
func (m *Memory) SetUsage(genericID int64, fiscalYear int, qty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byYear := m.state.usage[genericID]
	if byYear == nil {
		byYear = make(map[int]decimal.Decimal)
		m.state.usage[genericID] = byYear
	}
	byYear[fiscalYear] = qty
}

func (m *Memory) GenericByID(_ context.Context, id int64) (*budget.DrugGeneric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.state.generics[id]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (m *Memory) GenericByCode(_ context.Context, code string) (*budget.DrugGeneric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code = strings.TrimSpace(code)
	for _, g := range m.state.generics {
		if g.Active && strings.EqualFold(g.WorkingCode, code) {
			return &g, nil
		}
	}
	return nil, nil
}

func (m *Memory) ActiveGenerics(_ context.Context) ([]budget.DrugGeneric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []budget.DrugGeneric
	for _, g := range m.state.generics {
		if g.Active {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkingCode < out[j].WorkingCode })
	return out, nil
}

func (m *Memory) UsageFor(_ context.Context, genericID int64, fiscalYears []int) (map[int]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]decimal.Decimal, len(fiscalYears))
	for _, y := range fiscalYears {
		if q, ok := m.state.usage[genericID][y]; ok {
			out[y] = q
		}
	}
	return out, nil
}

// =============================================================================
// UNLOCKED VIEW
// =============================================================================

// view implements budget.Store on the current state without locking. It is
// handed to WithTx callbacks and used by the locked wrappers.
type view struct {
	m *Memory
}

func (v *view) NextRequestSequence(_ context.Context, fiscalYear int) (int, error) {
	s := v.m.state
	s.sequences[fiscalYear]++
	return s.sequences[fiscalYear], nil
}

func (v *view) InsertRequest(_ context.Context, r *budget.BudgetRequest) error {
	s := v.m.state
	for _, existing := range s.requests {
		if existing.RequestNumber == r.RequestNumber {
			return budget.ConflictErrorCode(budget.CodeStoreConflict, "request number %s already exists", r.RequestNumber)
		}
	}
	s.nextRequestID++
	r.ID = s.nextRequestID
	s.requests[r.ID] = *r
	return nil
}

func (v *view) GetRequest(_ context.Context, id int64) (*budget.BudgetRequest, error) {
	r, ok := v.m.state.requests[id]
	if !ok || r.Deleted {
		return nil, nil
	}
	return &r, nil
}

func (v *view) UpdateRequest(_ context.Context, r *budget.BudgetRequest, from budget.Status) error {
	s := v.m.state
	current, ok := s.requests[r.ID]
	if !ok || current.Deleted {
		return budget.NotFoundError(budget.CodeRequestNotFound, "budget request %d not found", r.ID)
	}
	if current.Status != from {
		return budget.ErrStaleStatus
	}
	s.requests[r.ID] = *r
	return nil
}

func (v *view) ListRequests(_ context.Context, f budget.RequestFilter) ([]budget.BudgetRequest, error) {
	out := []budget.BudgetRequest{}
	for _, r := range v.m.state.requests {
		if r.Deleted {
			continue
		}
		if f.FiscalYear != nil && r.FiscalYear != *f.FiscalYear {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if f.DepartmentID != nil && (r.DepartmentID == nil || *r.DepartmentID != *f.DepartmentID) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (v *view) ListItems(_ context.Context, requestID int64) ([]budget.BudgetRequestItem, error) {
	out := []budget.BudgetRequestItem{}
	for _, it := range v.m.state.items {
		if it.RequestID == requestID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LineNumber != out[j].LineNumber {
			return out[i].LineNumber < out[j].LineNumber
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *view) GetItem(_ context.Context, requestID, itemID int64) (*budget.BudgetRequestItem, error) {
	it, ok := v.m.state.items[itemID]
	if !ok || it.RequestID != requestID {
		return nil, nil
	}
	return &it, nil
}

func (v *view) InsertItem(_ context.Context, item *budget.BudgetRequestItem) error {
	s := v.m.state
	for _, it := range s.items {
		if it.RequestID == item.RequestID && it.GenericID == item.GenericID {
			return budget.ConflictErrorCode(budget.CodeDuplicateGeneric, "generic %d already on request %d", item.GenericID, item.RequestID)
		}
	}
	s.nextItemID++
	item.ID = s.nextItemID
	s.items[item.ID] = *item
	return nil
}

func (v *view) UpdateItem(_ context.Context, item *budget.BudgetRequestItem) error {
	if v.m.FailItemUpdates != nil {
		return v.m.FailItemUpdates
	}
	s := v.m.state
	if _, ok := s.items[item.ID]; !ok {
		return budget.NotFoundError(budget.CodeItemNotFound, "item %d not found", item.ID)
	}
	s.items[item.ID] = *item
	return nil
}

func (v *view) DeleteItems(_ context.Context, requestID int64, itemIDs []int64) (int, error) {
	s := v.m.state
	n := 0
	for _, id := range itemIDs {
		if it, ok := s.items[id]; ok && it.RequestID == requestID {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (v *view) DeleteAllItems(_ context.Context, requestID int64) (int, error) {
	s := v.m.state
	n := 0
	for id, it := range s.items {
		if it.RequestID == requestID {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

func (v *view) CountItems(_ context.Context, requestID int64) (int, error) {
	n := 0
	for _, it := range v.m.state.items {
		if it.RequestID == requestID {
			n++
		}
	}
	return n, nil
}

func (v *view) MaxLineNumber(_ context.Context, requestID int64) (int, error) {
	maxLine := 0
	for _, it := range v.m.state.items {
		if it.RequestID == requestID && it.LineNumber > maxLine {
			maxLine = it.LineNumber
		}
	}
	return maxLine, nil
}

// UpsertAllocation accumulates the delta in satang precision, matching the
// SQLite store's integer columns.
func (v *view) UpsertAllocation(_ context.Context, d budget.AllocationDelta) error {
	if v.m.FailAllocationUpserts != nil {
		return v.m.FailAllocationUpserts
	}
	s := v.m.state
	a, ok := s.allocations[d.Key]
	if !ok {
		a = budget.BudgetAllocation{AllocationKey: d.Key, CreatedAt: nowUTC()}
	}
	total := d.Total.Round(2)
	a.TotalBudget = a.TotalBudget.Add(total)
	a.Q1Budget = a.Q1Budget.Add(d.Quarters[0].Round(2))
	a.Q2Budget = a.Q2Budget.Add(d.Quarters[1].Round(2))
	a.Q3Budget = a.Q3Budget.Add(d.Quarters[2].Round(2))
	a.Q4Budget = a.Q4Budget.Add(d.Quarters[3].Round(2))
	a.RemainingBudget = a.RemainingBudget.Add(total)
	a.UpdatedAt = nowUTC()
	s.allocations[d.Key] = a
	return nil
}

func (v *view) GetAllocation(_ context.Context, key budget.AllocationKey) (*budget.BudgetAllocation, error) {
	a, ok := v.m.state.allocations[key]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (v *view) ListAllocations(_ context.Context, fiscalYear int) ([]budget.BudgetAllocation, error) {
	out := []budget.BudgetAllocation{}
	for _, a := range v.m.state.allocations {
		if a.FiscalYear == fiscalYear {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BudgetID != out[j].BudgetID {
			return out[i].BudgetID < out[j].BudgetID
		}
		return out[i].DepartmentID < out[j].DepartmentID
	})
	return out, nil
}

func (v *view) AppendAudit(_ context.Context, entry budget.AuditEntry) error {
	if v.m.FailAudit != nil {
		return v.m.FailAudit
	}
	s := v.m.state
	s.nextAuditID++
	entry.ID = s.nextAuditID
	s.audit = append(s.audit, entry)
	return nil
}

func (v *view) ListAudit(_ context.Context, requestID int64) ([]budget.AuditEntry, error) {
	out := []budget.AuditEntry{}
	for _, e := range v.m.state.audit {
		if e.BudgetRequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func nowUTC() time.Time { return time.Now().UTC() }
