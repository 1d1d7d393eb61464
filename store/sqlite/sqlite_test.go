package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/drug-budget/budget"
	"github.com/warp/drug-budget/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T) (*budget.Engine, *sqlite.Store) {
	t.Helper()
	store := newTestStore(t)
	e := budget.NewEngine(store, store)
	e.Usage = store
	return e, store
}

func saveGeneric(t *testing.T, store *sqlite.Store, code, price string, budgetID *int64) budget.DrugGeneric {
	t.Helper()
	g := budget.DrugGeneric{
		WorkingCode: code,
		Name:        code + " generic",
		Unit:        "TAB",
		UnitPrice:   decimal.RequireFromString(price),
		BudgetID:    budgetID,
		Active:      true,
	}
	require.NoError(t, store.SaveGeneric(context.Background(), &g))
	return g
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// REQUESTS
// =============================================================================

func TestStore_RequestSequencePerYear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var got []int
	for _, fy := range []int{2568, 2568, 2569, 2568} {
		seq, err := store.NextRequestSequence(ctx, fy)
		require.NoError(t, err)
		got = append(got, seq)
	}
	assert.Equal(t, []int{1, 2, 1, 3}, got)
}

func TestStore_RequestRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dept := int64(10)
	submitter := "alice"
	submittedAt := time.Date(2025, time.March, 10, 9, 30, 0, 0, time.UTC)
	r := &budget.BudgetRequest{
		RequestNumber:        "BR-2568-001",
		FiscalYear:           2568,
		DepartmentID:         &dept,
		Status:               budget.StatusSubmitted,
		TotalRequestedAmount: dec("1234.56"),
		Justification:        "Annual replenishment",
		SubmittedBy:          &submitter,
		SubmittedAt:          &submittedAt,
		CreatedBy:            "alice",
		CreatedAt:            submittedAt,
		UpdatedAt:            submittedAt,
	}
	require.NoError(t, store.InsertRequest(ctx, r))
	require.NotZero(t, r.ID)

	got, err := store.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "BR-2568-001", got.RequestNumber)
	require.NotNil(t, got.DepartmentID)
	assert.Equal(t, dept, *got.DepartmentID)
	assert.True(t, got.TotalRequestedAmount.Equal(dec("1234.56")))
	require.NotNil(t, got.SubmittedAt)
	assert.True(t, got.SubmittedAt.Equal(submittedAt))
	assert.Nil(t, got.DeptReviewedBy)

	missing, err := store.GetRequest(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)

	err = store.InsertRequest(ctx, &budget.BudgetRequest{RequestNumber: "BR-2568-001", FiscalYear: 2568, Status: budget.StatusDraft})
	assert.ErrorIs(t, err, budget.ErrConflict)
}

func TestStore_UpdateRequest_GuardedOnStatus(t *testing.T) {
	// GIVEN: A request observed as SUBMITTED by two writers
	// WHEN: The first moves it to DEPT_APPROVED and the second tries to reject it
	// THEN: The second write reports ErrStaleStatus and changes nothing

	store := newTestStore(t)
	ctx := context.Background()

	r := &budget.BudgetRequest{RequestNumber: "BR-2568-001", FiscalYear: 2568, Status: budget.StatusSubmitted}
	require.NoError(t, store.InsertRequest(ctx, r))

	first := *r
	first.Status = budget.StatusDeptApproved
	require.NoError(t, store.UpdateRequest(ctx, &first, budget.StatusSubmitted))

	second := *r
	second.Status = budget.StatusRejected
	second.RejectionReason = "late"
	err := store.UpdateRequest(ctx, &second, budget.StatusSubmitted)
	assert.ErrorIs(t, err, budget.ErrStaleStatus)

	got, err := store.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.StatusDeptApproved, got.Status)
	assert.Empty(t, got.RejectionReason)

	first.Deleted = true
	require.NoError(t, store.UpdateRequest(ctx, &first, budget.StatusDeptApproved))
	err = store.UpdateRequest(ctx, &first, budget.StatusDeptApproved)
	assert.ErrorIs(t, err, budget.ErrNotFound)
}

func TestStore_ListRequests(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	dept := int64(10)
	for i, st := range []budget.Status{budget.StatusDraft, budget.StatusSubmitted, budget.StatusDraft} {
		r := &budget.BudgetRequest{RequestNumber: budget.RequestNumber(2568, i+1), FiscalYear: 2568, Status: st}
		if i == 0 {
			r.DepartmentID = &dept
		}
		require.NoError(t, store.InsertRequest(ctx, r))
	}

	all, err := store.ListRequests(ctx, budget.RequestFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "BR-2568-003", all[0].RequestNumber, "newest first")

	draft := budget.StatusDraft
	list, err := store.ListRequests(ctx, budget.RequestFilter{Status: &draft, DepartmentID: &dept})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "BR-2568-001", list[0].RequestNumber)
}

// =============================================================================
// ITEMS
// =============================================================================

func TestStore_Items(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r := &budget.BudgetRequest{RequestNumber: "BR-2568-001", FiscalYear: 2568, Status: budget.StatusDraft}
	require.NoError(t, store.InsertRequest(ctx, r))

	it := &budget.BudgetRequestItem{
		RequestID:       r.ID,
		LineNumber:      1,
		GenericID:       7,
		GenericCode:     "PARA500",
		GenericName:     "Paracetamol",
		HistoricalUsage: budget.NewHistoricalUsage(2568, dec("10"), dec("20"), dec("30.5")),
		UnitPrice:       dec("2.50"),
		RequestedQty:    dec("10"),
	}
	it.SetQuarters(budget.SplitQuarters(it.RequestedQty, budget.RemainderLast))
	it.Recalculate()
	require.NoError(t, store.InsertItem(ctx, it))

	got, err := store.GetItem(ctx, r.ID, it.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2567, got.HistoricalUsage[2].FiscalYear)
	assert.True(t, got.HistoricalUsage[2].Quantity.Equal(dec("30.5")))
	assert.True(t, got.RequestedAmount.Equal(dec("25")))
	assert.True(t, got.Q4Qty.Equal(dec("4")))

	dup := *it
	dup.LineNumber = 2
	err = store.InsertItem(ctx, &dup)
	assert.ErrorIs(t, err, budget.ErrConflict)
	assert.Equal(t, budget.CodeDuplicateGeneric, budget.CodeOf(err))

	other, err := store.GetItem(ctx, r.ID+1, it.ID)
	require.NoError(t, err)
	assert.Nil(t, other, "items are scoped to their request")

	got.RequestedQty = dec("12")
	got.Recalculate()
	require.NoError(t, store.UpdateItem(ctx, got))

	n, err := store.MaxLineNumber(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	deleted, err := store.DeleteItems(ctx, r.ID, []int64{it.ID, 404})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	count, err := store.CountItems(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func TestStore_UpsertAllocation_AccumulatesExactly(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: The same key receives three deltas with fractional baht
	// THEN: Totals add exactly and remaining tracks total; spent stays zero

	store := newTestStore(t)
	ctx := context.Background()
	key := budget.AllocationKey{FiscalYear: 2568, BudgetID: 1, DepartmentID: 10}

	for _, amount := range []string{"0.10", "0.20", "1234.75"} {
		d := budget.AllocationDelta{Key: key, Total: dec(amount)}
		d.Quarters[3] = dec(amount)
		require.NoError(t, store.UpsertAllocation(ctx, d))
	}

	a, err := store.GetAllocation(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "1235.05", a.TotalBudget.StringFixed(2))
	assert.Equal(t, "1235.05", a.Q4Budget.StringFixed(2))
	assert.Equal(t, "0.00", a.Q1Budget.StringFixed(2))
	assert.Equal(t, "1235.05", a.RemainingBudget.StringFixed(2))
	assert.True(t, a.TotalSpent.IsZero())

	rows, err := store.ListAllocations(ctx, 2568)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	none, err := store.GetAllocation(ctx, budget.AllocationKey{FiscalYear: 2569, BudgetID: 1, DepartmentID: 10})
	require.NoError(t, err)
	assert.Nil(t, none)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_WithTx_RollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx budget.Store) error {
		require.NoError(t, tx.InsertRequest(ctx, &budget.BudgetRequest{RequestNumber: "BR-2568-001", FiscalYear: 2568, Status: budget.StatusDraft}))
		require.NoError(t, tx.UpsertAllocation(ctx, budget.AllocationDelta{Key: budget.AllocationKey{FiscalYear: 2568, BudgetID: 1, DepartmentID: 1}, Total: dec("5")}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	list, err := store.ListRequests(ctx, budget.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	rows, err := store.ListAllocations(ctx, 2568)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestStore_Catalog(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	biologics := int64(2)
	para := saveGeneric(t, store, "PARA500", "2.50", nil)
	ins := saveGeneric(t, store, "INS100", "250", &biologics)
	old := budget.DrugGeneric{WorkingCode: "OLD001", Name: "Withdrawn", UnitPrice: dec("1"), Active: false}
	require.NoError(t, store.SaveGeneric(ctx, &old))

	// Saving again by code keeps the id.
	again := budget.DrugGeneric{WorkingCode: "PARA500", Name: "Paracetamol", UnitPrice: dec("2.75"), Active: true}
	require.NoError(t, store.SaveGeneric(ctx, &again))
	assert.Equal(t, para.ID, again.ID)

	g, err := store.GenericByCode(ctx, "para500")
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.True(t, g.UnitPrice.Equal(dec("2.75")))

	g, err = store.GenericByCode(ctx, "OLD001")
	require.NoError(t, err)
	assert.Nil(t, g, "inactive generics are not resolvable by code")

	g, err = store.GenericByID(ctx, ins.ID)
	require.NoError(t, err)
	require.NotNil(t, g.BudgetID)
	assert.Equal(t, biologics, *g.BudgetID)

	active, err := store.ActiveGenerics(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "INS100", active[0].WorkingCode)

	require.NoError(t, store.SaveUsage(ctx, para.ID, 2566, dec("120")))
	require.NoError(t, store.SaveUsage(ctx, para.ID, 2567, dec("80")))
	require.NoError(t, store.SaveUsage(ctx, para.ID, 2567, dec("90")))
	usage, err := store.UsageFor(ctx, para.ID, []int{2565, 2566, 2567})
	require.NoError(t, err)
	assert.Len(t, usage, 2)
	assert.True(t, usage[2567].Equal(dec("90")))
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestStore_EngineApprovalFlow(t *testing.T) {
	// GIVEN: The engine running on SQLite with two catalog drugs
	// WHEN: Two requests for one department are finance approved
	// THEN: The allocation ledger accumulates both totals in one row

	engine, store := newTestEngine(t)
	ctx := context.Background()
	para := saveGeneric(t, store, "PARA500", "2.50", nil)
	amox := saveGeneric(t, store, "AMOX250", "1.75", nil)
	require.NoError(t, store.SaveUsage(ctx, para.ID, 2567, dec("300")))

	dept := int64(10)
	approve := func(qty string) *budget.BudgetRequest {
		r, err := engine.CreateRequest(ctx, budget.NewRequest{
			FiscalYear:    2568,
			DepartmentID:  &dept,
			Justification: "Annual replenishment for the outpatient pharmacy",
		}, "alice")
		require.NoError(t, err)

		n, err := engine.InitializeItems(ctx, r.ID, "alice")
		require.NoError(t, err)
		require.Equal(t, 2, n)

		items, err := engine.Items(ctx, r.ID)
		require.NoError(t, err)
		for _, it := range items {
			_, err := engine.UpdateItem(ctx, r.ID, it.ID, budget.ItemInput{RequestedQty: decimalPtr(qty)}, "alice")
			require.NoError(t, err)
		}

		_, err = engine.Submit(ctx, r.ID, "alice")
		require.NoError(t, err)
		_, err = engine.ApproveDept(ctx, r.ID, "bob", "")
		require.NoError(t, err)
		r, err = engine.ApproveFinance(ctx, r.ID, "carol", "")
		require.NoError(t, err)
		return r
	}

	first := approve("401") // 1002.50 + 701.75
	second := approve("3")  // 7.50 + 5.25
	assert.Equal(t, "BR-2568-001", first.RequestNumber)
	assert.Equal(t, "BR-2568-002", second.RequestNumber)

	items, err := engine.Items(ctx, first.ID)
	require.NoError(t, err)
	for _, it := range items {
		if it.GenericID == para.ID {
			assert.True(t, it.HistoricalUsage[2].Quantity.Equal(dec("300")))
			assert.True(t, it.AvgUsage.Equal(dec("100")))
		}
		if it.GenericID == amox.ID {
			assert.True(t, it.AvgUsage.IsZero())
		}
	}

	a, err := engine.Allocation(ctx, budget.AllocationKey{FiscalYear: 2568, BudgetID: budget.DefaultMainBudgetID, DepartmentID: dept})
	require.NoError(t, err)
	assert.Equal(t, "1717.00", a.TotalBudget.StringFixed(2))
	assert.Equal(t, "1717.00", a.RemainingBudget.StringFixed(2))

	trail, err := engine.AuditTrail(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.AuditCreate, trail[0].Action)
	assert.Equal(t, budget.AuditApproveFinance, trail[len(trail)-1].Action)

	// Finance approved requests are locked.
	_, err = engine.Reopen(ctx, first.ID, "more", "alice")
	assert.Equal(t, budget.CodeBudgetLocked, budget.CodeOf(err))
}

func TestStore_EngineAmountsInSatang(t *testing.T) {
	// GIVEN: The engine on SQLite and items with sub-satang amounts
	// WHEN: The request is finance approved
	// THEN: The stored request total and the allocation are the same satang
	//       amount, as with the in-memory store

	engine, store := newTestEngine(t)
	ctx := context.Background()
	para := saveGeneric(t, store, "PARA500", "2.50", nil)
	amox := saveGeneric(t, store, "AMOX250", "1.75", nil)

	dept := int64(10)
	r, err := engine.CreateRequest(ctx, budget.NewRequest{
		FiscalYear:    2568,
		DepartmentID:  &dept,
		Justification: "Annual replenishment for the outpatient pharmacy",
	}, "alice")
	require.NoError(t, err)
	_, err = engine.AddItem(ctx, r.ID, budget.ItemInput{GenericID: para.ID, UnitPrice: decimalPtr("0.125"), RequestedQty: decimalPtr("5")}, "alice")
	require.NoError(t, err)
	_, err = engine.AddItem(ctx, r.ID, budget.ItemInput{GenericID: amox.ID, UnitPrice: decimalPtr("0.375"), RequestedQty: decimalPtr("1")}, "alice")
	require.NoError(t, err)

	_, err = engine.Submit(ctx, r.ID, "alice")
	require.NoError(t, err)
	_, err = engine.ApproveDept(ctx, r.ID, "bob", "")
	require.NoError(t, err)
	_, err = engine.ApproveFinance(ctx, r.ID, "carol", "")
	require.NoError(t, err)

	got, err := engine.GetRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.01", got.TotalRequestedAmount.StringFixed(2))
	assert.True(t, got.TotalRequestedAmount.Equal(dec("1.01")))

	a, err := engine.Allocation(ctx, budget.AllocationKey{FiscalYear: 2568, BudgetID: budget.DefaultMainBudgetID, DepartmentID: dept})
	require.NoError(t, err)
	assert.True(t, a.TotalBudget.Equal(got.TotalRequestedAmount))
	assert.Equal(t, "0.13", a.Q1Budget.StringFixed(2))
	assert.Equal(t, "0.62", a.Q4Budget.StringFixed(2))
}

func decimalPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}
