package budget_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/drug-budget/budget"
	"github.com/warp/drug-budget/budget/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const testYear = 2568

var (
	fixedNow      = time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	goodReason    = "Annual replenishment for the outpatient pharmacy"
	deptPharmacy  = int64(10)
	deptEmergency = int64(20)
)

type testEnv struct {
	engine *budget.Engine
	mem    *store.Memory
	logs   *observer.ObservedLogs

	para budget.DrugGeneric // 2.50, main budget
	amox budget.DrugGeneric // 1.75, main budget
	ins  budget.DrugGeneric // 250.00, budget type 2
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	e := budget.NewEngine(mem, mem)
	e.Usage = mem
	e.Logger = logger
	e.Audit = budget.NewRecorder(logger, nil)
	e.Clock = func() time.Time { return fixedNow }

	biologics := int64(2)
	env := &testEnv{engine: e, mem: mem, logs: logs}
	env.para = mem.AddGeneric(budget.DrugGeneric{WorkingCode: "PARA500", Name: "Paracetamol 500 mg", Unit: "TAB", UnitPrice: dec("2.50"), Active: true})
	env.amox = mem.AddGeneric(budget.DrugGeneric{WorkingCode: "AMOX250", Name: "Amoxicillin 250 mg", Unit: "CAP", UnitPrice: dec("1.75"), Active: true})
	env.ins = mem.AddGeneric(budget.DrugGeneric{WorkingCode: "INS100", Name: "Insulin 100 IU/mL", Unit: "VIAL", UnitPrice: dec("250"), BudgetID: &biologics, Active: true})
	mem.AddGeneric(budget.DrugGeneric{WorkingCode: "OLD001", Name: "Withdrawn", UnitPrice: dec("9"), Active: false})
	return env
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertDec(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s %v", want, got.String(), msgAndArgs)
}

// newDraft creates a department request with a valid justification.
func (env *testEnv) newDraft(t *testing.T, dept *int64) *budget.BudgetRequest {
	t.Helper()
	r, err := env.engine.CreateRequest(context.Background(), budget.NewRequest{
		FiscalYear:    testYear,
		DepartmentID:  dept,
		Justification: goodReason,
	}, "alice")
	require.NoError(t, err)
	return r
}

func (env *testEnv) addItem(t *testing.T, requestID int64, g budget.DrugGeneric, qty string) *budget.BudgetRequestItem {
	t.Helper()
	it, err := env.engine.AddItem(context.Background(), requestID, budget.ItemInput{
		GenericID:    g.ID,
		RequestedQty: decp(qty),
	}, "alice")
	require.NoError(t, err)
	return it
}

// deptApproved walks a request with the given items to DEPT_APPROVED.
func (env *testEnv) deptApproved(t *testing.T, dept *int64, lines map[*budget.DrugGeneric]string) *budget.BudgetRequest {
	t.Helper()
	ctx := context.Background()
	r := env.newDraft(t, dept)
	for g, qty := range lines {
		env.addItem(t, r.ID, *g, qty)
	}
	_, err := env.engine.Submit(ctx, r.ID, "alice")
	require.NoError(t, err)
	r, err = env.engine.ApproveDept(ctx, r.ID, "bob", "ok")
	require.NoError(t, err)
	return r
}

func (env *testEnv) auditActions(t *testing.T, requestID int64) []string {
	t.Helper()
	entries, err := env.engine.AuditTrail(context.Background(), requestID)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, string(e.Action)+":"+e.FieldName)
	}
	return out
}

func hasEntry(entries []string, prefix string) bool {
	for _, e := range entries {
		if strings.HasPrefix(e, prefix) {
			return true
		}
	}
	return false
}
