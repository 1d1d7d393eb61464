package budget_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/drug-budget/budget"
)

func importRows(t *testing.T, env *testEnv, requestID int64, rows [][]string, opts budget.ImportOptions) *budget.ImportResult {
	t.Helper()
	res, err := env.engine.ImportRows(context.Background(), requestID, rows, opts, "alice")
	require.NoError(t, err)
	return res
}

func itemsByCode(t *testing.T, env *testEnv, requestID int64) map[string]budget.BudgetRequestItem {
	t.Helper()
	items, err := env.engine.Items(context.Background(), requestID)
	require.NoError(t, err)
	out := make(map[string]budget.BudgetRequestItem, len(items))
	for _, it := range items {
		out[it.GenericCode] = it
	}
	return out
}

// =============================================================================
// SCHEMAS
// =============================================================================

func TestImport_SimplifiedSchema(t *testing.T) {
	// GIVEN: A simplified sheet without quarterly columns
	// WHEN: It is imported in append mode
	// THEN: Items are created with an early-remainder split and catalog price fallback

	env := newTestEnv(t)
	r := env.newDraft(t, &deptPharmacy)

	res := importRows(t, env, r.ID, [][]string{
		{"Drug_Code", "UNIT PRICE", "Quantity"},
		{"PARA500", "2.00", "10"},
		{"amox250", "", "1,200"},
		{"", "", ""},
	}, budget.ImportOptions{})

	assert.True(t, res.Success)
	assert.Equal(t, budget.SchemaSimplified, res.Schema)
	assert.Equal(t, budget.ImportAppend, res.Mode)
	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, 2, res.Imported)
	assert.Empty(t, res.Errors)

	items := itemsByCode(t, env, r.ID)
	para := items["PARA500"]
	assertDec(t, "2", para.UnitPrice)
	assertDec(t, "20", para.RequestedAmount)
	assertDec(t, "3", para.Q1Qty)
	assertDec(t, "3", para.Q2Qty)
	assertDec(t, "2", para.Q3Qty)
	assertDec(t, "2", para.Q4Qty)

	amox := items["AMOX250"]
	assertDec(t, "1.75", amox.UnitPrice)
	assertDec(t, "1200", amox.RequestedQty)
	assertDec(t, "300", amox.Q4Qty)

	got, err := env.engine.GetRequest(context.Background(), r.ID)
	require.NoError(t, err)
	assertDec(t, "2120", got.TotalRequestedAmount)
	assert.True(t, hasEntry(env.auditActions(t, r.ID), "UPDATE:items_import"))
}

func TestImport_LegacySchemaWithQuarters(t *testing.T) {
	env := newTestEnv(t)
	r := env.newDraft(t, &deptPharmacy)

	rows := [][]string{
		budget.LegacyHeaders(testYear),
		{"PARA500", "Paracetamol", "90", "120", "150", "130", "10", "2.50", "120", "60", "20", "20", "20", "300"},
	}
	res := importRows(t, env, r.ID, rows, budget.ImportOptions{})
	require.True(t, res.Success, "%+v", res.Errors)
	assert.Equal(t, budget.SchemaLegacy, res.Schema)

	para := itemsByCode(t, env, r.ID)["PARA500"]
	assert.Equal(t, 2565, para.HistoricalUsage[0].FiscalYear)
	assertDec(t, "90", para.HistoricalUsage[0].Quantity)
	assertDec(t, "150", para.HistoricalUsage[2].Quantity)
	assertDec(t, "120", para.AvgUsage)
	assertDec(t, "130", para.EstimatedUsage)
	assertDec(t, "10", para.CurrentStock)
	assertDec(t, "120", para.EstimatedPurchase)
	assertDec(t, "60", para.Q1Qty)
	assertDec(t, "20", para.Q4Qty)
	assertDec(t, "300", para.RequestedAmount)
}

func TestImport_HeaderVariants(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		header []string
		row    []string
		schema budget.HeaderSchema
	}{
		{
			name:   "thai",
			header: []string{"รหัสยา", "ราคาต่อหน่วย", "จำนวนขอ"},
			row:    []string{"PARA500", "2.50", "4"},
			schema: budget.SchemaSimplified,
		},
		{
			name:   "positional usage",
			header: []string{"Working Code", "Usage Y1", "Usage Y2", "Usage Y3", "Unit Price", "Requested Qty"},
			row:    []string{"PARA500", "1", "2", "3", "2.50", "4"},
			schema: budget.SchemaLegacy,
		},
		{
			name:   "quarter names",
			header: []string{"code", "qty", "Quarter 1", "Quarter 2", "Quarter 3", "Quarter 4"},
			row:    []string{"PARA500", "4", "1", "1", "1", "1"},
			schema: budget.SchemaSimplified,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := env.newDraft(t, &deptPharmacy)
			res := importRows(t, env, r.ID, [][]string{tt.header, tt.row}, budget.ImportOptions{})
			require.True(t, res.Success, "%+v", res.Errors)
			assert.Equal(t, tt.schema, res.Schema)
			assert.Equal(t, 1, res.Imported)
		})
	}
}

func TestImport_UnrecognizedHeader(t *testing.T) {
	env := newTestEnv(t)
	r := env.newDraft(t, &deptPharmacy)

	_, err := env.engine.ImportRows(context.Background(), r.ID, [][]string{{"Drug Code", "Price"}, {"PARA500", "1"}}, budget.ImportOptions{}, "alice")
	assert.ErrorIs(t, err, budget.ErrValidationFailed)
	assert.Equal(t, budget.CodeInvalidFile, budget.CodeOf(err))

	_, err = env.engine.ImportRows(context.Background(), r.ID, nil, budget.ImportOptions{}, "alice")
	assert.Equal(t, budget.CodeInvalidFile, budget.CodeOf(err))

	_, err = env.engine.ImportRows(context.Background(), r.ID, [][]string{{"Drug Code", "Qty"}}, budget.ImportOptions{Mode: "merge"}, "alice")
	assert.Equal(t, budget.CodeInvalidMode, budget.CodeOf(err))
}

// =============================================================================
// ROW ERRORS
// =============================================================================

var badSheet = [][]string{
	{"Drug Code", "Unit Price", "Quantity", "Q1", "Q2", "Q3", "Q4"},
	{"PARA500", "2.50", "8", "", "", "", ""},   // row 2: valid
	{"NOPE01", "1", "5", "", "", "", ""},       // row 3: unknown code
	{"AMOX250", "-1", "0", "", "", "", ""},     // row 4: price and qty
	{"INS100", "250", "4", "1", "1", "1", "2"}, // row 5: quarter sum
	{"OLD001", "9", "abc", "", "", "", ""},     // row 6: inactive + bad number
}

func TestImport_ErrorsAbortWithoutSkip(t *testing.T) {
	// GIVEN: A sheet with one valid row and several invalid ones
	// WHEN: It is imported without skipErrors
	// THEN: Every problem is reported by row and nothing is written

	env := newTestEnv(t)
	r := env.newDraft(t, &deptPharmacy)

	res := importRows(t, env, r.ID, badSheet, budget.ImportOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, 0, res.Imported)

	byRow := map[int][]string{}
	for _, e := range res.Errors {
		byRow[e.Row] = append(byRow[e.Row], e.Field)
	}
	assert.NotContains(t, byRow, 2)
	assert.Equal(t, []string{"drug_code"}, byRow[3])
	assert.ElementsMatch(t, []string{"unit_price", "requested_qty"}, byRow[4])
	assert.Equal(t, []string{"quarters"}, byRow[5])
	assert.ElementsMatch(t, []string{"requested_qty", "drug_code", "requested_qty"}, byRow[6])

	codes := map[int][]string{}
	for _, e := range res.Errors {
		codes[e.Row] = append(codes[e.Row], e.Code)
	}
	assert.Equal(t, []string{budget.CodeGenericNotFound}, codes[3])
	assert.ElementsMatch(t, []string{budget.CodeInvalidPrice, budget.CodeInvalidQuantity}, codes[4])
	assert.Equal(t, []string{budget.CodeQuarterlySumMismatch}, codes[5])
	assert.Contains(t, codes[6], budget.CodeInvalidNumber)

	assert.Empty(t, itemsByCode(t, env, r.ID))
}

func TestImport_RepeatedDrugCode(t *testing.T) {
	// GIVEN: A file listing PARA500 twice
	// WHEN: It is imported in replace mode
	// THEN: The repeat is a DUPLICATE_GENERIC row error; with skipErrors only
	//       the first row is applied and nothing counts as updated

	sheet := [][]string{
		{"Drug Code", "Unit Price", "Quantity"},
		{"PARA500", "2.50", "8"},
		{"AMOX250", "1.75", "4"},
		{"PARA500", "2.50", "20"},
	}

	env := newTestEnv(t)
	r := env.newDraft(t, &deptPharmacy)
	env.addItem(t, r.ID, env.ins, "1")

	res := importRows(t, env, r.ID, sheet, budget.ImportOptions{Mode: budget.ImportReplace})
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 4, res.Errors[0].Row)
	assert.Equal(t, budget.CodeDuplicateGeneric, res.Errors[0].Code)
	assert.Contains(t, res.Errors[0].Message, "row 2")
	assert.Contains(t, itemsByCode(t, env, r.ID), "INS100", "a failed replace deletes nothing")

	res = importRows(t, env, r.ID, sheet, budget.ImportOptions{Mode: budget.ImportReplace, SkipErrors: true})
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 1, res.Skipped)

	items := itemsByCode(t, env, r.ID)
	require.Len(t, items, 2)
	assertDec(t, "8", items["PARA500"].RequestedQty)
}

func TestImport_SkipErrorsAppliesValidRows(t *testing.T) {
	env := newTestEnv(t)
	r := env.newDraft(t, &deptPharmacy)

	res := importRows(t, env, r.ID, badSheet, budget.ImportOptions{SkipErrors: true})
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Imported)
	assert.Equal(t, 4, res.Skipped)
	assert.NotEmpty(t, res.Errors)

	items := itemsByCode(t, env, r.ID)
	require.Len(t, items, 1)
	assertDec(t, "20", items["PARA500"].RequestedAmount)
}

// =============================================================================
// MODES
// =============================================================================

func TestImport_Modes(t *testing.T) {
	sheet := [][]string{
		{"Drug Code", "Unit Price", "Quantity"},
		{"PARA500", "3", "40"},
		{"INS100", "250", "4"},
	}

	t.Run("append skips existing generics", func(t *testing.T) {
		env := newTestEnv(t)
		r := env.newDraft(t, &deptPharmacy)
		env.addItem(t, r.ID, env.para, "10")

		res := importRows(t, env, r.ID, sheet, budget.ImportOptions{Mode: budget.ImportAppend})
		assert.Equal(t, 1, res.Imported)
		assert.Equal(t, 1, res.Skipped)

		items := itemsByCode(t, env, r.ID)
		assertDec(t, "10", items["PARA500"].RequestedQty)
		assert.Equal(t, 2, items["INS100"].LineNumber)
	})

	t.Run("update overwrites existing generics", func(t *testing.T) {
		env := newTestEnv(t)
		r := env.newDraft(t, &deptPharmacy)
		env.addItem(t, r.ID, env.para, "10")

		res := importRows(t, env, r.ID, sheet, budget.ImportOptions{Mode: budget.ImportUpdate})
		assert.Equal(t, 1, res.Imported)
		assert.Equal(t, 1, res.Updated)

		items := itemsByCode(t, env, r.ID)
		assertDec(t, "40", items["PARA500"].RequestedQty)
		assertDec(t, "120", items["PARA500"].RequestedAmount)
		assert.Equal(t, 1, items["PARA500"].LineNumber)

		got, err := env.engine.GetRequest(context.Background(), r.ID)
		require.NoError(t, err)
		assertDec(t, "1120", got.TotalRequestedAmount)
	})

	t.Run("replace drops everything first", func(t *testing.T) {
		env := newTestEnv(t)
		r := env.newDraft(t, &deptPharmacy)
		env.addItem(t, r.ID, env.amox, "10")
		env.addItem(t, r.ID, env.para, "10")

		res := importRows(t, env, r.ID, sheet, budget.ImportOptions{Mode: budget.ImportReplace})
		assert.Equal(t, 2, res.Imported)
		assert.Equal(t, 0, res.Updated)

		items := itemsByCode(t, env, r.ID)
		assert.Len(t, items, 2)
		assert.NotContains(t, items, "AMOX250")
		assert.Equal(t, 1, items["PARA500"].LineNumber)
	})
}

func TestImport_RequiresDraft(t *testing.T) {
	env := newTestEnv(t)
	r := env.deptApproved(t, &deptPharmacy, map[*budget.DrugGeneric]string{&env.para: "1"})

	_, err := env.engine.ImportRows(context.Background(), r.ID, [][]string{{"Drug Code", "Qty"}}, budget.ImportOptions{}, "alice")
	assert.Equal(t, budget.CodeNotDraft, budget.CodeOf(err))
}

type failingParser struct{}

func (failingParser) Rows([]byte) ([][]string, error) { return nil, errors.New("zip: not a valid zip file") }

type staticParser [][]string

func (p staticParser) Rows([]byte) ([][]string, error) { return p, nil }

func TestImport_UsesParser(t *testing.T) {
	env := newTestEnv(t)
	r := env.newDraft(t, &deptPharmacy)
	ctx := context.Background()

	_, err := env.engine.Import(ctx, r.ID, []byte("x"), budget.ImportOptions{}, "alice")
	assert.Equal(t, budget.CodeInvalidFile, budget.CodeOf(err), "no parser configured")

	env.engine.Parser = failingParser{}
	_, err = env.engine.Import(ctx, r.ID, []byte("x"), budget.ImportOptions{}, "alice")
	assert.Equal(t, budget.CodeInvalidFile, budget.CodeOf(err))

	env.engine.Parser = staticParser{{"code", "qty"}, {"PARA500", "4"}}
	res, err := env.engine.Import(ctx, r.ID, nil, budget.ImportOptions{}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
}

func TestParseImportMode(t *testing.T) {
	for in, want := range map[string]budget.ImportMode{"": budget.ImportAppend, "Replace": budget.ImportReplace, " update ": budget.ImportUpdate} {
		got, err := budget.ParseImportMode(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := budget.ParseImportMode("merge")
	assert.Equal(t, budget.CodeInvalidMode, budget.CodeOf(err))
}
