package sheet_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/drug-budget/budget"
	"github.com/warp/drug-budget/budget/store"
	"github.com/warp/drug-budget/sheet"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParser_CSV(t *testing.T) {
	data := []byte("\xef\xbb\xbfDrug Code,Unit Price,Quantity\nPARA500, 2.50,\"1,200\"\nAMOX250,1.75\n")

	rows, err := sheet.Parser{}.Rows(data)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Drug Code", "Unit Price", "Quantity"}, rows[0])
	assert.Equal(t, []string{"PARA500", "2.50", "1,200"}, rows[1])
	assert.Equal(t, []string{"AMOX250", "1.75"}, rows[2], "short rows are allowed")
}

func TestParser_Rejects(t *testing.T) {
	_, err := sheet.Parser{}.Rows([]byte("  \n"))
	assert.ErrorIs(t, err, sheet.ErrEmptyFile)

	_, err = sheet.Parser{}.Rows([]byte("PK\x03\x04not really a zip"))
	assert.Error(t, err)

	_, err = sheet.Parser{}.Rows([]byte("a,\"b\nc"))
	assert.Error(t, err)
}

func TestWriteItems_ReadBack(t *testing.T) {
	// GIVEN: A request with one fully populated item
	// WHEN: It is written as xlsx and parsed again
	// THEN: The header is the legacy header and the numbers survive

	r := &budget.BudgetRequest{ID: 1, RequestNumber: "BR-2568-001", FiscalYear: 2568}
	it := budget.BudgetRequestItem{
		GenericCode:     "PARA500",
		GenericName:     "Paracetamol 500 mg",
		HistoricalUsage: budget.NewHistoricalUsage(2568, dec("90"), dec("120"), dec("150")),
		EstimatedUsage:  dec("130"),
		CurrentStock:    dec("10"),
		UnitPrice:       dec("2.5"),
		RequestedQty:    dec("120"),
	}
	it.SetQuarters([4]decimal.Decimal{dec("60"), dec("20"), dec("20"), dec("20")})
	it.Recalculate()

	var buf bytes.Buffer
	require.NoError(t, sheet.WriteItems(&buf, r, []budget.BudgetRequestItem{it}))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("PK")))

	rows, err := sheet.Parser{}.Rows(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, budget.LegacyHeaders(2568), rows[0])
	assert.Equal(t, []string{"PARA500", "Paracetamol 500 mg", "90", "120", "150", "130", "10", "2.5", "120", "60", "20", "20", "20", "300"}, rows[1])
	assert.Equal(t, "BR-2568-001-items.xlsx", sheet.FileName(r))
}

func TestExportImport_RoundTrip(t *testing.T) {
	// GIVEN: A draft request built through the engine
	// WHEN: It is exported, and the workbook imported into a second draft
	// THEN: The second draft carries the same items and total

	ctx := context.Background()
	mem := store.NewMemory()
	engine := budget.NewEngine(mem, mem)
	engine.Usage = mem
	engine.Parser = sheet.Parser{}

	para := mem.AddGeneric(budget.DrugGeneric{WorkingCode: "PARA500", Name: "Paracetamol", UnitPrice: dec("2.50"), Active: true})
	amox := mem.AddGeneric(budget.DrugGeneric{WorkingCode: "AMOX250", Name: "Amoxicillin", UnitPrice: dec("1.75"), Active: true})
	mem.SetUsage(para.ID, 2567, dec("300"))

	dept := int64(10)
	src, err := engine.CreateRequest(ctx, budget.NewRequest{FiscalYear: 2568, DepartmentID: &dept}, "alice")
	require.NoError(t, err)
	for _, g := range []budget.DrugGeneric{para, amox} {
		qty := dec("41")
		_, err := engine.AddItem(ctx, src.ID, budget.ItemInput{GenericID: g.ID, RequestedQty: &qty}, "alice")
		require.NoError(t, err)
	}
	src, err = engine.GetRequest(ctx, src.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, sheet.Export(ctx, engine, src.ID, &buf))

	dst, err := engine.CreateRequest(ctx, budget.NewRequest{FiscalYear: 2568, DepartmentID: &dept}, "alice")
	require.NoError(t, err)
	res, err := engine.Import(ctx, dst.ID, buf.Bytes(), budget.ImportOptions{Mode: budget.ImportReplace}, "alice")
	require.NoError(t, err)
	require.True(t, res.Success, "%+v", res.Errors)
	assert.Equal(t, budget.SchemaLegacy, res.Schema)
	assert.Equal(t, 2, res.Imported)

	dst, err = engine.GetRequest(ctx, dst.ID)
	require.NoError(t, err)
	assert.True(t, src.TotalRequestedAmount.Equal(dst.TotalRequestedAmount),
		"%s != %s", src.TotalRequestedAmount, dst.TotalRequestedAmount)

	items, err := engine.Items(ctx, dst.ID)
	require.NoError(t, err)
	for _, it := range items {
		assert.True(t, it.RequestedQty.Equal(dec("41")))
		assert.True(t, it.Q4Qty.Equal(dec("11")), "explicit quarters are kept: %s", it.Q4Qty)
	}

	_, err = engine.Import(ctx, dst.ID, nil, budget.ImportOptions{}, "alice")
	assert.Equal(t, budget.CodeInvalidFile, budget.CodeOf(err))
}
