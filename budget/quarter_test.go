package budget_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/drug-budget/budget"
)

func TestSplitQuarters(t *testing.T) {
	tests := []struct {
		name      string
		qty       string
		placement budget.RemainderPlacement
		want      [4]string
	}{
		{"even", "100", budget.RemainderEarly, [4]string{"25", "25", "25", "25"}},
		{"early remainder", "10", budget.RemainderEarly, [4]string{"3", "3", "2", "2"}},
		{"early remainder of three", "7", budget.RemainderEarly, [4]string{"2", "2", "2", "1"}},
		{"last remainder", "10", budget.RemainderLast, [4]string{"2", "2", "2", "4"}},
		{"below four", "3", budget.RemainderLast, [4]string{"0", "0", "0", "3"}},
		{"fraction early", "2.5", budget.RemainderEarly, [4]string{"1", "1.5", "0", "0"}},
		{"fraction even", "8.25", budget.RemainderEarly, [4]string{"2.25", "2", "2", "2"}},
		{"fraction last", "3.5", budget.RemainderLast, [4]string{"0", "0", "0", "3.5"}},
		{"zero", "0", budget.RemainderEarly, [4]string{"0", "0", "0", "0"}},
		{"negative", "-4", budget.RemainderLast, [4]string{"0", "0", "0", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := budget.SplitQuarters(dec(tt.qty), tt.placement)
			sum := dec("0")
			for i := range got {
				assertDec(t, tt.want[i], got[i], "quarter", i+1)
				sum = sum.Add(got[i])
			}
			if tt.qty[0] != '-' {
				assertDec(t, tt.qty, sum, "sum")
			}
		})
	}
}

func TestFillQuarters(t *testing.T) {
	tests := []struct {
		name  string
		qty   string
		given [4]string // "" = not supplied
		want  [4]string
	}{
		{"one given", "40", [4]string{"10", "", "", ""}, [4]string{"10", "10", "10", "10"}},
		{"remainder on last missing", "10", [4]string{"0", "", "", ""}, [4]string{"0", "3", "3", "4"}},
		{"missing in the middle", "11", [4]string{"5", "", "", "1"}, [4]string{"5", "2", "3", "1"}},
		{"fraction", "7.5", [4]string{"", "", "2", "2"}, [4]string{"1", "2.5", "2", "2"}},
		{"given uses all", "6", [4]string{"6", "", "", ""}, [4]string{"6", "0", "0", "0"}},
		{"all given kept", "12", [4]string{"6", "6", "0", "1"}, [4]string{"6", "6", "0", "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var given [4]*decimal.Decimal
			for i, v := range tt.given {
				if v != "" {
					given[i] = decp(v)
				}
			}
			got, err := budget.FillQuarters(dec(tt.qty), given)
			require.NoError(t, err)
			for i := range got {
				assertDec(t, tt.want[i], got[i], "quarter", i+1)
			}
		})
	}

	_, err := budget.FillQuarters(dec("10"), [4]*decimal.Decimal{decp("8"), decp("3"), nil, nil})
	require.Error(t, err)
	assert.Equal(t, budget.CodeQuarterlySumMismatch, budget.CodeOf(err))
	assert.Equal(t, budget.KindValidationFailed, budget.KindOf(err))
}

func TestHistoricalUsage_JSON(t *testing.T) {
	h := budget.NewHistoricalUsage(2568, dec("10"), dec("20.5"), dec("0"))
	b, err := h.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `{"2565":"10","2566":"20.5","2567":"0"}` {
		t.Fatalf("unexpected json %s", b)
	}

	var back budget.HistoricalUsage
	if err := back.UnmarshalJSON([]byte(`{"2567":3,"2566":2}`)); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	// Fewer than three years fill the newest slots.
	if back[0].FiscalYear != 0 || back[1].FiscalYear != 2566 || back[2].FiscalYear != 2567 {
		t.Fatalf("unexpected years %+v", back)
	}
	assertDec(t, "10.17", h.Average())
}
