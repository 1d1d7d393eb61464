package budget

import (
	"context"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Issue is one finding of the pre-submission check.
type Issue struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	ItemID  int64  `json:"item_id,omitempty"`
}

// ValidationResult is the report of ValidateForSubmit. Warnings and Info are
// reserved and currently always empty.
type ValidationResult struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
	Info     []Issue `json:"info"`
}

func newValidationResult() *ValidationResult {
	return &ValidationResult{Errors: []Issue{}, Warnings: []Issue{}, Info: []Issue{}}
}

func (v *ValidationResult) addError(issue Issue) {
	v.Errors = append(v.Errors, issue)
}

// ValidateForSubmit checks a request and its items without mutating
// anything. Every check runs; errors accumulate. Only a missing request
// short-circuits, producing a single error.
func (e *Engine) ValidateForSubmit(ctx context.Context, id int64) (*ValidationResult, error) {
	res := newValidationResult()

	r, err := e.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		res.addError(Issue{Code: CodeRequestNotFound, Message: requestNotFound(id).Message})
		return res, nil
	}

	items, err := e.Store.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	e.checkRequest(res, r, items)
	res.Valid = len(res.Errors) == 0
	return res, nil
}

func (e *Engine) checkRequest(res *ValidationResult, r *BudgetRequest, items []BudgetRequestItem) {
	if r.FiscalYear == 0 || r.FiscalYear < e.Rules.MinFiscalYear {
		res.addError(Issue{
			Code:    CodeInvalidFiscalYear,
			Field:   "fiscal_year",
			Message: "fiscal year must be " + strconv.Itoa(e.Rules.MinFiscalYear) + " or later",
		})
	}

	if n := utf8.RuneCountInString(strings.TrimSpace(r.Justification)); n < e.Rules.MinJustificationLength {
		res.addError(Issue{
			Code:    CodeJustificationShort,
			Field:   "justification",
			Message: "justification must be at least " + strconv.Itoa(e.Rules.MinJustificationLength) + " characters",
		})
	}

	if len(items) == 0 {
		res.addError(Issue{Code: CodeNoItems, Message: "request has no line items"})
	}

	for _, it := range items {
		sum := it.QuarterSum()
		if sum.Sub(it.RequestedQty).Abs().GreaterThan(e.Rules.QuarterTolerance) {
			res.addError(Issue{
				Code:   CodeQuarterlySumMismatch,
				Field:  "quarters",
				ItemID: it.ID,
				Message: it.GenericCode + " " + it.GenericName + ": quarterly sum " + sum.String() +
					" does not match requested quantity " + it.RequestedQty.String(),
			})
		}
	}
}
