/*
Package budget provides the drug-budget request approval and allocation engine.

PURPOSE:
  Department staff draft an annual drug budget request, attach one line item
  per drug generic with a quarterly quantity split, and route the request
  through a two-stage approval chain (department, then finance). Finance
  approval folds the approved amounts into the departmental allocation ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - BudgetRequest:     one fiscal-year budget ask, optionally department-scoped
  - BudgetRequestItem: one drug line with historical usage and Q1..Q4 quantities
  - BudgetAllocation:  ledger row keyed by (fiscal year, budget type, department)
  - AuditEntry:        immutable record of a field change or workflow transition
  - HistoricalUsage:   fixed three-year usage history (oldest first)

DESIGN PRINCIPLES:
  1. Precision: quantities and money use decimal.Decimal
  2. Derived values (requested amount, request total) are recomputed, never trusted
  3. Fiscal years use the Buddhist calendar (Gregorian + 543)

SEE ALSO:
  - workflow.go: status state machine and finance-approval transaction
  - items.go: line item management
  - importer.go: spreadsheet reconciliation
  - store.go: persistence interfaces
*/
package budget

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS
// =============================================================================

type Status string

const (
	StatusDraft           Status = "DRAFT"
	StatusSubmitted       Status = "SUBMITTED"
	StatusDeptApproved    Status = "DEPT_APPROVED"
	StatusFinanceApproved Status = "FINANCE_APPROVED"
	StatusRejected        Status = "REJECTED"
)

// ParseStatus converts a string into a known Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusDraft, StatusSubmitted, StatusDeptApproved, StatusFinanceApproved, StatusRejected:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// =============================================================================
// BUDGET REQUEST
// =============================================================================

// BudgetRequest is one fiscal-year budget ask. A nil DepartmentID marks a
// central (hospital-wide) request.
type BudgetRequest struct {
	ID                   int64
	RequestNumber        string
	FiscalYear           int
	DepartmentID         *int64
	Status               Status
	TotalRequestedAmount decimal.Decimal
	Justification        string

	SubmittedBy *string
	SubmittedAt *time.Time

	DeptReviewedBy *string
	DeptReviewedAt *time.Time
	DeptComments   string

	FinanceReviewedBy *string
	FinanceReviewedAt *time.Time
	FinanceComments   string

	RejectionReason string
	ReopenedBy      *string
	ReopenedAt      *time.Time

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
	Deleted   bool
}

// IsCentral reports whether the request has no department attribution.
func (r *BudgetRequest) IsCentral() bool { return r.DepartmentID == nil }

// RequestNumber formats the business identifier BR-{fiscal_year}-{seq:03d}.
func RequestNumber(fiscalYear, seq int) string {
	return fmt.Sprintf("BR-%d-%03d", fiscalYear, seq)
}

// RequestFilter narrows ListRequests. Nil fields match everything.
type RequestFilter struct {
	FiscalYear   *int
	DepartmentID *int64
	Status       *Status
}

// =============================================================================
// HISTORICAL USAGE
// =============================================================================

// UsageYear is the quantity consumed in one fiscal year.
type UsageYear struct {
	FiscalYear int
	Quantity   decimal.Decimal
}

// HistoricalUsage covers the three fiscal years preceding the target year,
// oldest first. It serializes as a {"<fiscal year>": "<quantity>"} object.
type HistoricalUsage [3]UsageYear

// NewHistoricalUsage builds the history for targetYear-3 .. targetYear-1.
func NewHistoricalUsage(targetYear int, oldest, middle, latest decimal.Decimal) HistoricalUsage {
	return HistoricalUsage{
		{FiscalYear: targetYear - 3, Quantity: oldest},
		{FiscalYear: targetYear - 2, Quantity: middle},
		{FiscalYear: targetYear - 1, Quantity: latest},
	}
}

// HistoryYears returns the three fiscal years preceding targetYear, oldest first.
func HistoryYears(targetYear int) [3]int {
	return [3]int{targetYear - 3, targetYear - 2, targetYear - 1}
}

// Average is the mean of the three years, rounded to 2 places.
func (h HistoricalUsage) Average() decimal.Decimal {
	sum := decimal.Zero
	for _, y := range h {
		sum = sum.Add(y.Quantity)
	}
	return sum.Div(decimal.NewFromInt(int64(len(h)))).Round(2)
}

func (h HistoricalUsage) MarshalJSON() ([]byte, error) {
	m := make(map[string]string, len(h))
	for _, y := range h {
		if y.FiscalYear == 0 {
			continue
		}
		m[strconv.Itoa(y.FiscalYear)] = y.Quantity.String()
	}
	return json.Marshal(m)
}

func (h *HistoricalUsage) UnmarshalJSON(data []byte) error {
	var raw map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("historical usage: %w", err)
	}
	if len(raw) > len(h) {
		return fmt.Errorf("historical usage: expected at most %d years, got %d", len(h), len(raw))
	}

	years := make([]int, 0, len(raw))
	for k := range raw {
		y, err := strconv.Atoi(k)
		if err != nil {
			return fmt.Errorf("historical usage: invalid fiscal year %q", k)
		}
		years = append(years, y)
	}
	sort.Ints(years)

	var out HistoricalUsage
	offset := len(out) - len(years)
	for i, y := range years {
		q, err := decimal.NewFromString(raw[strconv.Itoa(y)].String())
		if err != nil {
			return fmt.Errorf("historical usage: invalid quantity for %d: %w", y, err)
		}
		out[offset+i] = UsageYear{FiscalYear: y, Quantity: q}
	}
	*h = out
	return nil
}

// =============================================================================
// LINE ITEM
// =============================================================================

// BudgetRequestItem is one drug line within a request.
type BudgetRequestItem struct {
	ID         int64
	RequestID  int64
	LineNumber int

	GenericID   int64
	GenericCode string
	GenericName string
	PackageSize string
	Unit        string
	BudgetID    *int64

	HistoricalUsage   HistoricalUsage
	AvgUsage          decimal.Decimal
	EstimatedUsage    decimal.Decimal
	CurrentStock      decimal.Decimal
	EstimatedPurchase decimal.Decimal

	UnitPrice       decimal.Decimal
	RequestedQty    decimal.Decimal
	RequestedAmount decimal.Decimal

	Q1Qty decimal.Decimal
	Q2Qty decimal.Decimal
	Q3Qty decimal.Decimal
	Q4Qty decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Quarters returns Q1..Q4 in order.
func (i *BudgetRequestItem) Quarters() [4]decimal.Decimal {
	return [4]decimal.Decimal{i.Q1Qty, i.Q2Qty, i.Q3Qty, i.Q4Qty}
}

// SetQuarters assigns Q1..Q4.
func (i *BudgetRequestItem) SetQuarters(q [4]decimal.Decimal) {
	i.Q1Qty, i.Q2Qty, i.Q3Qty, i.Q4Qty = q[0], q[1], q[2], q[3]
}

// QuarterSum is Q1+Q2+Q3+Q4.
func (i *BudgetRequestItem) QuarterSum() decimal.Decimal {
	return i.Q1Qty.Add(i.Q2Qty).Add(i.Q3Qty).Add(i.Q4Qty)
}

// MoneyPlaces is the precision of every baht amount (satang).
const MoneyPlaces int32 = 2

// RoundMoney rounds an amount to satang, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyPlaces)
}

// Amount is requested_qty x unit_price in satang.
func (i *BudgetRequestItem) Amount() decimal.Decimal {
	return RoundMoney(i.RequestedQty.Mul(i.UnitPrice))
}

// Recalculate refreshes the derived fields: average usage, estimated
// purchase and requested amount.
func (i *BudgetRequestItem) Recalculate() {
	i.AvgUsage = i.HistoricalUsage.Average()
	i.EstimatedPurchase = decimal.Max(decimal.Zero, i.EstimatedUsage.Sub(i.CurrentStock))
	i.RequestedAmount = i.Amount()
}

// =============================================================================
// ALLOCATION
// =============================================================================

// AllocationKey is the unique key of a ledger row.
type AllocationKey struct {
	FiscalYear   int
	BudgetID     int64
	DepartmentID int64
}

// BudgetAllocation tracks approved budget capacity. Spent fields are
// maintained by purchasing, never by this engine.
type BudgetAllocation struct {
	AllocationKey

	TotalBudget decimal.Decimal
	Q1Budget    decimal.Decimal
	Q2Budget    decimal.Decimal
	Q3Budget    decimal.Decimal
	Q4Budget    decimal.Decimal

	TotalSpent decimal.Decimal
	Q1Spent    decimal.Decimal
	Q2Spent    decimal.Decimal
	Q3Spent    decimal.Decimal
	Q4Spent    decimal.Decimal

	RemainingBudget decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AllocationDelta is the amount one approval adds to an allocation row.
type AllocationDelta struct {
	Key      AllocationKey
	Total    decimal.Decimal
	Quarters [4]decimal.Decimal
}

// Add folds one item's contribution into the delta. Q1..Q3 are rounded to
// satang and Q4 takes the rest of the item amount, so the quarters always
// sum to the total the request shows.
func (d *AllocationDelta) Add(item BudgetRequestItem) {
	amount := item.Amount()
	d.Total = d.Total.Add(amount)
	rest := amount
	quarters := item.Quarters()
	for q, qty := range quarters[:3] {
		v := RoundMoney(qty.Mul(item.UnitPrice))
		d.Quarters[q] = d.Quarters[q].Add(v)
		rest = rest.Sub(v)
	}
	d.Quarters[3] = d.Quarters[3].Add(rest)
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditAction string

const (
	AuditCreate         AuditAction = "CREATE"
	AuditUpdate         AuditAction = "UPDATE"
	AuditDelete         AuditAction = "DELETE"
	AuditSubmit         AuditAction = "SUBMIT"
	AuditApproveDept    AuditAction = "APPROVE_DEPT"
	AuditApproveFinance AuditAction = "APPROVE_FINANCE"
	AuditReject         AuditAction = "REJECT"
	AuditReopen         AuditAction = "REOPEN"
)

type EntityType string

const (
	EntityRequest EntityType = "BUDGET_REQUEST"
	EntityItem    EntityType = "BUDGET_REQUEST_ITEM"
)

// AuditEntry is an append-only change record. Empty FieldName/OldValue/
// NewValue mean the value was not applicable.
type AuditEntry struct {
	ID              int64
	BudgetRequestID int64
	Action          AuditAction
	EntityType      EntityType
	EntityID        int64
	FieldName       string
	OldValue        string
	NewValue        string
	UserID          string
	CreatedAt       time.Time
}

// =============================================================================
// DRUG CATALOG
// =============================================================================

// DrugGeneric is a catalog entry; the unit of budgeting.
type DrugGeneric struct {
	ID          int64
	WorkingCode string
	Name        string
	PackageSize string
	Unit        string
	UnitPrice   decimal.Decimal
	BudgetID    *int64
	Active      bool
}

// =============================================================================
// HELPERS
// =============================================================================

// ParseDecimal parses s, returning zero for empty or malformed input.
func ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
