/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the budget domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request bodies carry go-playground/validator tags checked by decodeBody.
  Business rules (status, reasons, quarter sums) stay in the engine so the
  same codes come back from the API and the CLI.

MONEY:
  Amounts and quantities are decimal strings ("1234.50") in both directions.

SEE ALSO:
  - handlers.go: Uses these types
  - budget/types.go: Domain model
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/drug-budget/budget"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateBudgetRequestRequest is the body of POST /api/budget-requests.
type CreateBudgetRequestRequest struct {
	FiscalYear    int    `json:"fiscal_year" validate:"required,gt=0"`
	DepartmentID  *int64 `json:"department_id,omitempty" validate:"omitempty,gt=0"`
	Justification string `json:"justification" validate:"max=4000"`
}

// UpdateBudgetRequestRequest is the body of PUT /api/budget-requests/{id}.
type UpdateBudgetRequestRequest struct {
	Justification   *string `json:"justification,omitempty" validate:"omitempty,max=4000"`
	DepartmentID    *int64  `json:"department_id,omitempty" validate:"omitempty,gt=0"`
	ClearDepartment bool    `json:"clear_department,omitempty"`
}

// ReviewRequest carries optional reviewer comments.
type ReviewRequest struct {
	Comments string `json:"comments" validate:"max=4000"`
}

// ReasonRequest carries the reason for reject and reopen.
type ReasonRequest struct {
	Reason string `json:"reason" validate:"max=4000"`
}

// ItemRequest is the body for adding or updating a line item.
type ItemRequest struct {
	GenericID       int64                   `json:"generic_id,omitempty" validate:"gte=0"`
	BudgetID        *int64                  `json:"budget_id,omitempty" validate:"omitempty,gt=0"`
	HistoricalUsage *budget.HistoricalUsage `json:"historical_usage,omitempty"`
	EstimatedUsage  *decimal.Decimal        `json:"estimated_usage,omitempty"`
	CurrentStock    *decimal.Decimal        `json:"current_stock,omitempty"`
	UnitPrice       *decimal.Decimal        `json:"unit_price,omitempty"`
	RequestedQty    *decimal.Decimal        `json:"requested_qty,omitempty"`
	Q1Qty           *decimal.Decimal        `json:"q1_qty,omitempty"`
	Q2Qty           *decimal.Decimal        `json:"q2_qty,omitempty"`
	Q3Qty           *decimal.Decimal        `json:"q3_qty,omitempty"`
	Q4Qty           *decimal.Decimal        `json:"q4_qty,omitempty"`
}

func (r ItemRequest) toInput() budget.ItemInput {
	return budget.ItemInput{
		GenericID:       r.GenericID,
		BudgetID:        r.BudgetID,
		HistoricalUsage: r.HistoricalUsage,
		EstimatedUsage:  r.EstimatedUsage,
		CurrentStock:    r.CurrentStock,
		UnitPrice:       r.UnitPrice,
		RequestedQty:    r.RequestedQty,
		Q1Qty:           r.Q1Qty,
		Q2Qty:           r.Q2Qty,
		Q3Qty:           r.Q3Qty,
		Q4Qty:           r.Q4Qty,
	}
}

// BulkDeleteRequest is the body of POST .../items/bulk-delete.
type BulkDeleteRequest struct {
	ItemIDs []int64 `json:"item_ids" validate:"required,min=1,dive,gt=0"`
}

// LoadScenarioRequest selects a demo scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// BudgetRequestDTO represents a budget request in API responses.
type BudgetRequestDTO struct {
	ID                   int64           `json:"id"`
	RequestNumber        string          `json:"request_number"`
	FiscalYear           int             `json:"fiscal_year"`
	DepartmentID         *int64          `json:"department_id"`
	Status               budget.Status   `json:"status"`
	TotalRequestedAmount decimal.Decimal `json:"total_requested_amount"`
	Justification        string          `json:"justification"`
	SubmittedBy          *string         `json:"submitted_by,omitempty"`
	SubmittedAt          *time.Time      `json:"submitted_at,omitempty"`
	DeptReviewedBy       *string         `json:"dept_reviewed_by,omitempty"`
	DeptReviewedAt       *time.Time      `json:"dept_reviewed_at,omitempty"`
	DeptComments         string          `json:"dept_comments,omitempty"`
	FinanceReviewedBy    *string         `json:"finance_reviewed_by,omitempty"`
	FinanceReviewedAt    *time.Time      `json:"finance_reviewed_at,omitempty"`
	FinanceComments      string          `json:"finance_comments,omitempty"`
	RejectionReason      string          `json:"rejection_reason,omitempty"`
	ReopenedBy           *string         `json:"reopened_by,omitempty"`
	ReopenedAt           *time.Time      `json:"reopened_at,omitempty"`
	CreatedBy            string          `json:"created_by"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	Items                []ItemDTO       `json:"items,omitempty"`
}

func toRequestDTO(r *budget.BudgetRequest) BudgetRequestDTO {
	return BudgetRequestDTO{
		ID:                   r.ID,
		RequestNumber:        r.RequestNumber,
		FiscalYear:           r.FiscalYear,
		DepartmentID:         r.DepartmentID,
		Status:               r.Status,
		TotalRequestedAmount: r.TotalRequestedAmount,
		Justification:        r.Justification,
		SubmittedBy:          r.SubmittedBy,
		SubmittedAt:          r.SubmittedAt,
		DeptReviewedBy:       r.DeptReviewedBy,
		DeptReviewedAt:       r.DeptReviewedAt,
		DeptComments:         r.DeptComments,
		FinanceReviewedBy:    r.FinanceReviewedBy,
		FinanceReviewedAt:    r.FinanceReviewedAt,
		FinanceComments:      r.FinanceComments,
		RejectionReason:      r.RejectionReason,
		ReopenedBy:           r.ReopenedBy,
		ReopenedAt:           r.ReopenedAt,
		CreatedBy:            r.CreatedBy,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
}

// ItemDTO represents a line item in API responses.
type ItemDTO struct {
	ID                int64                  `json:"id"`
	LineNumber        int                    `json:"line_number"`
	GenericID         int64                  `json:"generic_id"`
	GenericCode       string                 `json:"generic_code"`
	GenericName       string                 `json:"generic_name"`
	PackageSize       string                 `json:"package_size,omitempty"`
	Unit              string                 `json:"unit,omitempty"`
	BudgetID          *int64                 `json:"budget_id"`
	HistoricalUsage   budget.HistoricalUsage `json:"historical_usage"`
	AvgUsage          decimal.Decimal        `json:"avg_usage"`
	EstimatedUsage    decimal.Decimal        `json:"estimated_usage"`
	CurrentStock      decimal.Decimal        `json:"current_stock"`
	EstimatedPurchase decimal.Decimal        `json:"estimated_purchase"`
	UnitPrice         decimal.Decimal        `json:"unit_price"`
	RequestedQty      decimal.Decimal        `json:"requested_qty"`
	RequestedAmount   decimal.Decimal        `json:"requested_amount"`
	Q1Qty             decimal.Decimal        `json:"q1_qty"`
	Q2Qty             decimal.Decimal        `json:"q2_qty"`
	Q3Qty             decimal.Decimal        `json:"q3_qty"`
	Q4Qty             decimal.Decimal        `json:"q4_qty"`
}

func toItemDTO(it budget.BudgetRequestItem) ItemDTO {
	return ItemDTO{
		ID:                it.ID,
		LineNumber:        it.LineNumber,
		GenericID:         it.GenericID,
		GenericCode:       it.GenericCode,
		GenericName:       it.GenericName,
		PackageSize:       it.PackageSize,
		Unit:              it.Unit,
		BudgetID:          it.BudgetID,
		HistoricalUsage:   it.HistoricalUsage,
		AvgUsage:          it.AvgUsage,
		EstimatedUsage:    it.EstimatedUsage,
		CurrentStock:      it.CurrentStock,
		EstimatedPurchase: it.EstimatedPurchase,
		UnitPrice:         it.UnitPrice,
		RequestedQty:      it.RequestedQty,
		RequestedAmount:   it.RequestedAmount,
		Q1Qty:             it.Q1Qty,
		Q2Qty:             it.Q2Qty,
		Q3Qty:             it.Q3Qty,
		Q4Qty:             it.Q4Qty,
	}
}

func toItemDTOs(items []budget.BudgetRequestItem) []ItemDTO {
	dtos := make([]ItemDTO, len(items))
	for i, it := range items {
		dtos[i] = toItemDTO(it)
	}
	return dtos
}

// AllocationDTO represents a ledger row in API responses.
type AllocationDTO struct {
	FiscalYear      int             `json:"fiscal_year"`
	BudgetID        int64           `json:"budget_id"`
	DepartmentID    int64           `json:"department_id"`
	TotalBudget     decimal.Decimal `json:"total_budget"`
	Q1Budget        decimal.Decimal `json:"q1_budget"`
	Q2Budget        decimal.Decimal `json:"q2_budget"`
	Q3Budget        decimal.Decimal `json:"q3_budget"`
	Q4Budget        decimal.Decimal `json:"q4_budget"`
	TotalSpent      decimal.Decimal `json:"total_spent"`
	RemainingBudget decimal.Decimal `json:"remaining_budget"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func toAllocationDTO(a budget.BudgetAllocation) AllocationDTO {
	return AllocationDTO{
		FiscalYear:      a.FiscalYear,
		BudgetID:        a.BudgetID,
		DepartmentID:    a.DepartmentID,
		TotalBudget:     a.TotalBudget,
		Q1Budget:        a.Q1Budget,
		Q2Budget:        a.Q2Budget,
		Q3Budget:        a.Q3Budget,
		Q4Budget:        a.Q4Budget,
		TotalSpent:      a.TotalSpent,
		RemainingBudget: a.RemainingBudget,
		UpdatedAt:       a.UpdatedAt,
	}
}

// AuditDTO represents an audit entry in API responses.
type AuditDTO struct {
	ID         int64              `json:"id"`
	Action     budget.AuditAction `json:"action"`
	EntityType budget.EntityType  `json:"entity_type"`
	EntityID   int64              `json:"entity_id"`
	FieldName  string             `json:"field_name,omitempty"`
	OldValue   string             `json:"old_value,omitempty"`
	NewValue   string             `json:"new_value,omitempty"`
	UserID     string             `json:"user_id"`
	CreatedAt  time.Time          `json:"created_at"`
}

func toAuditDTO(e budget.AuditEntry) AuditDTO {
	return AuditDTO{
		ID:         e.ID,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		FieldName:  e.FieldName,
		OldValue:   e.OldValue,
		NewValue:   e.NewValue,
		UserID:     e.UserID,
		CreatedAt:  e.CreatedAt,
	}
}

// CountDTO reports how many rows an operation touched.
type CountDTO struct {
	Count int `json:"count"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code,omitempty"`
	Details string         `json:"details,omitempty"`
	Issues  []budget.Issue `json:"issues,omitempty"`
}
