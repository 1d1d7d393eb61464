package budget

import "context"

// Allocations lists the ledger rows of a fiscal year ordered by budget type
// and department.
func (e *Engine) Allocations(ctx context.Context, fiscalYear int) ([]BudgetAllocation, error) {
	return e.Store.ListAllocations(ctx, fiscalYear)
}

// Allocation returns one ledger row or NotFound.
func (e *Engine) Allocation(ctx context.Context, key AllocationKey) (*BudgetAllocation, error) {
	a, err := e.Store.GetAllocation(ctx, key)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, NotFoundError(CodeAllocationNotFound, "no allocation for fiscal year %d, budget %d, department %d",
			key.FiscalYear, key.BudgetID, key.DepartmentID)
	}
	return a, nil
}
