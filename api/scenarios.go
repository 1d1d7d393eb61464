/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a realistic
	drug catalog, consumption history and, optionally, a request already
	carried through the approval workflow.

AVAILABLE SCENARIOS:

	demo-catalog:  Drug generics with three years of usage history
	approved-plan: demo-catalog plus a department request that has been
	               submitted, department-approved and finance-approved, so
	               the allocation ledger is populated

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Save catalog entries and usage history through the store
 3. Drive the engine exactly as API clients would

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "approved-plan"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Handler and helpers
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/drug-budget/budget"
)

// DemoFiscalYear is the target year of the demo scenarios.
const DemoFiscalYear = 2568

// demoUser acts for scenario loaders.
const demoUser = "demo-loader"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "demo-catalog",
		Name:        "Demo Catalog",
		Description: "Eight drug generics with usage history for the three years before FY 2568",
	},
	{
		ID:          "approved-plan",
		Name:        "Approved Plan",
		Description: "Demo catalog plus a pharmacy request approved by finance, populating allocations",
	},
}

type demoGeneric struct {
	code, name, pack, unit string
	price                  string
	budgetID               int64
	usage                  [3]int64
}

var demoGenerics = []demoGeneric{
	{"PARA500", "Paracetamol 500 mg tablet", "1000's", "TAB", "0.35", 1, [3]int64{120000, 126000, 131000}},
	{"AMOX500", "Amoxicillin 500 mg capsule", "500's", "CAP", "1.20", 1, [3]int64{41000, 39500, 43800}},
	{"OMEP20", "Omeprazole 20 mg capsule", "100's", "CAP", "0.85", 1, [3]int64{56000, 60200, 61000}},
	{"METF500", "Metformin 500 mg tablet", "1000's", "TAB", "0.42", 1, [3]int64{98000, 101000, 105500}},
	{"AMLO5", "Amlodipine 5 mg tablet", "500's", "TAB", "0.30", 1, [3]int64{72000, 75000, 80000}},
	{"CEFT1G", "Ceftriaxone 1 g injection", "1 vial", "VIAL", "38.00", 2, [3]int64{5200, 5600, 6100}},
	{"INSU100", "Human insulin 100 IU/ml", "10 ml vial", "VIAL", "145.00", 2, [3]int64{1300, 1420, 1510}},
	{"NSS1000", "Normal saline 0.9% 1000 ml", "1 bag", "BAG", "24.50", 3, [3]int64{15000, 15400, 16100}},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	for _, s := range scenarios {
		if s.ID == h.currentScenario {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decodeBody(w, r, &req, false) {
		return
	}

	ctx := r.Context()

	// Reset first
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	var err error
	switch req.ScenarioID {
	case "demo-catalog":
		err = h.loadDemoCatalog(ctx)
	case "approved-plan":
		err = h.loadApprovedPlan(ctx)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = req.ScenarioID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadDemoCatalog(ctx context.Context) error {
	years := budget.HistoryYears(DemoFiscalYear)
	for _, d := range demoGenerics {
		budgetID := d.budgetID
		g := &budget.DrugGeneric{
			WorkingCode: d.code,
			Name:        d.name,
			PackageSize: d.pack,
			Unit:        d.unit,
			UnitPrice:   decimal.RequireFromString(d.price),
			BudgetID:    &budgetID,
			Active:      true,
		}
		if err := h.Store.SaveGeneric(ctx, g); err != nil {
			return fmt.Errorf("save generic %s: %w", d.code, err)
		}
		for i, qty := range d.usage {
			if err := h.Store.SaveUsage(ctx, g.ID, years[i], decimal.NewFromInt(qty)); err != nil {
				return fmt.Errorf("save usage %s/%d: %w", d.code, years[i], err)
			}
		}
	}
	return nil
}

// loadApprovedPlan drives a pharmacy request through the whole workflow.
func (h *Handler) loadApprovedPlan(ctx context.Context) error {
	if err := h.loadDemoCatalog(ctx); err != nil {
		return err
	}

	pharmacy := int64(10)
	req, err := h.Engine.CreateRequest(ctx, budget.NewRequest{
		FiscalYear:    DemoFiscalYear,
		DepartmentID:  &pharmacy,
		Justification: "Annual pharmacy drug budget based on three-year consumption trend",
	}, demoUser)
	if err != nil {
		return err
	}
	if _, err := h.Engine.InitializeItems(ctx, req.ID, demoUser); err != nil {
		return err
	}

	items, err := h.Engine.Items(ctx, req.ID)
	if err != nil {
		return err
	}
	for _, it := range items {
		// Order the average usage rounded up to a whole unit.
		qty := it.AvgUsage.Ceil()
		if _, err := h.Engine.UpdateItem(ctx, req.ID, it.ID, budget.ItemInput{RequestedQty: &qty}, demoUser); err != nil {
			return err
		}
	}

	if _, err := h.Engine.Submit(ctx, req.ID, demoUser); err != nil {
		return err
	}
	if _, err := h.Engine.ApproveDept(ctx, req.ID, "dept-head", "Consistent with last year's trend"); err != nil {
		return err
	}
	_, err = h.Engine.ApproveFinance(ctx, req.ID, "finance-officer", "Approved in full")
	return err
}
