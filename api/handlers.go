/*
handlers.go - HTTP API handlers for the drug budget engine

PURPOSE:
  Exposes the budget engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every business decision to
  budget.Engine.

ENDPOINTS:
  Budget requests:
    POST   /api/budget-requests                  Create (DRAFT)
    GET    /api/budget-requests                  List (?fiscal_year&department_id&status)
    GET    /api/budget-requests/{id}             Get with items
    PUT    /api/budget-requests/{id}             Update justification/department
    DELETE /api/budget-requests/{id}             Soft delete (?cascade=true)
    GET    /api/budget-requests/{id}/validate    Pre-submission check
    GET    /api/budget-requests/{id}/audit       Audit trail

  Workflow:
    POST   /api/budget-requests/{id}/submit
    POST   /api/budget-requests/{id}/approve-dept
    POST   /api/budget-requests/{id}/approve-finance
    POST   /api/budget-requests/{id}/reject
    POST   /api/budget-requests/{id}/reopen

  Items:
    POST   /api/budget-requests/{id}/items                Add
    PUT    /api/budget-requests/{id}/items/{itemId}       Update
    DELETE /api/budget-requests/{id}/items/{itemId}       Delete one
    POST   /api/budget-requests/{id}/items/bulk-delete    Delete many
    DELETE /api/budget-requests/{id}/items                Delete all
    POST   /api/budget-requests/{id}/items/initialize     One item per active generic
    POST   /api/budget-requests/{id}/import               Multipart spreadsheet upload
    GET    /api/budget-requests/{id}/export               xlsx download

  Allocations:
    GET    /api/allocations?fiscal_year=

ACTING USER:
  Every mutating endpoint requires the X-User-ID header. It is never
  inferred; a missing header is a 400.

ERROR HANDLING:
  Engine errors map by kind:
  - 404: NotFound
  - 409: PreconditionFailed, Conflict
  - 422: ValidationFailed (issues included when present)
  - 503: Transient
  - 500: anything else
  Bodies are {"error", "code", "details", "issues"}.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo catalog loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/warp/drug-budget/budget"
	"github.com/warp/drug-budget/sheet"
	"github.com/warp/drug-budget/store/sqlite"
)

// UserHeader carries the acting user id.
const UserHeader = "X-User-ID"

const maxUploadBytes = 32 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *budget.Engine
	Store  *sqlite.Store
	Logger *zap.Logger

	validate *validator.Validate

	// Track currently loaded scenario
	currentScenario string
}

// NewHandler creates a handler around an engine backed by store.
func NewHandler(engine *budget.Engine, store *sqlite.Store, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine:   engine,
		Store:    store,
		Logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// =============================================================================
// BUDGET REQUEST HANDLERS
// =============================================================================

// CreateBudgetRequest creates a DRAFT request.
func (h *Handler) CreateBudgetRequest(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req CreateBudgetRequestRequest
	if !h.decodeBody(w, r, &req, false) {
		return
	}

	br, err := h.Engine.CreateRequest(r.Context(), budget.NewRequest{
		FiscalYear:    req.FiscalYear,
		DepartmentID:  req.DepartmentID,
		Justification: req.Justification,
	}, user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestDTO(br))
}

// ListBudgetRequests returns live requests, newest first.
func (h *Handler) ListBudgetRequests(w http.ResponseWriter, r *http.Request) {
	var filter budget.RequestFilter
	q := r.URL.Query()
	if v := q.Get("fiscal_year"); v != "" {
		fy, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid fiscal_year", err)
			return
		}
		filter.FiscalYear = &fy
	}
	if v := q.Get("department_id"); v != "" {
		dept, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid department_id", err)
			return
		}
		filter.DepartmentID = &dept
	}
	if v := q.Get("status"); v != "" {
		status, err := budget.ParseStatus(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid status", err)
			return
		}
		filter.Status = &status
	}

	requests, err := h.Engine.ListRequests(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dtos := make([]BudgetRequestDTO, len(requests))
	for i := range requests {
		dtos[i] = toRequestDTO(&requests[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetBudgetRequest returns a request with its items.
func (h *Handler) GetBudgetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	br, err := h.Engine.GetRequest(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	items, err := h.Engine.Items(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dto := toRequestDTO(br)
	dto.Items = toItemDTOs(items)
	writeJSON(w, http.StatusOK, dto)
}

// UpdateBudgetRequest edits a DRAFT request.
func (h *Handler) UpdateBudgetRequest(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req UpdateBudgetRequestRequest
	if !h.decodeBody(w, r, &req, false) {
		return
	}

	br, err := h.Engine.UpdateRequest(r.Context(), id, budget.RequestPatch{
		Justification:   req.Justification,
		DepartmentID:    req.DepartmentID,
		ClearDepartment: req.ClearDepartment,
	}, user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(br))
}

// DeleteBudgetRequest soft-deletes a DRAFT or REJECTED request.
func (h *Handler) DeleteBudgetRequest(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	cascade, _ := strconv.ParseBool(r.URL.Query().Get("cascade"))

	if err := h.Engine.DeleteRequest(r.Context(), id, cascade, user); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidateBudgetRequest runs the pre-submission check.
func (h *Handler) ValidateBudgetRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.Engine.ValidateForSubmit(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAuditTrail returns the request's audit entries in write order.
func (h *Handler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.Engine.AuditTrail(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dtos := make([]AuditDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// WORKFLOW HANDLERS
// =============================================================================

// Submit moves a DRAFT request to SUBMITTED.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(id int64, user string) (*budget.BudgetRequest, error) {
		return h.Engine.Submit(r.Context(), id, user)
	})
}

// ApproveDept moves a SUBMITTED request to DEPT_APPROVED.
func (h *Handler) ApproveDept(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !h.decodeBody(w, r, &req, true) {
		return
	}
	h.transition(w, r, func(id int64, user string) (*budget.BudgetRequest, error) {
		return h.Engine.ApproveDept(r.Context(), id, user, req.Comments)
	})
}

// ApproveFinance locks the request and accumulates its allocations.
func (h *Handler) ApproveFinance(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if !h.decodeBody(w, r, &req, true) {
		return
	}
	h.transition(w, r, func(id int64, user string) (*budget.BudgetRequest, error) {
		return h.Engine.ApproveFinance(r.Context(), id, user, req.Comments)
	})
}

// Reject moves a SUBMITTED or DEPT_APPROVED request to REJECTED.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !h.decodeBody(w, r, &req, true) {
		return
	}
	h.transition(w, r, func(id int64, user string) (*budget.BudgetRequest, error) {
		return h.Engine.Reject(r.Context(), id, user, req.Reason)
	})
}

// Reopen returns a request to DRAFT.
func (h *Handler) Reopen(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !h.decodeBody(w, r, &req, true) {
		return
	}
	h.transition(w, r, func(id int64, user string) (*budget.BudgetRequest, error) {
		return h.Engine.Reopen(r.Context(), id, req.Reason, user)
	})
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(id int64, user string) (*budget.BudgetRequest, error)) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	br, err := fn(id, user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestDTO(br))
}

// =============================================================================
// ITEM HANDLERS
// =============================================================================

// AddItem adds a generic to a DRAFT request.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req ItemRequest
	if !h.decodeBody(w, r, &req, false) {
		return
	}
	if req.GenericID == 0 {
		writeError(w, http.StatusBadRequest, "generic_id is required", nil)
		return
	}

	item, err := h.Engine.AddItem(r.Context(), id, req.toInput(), user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(*item))
}

// UpdateItem edits one item of a DRAFT request.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemId")
	if !ok {
		return
	}
	var req ItemRequest
	if !h.decodeBody(w, r, &req, false) {
		return
	}

	item, err := h.Engine.UpdateItem(r.Context(), id, itemID, req.toInput(), user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(*item))
}

// DeleteItem removes one item.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := pathID(w, r, "itemId")
	if !ok {
		return
	}
	if err := h.Engine.DeleteItem(r.Context(), id, itemID, user); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BulkDeleteItems removes the listed items.
func (h *Handler) BulkDeleteItems(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req BulkDeleteRequest
	if !h.decodeBody(w, r, &req, false) {
		return
	}
	n, err := h.Engine.DeleteItems(r.Context(), id, req.ItemIDs, user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountDTO{Count: n})
}

// DeleteAllItems empties a DRAFT request.
func (h *Handler) DeleteAllItems(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	n, err := h.Engine.DeleteAllItems(r.Context(), id, user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountDTO{Count: n})
}

// InitializeItems adds one item per active generic.
func (h *Handler) InitializeItems(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	n, err := h.Engine.InitializeItems(r.Context(), id, user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountDTO{Count: n})
}

// ImportItems reconciles an uploaded spreadsheet into the request.
// Form fields: file, mode (append|replace|update), skip_errors.
func (h *Handler) ImportItems(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart upload", err)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required", err)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read upload", err)
		return
	}

	mode, err := budget.ParseImportMode(r.FormValue("mode"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	skip, _ := strconv.ParseBool(r.FormValue("skip_errors"))

	res, err := h.Engine.Import(r.Context(), id, data, budget.ImportOptions{Mode: mode, SkipErrors: skip}, user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ExportItems streams the request's items as xlsx.
func (h *Handler) ExportItems(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	br, err := h.Engine.GetRequest(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	items, err := h.Engine.Items(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename="+sheet.FileName(br))
	if err := sheet.WriteItems(w, br, items); err != nil {
		h.Logger.Error("export failed", zap.Int64("request_id", id), zap.Error(err))
	}
}

// =============================================================================
// ALLOCATION HANDLERS
// =============================================================================

// ListAllocations returns the ledger rows of a fiscal year.
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	fy, err := strconv.Atoi(r.URL.Query().Get("fiscal_year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "fiscal_year is required", err)
		return
	}
	rows, err := h.Engine.Allocations(r.Context(), fy)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	dtos := make([]AllocationDTO, len(rows))
	for i, a := range rows {
		dtos[i] = toAllocationDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health reports database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := r.Header.Get(UserHeader)
	if user == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: UserHeader + " header is required",
			Code:  budget.CodeUserRequired,
		})
		return "", false
	}
	return user, true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid "+name, err)
		return 0, false
	}
	return id, true
}

// decodeBody decodes JSON into dst and validates its tags. With optional
// set, an empty body is accepted.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
				Error:   "Invalid field " + verrs[0].Field(),
				Code:    "INVALID_FIELD",
				Details: verrs[0].Error(),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func statusFor(kind budget.Kind) int {
	switch kind {
	case budget.KindNotFound:
		return http.StatusNotFound
	case budget.KindPreconditionFailed, budget.KindConflict:
		return http.StatusConflict
	case budget.KindValidationFailed:
		return http.StatusUnprocessableEntity
	case budget.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var be *budget.Error
	if !errors.As(err, &be) {
		h.Logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error", err)
		return
	}
	resp := ErrorResponse{Error: be.Message, Code: be.Code, Issues: be.Issues}
	if be.Err != nil {
		resp.Details = be.Err.Error()
	}
	writeJSON(w, statusFor(be.Kind), resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
