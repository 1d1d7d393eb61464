/*
errors.go - Error taxonomy for the budget engine

PURPOSE:
  Every failure reported by the engine carries a Kind that callers switch on,
  a stable Code for rendering actionable messages, and the original cause.

ERROR KINDS:
  NotFound:           request, item or drug generic absent
  PreconditionFailed: wrong status for the requested operation
  ValidationFailed:   malformed input (missing reason, bad quantity, ...)
  Conflict:           unique-key or referential-integrity violation from the store
  Transient:          store unavailable; the engine never retries these

USAGE:
  if errors.Is(err, budget.ErrPreconditionFailed) { ... }

  var be *budget.Error
  if errors.As(err, &be) && be.Code == budget.CodeBudgetLocked { ... }

SEE ALSO:
  - store/sqlite/sqlite.go: maps driver errors onto Conflict/Transient
  - api/handlers.go: maps kinds onto HTTP status codes
*/
package budget

import (
	"errors"
	"fmt"
)

// =============================================================================
// KINDS
// =============================================================================

type Kind int

const (
	KindNotFound Kind = iota + 1
	KindPreconditionFailed
	KindValidationFailed
	KindConflict
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindValidationFailed:
		return "validation_failed"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Sentinels, one per kind. *Error unwraps to the sentinel of its kind.
var (
	ErrNotFound           = errors.New("not found")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrValidationFailed   = errors.New("validation failed")
	ErrConflict           = errors.New("conflict")
	ErrTransient          = errors.New("store unavailable")

	// ErrStaleStatus is returned by stores when a guarded update finds the
	// row no longer in the expected status.
	ErrStaleStatus = errors.New("request status changed concurrently")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindPreconditionFailed:
		return ErrPreconditionFailed
	case KindValidationFailed:
		return ErrValidationFailed
	case KindConflict:
		return ErrConflict
	case KindTransient:
		return ErrTransient
	}
	return nil
}

// =============================================================================
// CODES
// =============================================================================

const (
	CodeRequestNotFound      = "REQUEST_NOT_FOUND"
	CodeItemNotFound         = "ITEM_NOT_FOUND"
	CodeGenericNotFound      = "GENERIC_NOT_FOUND"
	CodeAllocationNotFound   = "ALLOCATION_NOT_FOUND"
	CodeInvalidStatus        = "INVALID_STATUS"
	CodeBudgetLocked         = "BUDGET_LOCKED"
	CodeAlreadyDraft         = "ALREADY_DRAFT"
	CodeNotDraft             = "NOT_DRAFT"
	CodeHasItems             = "HAS_ITEMS"
	CodeUserRequired         = "USER_REQUIRED"
	CodeReasonRequired       = "REASON_REQUIRED"
	CodeInvalidFiscalYear    = "FISCAL_YEAR_INVALID"
	CodeJustificationShort   = "JUSTIFICATION_TOO_SHORT"
	CodeNoItems              = "NO_ITEMS"
	CodeInvalidQuantity      = "INVALID_QUANTITY"
	CodeInvalidPrice         = "INVALID_PRICE"
	CodeInvalidNumber        = "INVALID_NUMBER"
	CodeQuarterlySumMismatch = "QUARTERLY_SUM_MISMATCH"
	CodeDuplicateGeneric     = "DUPLICATE_GENERIC"
	CodeSubmitInvalid        = "SUBMIT_VALIDATION_FAILED"
	CodeInvalidFile          = "INVALID_FILE"
	CodeInvalidMode          = "INVALID_MODE"
	CodeStoreConflict        = "STORE_CONFLICT"
	CodeStoreUnavailable     = "STORE_UNAVAILABLE"
)

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error is the engine's single failure type.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error

	// Issues carries the validation report when submit is refused.
	Issues []Issue
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(kind Kind, code string, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError reports a missing entity.
func NotFoundError(code, format string, args ...any) *Error {
	return newError(KindNotFound, code, format, args...)
}

// PreconditionError reports an operation attempted in the wrong state.
func PreconditionError(code, format string, args ...any) *Error {
	return newError(KindPreconditionFailed, code, format, args...)
}

// ValidationError reports malformed input.
func ValidationError(code, format string, args ...any) *Error {
	return newError(KindValidationFailed, code, format, args...)
}

// ConflictError wraps a store integrity violation.
func ConflictError(err error, format string, args ...any) *Error {
	e := newError(KindConflict, CodeStoreConflict, format, args...)
	e.Err = err
	return e
}

// ConflictErrorCode reports a uniqueness violation detected by the engine.
func ConflictErrorCode(code, format string, args ...any) *Error {
	return newError(KindConflict, code, format, args...)
}

// TransientError wraps a store availability failure.
func TransientError(err error, format string, args ...any) *Error {
	e := newError(KindTransient, CodeStoreUnavailable, format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of err, or 0 when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// CodeOf returns the code of err, or "" when err is not an engine error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func requestNotFound(id int64) *Error {
	return NotFoundError(CodeRequestNotFound, "budget request %d not found", id)
}

func invalidStatus(op string, status Status) *Error {
	return PreconditionError(CodeInvalidStatus, "cannot %s, status is %s", op, status)
}

func notDraft(status Status) *Error {
	return PreconditionError(CodeNotDraft, "items can only be changed while the request is DRAFT, status is %s", status)
}
