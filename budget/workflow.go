/*
workflow.go - Budget request status state machine

PURPOSE:
  Governs every status transition of a budget request and owns the one
  transition with side effects beyond the request row: finance approval,
  which folds the approved amounts into the allocation ledger.

STATE GRAPH:
  ┌───────┐ submit ┌───────────┐ approveDept ┌───────────────┐ approveFinance ┌──────────────────┐
  │ DRAFT │──────▶│ SUBMITTED │───────────▶│ DEPT_APPROVED │──────────────▶│ FINANCE_APPROVED │
  └───────┘        └───────────┘             └───────────────┘                └──────────────────┘
      ▲                 │  reject                  │  reject                     (terminal, locked)
      │                 ▼                          ▼
      │            ┌──────────┐◀───────────────────┘
      └────────────│ REJECTED │   reopen also allowed from SUBMITTED and DEPT_APPROVED
         reopen    └──────────┘

PRECONDITIONS:
  Every operation loads the request (NotFound otherwise), checks the source
  status (PreconditionFailed otherwise) and then writes through a guarded
  update, so a concurrent transition on the same request loses cleanly
  instead of overwriting.

FINANCE APPROVAL TRANSACTION:
  One store transaction:
  1. Guarded update of the request to FINANCE_APPROVED with reviewer metadata
  2. Load the request's items
  3. Central request (no department): skip allocation, log one info entry
  4. Otherwise group item amounts by budget type and accumulate-upsert one
     allocation row per (fiscal year, budget type, department)
  5. Audit APPROVE_FINANCE
  6. Commit. Any error rolls everything back and is returned unchanged.

SEE ALSO:
  - validation.go: ValidateForSubmit, run by Submit
  - store.go: UpsertAllocation contract
*/
package budget

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// =============================================================================
// TRANSITIONS
// =============================================================================

// transition describes one status change for the shared transition path.
type transition struct {
	op     string
	action AuditAction
	from   []Status
	to     Status
	// check runs after the source status is known, before any write.
	check func(r *BudgetRequest) error
	// apply stamps the reviewer fields for the change.
	apply func(r *BudgetRequest)
	// reason is recorded as an extra audit field when non-empty.
	reason string
}

func (t transition) allowed(s Status) bool {
	for _, f := range t.from {
		if f == s {
			return true
		}
	}
	return false
}

// Submit moves a DRAFT request to SUBMITTED.
func (e *Engine) Submit(ctx context.Context, id int64, userID string) (r *BudgetRequest, err error) {
	ctx, span := startSpan(ctx, "budget.Submit", id)
	defer func() { endSpan(span, err) }()

	now := e.now()
	return e.transition(ctx, id, userID, transition{
		op:     "submit",
		action: AuditSubmit,
		from:   []Status{StatusDraft},
		to:     StatusSubmitted,
		check: func(r *BudgetRequest) error {
			if !e.Rules.ValidateOnSubmit {
				return nil
			}
			res, err := e.ValidateForSubmit(ctx, r.ID)
			if err != nil {
				return err
			}
			if !res.Valid {
				verr := ValidationError(CodeSubmitInvalid, "budget request %s is not ready for submission", r.RequestNumber)
				verr.Issues = res.Errors
				return verr
			}
			return nil
		},
		apply: func(r *BudgetRequest) {
			r.SubmittedBy = &userID
			r.SubmittedAt = &now
		},
	})
}

// ApproveDept moves a SUBMITTED request to DEPT_APPROVED.
func (e *Engine) ApproveDept(ctx context.Context, id int64, userID, comments string) (r *BudgetRequest, err error) {
	ctx, span := startSpan(ctx, "budget.ApproveDept", id)
	defer func() { endSpan(span, err) }()

	now := e.now()
	return e.transition(ctx, id, userID, transition{
		op:     "approve at department level",
		action: AuditApproveDept,
		from:   []Status{StatusSubmitted},
		to:     StatusDeptApproved,
		apply: func(r *BudgetRequest) {
			r.DeptReviewedBy = &userID
			r.DeptReviewedAt = &now
			r.DeptComments = comments
		},
	})
}

// Reject moves a SUBMITTED or DEPT_APPROVED request to REJECTED. The
// reviewer field of the stage the request was rejected from is stamped.
func (e *Engine) Reject(ctx context.Context, id int64, userID, reason string) (r *BudgetRequest, err error) {
	ctx, span := startSpan(ctx, "budget.Reject", id)
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	now := e.now()
	return e.transition(ctx, id, userID, transition{
		op:     "reject",
		action: AuditReject,
		from:   []Status{StatusSubmitted, StatusDeptApproved},
		to:     StatusRejected,
		reason: reason,
		check: func(*BudgetRequest) error {
			if reason == "" {
				return ValidationError(CodeReasonRequired, "a rejection reason is required")
			}
			return nil
		},
		apply: func(r *BudgetRequest) {
			r.RejectionReason = reason
			if r.Status == StatusSubmitted {
				r.DeptReviewedBy = &userID
				r.DeptReviewedAt = &now
			} else {
				r.FinanceReviewedBy = &userID
				r.FinanceReviewedAt = &now
			}
		},
	})
}

// Reopen returns a REJECTED, SUBMITTED or DEPT_APPROVED request to DRAFT.
// A FINANCE_APPROVED request is locked; a new request must be created.
func (e *Engine) Reopen(ctx context.Context, id int64, reason, userID string) (r *BudgetRequest, err error) {
	ctx, span := startSpan(ctx, "budget.Reopen", id)
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)
	now := e.now()
	return e.transition(ctx, id, userID, transition{
		op:     "reopen",
		action: AuditReopen,
		from:   []Status{StatusRejected, StatusSubmitted, StatusDeptApproved},
		to:     StatusDraft,
		reason: reason,
		check: func(r *BudgetRequest) error {
			if reason == "" {
				return ValidationError(CodeReasonRequired, "a reason is required to reopen a request")
			}
			return nil
		},
		apply: func(r *BudgetRequest) {
			r.ReopenedBy = &userID
			r.ReopenedAt = &now
		},
	})
}

func (e *Engine) transition(ctx context.Context, id int64, userID string, t transition) (*BudgetRequest, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	r, err := loadRequest(ctx, e.Store, id)
	if err != nil {
		return nil, err
	}
	if err := checkSource(t, r); err != nil {
		return nil, err
	}
	if t.check != nil {
		if err := t.check(r); err != nil {
			return nil, err
		}
	}

	from := r.Status
	t.apply(r)
	r.Status = t.to
	r.UpdatedAt = e.now()

	if err := guardStale(e.Store.UpdateRequest(ctx, r, from), r); err != nil {
		return nil, err
	}

	e.recordTransition(ctx, e.Store, r, t.action, from, userID, t.reason)
	e.Metrics.transition(t.action)
	e.log(ctx).Info("budget request transitioned",
		zap.Int64("request_id", r.ID),
		zap.String("request_number", r.RequestNumber),
		zap.String("from", string(from)),
		zap.String("to", string(r.Status)),
		zap.String("user_id", userID),
	)
	return r, nil
}

// checkSource reports why r cannot take transition t, if it cannot.
func checkSource(t transition, r *BudgetRequest) error {
	if t.allowed(r.Status) {
		return nil
	}
	if t.action == AuditReopen {
		switch r.Status {
		case StatusFinanceApproved:
			return PreconditionError(CodeBudgetLocked,
				"budget request %s is finance approved and locked; create a new request instead", r.RequestNumber)
		case StatusDraft:
			return PreconditionError(CodeAlreadyDraft, "budget request %s is already a draft", r.RequestNumber)
		}
	}
	return invalidStatus(t.op, r.Status)
}

func (e *Engine) recordTransition(ctx context.Context, s AuditStore, r *BudgetRequest, action AuditAction, from Status, userID, reason string) {
	base := AuditEntry{
		BudgetRequestID: r.ID,
		Action:          action,
		EntityType:      EntityRequest,
		EntityID:        r.ID,
		UserID:          userID,
		CreatedAt:       r.UpdatedAt,
	}
	changes := []FieldChange{{Field: "status", Old: string(from), New: string(r.Status)}}
	if reason != "" {
		changes = append(changes, FieldChange{Field: "reason", New: reason})
	}
	e.recorder().RecordChanges(ctx, s, base, changes)
}

// =============================================================================
// FINANCE APPROVAL
// =============================================================================

// ApproveFinance moves a DEPT_APPROVED request to FINANCE_APPROVED and, in
// the same transaction, accumulates its item amounts into the allocation
// ledger. Central requests are approved without allocation.
func (e *Engine) ApproveFinance(ctx context.Context, id int64, userID, comments string) (r *BudgetRequest, err error) {
	ctx, span := startSpan(ctx, "budget.ApproveFinance", id)
	defer func() { endSpan(span, err) }()

	if err := requireUser(userID); err != nil {
		return nil, err
	}

	// Fail fast outside the transaction; re-checked by the guarded update.
	current, err := loadRequest(ctx, e.Store, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusDeptApproved {
		return nil, invalidStatus("approve at finance level", current.Status)
	}

	var approved *BudgetRequest
	err = e.Store.WithTx(ctx, func(tx Store) error {
		r, err := loadRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Status != StatusDeptApproved {
			return invalidStatus("approve at finance level", r.Status)
		}

		// 1. Request row
		now := e.now()
		r.Status = StatusFinanceApproved
		r.FinanceReviewedBy = &userID
		r.FinanceReviewedAt = &now
		r.FinanceComments = comments
		r.UpdatedAt = now
		if err := guardStale(tx.UpdateRequest(ctx, r, StatusDeptApproved), r); err != nil {
			return err
		}

		// 2. Items
		items, err := tx.ListItems(ctx, r.ID)
		if err != nil {
			return err
		}

		// 3./4. Allocations
		if r.IsCentral() {
			e.log(ctx).Info("central budget request approved; allocation deferred to purchasing stage",
				zap.Int64("request_id", r.ID),
				zap.String("request_number", r.RequestNumber),
				zap.Int("skipped_items", len(items)),
			)
		} else {
			for _, delta := range e.allocationDeltas(r, items) {
				if err := tx.UpsertAllocation(ctx, delta); err != nil {
					return err
				}
				e.Metrics.allocationUpsert()
			}
		}

		// 5. Audit
		e.recordTransition(ctx, tx, r, AuditApproveFinance, StatusDeptApproved, userID, "")

		approved = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Metrics.transition(AuditApproveFinance)
	e.log(ctx).Info("budget request transitioned",
		zap.Int64("request_id", approved.ID),
		zap.String("request_number", approved.RequestNumber),
		zap.String("from", string(StatusDeptApproved)),
		zap.String("to", string(StatusFinanceApproved)),
		zap.String("user_id", userID),
	)
	return approved, nil
}

// allocationDeltas groups item amounts by budget type, ordered by budget id.
func (e *Engine) allocationDeltas(r *BudgetRequest, items []BudgetRequestItem) []AllocationDelta {
	byBudget := make(map[int64]*AllocationDelta)
	for _, it := range items {
		budgetID := e.Rules.MainBudgetID
		if it.BudgetID != nil {
			budgetID = *it.BudgetID
		}
		d, ok := byBudget[budgetID]
		if !ok {
			d = &AllocationDelta{Key: AllocationKey{
				FiscalYear:   r.FiscalYear,
				BudgetID:     budgetID,
				DepartmentID: *r.DepartmentID,
			}}
			byBudget[budgetID] = d
		}
		d.Add(it)
	}

	out := make([]AllocationDelta, 0, len(byBudget))
	for _, d := range byBudget {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.BudgetID < out[j].Key.BudgetID })
	return out
}
