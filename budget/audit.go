/*
audit.go - Best-effort audit recorder

PURPOSE:
  Appends immutable change records for every workflow transition and every
  field-level change to a request or line item.

CONTRACT:
  Record and RecordChanges NEVER return an error. A failed write is logged at
  error level, counted, and discarded, so an audit outage cannot block the
  operation being audited.

VALUE FORMATTING:
  Values are stored as strings: times as RFC 3339 (ISO-8601), decimals in
  plain notation, strings verbatim, everything else as JSON.

SEE ALSO:
  - workflow.go: records SUBMIT/APPROVE_DEPT/APPROVE_FINANCE/REJECT/REOPEN
  - items.go: records item CREATE/UPDATE/DELETE
*/
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Recorder writes audit entries without ever failing the caller.
type Recorder struct {
	logger  *zap.Logger
	metrics *Metrics
}

// NewRecorder creates a recorder. A nil logger discards failure reports.
func NewRecorder(logger *zap.Logger, metrics *Metrics) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{logger: logger, metrics: metrics}
}

// Record appends entry through s. Failures are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, s AuditStore, entry AuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := s.AppendAudit(ctx, entry); err != nil {
		r.metrics.auditFailure()
		withTrace(ctx, r.logger).Error("audit write failed",
			zap.Int64("request_id", entry.BudgetRequestID),
			zap.String("action", string(entry.Action)),
			zap.String("entity_type", string(entry.EntityType)),
			zap.Int64("entity_id", entry.EntityID),
			zap.Error(err),
		)
	}
}

// RecordChanges appends one entry per change, copying the identifying
// fields from base.
func (r *Recorder) RecordChanges(ctx context.Context, s AuditStore, base AuditEntry, changes []FieldChange) {
	for _, c := range changes {
		entry := base
		entry.FieldName = c.Field
		entry.OldValue = c.Old
		entry.NewValue = c.New
		r.Record(ctx, s, entry)
	}
}

// FieldChange is one differing field between two versions of an entity.
type FieldChange struct {
	Field string
	Old   string
	New   string
}

// FormatValue renders v the way audit entries store values.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case *string:
		if x == nil {
			return ""
		}
		return *x
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.UTC().Format(time.RFC3339)
	case decimal.Decimal:
		return x.String()
	case *int64:
		if x == nil {
			return ""
		}
		return fmt.Sprint(*x)
	case int, int64, Status:
		return fmt.Sprint(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// diffFields compares named value pairs and returns the ones that differ
// once formatted.
func diffFields(pairs ...fieldPair) []FieldChange {
	var out []FieldChange
	for _, p := range pairs {
		o, n := FormatValue(p.old), FormatValue(p.new)
		if p.dec && decimalEqual(o, n) {
			continue
		}
		if o != n {
			out = append(out, FieldChange{Field: p.name, Old: o, New: n})
		}
	}
	return out
}

type fieldPair struct {
	name     string
	old, new any
	dec      bool
}

func decField(name string, before, after decimal.Decimal) fieldPair {
	return fieldPair{name: name, old: before, new: after, dec: true}
}

func decimalEqual(a, b string) bool {
	return ParseDecimal(a).Equal(ParseDecimal(b))
}

// ItemChanges lists the user-visible field differences between two versions
// of a line item.
func ItemChanges(before, after BudgetRequestItem) []FieldChange {
	return diffFields(
		fieldPair{name: "budget_id", old: before.BudgetID, new: after.BudgetID},
		fieldPair{name: "historical_usage", old: before.HistoricalUsage, new: after.HistoricalUsage},
		decField("estimated_usage", before.EstimatedUsage, after.EstimatedUsage),
		decField("current_stock", before.CurrentStock, after.CurrentStock),
		decField("unit_price", before.UnitPrice, after.UnitPrice),
		decField("requested_qty", before.RequestedQty, after.RequestedQty),
		decField("requested_amount", before.RequestedAmount, after.RequestedAmount),
		decField("q1_qty", before.Q1Qty, after.Q1Qty),
		decField("q2_qty", before.Q2Qty, after.Q2Qty),
		decField("q3_qty", before.Q3Qty, after.Q3Qty),
		decField("q4_qty", before.Q4Qty, after.Q4Qty),
	)
}

// RequestChanges lists the editable field differences between two versions
// of a request.
func RequestChanges(before, after BudgetRequest) []FieldChange {
	return diffFields(
		fieldPair{name: "justification", old: before.Justification, new: after.Justification},
		fieldPair{name: "department_id", old: before.DepartmentID, new: after.DepartmentID},
	)
}

// AuditTrail returns the request's audit entries, oldest first.
func (e *Engine) AuditTrail(ctx context.Context, requestID int64) ([]AuditEntry, error) {
	return e.Store.ListAudit(ctx, requestID)
}
