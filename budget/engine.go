package budget

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/warp/drug-budget/budget")

// DefaultMainBudgetID is the budget type used when an item carries none.
const DefaultMainBudgetID int64 = 1

// Rules holds the tunable business rules.
type Rules struct {
	// MainBudgetID is the allocation budget type for items without one.
	MainBudgetID int64

	// MinFiscalYear is the earliest supported Buddhist-calendar fiscal year.
	MinFiscalYear int

	// MinJustificationLength is counted in characters, not bytes.
	MinJustificationLength int

	// QuarterTolerance bounds |Q1+Q2+Q3+Q4 - requested_qty| at submit time.
	QuarterTolerance decimal.Decimal

	// ImportQuarterTolerance bounds the same difference for explicit
	// quarterly columns in an imported file.
	ImportQuarterTolerance decimal.Decimal

	// ValidateOnSubmit refuses Submit when ValidateForSubmit reports errors.
	ValidateOnSubmit bool
}

// DefaultRules returns the production rules.
func DefaultRules() Rules {
	return Rules{
		MainBudgetID:           DefaultMainBudgetID,
		MinFiscalYear:          2560,
		MinJustificationLength: 20,
		QuarterTolerance:       decimal.New(1, -3),
		ImportQuarterTolerance: decimal.New(1, -2),
		ValidateOnSubmit:       true,
	}
}

// Engine owns the request workflow, validation, item management and import.
// All collaborators are injected; nothing is read from globals except the
// OpenTelemetry tracer provider.
type Engine struct {
	Store   TxStore
	Catalog Catalog
	Usage   UsageHistory
	Parser  RowParser
	Audit   *Recorder
	Metrics *Metrics
	Logger  *zap.Logger
	Rules   Rules
	Clock   func() time.Time
}

// NewEngine wires an engine with default rules, a no-op logger and nil
// metrics. Callers override exported fields as needed.
func NewEngine(store TxStore, catalog Catalog) *Engine {
	logger := zap.NewNop()
	return &Engine{
		Store:   store,
		Catalog: catalog,
		Logger:  logger,
		Audit:   NewRecorder(logger, nil),
		Rules:   DefaultRules(),
		Clock:   time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock().UTC()
}

func (e *Engine) recorder() *Recorder {
	if e.Audit == nil {
		e.Audit = NewRecorder(e.Logger, e.Metrics)
	}
	return e.Audit
}

// log returns the engine logger annotated with the active span, if any.
func (e *Engine) log(ctx context.Context) *zap.Logger {
	logger := e.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return withTrace(ctx, logger)
}

func withTrace(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		return logger.With(
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	return logger
}

func startSpan(ctx context.Context, name string, requestID int64) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.Int64("budget_request.id", requestID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func requireUser(userID string) error {
	if userID == "" {
		return ValidationError(CodeUserRequired, "acting user id is required")
	}
	return nil
}

// loadRequest fetches the request or reports NotFound.
func loadRequest(ctx context.Context, s RequestStore, id int64) (*BudgetRequest, error) {
	r, err := s.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, requestNotFound(id)
	}
	return r, nil
}

// loadDraft fetches the request and requires DRAFT status.
func loadDraft(ctx context.Context, s RequestStore, id int64) (*BudgetRequest, error) {
	r, err := loadRequest(ctx, s, id)
	if err != nil {
		return nil, err
	}
	if r.Status != StatusDraft {
		return nil, notDraft(r.Status)
	}
	return r, nil
}

// refreshTotal recomputes the request total from its live items and
// persists it, guarded on the request still being in its current status.
func (e *Engine) refreshTotal(ctx context.Context, s Store, r *BudgetRequest) error {
	items, err := s.ListItems(ctx, r.ID)
	if err != nil {
		return err
	}
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Amount())
	}
	return e.saveTotal(ctx, s, r, total)
}

func (e *Engine) saveTotal(ctx context.Context, s Store, r *BudgetRequest, total decimal.Decimal) error {
	r.TotalRequestedAmount = total
	r.UpdatedAt = e.now()
	return guardStale(s.UpdateRequest(ctx, r, r.Status), r)
}

// guardStale turns ErrStaleStatus into a PreconditionFailed error.
func guardStale(err error, r *BudgetRequest) error {
	if errors.Is(err, ErrStaleStatus) {
		return PreconditionError(CodeInvalidStatus, "budget request %d changed status concurrently", r.ID)
	}
	return err
}
