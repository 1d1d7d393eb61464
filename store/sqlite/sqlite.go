/*
Package sqlite provides a SQLite-backed implementation of the budget store
interfaces.

PURPOSE:
  Implements budget.TxStore (requests, items, allocations, audit),
  budget.Catalog and budget.UsageHistory on one SQLite database. In
  production the same statements run on PostgreSQL with only minor dialect
  differences (RETURNING, ON CONFLICT and partial indexes are shared).

KEY TABLES:
  budget_requests:          one row per request, soft-deleted via is_deleted
  budget_request_sequences: per-fiscal-year counter for request numbers
  budget_request_items:     line items, UNIQUE(request_id, generic_id)
  budget_allocations:       approved capacity, UNIQUE(fiscal_year, budget_id, department_id)
  budget_request_audit:     append-only change log
  drug_generics:            catalog
  drug_usage:               consumption per generic and fiscal year

MONEY:
  Item quantities and prices are TEXT decimals and are summed in Go.
  Allocation amounts are INTEGER satang (1/100 baht) so the accumulate-upsert
  adds exactly inside SQLite:

    INSERT ... ON CONFLICT(fiscal_year, budget_id, department_id)
    DO UPDATE SET total_budget = total_budget + excluded.total_budget, ...

CONCURRENCY:
  The pool is limited to one connection: SQLite allows a single writer, and
  ":memory:" databases are per-connection. A Store returned to a WithTx
  callback is bound to the *sql.Tx; the root Store must not be used inside
  the callback or it will wait on the same connection.

ERRORS:
  Driver errors are classified by sqlite3 result code: constraint
  violations become budget conflicts, busy/locked become transient errors.

USAGE:
  store, err := sqlite.New("./data/budget.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := budget.NewEngine(store, store)

SEE ALSO:
  - budget/store.go: Interface definitions
  - budget/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/drug-budget/budget"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements budget.TxStore, budget.Catalog and budget.UsageHistory.
type Store struct {
	db   *sql.DB
	q    querier
	inTx bool
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS budget_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_number TEXT NOT NULL UNIQUE,
		fiscal_year INTEGER NOT NULL,
		department_id INTEGER,
		status TEXT NOT NULL DEFAULT 'DRAFT',
		total_requested_amount TEXT NOT NULL DEFAULT '0',
		justification TEXT,
		submitted_by TEXT,
		submitted_at TEXT,
		dept_reviewed_by TEXT,
		dept_reviewed_at TEXT,
		dept_comments TEXT,
		finance_reviewed_by TEXT,
		finance_reviewed_at TEXT,
		finance_comments TEXT,
		rejection_reason TEXT,
		reopened_by TEXT,
		reopened_at TEXT,
		created_by TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_budget_requests_year_status
		ON budget_requests(fiscal_year, status) WHERE is_deleted = 0;

	CREATE TABLE IF NOT EXISTS budget_request_sequences (
		fiscal_year INTEGER PRIMARY KEY,
		last_value INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS budget_request_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		budget_request_id INTEGER NOT NULL REFERENCES budget_requests(id),
		line_number INTEGER NOT NULL,
		generic_id INTEGER NOT NULL,
		generic_code TEXT NOT NULL,
		generic_name TEXT NOT NULL,
		package_size TEXT,
		unit TEXT,
		budget_id INTEGER,
		historical_usage TEXT NOT NULL DEFAULT '{}',
		avg_usage TEXT NOT NULL DEFAULT '0',
		estimated_usage TEXT NOT NULL DEFAULT '0',
		current_stock TEXT NOT NULL DEFAULT '0',
		estimated_purchase TEXT NOT NULL DEFAULT '0',
		unit_price TEXT NOT NULL DEFAULT '0',
		requested_qty TEXT NOT NULL DEFAULT '0',
		requested_amount TEXT NOT NULL DEFAULT '0',
		q1_qty TEXT NOT NULL DEFAULT '0',
		q2_qty TEXT NOT NULL DEFAULT '0',
		q3_qty TEXT NOT NULL DEFAULT '0',
		q4_qty TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(budget_request_id, generic_id)
	);

	CREATE INDEX IF NOT EXISTS idx_budget_request_items_request
		ON budget_request_items(budget_request_id, line_number);

	-- Amounts in satang; see MONEY above.
	CREATE TABLE IF NOT EXISTS budget_allocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fiscal_year INTEGER NOT NULL,
		budget_id INTEGER NOT NULL,
		department_id INTEGER NOT NULL,
		total_budget INTEGER NOT NULL DEFAULT 0,
		q1_budget INTEGER NOT NULL DEFAULT 0,
		q2_budget INTEGER NOT NULL DEFAULT 0,
		q3_budget INTEGER NOT NULL DEFAULT 0,
		q4_budget INTEGER NOT NULL DEFAULT 0,
		total_spent INTEGER NOT NULL DEFAULT 0,
		q1_spent INTEGER NOT NULL DEFAULT 0,
		q2_spent INTEGER NOT NULL DEFAULT 0,
		q3_spent INTEGER NOT NULL DEFAULT 0,
		q4_spent INTEGER NOT NULL DEFAULT 0,
		remaining_budget INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(fiscal_year, budget_id, department_id)
	);

	CREATE TABLE IF NOT EXISTS budget_request_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		budget_request_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		field_name TEXT,
		old_value TEXT,
		new_value TEXT,
		user_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_budget_request_audit_request
		ON budget_request_audit(budget_request_id, id);

	CREATE TABLE IF NOT EXISTS drug_generics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		working_code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		package_size TEXT,
		unit TEXT,
		unit_price TEXT NOT NULL DEFAULT '0',
		budget_id INTEGER,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS drug_usage (
		generic_id INTEGER NOT NULL,
		fiscal_year INTEGER NOT NULL,
		quantity TEXT NOT NULL,
		PRIMARY KEY (generic_id, fiscal_year)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction. Nested calls join the
// outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(budget.Store) error) error {
	if s.inTx {
		return fn(s)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "begin transaction")
	}
	defer sqlTx.Rollback()

	if err := fn(&Store{db: s.db, q: sqlTx, inTx: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(err, "commit transaction")
	}
	return nil
}

// =============================================================================
// REQUESTS (budget.RequestStore)
// =============================================================================

// NextRequestSequence bumps the fiscal year's counter in one statement.
func (s *Store) NextRequestSequence(ctx context.Context, fiscalYear int) (int, error) {
	var seq int
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO budget_request_sequences (fiscal_year, last_value) VALUES (?, 1)
		ON CONFLICT(fiscal_year) DO UPDATE SET last_value = last_value + 1
		RETURNING last_value
	`, fiscalYear).Scan(&seq)
	if err != nil {
		return 0, classify(err, "next request sequence")
	}
	return seq, nil
}

func (s *Store) InsertRequest(ctx context.Context, r *budget.BudgetRequest) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO budget_requests (request_number, fiscal_year, department_id, status,
			total_requested_amount, justification, submitted_by, submitted_at,
			dept_reviewed_by, dept_reviewed_at, dept_comments,
			finance_reviewed_by, finance_reviewed_at, finance_comments,
			rejection_reason, reopened_by, reopened_at,
			created_by, created_at, updated_at, is_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.RequestNumber, r.FiscalYear, r.DepartmentID, string(r.Status),
		r.TotalRequestedAmount.String(), nullString(r.Justification), r.SubmittedBy, nullTime(r.SubmittedAt),
		r.DeptReviewedBy, nullTime(r.DeptReviewedAt), nullString(r.DeptComments),
		r.FinanceReviewedBy, nullTime(r.FinanceReviewedAt), nullString(r.FinanceComments),
		nullString(r.RejectionReason), r.ReopenedBy, nullTime(r.ReopenedAt),
		r.CreatedBy, formatTime(r.CreatedAt), formatTime(r.UpdatedAt), r.Deleted,
	)
	if err != nil {
		return classify(err, "insert budget request")
	}
	r.ID, err = res.LastInsertId()
	return err
}

const requestColumns = `
	id, request_number, fiscal_year, department_id, status, total_requested_amount,
	justification, submitted_by, submitted_at, dept_reviewed_by, dept_reviewed_at,
	dept_comments, finance_reviewed_by, finance_reviewed_at, finance_comments,
	rejection_reason, reopened_by, reopened_at, created_by, created_at, updated_at, is_deleted`

// GetRequest returns nil, nil for missing and soft-deleted requests.
func (s *Store) GetRequest(ctx context.Context, id int64) (*budget.BudgetRequest, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+requestColumns+`
		FROM budget_requests WHERE id = ? AND is_deleted = 0`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get budget request")
	}
	return r, nil
}

// UpdateRequest writes every mutable column, guarded on the status the
// caller observed.
func (s *Store) UpdateRequest(ctx context.Context, r *budget.BudgetRequest, from budget.Status) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE budget_requests SET
			department_id = ?, status = ?, total_requested_amount = ?, justification = ?,
			submitted_by = ?, submitted_at = ?,
			dept_reviewed_by = ?, dept_reviewed_at = ?, dept_comments = ?,
			finance_reviewed_by = ?, finance_reviewed_at = ?, finance_comments = ?,
			rejection_reason = ?, reopened_by = ?, reopened_at = ?,
			updated_at = ?, is_deleted = ?
		WHERE id = ? AND status = ? AND is_deleted = 0
	`,
		r.DepartmentID, string(r.Status), r.TotalRequestedAmount.String(), nullString(r.Justification),
		r.SubmittedBy, nullTime(r.SubmittedAt),
		r.DeptReviewedBy, nullTime(r.DeptReviewedAt), nullString(r.DeptComments),
		r.FinanceReviewedBy, nullTime(r.FinanceReviewedAt), nullString(r.FinanceComments),
		nullString(r.RejectionReason), r.ReopenedBy, nullTime(r.ReopenedAt),
		formatTime(r.UpdatedAt), r.Deleted,
		r.ID, string(from),
	)
	if err != nil {
		return classify(err, "update budget request")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var deleted bool
	err = s.q.QueryRowContext(ctx, `SELECT is_deleted FROM budget_requests WHERE id = ?`, r.ID).Scan(&deleted)
	if err == sql.ErrNoRows || deleted {
		return budget.NotFoundError(budget.CodeRequestNotFound, "budget request %d not found", r.ID)
	}
	if err != nil {
		return classify(err, "update budget request")
	}
	return budget.ErrStaleStatus
}

// ListRequests returns live requests, newest first.
func (s *Store) ListRequests(ctx context.Context, f budget.RequestFilter) ([]budget.BudgetRequest, error) {
	where := []string{"is_deleted = 0"}
	var args []any
	if f.FiscalYear != nil {
		where = append(where, "fiscal_year = ?")
		args = append(args, *f.FiscalYear)
	}
	if f.DepartmentID != nil {
		where = append(where, "department_id = ?")
		args = append(args, *f.DepartmentID)
	}
	if f.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*f.Status))
	}

	rows, err := s.q.QueryContext(ctx, `SELECT `+requestColumns+` FROM budget_requests
		WHERE `+strings.Join(where, " AND ")+` ORDER BY id DESC`, args...)
	if err != nil {
		return nil, classify(err, "list budget requests")
	}
	defer rows.Close()

	out := []budget.BudgetRequest{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(rs rowScanner) (*budget.BudgetRequest, error) {
	var (
		r                                        budget.BudgetRequest
		status, total                            string
		justification, deptComments, finComments sql.NullString
		rejection                                sql.NullString
		submittedBy, deptBy, finBy, reopenedBy   sql.NullString
		submittedAt, deptAt, finAt, reopenedAt   sql.NullString
		createdAt, updatedAt                     string
		departmentID                             sql.NullInt64
	)
	err := rs.Scan(
		&r.ID, &r.RequestNumber, &r.FiscalYear, &departmentID, &status, &total,
		&justification, &submittedBy, &submittedAt, &deptBy, &deptAt,
		&deptComments, &finBy, &finAt, &finComments,
		&rejection, &reopenedBy, &reopenedAt, &r.CreatedBy, &createdAt, &updatedAt, &r.Deleted,
	)
	if err != nil {
		return nil, err
	}

	r.Status = budget.Status(status)
	r.TotalRequestedAmount = budget.ParseDecimal(total)
	r.Justification = justification.String
	r.DeptComments = deptComments.String
	r.FinanceComments = finComments.String
	r.RejectionReason = rejection.String
	if departmentID.Valid {
		r.DepartmentID = &departmentID.Int64
	}
	r.SubmittedBy, r.SubmittedAt = stringPtr(submittedBy), parseNullTime(submittedAt)
	r.DeptReviewedBy, r.DeptReviewedAt = stringPtr(deptBy), parseNullTime(deptAt)
	r.FinanceReviewedBy, r.FinanceReviewedAt = stringPtr(finBy), parseNullTime(finAt)
	r.ReopenedBy, r.ReopenedAt = stringPtr(reopenedBy), parseNullTime(reopenedAt)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	return &r, nil
}

// =============================================================================
// ITEMS (budget.ItemStore)
// =============================================================================

const itemColumns = `
	id, budget_request_id, line_number, generic_id, generic_code, generic_name,
	package_size, unit, budget_id, historical_usage, avg_usage, estimated_usage,
	current_stock, estimated_purchase, unit_price, requested_qty, requested_amount,
	q1_qty, q2_qty, q3_qty, q4_qty, created_at, updated_at`

func (s *Store) ListItems(ctx context.Context, requestID int64) ([]budget.BudgetRequestItem, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+itemColumns+` FROM budget_request_items
		WHERE budget_request_id = ? ORDER BY line_number, id`, requestID)
	if err != nil {
		return nil, classify(err, "list items")
	}
	defer rows.Close()

	out := []budget.BudgetRequestItem{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func (s *Store) GetItem(ctx context.Context, requestID, itemID int64) (*budget.BudgetRequestItem, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM budget_request_items
		WHERE id = ? AND budget_request_id = ?`, itemID, requestID)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get item")
	}
	return it, nil
}

func (s *Store) InsertItem(ctx context.Context, it *budget.BudgetRequestItem) error {
	history, err := json.Marshal(it.HistoricalUsage)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO budget_request_items (budget_request_id, line_number, generic_id,
			generic_code, generic_name, package_size, unit, budget_id, historical_usage,
			avg_usage, estimated_usage, current_stock, estimated_purchase, unit_price,
			requested_qty, requested_amount, q1_qty, q2_qty, q3_qty, q4_qty,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		it.RequestID, it.LineNumber, it.GenericID,
		it.GenericCode, it.GenericName, nullString(it.PackageSize), nullString(it.Unit), it.BudgetID, string(history),
		it.AvgUsage.String(), it.EstimatedUsage.String(), it.CurrentStock.String(), it.EstimatedPurchase.String(), it.UnitPrice.String(),
		it.RequestedQty.String(), it.RequestedAmount.String(), it.Q1Qty.String(), it.Q2Qty.String(), it.Q3Qty.String(), it.Q4Qty.String(),
		formatTime(it.CreatedAt), formatTime(it.UpdatedAt),
	)
	if err != nil {
		if isConstraint(err) {
			return &budget.Error{
				Kind:    budget.KindConflict,
				Code:    budget.CodeDuplicateGeneric,
				Message: fmt.Sprintf("generic %s is already on budget request %d", it.GenericCode, it.RequestID),
				Err:     err,
			}
		}
		return classify(err, "insert item")
	}
	it.ID, err = res.LastInsertId()
	return err
}

func (s *Store) UpdateItem(ctx context.Context, it *budget.BudgetRequestItem) error {
	history, err := json.Marshal(it.HistoricalUsage)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE budget_request_items SET
			line_number = ?, budget_id = ?, historical_usage = ?, avg_usage = ?,
			estimated_usage = ?, current_stock = ?, estimated_purchase = ?, unit_price = ?,
			requested_qty = ?, requested_amount = ?, q1_qty = ?, q2_qty = ?, q3_qty = ?, q4_qty = ?,
			updated_at = ?
		WHERE id = ? AND budget_request_id = ?
	`,
		it.LineNumber, it.BudgetID, string(history), it.AvgUsage.String(),
		it.EstimatedUsage.String(), it.CurrentStock.String(), it.EstimatedPurchase.String(), it.UnitPrice.String(),
		it.RequestedQty.String(), it.RequestedAmount.String(), it.Q1Qty.String(), it.Q2Qty.String(), it.Q3Qty.String(), it.Q4Qty.String(),
		formatTime(it.UpdatedAt),
		it.ID, it.RequestID,
	)
	if err != nil {
		return classify(err, "update item")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return budget.NotFoundError(budget.CodeItemNotFound, "item %d not found on budget request %d", it.ID, it.RequestID)
	}
	return nil
}

func (s *Store) DeleteItems(ctx context.Context, requestID int64, itemIDs []int64) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(itemIDs)), ",")
	args := []any{requestID}
	for _, id := range itemIDs {
		args = append(args, id)
	}
	res, err := s.q.ExecContext(ctx, `DELETE FROM budget_request_items
		WHERE budget_request_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, classify(err, "delete items")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) DeleteAllItems(ctx context.Context, requestID int64) (int, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM budget_request_items WHERE budget_request_id = ?`, requestID)
	if err != nil {
		return 0, classify(err, "delete items")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) CountItems(ctx context.Context, requestID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM budget_request_items WHERE budget_request_id = ?`, requestID).Scan(&n)
	if err != nil {
		return 0, classify(err, "count items")
	}
	return n, nil
}

func (s *Store) MaxLineNumber(ctx context.Context, requestID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(line_number), 0) FROM budget_request_items WHERE budget_request_id = ?`, requestID).Scan(&n)
	if err != nil {
		return 0, classify(err, "max line number")
	}
	return n, nil
}

func scanItem(rs rowScanner) (*budget.BudgetRequestItem, error) {
	var (
		it                                            budget.BudgetRequestItem
		packageSize, unit                             sql.NullString
		budgetID                                      sql.NullInt64
		history                                       string
		avg, est, stock, purchase, price, qty, amount string
		q1, q2, q3, q4                                string
		createdAt, updatedAt                          string
	)
	err := rs.Scan(
		&it.ID, &it.RequestID, &it.LineNumber, &it.GenericID, &it.GenericCode, &it.GenericName,
		&packageSize, &unit, &budgetID, &history, &avg, &est,
		&stock, &purchase, &price, &qty, &amount,
		&q1, &q2, &q3, &q4, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(history), &it.HistoricalUsage); err != nil {
		return nil, fmt.Errorf("item %d: historical usage: %w", it.ID, err)
	}
	it.PackageSize = packageSize.String
	it.Unit = unit.String
	if budgetID.Valid {
		it.BudgetID = &budgetID.Int64
	}
	it.AvgUsage = budget.ParseDecimal(avg)
	it.EstimatedUsage = budget.ParseDecimal(est)
	it.CurrentStock = budget.ParseDecimal(stock)
	it.EstimatedPurchase = budget.ParseDecimal(purchase)
	it.UnitPrice = budget.ParseDecimal(price)
	it.RequestedQty = budget.ParseDecimal(qty)
	it.RequestedAmount = budget.ParseDecimal(amount)
	it.SetQuarters([4]decimal.Decimal{
		budget.ParseDecimal(q1), budget.ParseDecimal(q2), budget.ParseDecimal(q3), budget.ParseDecimal(q4),
	})
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	return &it, nil
}

// =============================================================================
// ALLOCATIONS (budget.AllocationStore)
// =============================================================================

// UpsertAllocation inserts the delta or adds it onto the existing row in a
// single statement. Spent columns are left alone.
func (s *Store) UpsertAllocation(ctx context.Context, d budget.AllocationDelta) error {
	now := formatTime(time.Now().UTC())
	total := toSatang(d.Total)
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO budget_allocations (fiscal_year, budget_id, department_id,
			total_budget, q1_budget, q2_budget, q3_budget, q4_budget, remaining_budget,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fiscal_year, budget_id, department_id) DO UPDATE SET
			total_budget = total_budget + excluded.total_budget,
			q1_budget = q1_budget + excluded.q1_budget,
			q2_budget = q2_budget + excluded.q2_budget,
			q3_budget = q3_budget + excluded.q3_budget,
			q4_budget = q4_budget + excluded.q4_budget,
			remaining_budget = remaining_budget + excluded.total_budget,
			updated_at = excluded.updated_at
	`,
		d.Key.FiscalYear, d.Key.BudgetID, d.Key.DepartmentID,
		total, toSatang(d.Quarters[0]), toSatang(d.Quarters[1]), toSatang(d.Quarters[2]), toSatang(d.Quarters[3]), total,
		now, now,
	)
	if err != nil {
		return classify(err, "upsert allocation")
	}
	return nil
}

const allocationColumns = `
	fiscal_year, budget_id, department_id, total_budget, q1_budget, q2_budget,
	q3_budget, q4_budget, total_spent, q1_spent, q2_spent, q3_spent, q4_spent,
	remaining_budget, created_at, updated_at`

func (s *Store) GetAllocation(ctx context.Context, key budget.AllocationKey) (*budget.BudgetAllocation, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+allocationColumns+` FROM budget_allocations
		WHERE fiscal_year = ? AND budget_id = ? AND department_id = ?`,
		key.FiscalYear, key.BudgetID, key.DepartmentID)
	a, err := scanAllocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get allocation")
	}
	return a, nil
}

func (s *Store) ListAllocations(ctx context.Context, fiscalYear int) ([]budget.BudgetAllocation, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+allocationColumns+` FROM budget_allocations
		WHERE fiscal_year = ? ORDER BY budget_id, department_id`, fiscalYear)
	if err != nil {
		return nil, classify(err, "list allocations")
	}
	defer rows.Close()

	out := []budget.BudgetAllocation{}
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAllocation(rs rowScanner) (*budget.BudgetAllocation, error) {
	var (
		a                                budget.BudgetAllocation
		total, q1, q2, q3, q4            int64
		spent, s1, s2, s3, s4, remaining int64
		createdAt, updatedAt             string
	)
	err := rs.Scan(
		&a.FiscalYear, &a.BudgetID, &a.DepartmentID, &total, &q1, &q2,
		&q3, &q4, &spent, &s1, &s2, &s3, &s4,
		&remaining, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.TotalBudget = fromSatang(total)
	a.Q1Budget, a.Q2Budget, a.Q3Budget, a.Q4Budget = fromSatang(q1), fromSatang(q2), fromSatang(q3), fromSatang(q4)
	a.TotalSpent = fromSatang(spent)
	a.Q1Spent, a.Q2Spent, a.Q3Spent, a.Q4Spent = fromSatang(s1), fromSatang(s2), fromSatang(s3), fromSatang(s4)
	a.RemainingBudget = fromSatang(remaining)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// =============================================================================
// AUDIT (budget.AuditStore)
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e budget.AuditEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO budget_request_audit (budget_request_id, action, entity_type, entity_id,
			field_name, old_value, new_value, user_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.BudgetRequestID, string(e.Action), string(e.EntityType), e.EntityID,
		nullString(e.FieldName), nullString(e.OldValue), nullString(e.NewValue), e.UserID,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		return classify(err, "append audit")
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, requestID int64) ([]budget.AuditEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, budget_request_id, action, entity_type, entity_id, field_name,
			old_value, new_value, user_id, created_at
		FROM budget_request_audit WHERE budget_request_id = ? ORDER BY id
	`, requestID)
	if err != nil {
		return nil, classify(err, "list audit")
	}
	defer rows.Close()

	out := []budget.AuditEntry{}
	for rows.Next() {
		var (
			e                  budget.AuditEntry
			action, entityType string
			field, oldV, newV  sql.NullString
			createdAt          string
		)
		if err := rows.Scan(&e.ID, &e.BudgetRequestID, &action, &entityType, &e.EntityID,
			&field, &oldV, &newV, &e.UserID, &createdAt); err != nil {
			return nil, err
		}
		e.Action = budget.AuditAction(action)
		e.EntityType = budget.EntityType(entityType)
		e.FieldName, e.OldValue, e.NewValue = field.String, oldV.String, newV.String
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// CATALOG (budget.Catalog, budget.UsageHistory)
// =============================================================================

// SaveGeneric upserts a catalog entry by working code and assigns its ID.
func (s *Store) SaveGeneric(ctx context.Context, g *budget.DrugGeneric) error {
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO drug_generics (working_code, name, package_size, unit, unit_price, budget_id, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(working_code) DO UPDATE SET
			name = excluded.name,
			package_size = excluded.package_size,
			unit = excluded.unit,
			unit_price = excluded.unit_price,
			budget_id = excluded.budget_id,
			is_active = excluded.is_active
		RETURNING id
	`,
		g.WorkingCode, g.Name, nullString(g.PackageSize), nullString(g.Unit),
		g.UnitPrice.String(), g.BudgetID, g.Active,
	).Scan(&g.ID)
	if err != nil {
		return classify(err, "save generic")
	}
	return nil
}

// SaveUsage records consumption of a generic in one fiscal year.
func (s *Store) SaveUsage(ctx context.Context, genericID int64, fiscalYear int, qty decimal.Decimal) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO drug_usage (generic_id, fiscal_year, quantity) VALUES (?, ?, ?)
		ON CONFLICT(generic_id, fiscal_year) DO UPDATE SET quantity = excluded.quantity
	`, genericID, fiscalYear, qty.String())
	if err != nil {
		return classify(err, "save usage")
	}
	return nil
}

const genericColumns = `id, working_code, name, package_size, unit, unit_price, budget_id, is_active`

func (s *Store) GenericByID(ctx context.Context, id int64) (*budget.DrugGeneric, error) {
	return s.getGeneric(ctx, `SELECT `+genericColumns+` FROM drug_generics WHERE id = ?`, id)
}

func (s *Store) GenericByCode(ctx context.Context, code string) (*budget.DrugGeneric, error) {
	return s.getGeneric(ctx, `SELECT `+genericColumns+` FROM drug_generics
		WHERE working_code = ? COLLATE NOCASE AND is_active = 1`, strings.TrimSpace(code))
}

func (s *Store) getGeneric(ctx context.Context, query string, arg any) (*budget.DrugGeneric, error) {
	g, err := scanGeneric(s.q.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(err, "get generic")
	}
	return g, nil
}

func (s *Store) ActiveGenerics(ctx context.Context) ([]budget.DrugGeneric, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+genericColumns+` FROM drug_generics
		WHERE is_active = 1 ORDER BY working_code`)
	if err != nil {
		return nil, classify(err, "list generics")
	}
	defer rows.Close()

	var out []budget.DrugGeneric
	for rows.Next() {
		g, err := scanGeneric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

func scanGeneric(rs rowScanner) (*budget.DrugGeneric, error) {
	var (
		g                 budget.DrugGeneric
		packageSize, unit sql.NullString
		price             string
		budgetID          sql.NullInt64
	)
	if err := rs.Scan(&g.ID, &g.WorkingCode, &g.Name, &packageSize, &unit, &price, &budgetID, &g.Active); err != nil {
		return nil, err
	}
	g.PackageSize = packageSize.String
	g.Unit = unit.String
	g.UnitPrice = budget.ParseDecimal(price)
	if budgetID.Valid {
		g.BudgetID = &budgetID.Int64
	}
	return &g, nil
}

func (s *Store) UsageFor(ctx context.Context, genericID int64, fiscalYears []int) (map[int]decimal.Decimal, error) {
	out := make(map[int]decimal.Decimal, len(fiscalYears))
	if len(fiscalYears) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fiscalYears)), ",")
	args := []any{genericID}
	for _, y := range fiscalYears {
		args = append(args, y)
	}
	rows, err := s.q.QueryContext(ctx, `SELECT fiscal_year, quantity FROM drug_usage
		WHERE generic_id = ? AND fiscal_year IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, classify(err, "usage history")
	}
	defer rows.Close()

	for rows.Next() {
		var year int
		var qty string
		if err := rows.Scan(&year, &qty); err != nil {
			return nil, err
		}
		out[year] = budget.ParseDecimal(qty)
	}
	return out, rows.Err()
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"budget_request_audit", "budget_allocations", "budget_request_items",
		"budget_requests", "budget_request_sequences", "drug_usage", "drug_generics",
	}
	for _, table := range tables {
		if _, err := s.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func toSatang(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

func fromSatang(n int64) decimal.Decimal {
	return decimal.New(n, -2)
}

func isConstraint(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.Code == sqlite3.ErrConstraint
}

// classify maps driver errors onto budget error kinds.
func classify(err error, op string) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint:
			return budget.ConflictError(err, "%s: constraint violated", op)
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return budget.TransientError(err, "%s: database busy", op)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
