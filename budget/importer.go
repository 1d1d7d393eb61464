/*
importer.go - Spreadsheet reconciliation of line items

PURPOSE:
  Turns an uploaded table (first row = headers) into line items of a DRAFT
  budget request, merging with the existing items in one of three modes.

MODES:
  append:  new generics are inserted; generics already on the request are
           counted as skipped duplicates
  update:  existing generics are updated in place; new ones are inserted
  replace: every existing item is deleted first; all rows are inserted

HEADER SCHEMAS:
  simplified: drug code, [unit price,] quantity [, q1..q4]
              an empty or missing price falls back to the catalog price
  legacy:     drug code, three years of usage, estimated usage, current stock,
              unit price, requested qty [, q1..q4]
  Headers are matched after Unicode case folding and punctuation cleanup, so
  "Unit_Price", "unit price" and "UNIT PRICE" are the same column. Usage
  columns may be positional ("usage y1".."usage y3", oldest first) or name
  the fiscal year ("usage 2565").

TWO PHASES:
  1. Parse and validate every row, accumulating {row, field, code, message}
     errors. A drug code that repeats an earlier valid row is a
     DUPLICATE_GENERIC error on the later row.
  2. With skipErrors=false and any error: report failure, write nothing.
     Otherwise apply the valid rows in one store transaction and recompute
     the request total.

SEE ALSO:
  - sheet/: xlsx/csv RowParser and the exporter that writes LegacyHeaders
  - quarter.go: auto-split when no quarterly columns are supplied
*/
package budget

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// RowParser turns an uploaded file into rows of cells; row 0 is the header.
type RowParser interface {
	Rows(data []byte) ([][]string, error)
}

// =============================================================================
// OPTIONS & RESULT
// =============================================================================

type ImportMode string

const (
	ImportAppend  ImportMode = "append"
	ImportReplace ImportMode = "replace"
	ImportUpdate  ImportMode = "update"
)

// ParseImportMode validates a mode name; empty means append.
func ParseImportMode(s string) (ImportMode, error) {
	switch m := ImportMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ImportAppend, nil
	case ImportAppend, ImportReplace, ImportUpdate:
		return m, nil
	}
	return "", ValidationError(CodeInvalidMode, "unknown import mode %q (want append, replace or update)", s)
}

type ImportOptions struct {
	Mode       ImportMode
	SkipErrors bool
}

type HeaderSchema string

const (
	SchemaSimplified HeaderSchema = "simplified"
	SchemaLegacy     HeaderSchema = "legacy"
)

// RowError is a problem with one spreadsheet row. Row is 1-based and
// counts the header row, matching what a user sees in the sheet.
type RowError struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ImportResult struct {
	BatchID  string       `json:"batch_id"`
	Schema   HeaderSchema `json:"schema"`
	Mode     ImportMode   `json:"mode"`
	Success  bool         `json:"success"`
	Imported int          `json:"imported"`
	Updated  int          `json:"updated"`
	Skipped  int          `json:"skipped"`
	Errors   []RowError   `json:"errors"`
}

// =============================================================================
// HEADERS
// =============================================================================

// LegacyHeaders returns the full header row for targetYear, in the order the
// exporter writes it.
func LegacyHeaders(targetYear int) []string {
	years := HistoryYears(targetYear)
	return []string{
		"Drug Code", "Generic Name",
		"Usage " + strconv.Itoa(years[0]),
		"Usage " + strconv.Itoa(years[1]),
		"Usage " + strconv.Itoa(years[2]),
		"Estimated Usage", "Current Stock", "Unit Price", "Requested Qty",
		"Q1", "Q2", "Q3", "Q4", "Requested Amount",
	}
}

type column int

const (
	colCode column = iota
	colName
	colEstimate
	colStock
	colPrice
	colQty
)

var headerAliases = map[string]column{
	"drug code":          colCode,
	"working code":       colCode,
	"generic code":       colCode,
	"code":               colCode,
	"รหัสยา":             colCode,
	"generic name":       colName,
	"drug name":          colName,
	"name":               colName,
	"ชื่อยา":             colName,
	"estimated usage":    colEstimate,
	"estimate":           colEstimate,
	"ประมาณการใช้":       colEstimate,
	"current stock":      colStock,
	"stock":              colStock,
	"stock on hand":      colStock,
	"คงคลัง":             colStock,
	"unit price":         colPrice,
	"price":              colPrice,
	"ราคาต่อหน่วย":       colPrice,
	"quantity":           colQty,
	"requested qty":      colQty,
	"requested quantity": colQty,
	"qty":                colQty,
	"จำนวนขอ":            colQty,
}

var (
	usageHeader   = regexp.MustCompile(`^(?:historical )?usage (?:y|year )?(\d+)$`)
	quarterHeader = regexp.MustCompile(`^(?:q|quarter )([1-4])(?: qty)?$`)
)

// layout maps semantic columns to cell indexes; -1 means absent.
type layout struct {
	schema   HeaderSchema
	cols     map[column]int
	history  [3]int
	quarters [4]int
}

func (l layout) index(c column) int {
	if i, ok := l.cols[c]; ok {
		return i
	}
	return -1
}

func (l layout) hasQuarters() bool {
	for _, i := range l.quarters {
		if i < 0 {
			return false
		}
	}
	return true
}

func normalizeHeader(s string) string {
	s = cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
	s = strings.NewReplacer("_", " ", "-", " ", ".", " ", "(", " ", ")", " ", ":", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// detectLayout probes the header row for one of the two schemas.
func detectLayout(header []string, targetYear int) (layout, error) {
	l := layout{cols: make(map[column]int)}
	for i := range l.history {
		l.history[i] = -1
	}
	for i := range l.quarters {
		l.quarters[i] = -1
	}

	years := HistoryYears(targetYear)
	legacy := false
	for i, raw := range header {
		h := normalizeHeader(raw)
		if c, ok := headerAliases[h]; ok {
			if _, seen := l.cols[c]; !seen {
				l.cols[c] = i
			}
			if c == colEstimate || c == colStock {
				legacy = true
			}
			continue
		}
		if m := usageHeader.FindStringSubmatch(h); m != nil {
			n, _ := strconv.Atoi(m[1])
			switch {
			case n >= 1 && n <= 3:
				l.history[n-1] = i
				legacy = true
			case n >= years[0] && n <= years[2]:
				l.history[n-years[0]] = i
				legacy = true
			}
			continue
		}
		if m := quarterHeader.FindStringSubmatch(h); m != nil {
			n, _ := strconv.Atoi(m[1])
			l.quarters[n-1] = i
		}
	}

	if l.index(colCode) < 0 {
		return l, ValidationError(CodeInvalidFile, "drug code column is required")
	}
	if l.index(colQty) < 0 {
		return l, ValidationError(CodeInvalidFile, "unrecognized header: expected a quantity or requested qty column")
	}
	l.schema = SchemaSimplified
	if legacy {
		l.schema = SchemaLegacy
	}
	return l, nil
}

// =============================================================================
// ROW PARSING
// =============================================================================

type parsedRow struct {
	row      int
	generic  *DrugGeneric
	history  HistoricalUsage
	estimate decimal.Decimal
	stock    decimal.Decimal
	price    decimal.Decimal
	qty      decimal.Decimal
	quarters [4]decimal.Decimal
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

var numberCleaner = strings.NewReplacer(",", "", " ", "", "\u00a0", "")

// rowReader accumulates the errors of one row while reading its cells.
type rowReader struct {
	rowNum int
	cells  []string
	errs   []RowError
}

func (rr *rowReader) fail(code, field, msg string) {
	rr.errs = append(rr.errs, RowError{Row: rr.rowNum, Field: field, Code: code, Message: msg})
}

// number reads a numeric cell; missing columns and empty cells are zero.
func (rr *rowReader) number(i int, field string) decimal.Decimal {
	s := numberCleaner.Replace(cell(rr.cells, i))
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		rr.fail(CodeInvalidNumber, field, "not a number: "+cell(rr.cells, i))
		return decimal.Zero
	}
	return d
}

func (e *Engine) parseRow(ctx context.Context, l layout, r *BudgetRequest, rowNum int, cells []string) (*parsedRow, []RowError, error) {
	rr := &rowReader{rowNum: rowNum, cells: cells}
	code := cell(cells, l.index(colCode))

	p := &parsedRow{row: rowNum}
	var hist [3]decimal.Decimal
	for i, idx := range l.history {
		hist[i] = rr.number(idx, "usage_y"+strconv.Itoa(i+1))
	}
	p.history = NewHistoricalUsage(r.FiscalYear, hist[0], hist[1], hist[2])
	p.estimate = rr.number(l.index(colEstimate), "estimated_usage")
	p.stock = rr.number(l.index(colStock), "current_stock")
	p.price = rr.number(l.index(colPrice), "unit_price")
	p.qty = rr.number(l.index(colQty), "requested_qty")

	explicit := false
	if l.hasQuarters() {
		for _, idx := range l.quarters {
			if cell(cells, idx) != "" {
				explicit = true
			}
		}
	}
	if explicit {
		for i, idx := range l.quarters {
			p.quarters[i] = rr.number(idx, "q"+strconv.Itoa(i+1))
		}
	} else {
		p.quarters = SplitQuarters(p.qty, RemainderEarly)
	}

	g, err := e.Catalog.GenericByCode(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	if g == nil {
		rr.fail(CodeGenericNotFound, "drug_code", "drug code "+code+" not found in the active catalog")
	}
	p.generic = g
	if g != nil && cell(cells, l.index(colPrice)) == "" {
		p.price = g.UnitPrice
	}

	if p.price.IsNegative() {
		rr.fail(CodeInvalidPrice, "unit_price", "unit price cannot be negative")
	}
	if !p.qty.IsPositive() {
		rr.fail(CodeInvalidQuantity, "requested_qty", "requested quantity must be greater than zero")
	}
	if explicit {
		for i, q := range p.quarters {
			if q.IsNegative() {
				rr.fail(CodeInvalidQuantity, "q"+strconv.Itoa(i+1), "quarterly quantity cannot be negative")
			}
		}
		sum := p.quarters[0].Add(p.quarters[1]).Add(p.quarters[2]).Add(p.quarters[3])
		if sum.Sub(p.qty).Abs().GreaterThan(e.Rules.ImportQuarterTolerance) {
			rr.fail(CodeQuarterlySumMismatch, "quarters", "quarterly sum "+sum.String()+" does not match requested quantity "+p.qty.String())
		}
	}
	return p, rr.errs, nil
}

// =============================================================================
// IMPORT
// =============================================================================

// Import parses data with the engine's RowParser and reconciles the rows
// into the request's items.
func (e *Engine) Import(ctx context.Context, requestID int64, data []byte, opts ImportOptions, userID string) (*ImportResult, error) {
	if e.Parser == nil {
		return nil, ValidationError(CodeInvalidFile, "no file parser configured")
	}
	rows, err := e.Parser.Rows(data)
	if err != nil {
		return nil, &Error{Kind: KindValidationFailed, Code: CodeInvalidFile, Message: "cannot read uploaded file", Err: err}
	}
	return e.ImportRows(ctx, requestID, rows, opts, userID)
}

// ImportRows reconciles already-parsed rows (row 0 = header) into the
// request's items.
func (e *Engine) ImportRows(ctx context.Context, requestID int64, rows [][]string, opts ImportOptions, userID string) (res *ImportResult, err error) {
	ctx, span := startSpan(ctx, "budget.Import", requestID)
	defer func() { endSpan(span, err) }()

	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if opts.Mode == "" {
		opts.Mode = ImportAppend
	}
	if _, err := ParseImportMode(string(opts.Mode)); err != nil {
		return nil, err
	}

	r, err := loadDraft(ctx, e.Store, requestID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ValidationError(CodeInvalidFile, "file has no header row")
	}
	l, err := detectLayout(rows[0], r.FiscalYear)
	if err != nil {
		return nil, err
	}

	res = &ImportResult{
		BatchID: uuid.NewString(),
		Schema:  l.schema,
		Mode:    opts.Mode,
		Errors:  []RowError{},
	}
	logger := e.log(ctx).With(zap.String("batch_id", res.BatchID), zap.Int64("request_id", requestID))

	// Phase 1: parse and validate everything.
	var valid []*parsedRow
	invalid := 0
	firstRow := make(map[int64]int)
	for i, cells := range rows[1:] {
		rowNum := i + 2
		if cell(cells, l.index(colCode)) == "" {
			continue
		}
		p, rowErrs, err := e.parseRow(ctx, l, r, rowNum, cells)
		if err != nil {
			return nil, err
		}
		if len(rowErrs) == 0 {
			if prev, dup := firstRow[p.generic.ID]; dup {
				rowErrs = append(rowErrs, RowError{
					Row:     rowNum,
					Field:   "drug_code",
					Code:    CodeDuplicateGeneric,
					Message: "drug code " + p.generic.WorkingCode + " already appears in row " + strconv.Itoa(prev),
				})
			} else {
				firstRow[p.generic.ID] = rowNum
			}
		}
		if len(rowErrs) > 0 {
			res.Errors = append(res.Errors, rowErrs...)
			invalid++
			continue
		}
		valid = append(valid, p)
	}
	e.Metrics.importRow("error", invalid)

	if invalid > 0 && !opts.SkipErrors {
		res.Success = false
		logger.Info("budget import rejected", zap.Int("invalid_rows", invalid))
		return res, nil
	}
	res.Skipped = invalid

	// Phase 2: apply.
	err = e.Store.WithTx(ctx, func(tx Store) error {
		r, err := loadDraft(ctx, tx, requestID)
		if err != nil {
			return err
		}
		if opts.Mode == ImportReplace {
			if _, err := tx.DeleteAllItems(ctx, requestID); err != nil {
				return err
			}
		}

		items, err := tx.ListItems(ctx, requestID)
		if err != nil {
			return err
		}
		existing := make(map[int64]*BudgetRequestItem, len(items))
		line := 0
		for i := range items {
			existing[items[i].GenericID] = &items[i]
			if items[i].LineNumber > line {
				line = items[i].LineNumber
			}
		}

		now := e.now()
		for _, p := range valid {
			if it, ok := existing[p.generic.ID]; ok {
				if opts.Mode == ImportAppend {
					res.Skipped++
					continue
				}
				p.applyTo(it)
				it.UpdatedAt = now
				if err := tx.UpdateItem(ctx, it); err != nil {
					return err
				}
				res.Updated++
				continue
			}

			line++
			it := newItemFromGeneric(r, p.generic, line, now)
			p.applyTo(it)
			if err := tx.InsertItem(ctx, it); err != nil {
				return err
			}
			existing[p.generic.ID] = it
			res.Imported++
		}

		if err := e.refreshTotal(ctx, tx, r); err != nil {
			return err
		}

		summary, _ := json.Marshal(map[string]any{
			"batch_id": res.BatchID,
			"mode":     res.Mode,
			"imported": res.Imported,
			"updated":  res.Updated,
			"skipped":  res.Skipped,
		})
		e.recorder().Record(ctx, tx, AuditEntry{
			BudgetRequestID: r.ID,
			Action:          AuditUpdate,
			EntityType:      EntityRequest,
			EntityID:        r.ID,
			FieldName:       "items_import",
			NewValue:        string(summary),
			UserID:          userID,
			CreatedAt:       now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Success = true
	e.Metrics.importRow("imported", res.Imported)
	e.Metrics.importRow("updated", res.Updated)
	e.Metrics.importRow("skipped", res.Skipped)
	logger.Info("budget import applied",
		zap.String("mode", string(res.Mode)),
		zap.Int("imported", res.Imported),
		zap.Int("updated", res.Updated),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}

func (p *parsedRow) applyTo(it *BudgetRequestItem) {
	it.HistoricalUsage = p.history
	it.EstimatedUsage = p.estimate
	it.CurrentStock = p.stock
	it.UnitPrice = p.price
	it.RequestedQty = p.qty
	it.SetQuarters(p.quarters)
	it.Recalculate()
}
