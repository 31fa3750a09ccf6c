package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Table is the filterable/sortable table abstraction the orchestration core
// talks to. Every call is independently fallible.
type Table interface {
	Select(ctx context.Context, table string, q Query) ([]Row, error)
	Insert(ctx context.Context, table string, row Row) error
	Update(ctx context.Context, table string, filters []Filter, patch Row) (int64, error)
	Delete(ctx context.Context, table string, filters []Filter) (int64, error)
}

// Row maps column names to values. Values read back from SQLite are int64,
// float64, string or []byte.
type Row map[string]any

type Op string

const (
	OpEq   Op = "="
	OpNe   Op = "!="
	OpLt   Op = "<"
	OpLte  Op = "<="
	OpGt   Op = ">"
	OpGte  Op = ">="
	OpLike Op = "like"
	OpIn   Op = "in"
)

type Filter struct {
	Column string
	Op     Op
	Value  any
}

func Eq(col string, v any) Filter  { return Filter{Column: col, Op: OpEq, Value: v} }
func Gte(col string, v any) Filter { return Filter{Column: col, Op: OpGte, Value: v} }
func Lt(col string, v any) Filter  { return Filter{Column: col, Op: OpLt, Value: v} }

// Like matches a case-insensitive substring.
func Like(col string, substr string) Filter {
	return Filter{Column: col, Op: OpLike, Value: "%" + escapeLike(substr) + "%"}
}

// In matches any of vals. An empty list matches nothing.
func In(col string, vals ...any) Filter { return Filter{Column: col, Op: OpIn, Value: vals} }

type Order struct {
	Column string
	Desc   bool
}

type Query struct {
	Filters []Filter
	Order   []Order
	Limit   int
	Offset  int
}

// tableColumns is the allow-list for generic table access. Identifiers are
// never taken from callers verbatim.
var tableColumns = map[string][]string{
	"users":        {"user_id", "display_name", "auto_save", "goal", "daily_calorie_target", "daily_protein_target_g", "weight_unit", "locale", "created_at_unix_ms", "updated_at_unix_ms"},
	"programs":     {"program_id", "user_id", "kind", "title", "details", "active", "started_at_unix_ms", "ended_at_unix_ms"},
	"meals":        {"meal_id", "log_id", "user_id", "meal_type", "name", "quantity", "unit", "calories", "protein_g", "carbs_g", "fat_g", "notes", "eaten_at_unix_ms", "created_at_unix_ms"},
	"activities":   {"activity_id", "user_id", "kind", "duration_min", "distance_km", "calories", "intensity", "notes", "performed_at_unix_ms", "created_at_unix_ms"},
	"measurements": {"measurement_id", "user_id", "kind", "value", "unit", "notes", "measured_at_unix_ms", "created_at_unix_ms"},
	"foods":        {"food_id", "name", "serving_qty", "serving_unit", "calories", "protein_g", "carbs_g", "fat_g"},
}

var tableColumnSet = func() map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(tableColumns))
	for t, cols := range tableColumns {
		set := make(map[string]struct{}, len(cols))
		for _, c := range cols {
			set[c] = struct{}{}
		}
		out[t] = set
	}
	return out
}()

var errUnknownTable = errors.New("unknown table")

func checkColumn(table string, col string) error {
	set, ok := tableColumnSet[table]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownTable, table)
	}
	if _, ok := set[col]; !ok {
		return fmt.Errorf("unknown column %s.%s", table, col)
	}
	return nil
}

func buildWhere(table string, filters []Filter) (string, []any, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}
	clauses := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for _, f := range filters {
		col := strings.TrimSpace(f.Column)
		if err := checkColumn(table, col); err != nil {
			return "", nil, err
		}
		switch f.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte:
			clauses = append(clauses, fmt.Sprintf("%s %s ?", col, f.Op))
			args = append(args, f.Value)
		case OpLike:
			clauses = append(clauses, fmt.Sprintf("LOWER(%s) LIKE LOWER(?) ESCAPE '\\'", col))
			args = append(args, f.Value)
		case OpIn:
			vals, _ := f.Value.([]any)
			if len(vals) == 0 {
				clauses = append(clauses, "0 = 1")
				continue
			}
			marks := strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")
			clauses = append(clauses, fmt.Sprintf("%s IN (%s)", col, marks))
			args = append(args, vals...)
		default:
			return "", nil, fmt.Errorf("unsupported filter op %q", f.Op)
		}
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (s *Store) Select(ctx context.Context, table string, q Query) ([]Row, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	cols, ok := tableColumns[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownTable, table)
	}
	where, args, err := buildWhere(table, q.Filters)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(cols, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(table)
	sb.WriteString(where)
	if len(q.Order) > 0 {
		parts := make([]string, 0, len(q.Order))
		for _, o := range q.Order {
			if err := checkColumn(table, o.Column); err != nil {
				return nil, err
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			parts = append(parts, o.Column+" "+dir)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(parts, ", "))
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
		if q.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows, cols)
}

func scanRows(rows *sql.Rows, cols []string) ([]Row, error) {
	out := make([]Row, 0, 16)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(Row, len(cols))
		for i, c := range cols {
			r[c] = vals[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) Insert(ctx context.Context, table string, row Row) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return insertRow(ctx, s.db, table, row)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRow(ctx context.Context, db execer, table string, row Row) error {
	if len(row) == 0 {
		return errors.New("empty row")
	}
	cols := sortedKeys(row)
	args := make([]any, 0, len(cols))
	for _, c := range cols {
		if err := checkColumn(table, c); err != nil {
			return err
		}
		args = append(args, row[c])
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	q := fmt.Sprintf("INSERT INTO %s(%s) VALUES(%s)", table, strings.Join(cols, ", "), marks)
	_, err := db.ExecContext(ctx, q, args...)
	return err
}

func (s *Store) Update(ctx context.Context, table string, filters []Filter, patch Row) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if len(patch) == 0 {
		return 0, errors.New("empty patch")
	}
	if len(filters) == 0 {
		return 0, errors.New("refusing unfiltered update")
	}
	cols := sortedKeys(patch)
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+len(filters))
	for _, c := range cols {
		if err := checkColumn(table, c); err != nil {
			return 0, err
		}
		sets = append(sets, c+" = ?")
		args = append(args, patch[c])
	}
	where, wargs, err := buildWhere(table, filters)
	if err != nil {
		return 0, err
	}
	args = append(args, wargs...)
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s%s", table, strings.Join(sets, ", "), where), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Delete(ctx context.Context, table string, filters []Filter) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if len(filters) == 0 {
		return 0, errors.New("refusing unfiltered delete")
	}
	if _, ok := tableColumns[table]; !ok {
		return 0, fmt.Errorf("%w: %s", errUnknownTable, table)
	}
	where, args, err := buildWhere(table, filters)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s%s", table, where), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func sortedKeys(r Row) []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(strings.TrimSpace(s))
}

// Row accessors tolerate the driver's dynamic types.

func (r Row) Text(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func (r Row) Float(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}

func (r Row) Bool(col string) bool {
	return r.Int64(col) != 0
}
