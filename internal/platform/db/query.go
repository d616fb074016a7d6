package db

import (
	"fmt"
	"strings"
)

// Query builds a SELECT with positional arguments. Clauses are ANDed.
type Query struct {
	from    string
	cols    string
	where   []string
	args    []any
	orderBy string
}

// NewQuery starts a query over from (a table, or a table with joins).
func NewQuery(from, cols string) *Query {
	return &Query{from: from, cols: cols}
}

// Idx returns the placeholder number the next argument will take.
func (q *Query) Idx() int { return len(q.args) + 1 }

// Add appends a WHERE fragment. Placeholders in clause must already be
// numbered, starting at Idx().
func (q *Query) Add(clause string, args ...any) {
	q.where = append(q.where, clause)
	q.args = append(q.args, args...)
}

// AddEq adds "column = $n".
func (q *Query) AddEq(column string, v any) {
	q.Add(fmt.Sprintf("%s = $%d", column, q.Idx()), v)
}

// AddAny adds "column = ANY($n)" for a slice argument.
func (q *Query) AddAny(column string, values any) {
	q.Add(fmt.Sprintf("%s = ANY($%d)", column, q.Idx()), values)
}

// AddUpperEq compares column and v case-insensitively.
func (q *Query) AddUpperEq(column, v string) {
	q.Add(fmt.Sprintf("UPPER(%s) = UPPER($%d)", column, q.Idx()), v)
}

func (q *Query) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

func (q *Query) whereSQL() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// SQL returns the data query.
func (q *Query) SQL() string {
	sql := "SELECT " + q.cols + " FROM " + q.from + q.whereSQL()
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	return sql
}

// CountSQL returns a COUNT(*) over the same rows.
func (q *Query) CountSQL() string {
	return "SELECT COUNT(*) FROM " + q.from + q.whereSQL()
}

// PageSQL returns SQL() with LIMIT and OFFSET placeholders appended; use it
// with PageArgs.
func (q *Query) PageSQL() string {
	return fmt.Sprintf("%s LIMIT $%d OFFSET $%d", q.SQL(), q.Idx(), q.Idx()+1)
}

func (q *Query) Args() []any {
	return q.args
}

func (q *Query) PageArgs(limit, offset int) []any {
	out := make([]any, len(q.args), len(q.args)+2)
	copy(out, q.args)
	return append(out, limit, offset)
}
