package duckdb

import (
	"fmt"
	"strings"
	"time"
)

// Builder constructs SELECT queries with a fluent API.
type Builder struct {
	table   string
	columns []string
	where   []whereClause
	orderBy []orderClause
	limit   int
}

type whereClause struct {
	expr string
	args []any
}

type orderClause struct {
	column string
	desc   bool
}

// NewQueryBuilder creates a query builder for table.
func NewQueryBuilder(table string) *Builder {
	return &Builder{table: table}
}

// Select sets the columns to retrieve. No columns means "*".
func (b *Builder) Select(columns ...string) *Builder {
	b.columns = append(b.columns, columns...)
	return b
}

// Where adds a condition. Conditions are joined with AND.
func (b *Builder) Where(expr string, args ...any) *Builder {
	b.where = append(b.where, whereClause{expr: expr, args: args})
	return b
}

// Eq adds "column = ?". An empty string value adds nothing, so optional
// filters can be passed straight through.
func (b *Builder) Eq(column string, value any) *Builder {
	if s, ok := value.(string); ok && s == "" {
		return b
	}
	return b.Where(fmt.Sprintf("%s = ?", column), value)
}

// Since adds "column >= ?". A zero time adds nothing.
func (b *Builder) Since(column string, t time.Time) *Builder {
	if t.IsZero() {
		return b
	}
	return b.Where(fmt.Sprintf("%s >= ?", column), t)
}

// OrderBy adds ORDER BY columns; a "-" prefix sorts descending.
func (b *Builder) OrderBy(columns ...string) *Builder {
	for _, col := range columns {
		desc := strings.HasPrefix(col, "-")
		b.orderBy = append(b.orderBy, orderClause{column: strings.TrimPrefix(col, "-"), desc: desc})
	}
	return b
}

// Limit caps the number of rows. Zero or less means no limit.
func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	return b
}

// Build returns the SQL text and its positional arguments.
func (b *Builder) Build() (string, []any, error) {
	if b.table == "" {
		return "", nil, fmt.Errorf("table name is required")
	}

	var (
		query strings.Builder
		args  []any
	)

	query.WriteString("SELECT ")
	if len(b.columns) == 0 {
		query.WriteString("*")
	} else {
		query.WriteString(strings.Join(b.columns, ", "))
	}
	query.WriteString(" FROM ")
	query.WriteString(b.table)

	if len(b.where) > 0 {
		exprs := make([]string, len(b.where))
		for i, w := range b.where {
			exprs[i] = w.expr
			args = append(args, w.args...)
		}
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(exprs, " AND "))
	}

	if len(b.orderBy) > 0 {
		parts := make([]string, len(b.orderBy))
		for i, o := range b.orderBy {
			parts[i] = o.column
			if o.desc {
				parts[i] += " DESC"
			}
		}
		query.WriteString(" ORDER BY ")
		query.WriteString(strings.Join(parts, ", "))
	}

	if b.limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, b.limit)
	}

	return query.String(), args, nil
}
