package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"

	"github.com/coral-mesh/portalca/internal/retry"
)

// Execer matches both *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Table maps struct type T onto a table through `duckdb:"column"` tags.
type Table[T any] struct {
	db        Execer
	tableName string
	columns   []string
	fieldMap  map[string]int
}

// NewTable creates a Table for T, which must be a struct with duckdb tags.
func NewTable[T any](db Execer, tableName string) *Table[T] {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ.Kind() != reflect.Struct {
		panic("Table generic type T must be a struct")
	}

	t := &Table[T]{
		db:        db,
		tableName: tableName,
		fieldMap:  make(map[string]int),
	}
	for i := 0; i < typ.NumField(); i++ {
		tag := typ.Field(i).Tag.Get("duckdb")
		if tag == "" || tag == "-" {
			continue
		}
		name, _, _ := strings.Cut(tag, ",")
		name = strings.TrimSpace(name)
		t.columns = append(t.columns, name)
		t.fieldMap[name] = i
	}
	return t
}

// Columns returns the mapped column names in field order.
func (t *Table[T]) Columns() []string {
	return append([]string(nil), t.columns...)
}

// Insert appends item, retrying DuckDB write conflicts.
func (t *Table[T]) Insert(ctx context.Context, item *T) error {
	placeholders := make([]string, len(t.columns))
	values := make([]any, len(t.columns))

	val := reflect.ValueOf(item).Elem()
	for i, col := range t.columns {
		placeholders[i] = "?"
		values[i] = val.Field(t.fieldMap[col]).Interface()
	}

	// #nosec G201 - table and column names come from struct tags, not input.
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.tableName,
		strings.Join(t.columns, ", "),
		strings.Join(placeholders, ", "),
	)

	return retry.Do(ctx, retry.Default, func() error {
		_, err := t.db.ExecContext(ctx, query, values...)
		return err
	}, isTransactionConflict)
}

// Query runs b with the table's columns selected and scans every row.
func (t *Table[T]) Query(ctx context.Context, b *Builder) ([]*T, error) {
	b.columns = t.Columns()
	query, args, err := b.Build()
	if err != nil {
		return nil, err
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", InterpolateQuery(query, args), err)
	}
	defer func() { _ = rows.Close() }()

	var items []*T
	for rows.Next() {
		item, err := t.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (t *Table[T]) scan(rows *sql.Rows) (*T, error) {
	var item T
	val := reflect.ValueOf(&item).Elem()
	dest := make([]any, len(t.columns))
	for i, col := range t.columns {
		dest[i] = val.Field(t.fieldMap[col]).Addr().Interface()
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan %s row: %w", t.tableName, err)
	}
	return &item, nil
}

func isTransactionConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Conflict on") ||
		strings.Contains(msg, "TransactionContext Error")
}

// IsLocked reports whether err is DuckDB refusing to open a database file
// that another process holds open for writing.
func IsLocked(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Could not set lock on file")
}
