// Package duckdb is a small typed layer over DuckDB: a struct-tag driven
// Table[T] for appends and scans, and a SELECT builder.
//
//	type Row struct {
//	    ID      string    `duckdb:"id,pk"`
//	    Created time.Time `duckdb:"created_at"`
//	}
//
//	table := duckdb.NewTable[Row](db, "rows")
//	err := table.Insert(ctx, &Row{...})
//
//	rows, err := table.Query(ctx, duckdb.NewQueryBuilder("rows").
//	    Eq("id", id).
//	    OrderBy("-created_at").
//	    Limit(10))
package duckdb
