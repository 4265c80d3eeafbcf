package duckdb

import (
	"fmt"
	"strings"
	"time"
)

// InterpolateQuery substitutes args into query for log and error messages.
// It is not an escaping mechanism for execution.
func InterpolateQuery(query string, args []any) string {
	for _, arg := range args {
		var replacement string
		switch v := arg.(type) {
		case string:
			replacement = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			replacement = fmt.Sprintf("%d", v)
		case bool:
			replacement = fmt.Sprintf("%t", v)
		case time.Time:
			replacement = "'" + v.Format(time.RFC3339Nano) + "'"
		case nil:
			replacement = "NULL"
		default:
			replacement = fmt.Sprintf("'%v'", v)
		}
		query = strings.Replace(query, "?", replacement, 1)
	}
	return query
}
