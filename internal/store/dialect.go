package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// dialect captures what differs between the SQL backends. Queries are
// written with ? placeholders and rebound by sqlx for the driver.
type dialect struct {
	name   string
	driver string
	// tableLock follows the table name in a locking SELECT.
	tableLock string
	// rowLock ends a locking SELECT.
	rowLock string
	// offsetFetch selects T-SQL paging instead of LIMIT/OFFSET.
	offsetFetch bool
	// isolation is requested for every transaction; LevelDefault leaves
	// the server's own.
	isolation sql.IsolationLevel
	ddl         []string
}

// lockingSelect builds a SELECT that takes a write lock on the matched
// rows for the rest of the transaction.
func (d dialect) lockingSelect(columns, table, where string) string {
	return "SELECT " + columns + " FROM " + table + d.tableLock + " WHERE " + where + d.rowLock
}

// page appends paging to an ordered query. A non-positive limit returns
// every row after offset.
func (d dialect) page(query string, limit, offset int) (string, []any) {
	if offset < 0 {
		offset = 0
	}
	if d.offsetFetch {
		if limit <= 0 {
			return query + " OFFSET ? ROWS", []any{offset}
		}
		return query + " OFFSET ? ROWS FETCH NEXT ? ROWS ONLY", []any{offset, limit}
	}
	if limit <= 0 {
		if offset == 0 {
			return query, nil
		}
		// Both sqlite and mysql require a LIMIT before OFFSET.
		limit = 1<<31 - 1
	}
	return query + " LIMIT ? OFFSET ?", []any{limit, offset}
}

var dialects = map[string]dialect{
	"sqlite": {
		name:   "sqlite",
		driver: "sqlite",
		ddl:    sqliteDDL,
	},
	"postgres": {
		name:    "postgres",
		driver:  "pgx",
		rowLock: " FOR UPDATE",
		ddl:     postgresDDL,
	},
	"mysql": {
		name:    "mysql",
		driver:  "mysql",
		rowLock: " FOR UPDATE",
		// Plain reads after a lock wait must see rows committed during
		// the wait, which REPEATABLE READ snapshots hide.
		isolation: sql.LevelReadCommitted,
		ddl:       mysqlDDL,
	},
	"mssql": {
		name:        "mssql",
		driver:      "sqlserver",
		tableLock:   " WITH (UPDLOCK, ROWLOCK)",
		offsetFetch: true,
		ddl:         mssqlDDL,
	},
}

func lookupDialect(name string) (dialect, error) {
	d, ok := dialects[name]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported sql backend: %s", name)
	}
	return d, nil
}

// isUniqueViolation matches the unique constraint errors of every driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique constraint") ||
		strings.Contains(lower, "duplicate key") ||
		strings.Contains(lower, "duplicate entry") ||
		strings.Contains(lower, "violation of unique")
}
