package queue

import (
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// dialect captures the few places SQLite and PostgreSQL disagree.
type dialect struct {
	name       string
	driver     string
	migrations string
	// skipLocked is appended to claim subqueries so concurrent claimers on
	// PostgreSQL skip rows another transaction is already updating.
	skipLocked string
	// rowLock is appended to ownership checks inside release transactions.
	rowLock    string
	positional bool
}

var (
	sqliteDialect = dialect{
		name:       "sqlite",
		driver:     "sqlite",
		migrations: "migrations/sqlite",
	}
	postgresDialect = dialect{
		name:       "postgres",
		driver:     "pgx",
		migrations: "migrations/postgres",
		skipLocked: " FOR UPDATE SKIP LOCKED",
		rowLock:    " FOR UPDATE",
		positional: true,
	}
)

func dialectFor(driver string) (dialect, bool) {
	switch driver {
	case "", "sqlite":
		return sqliteDialect, true
	case "postgres":
		return postgresDialect, true
	default:
		return dialect{}, false
	}
}

// rebind rewrites '?' placeholders to $n for positional dialects.
func (d dialect) rebind(query string) string {
	if !d.positional || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqliteDSN applies per-connection pragmas through the DSN so every pooled
// connection gets them, and makes write transactions take the lock up front.
func sqliteDSN(path string) string {
	return "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"
}
