package storage

import (
	"strconv"
	"strings"
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): DSN is a file path
//   - "postgres": DSN is a lib/pq connection string or URL
type Config struct {
	Driver      string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func parseDriver(s string) (dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sqlite", "sqlite3":
		return dialectSQLite, true
	case "postgres", "postgresql", "pg":
		return dialectPostgres, true
	default:
		return 0, false
	}
}

// rebind rewrites ? placeholders to $n for postgres. Queries in this
// package never carry a literal '?'.
func (d dialect) rebind(q string) string {
	if d != dialectPostgres || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
