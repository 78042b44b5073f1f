// Package query runs SQL against a provisioned sandbox.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sort"
	"strings"

	_ "github.com/lib/pq"
)

// Open connects to endpoint with lib/pq. The sandbox image has no TLS, so
// sslmode=disable is added unless the URL already sets sslmode.
func Open(ctx context.Context, endpoint string) (*sql.DB, error) {
	dsn, err := withSSLDisabled(endpoint)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

// Ping opens endpoint, runs SELECT 1 and closes the connection.
func Ping(ctx context.Context, endpoint string) error {
	db, err := Open(ctx, endpoint)
	if err != nil {
		return err
	}
	defer db.Close()

	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("probing database: %w", err)
	}
	return nil
}

const aliveSSNsQuery = `SELECT ssn FROM criminal_records WHERE status = 'alive'`

// AliveSSNs returns the distinct SSNs of living records, sorted.
func AliveSSNs(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, aliveSSNsQuery)
	if err != nil {
		return nil, fmt.Errorf("querying criminal_records: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var ssn string
		if err := rows.Scan(&ssn); err != nil {
			return nil, fmt.Errorf("scanning ssn: %w", err)
		}
		seen[ssn] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ssns := make([]string, 0, len(seen))
	for ssn := range seen {
		ssns = append(ssns, ssn)
	}
	sort.Strings(ssns)
	return ssns, nil
}

func withSSLDisabled(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	q := u.Query()
	if q.Get("sslmode") == "" {
		q.Set("sslmode", "disable")
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Table is the result of an arbitrary statement.
type Table struct {
	Columns []string
	Rows    [][]string
}

// Exec runs stmt and collects every row as strings. Statements that return
// no rows yield a Table with no columns.
func Exec(ctx context.Context, db *sql.DB, stmt string) (*Table, error) {
	rows, err := db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	t := &Table{Columns: cols}

	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = formatValue(v)
		}
		t.Rows = append(t.Rows, row)
	}
	return t, rows.Err()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

// Format renders t as an aligned text table followed by a row count.
func (t *Table) Format() string {
	if len(t.Columns) == 0 {
		return "OK\n"
	}

	widths := make([]int, len(t.Columns))
	for i, c := range t.Columns {
		widths[i] = len(c)
	}
	for _, r := range t.Rows {
		for i, cell := range r {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		for i, cell := range cells {
			if i > 0 {
				b.WriteString(" | ")
			}
			fmt.Fprintf(&b, "%-*s", widths[i], cell)
		}
		b.WriteString("\n")
	}

	writeRow(t.Columns)
	for i, w := range widths {
		if i > 0 {
			b.WriteString("-+-")
		}
		b.WriteString(strings.Repeat("-", w))
	}
	b.WriteString("\n")
	for _, r := range t.Rows {
		writeRow(r)
	}

	noun := "rows"
	if len(t.Rows) == 1 {
		noun = "row"
	}
	fmt.Fprintf(&b, "(%d %s)\n", len(t.Rows), noun)
	return b.String()
}
