package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var validIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CheckIdent rejects table and column names that cannot be safely
// embedded in SQL.
func CheckIdent(name string) error {
	if !validIdent.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// QuoteIdent double-quotes an identifier for SQLite.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// UpsertRows writes one page of rows into table, inserting new rows
// and replacing existing ones by key column. The whole page commits in
// a single transaction, so a crash never leaves a partial page behind.
// The table and any new columns are created on first sight.
func UpsertRows(ctx context.Context, lease *Lease, table, keyCol string, rows []map[string]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := CheckIdent(table); err != nil {
		return 0, err
	}
	if err := CheckIdent(keyCol); err != nil {
		return 0, err
	}

	cols, err := unionColumns(rows, keyCol)
	if err != nil {
		return 0, fmt.Errorf("table %s: %w", table, err)
	}
	if err := ensureTable(ctx, lease, table, keyCol, cols, rows); err != nil {
		return 0, err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	quoted := make([]string, len(cols))
	updates := make([]string, 0, len(cols)-1)
	for i, c := range cols {
		quoted[i] = QuoteIdent(c)
		if c != keyCol {
			updates = append(updates, QuoteIdent(c)+" = excluded."+QuoteIdent(c))
		}
	}

	var query string
	if len(updates) == 0 {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING",
			QuoteIdent(table), strings.Join(quoted, ", "), placeholders, QuoteIdent(keyCol))
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
			QuoteIdent(table), strings.Join(quoted, ", "), placeholders, QuoteIdent(keyCol), strings.Join(updates, ", "))
	}

	tx, err := lease.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("starting upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("preparing upsert for %s: %w", table, err)
	}
	defer stmt.Close()

	args := make([]any, len(cols))
	for _, row := range rows {
		for i, c := range cols {
			args[i] = normalizeValue(row[c])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("upserting into %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing upsert into %s: %w", table, err)
	}

	n := int64(len(rows))
	rowsUpsertedTotal.WithLabelValues(table).Add(float64(n))
	return n, nil
}

// unionColumns returns the sorted union of column names across rows,
// verifying every row carries the key column.
func unionColumns(rows []map[string]any, keyCol string) ([]string, error) {
	set := make(map[string]bool)
	for i, row := range rows {
		if row[keyCol] == nil {
			return nil, fmt.Errorf("row %d has no value for key column %s", i, keyCol)
		}
		for c := range row {
			if err := CheckIdent(c); err != nil {
				return nil, err
			}
			set[c] = true
		}
	}
	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, nil
}

func ensureTable(ctx context.Context, lease *Lease, table, keyCol string, cols []string, rows []map[string]any) error {
	defs := make([]string, 0, len(cols))
	for _, c := range cols {
		def := QuoteIdent(c) + " " + columnAffinity(c, rows)
		if c == keyCol {
			def += " PRIMARY KEY"
		}
		defs = append(defs, def)
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", QuoteIdent(table), strings.Join(defs, ", "))
	if _, err := lease.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", table, err)
	}

	existing, err := tableColumns(ctx, lease, table)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if existing[c] {
			continue
		}
		alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", QuoteIdent(table), QuoteIdent(c), columnAffinity(c, rows))
		if _, err := lease.ExecContext(ctx, alter); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", table, c, err)
		}
	}
	return nil
}

func tableColumns(ctx context.Context, lease *Lease, table string) (map[string]bool, error) {
	rows, err := lease.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("inspecting table %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("inspecting table %s: %w", table, err)
		}
		out[name] = true
	}
	return out, rows.Err()
}

// columnAffinity picks a SQLite type affinity from the first non-nil
// value seen for the column. JSON numbers arrive as float64, so NUMERIC
// lets SQLite keep integral values as integers.
func columnAffinity(col string, rows []map[string]any) string {
	for _, row := range rows {
		switch row[col].(type) {
		case nil:
			continue
		case bool:
			return "INTEGER"
		case float64, int, int64:
			return "NUMERIC"
		default:
			return "TEXT"
		}
	}
	return "TEXT"
}

// normalizeValue converts decoded JSON values to types the SQLite
// driver accepts. Nested objects and arrays are stored as JSON text.
func normalizeValue(v any) any {
	switch t := v.(type) {
	case nil, string, float64, int, int64, bool:
		return t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", t)
	}
}
