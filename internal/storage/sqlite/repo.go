package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"selfheal/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// SQLite has no timestamp type; created_at is stored as RFC3339Nano text,
// which round-trips exactly and sorts chronologically.
type Repo struct {
	db    *sql.DB
	snap  storage.TableSpec
	train storage.TableSpec
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database at cfg.DSN and checks connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db, snap: storage.SnapshotTable(cfg.Prefix), train: storage.TrainingTable(cfg.Prefix)}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureSchema creates both tables and their indexes.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, t := range []storage.TableSpec{r.snap, r.train} {
		stmts, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		for _, s := range stmts {
			if _, err := r.db.ExecContext(ctx, s); err != nil {
				return fmt.Errorf("create %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

func (r *Repo) SaveSnapshot(ctx context.Context, s storage.Snapshot) error {
	q, args := buildInsertOrIgnoreSQL(r.snap, storage.SnapshotValues(s))
	_, err := r.db.ExecContext(ctx, q, args...)
	return err
}

func (r *Repo) LoadSnapshot(ctx context.Context, requestID string) (storage.Snapshot, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`,
		joinIdentList(r.snap.ColumnNames()), sqlIdent(r.snap.Name), sqlIdent("request_id"))

	var (
		s         storage.Snapshot
		pageURL   sql.NullString
		ctxJSON   string
		resJSON   string
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, q, requestID).Scan(
		&s.RequestID, &pageURL, &s.Markup, &s.MarkupHash, &ctxJSON, &resJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Snapshot{}, fmt.Errorf("%w: snapshot %q", storage.ErrNotFound, requestID)
	}
	if err != nil {
		return storage.Snapshot{}, err
	}
	s.PageURL = pageURL.String
	s.Context = []byte(ctxJSON)
	s.Result = []byte(resJSON)
	if s.CreatedAt, err = parseSQLiteTime(createdAt); err != nil {
		return storage.Snapshot{}, fmt.Errorf("snapshot %q created_at: %w", requestID, err)
	}
	return s, nil
}

func (r *Repo) AppendTraining(ctx context.Context, rec storage.TrainingRecord) (bool, error) {
	q, args := buildInsertOrIgnoreSQL(r.train, storage.TrainingValues(rec))
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

func sqliteType(logical string) (string, error) {
	switch logical {
	case storage.TypeKey, storage.TypeText, storage.TypeTime:
		return "TEXT", nil
	case storage.TypeInt:
		return "INTEGER", nil
	}
	return "", fmt.Errorf("unsupported column type %q", logical)
}

// buildCreateSQL generates the CREATE TABLE statement followed by one
// CREATE INDEX per constraint.
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("table name is empty")
	}

	var parts []string
	for _, c := range t.Columns {
		typ, err := sqliteType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", t.Name, c.Name, err)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), typ)
		if !c.Nullable {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}
	if len(t.PrimaryKey) > 0 {
		parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", joinIdentList(t.PrimaryKey)))
	}
	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  "))}

	for _, con := range t.Constraints {
		var kw string
		switch con.Kind {
		case "index":
			kw = "INDEX"
		case "unique":
			kw = "UNIQUE INDEX"
		default:
			return nil, fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		name := t.Name + "_" + strings.Join(con.Columns, "_") + "_idx"
		stmts = append(stmts, fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s);",
			kw, sqlIdent(name), sqlIdent(t.Name), joinIdentList(con.Columns)))
	}
	return stmts, nil
}

// buildInsertOrIgnoreSQL relies on the primary key for idempotency.
func buildInsertOrIgnoreSQL(t storage.TableSpec, values []any) (string, []any) {
	args := make([]any, len(values))
	for i, v := range values {
		if ts, ok := v.(time.Time); ok {
			v = formatSQLiteTime(ts)
		}
		args[i] = v
	}
	ph := strings.TrimRight(strings.Repeat("?,", len(values)), ",")
	q := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", sqlIdent(t.Name), joinIdentList(t.ColumnNames()), ph)
	return q, args
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - "2006-01-02 15:04:05Z07:00" and its fractional form
//   - "2006-01-02 15:04:05" (interpreted as UTC)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
