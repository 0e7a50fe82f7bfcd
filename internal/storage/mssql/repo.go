package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"selfheal/internal/storage"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Idempotency:
//   - SaveSnapshot and AppendTraining use INSERT ... SELECT ... WHERE NOT
//     EXISTS against the primary key, so a repeated write is a no-op.
//   - Two writers racing on the same key can still collide on the primary
//     key; duplicateKey treats that error as "already written".
//
// Timestamps are stored as DATETIME2(7), which keeps 100ns precision.
type Repo struct {
	db    dbConn
	snap  storage.TableSpec
	train storage.TableSpec
}

func init() {
	storage.Register("mssql", New)
}

// New opens cfg.DSN with the "sqlserver" driver and checks connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return newRepo(&sqlDB{db: raw}, cfg.Prefix), nil
}

func newRepo(db dbConn, prefix string) *Repo {
	return &Repo{db: db, snap: storage.SnapshotTable(prefix), train: storage.TrainingTable(prefix)}
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureSchema creates both tables when missing. Indexes are created inside
// the same OBJECT_ID guard, so they are only built alongside a new table.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, t := range []storage.TableSpec{r.snap, r.train} {
		q, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) SaveSnapshot(ctx context.Context, s storage.Snapshot) error {
	q, args := buildInsertNotExistsSQL(r.snap, storage.SnapshotValues(s))
	if _, err := r.db.ExecContext(ctx, q, args...); err != nil && !duplicateKey(err) {
		return fmt.Errorf("mssql: save snapshot %q: %w", s.RequestID, err)
	}
	return nil
}

func (r *Repo) LoadSnapshot(ctx context.Context, requestID string) (storage.Snapshot, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = @p1",
		joinIdentList(r.snap.ColumnNames()), mssqlTableIdent(r.snap.Name), mssqlIdent("request_id"))

	var (
		s       storage.Snapshot
		pageURL sql.NullString
		ctxJSON string
		resJSON string
	)
	err := r.db.QueryRowContext(ctx, q, requestID).Scan(
		&s.RequestID, &pageURL, &s.Markup, &s.MarkupHash, &ctxJSON, &resJSON, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Snapshot{}, fmt.Errorf("%w: snapshot %q", storage.ErrNotFound, requestID)
	}
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("mssql: load snapshot %q: %w", requestID, err)
	}
	s.PageURL = pageURL.String
	s.Context = []byte(ctxJSON)
	s.Result = []byte(resJSON)
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func (r *Repo) AppendTraining(ctx context.Context, rec storage.TrainingRecord) (bool, error) {
	q, args := buildInsertNotExistsSQL(r.train, storage.TrainingValues(rec))
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		if duplicateKey(err) {
			return false, nil
		}
		return false, fmt.Errorf("mssql: append training %q: %w", rec.RequestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// duplicateKey reports SQL Server errors 2627 (PK/unique constraint) and
// 2601 (unique index).
func duplicateKey(err error) bool {
	var num interface{ SQLErrorNumber() int32 }
	if errors.As(err, &num) {
		n := num.SQLErrorNumber()
		return n == 2627 || n == 2601
	}
	return false
}

func mssqlType(logical string) (string, error) {
	switch logical {
	case storage.TypeKey:
		return "NVARCHAR(256)", nil
	case storage.TypeText:
		return "NVARCHAR(MAX)", nil
	case storage.TypeInt:
		return "BIGINT", nil
	case storage.TypeTime:
		return "DATETIME2(7)", nil
	}
	return "", fmt.Errorf("unsupported column type %q", logical)
}

// buildCreateSQL returns one batch that creates t and its indexes when the
// table does not exist yet.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		typ, err := mssqlType(c.Type)
		if err != nil {
			return "", fmt.Errorf("mssql: %s.%s: %w", t.Name, c.Name, err)
		}
		def := mssqlIdent(c.Name) + " " + typ
		if c.Nullable {
			def += " NULL"
		} else {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, fmt.Sprintf("CONSTRAINT %s PRIMARY KEY (%s)",
			mssqlIdent("pk_"+t.Name), joinIdentList(t.PrimaryKey)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s);",
		t.Name, mssqlTableIdent(t.Name), strings.Join(defs, ", "))
	for _, con := range t.Constraints {
		var kw string
		switch con.Kind {
		case "index":
			kw = "INDEX"
		case "unique":
			kw = "UNIQUE INDEX"
		default:
			return "", fmt.Errorf("mssql: table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
		name := t.Name + "_" + strings.Join(con.Columns, "_") + "_idx"
		fmt.Fprintf(&b, " CREATE %s %s ON %s (%s);", kw, mssqlIdent(name), mssqlTableIdent(t.Name), joinIdentList(con.Columns))
	}
	b.WriteString(" END;")
	return b.String(), nil
}

// buildInsertNotExistsSQL constructs INSERT ... SELECT ... WHERE NOT EXISTS
// for a single row keyed by t.PrimaryKey.
//
// The row is materialized as a derived table V via VALUES so the NOT EXISTS
// probe can reference it by column name.
func buildInsertNotExistsSQL(t storage.TableSpec, values []any) (string, []any) {
	cols := t.ColumnNames()

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(joinIdentList(cols))
	b.WriteString(") SELECT ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("v.")
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(" FROM (VALUES (")

	args := make([]any, len(values))
	for i, v := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", i+1)
		if ts, ok := v.(time.Time); ok {
			v = ts.UTC()
		}
		args[i] = v
	}

	b.WriteString(")) AS v(")
	b.WriteString(joinIdentList(cols))
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(t.Name))
	b.WriteString(" t WHERE ")
	for i, k := range t.PrimaryKey {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(k))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(k))
	}
	b.WriteString(")")

	return b.String(), args
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.selfheal_snapshots" -> [dbo].[selfheal_snapshots]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) rowScanner
	Close() error
}

// rowScanner is a narrow adapter over *sql.Row.Scan.
type rowScanner interface {
	Scan(dest ...any) error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) rowScanner {
	return s.db.QueryRowContext(ctx, query, args...)
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
