package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"selfheal/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

Idempotency comes from INSERT ... ON CONFLICT (<primary key>) DO NOTHING,
so concurrent writers for the same key never fail. Table names may be
schema-qualified through the configured prefix ("healing.sh_"); the schema
is created on EnsureSchema.
*/
type Repo struct {
	pool  *pgxpool.Pool
	snap  storage.TableSpec
	train storage.TableSpec
}

func init() {
	storage.Register("postgres", New)
}

// New creates a pooled Postgres repository and checks connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Repo{pool: pool, snap: storage.SnapshotTable(cfg.Prefix), train: storage.TrainingTable(cfg.Prefix)}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureSchema creates the optional schema, both tables and their indexes.
// This method is idempotent.
func (r *Repo) EnsureSchema(ctx context.Context) error {
	for _, t := range []storage.TableSpec{r.snap, r.train} {
		stmts, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		for _, s := range stmts {
			if _, err := r.pool.Exec(ctx, s); err != nil {
				return fmt.Errorf("create %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

func (r *Repo) SaveSnapshot(ctx context.Context, s storage.Snapshot) error {
	q, args := buildInsertSQL(r.snap, storage.SnapshotValues(s))
	if _, err := r.pool.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("save snapshot %q: %w", s.RequestID, err)
	}
	return nil
}

func (r *Repo) LoadSnapshot(ctx context.Context, requestID string) (storage.Snapshot, error) {
	q := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1",
		joinIdentList(r.snap.ColumnNames()), pgTableIdent(r.snap.Name), pgIdent("request_id"))

	var (
		s       storage.Snapshot
		pageURL *string
		ctxJSON string
		resJSON string
	)
	err := r.pool.QueryRow(ctx, q, requestID).Scan(
		&s.RequestID, &pageURL, &s.Markup, &s.MarkupHash, &ctxJSON, &resJSON, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Snapshot{}, fmt.Errorf("%w: snapshot %q", storage.ErrNotFound, requestID)
	}
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("load snapshot %q: %w", requestID, err)
	}
	if pageURL != nil {
		s.PageURL = *pageURL
	}
	s.Context = []byte(ctxJSON)
	s.Result = []byte(resJSON)
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

func (r *Repo) AppendTraining(ctx context.Context, rec storage.TrainingRecord) (bool, error) {
	q, args := buildInsertSQL(r.train, storage.TrainingValues(rec))
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return false, fmt.Errorf("append training %q: %w", rec.RequestID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func pgType(logical string) (string, error) {
	switch logical {
	case storage.TypeKey, storage.TypeText:
		return "TEXT", nil
	case storage.TypeInt:
		return "BIGINT", nil
	case storage.TypeTime:
		return "TIMESTAMPTZ", nil
	}
	return "", fmt.Errorf("unsupported column type %q", logical)
}

// buildCreateSQL builds the DDL for t:
//   - CREATE SCHEMA IF NOT EXISTS when the name is schema-qualified
//   - CREATE TABLE IF NOT EXISTS with an inline primary key
//   - one CREATE [UNIQUE] INDEX IF NOT EXISTS per constraint
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, fmt.Errorf("table name is empty")
	}

	var stmts []string
	schema, table := splitQualifiedName(t.Name)
	if schema != "" {
		stmts = append(stmts, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s;", pgIdent(schema)))
	}

	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		typ, err := pgType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("table %s: column %s: %w", t.Name, c.Name, err)
		}
		def := pgIdent(c.Name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("table %s: no columns", t.Name)
	}
	if len(t.PrimaryKey) > 0 {
		defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", joinIdentList(t.PrimaryKey)))
	}
	stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", pgTableIdent(t.Name), strings.Join(defs, ", ")))

	for _, con := range t.Constraints {
		var kw string
		switch strings.ToLower(strings.TrimSpace(con.Kind)) {
		case "index":
			kw = "INDEX"
		case "unique":
			kw = "UNIQUE INDEX"
		default:
			return nil, fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return nil, fmt.Errorf("table %s: %s requires columns", t.Name, con.Kind)
		}
		// Index names are schema-local in Postgres and must not be qualified.
		name := table + "_" + strings.Join(con.Columns, "_") + "_idx"
		stmts = append(stmts, fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s (%s);",
			kw, pgIdent(name), pgTableIdent(t.Name), joinIdentList(con.Columns)))
	}
	return stmts, nil
}

// buildInsertSQL builds a single-row INSERT that is a no-op when the primary
// key already exists.
func buildInsertSQL(t storage.TableSpec, values []any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(joinIdentList(t.ColumnNames()))
	b.WriteString(") VALUES (")
	for i := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", i+1)
	}
	b.WriteString(")")
	if len(t.PrimaryKey) > 0 {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdentList(t.PrimaryKey))
		b.WriteString(") DO NOTHING")
	}
	b.WriteString(";")
	return b.String(), values
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "healing.sh_snapshots" => ("healing", "sh_snapshots")
//   - "sh_snapshots"         => ("", "sh_snapshots")
//
// Only a single dot is recognized; anything else is treated as unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func pgIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}
