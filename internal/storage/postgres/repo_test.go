package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"selfheal/internal/storage"
	"selfheal/internal/storage/storagetest"
)

func TestBuildCreateSQL_Unqualified(t *testing.T) {
	t.Parallel()

	stmts, err := buildCreateSQL(storage.SnapshotTable("sh_"))
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("expected table + index, got %q", stmts)
	}
	base := stmts[0]
	if !strings.HasPrefix(base, `CREATE TABLE IF NOT EXISTS "sh_snapshots" (`) {
		t.Fatalf("baseSQL missing CREATE TABLE: %q", base)
	}
	for _, want := range []string{
		`"request_id" TEXT NOT NULL`,
		`"page_url" TEXT,`,
		`"created_at" TIMESTAMPTZ NOT NULL`,
		`PRIMARY KEY ("request_id")`,
	} {
		if !strings.Contains(base, want) {
			t.Fatalf("baseSQL missing %q: %q", want, base)
		}
	}
	if stmts[1] != `CREATE INDEX IF NOT EXISTS "sh_snapshots_markup_hash_idx" ON "sh_snapshots" ("markup_hash");` {
		t.Fatalf("unexpected index DDL: %q", stmts[1])
	}
}

func TestBuildCreateSQL_SchemaQualified(t *testing.T) {
	t.Parallel()

	stmts, err := buildCreateSQL(storage.TrainingTable("healing.sh_"))
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if len(stmts) != 3 {
		t.Fatalf("expected schema + table + index, got %q", stmts)
	}
	if stmts[0] != `CREATE SCHEMA IF NOT EXISTS "healing";` {
		t.Fatalf("unexpected schema DDL: %q", stmts[0])
	}
	if !strings.Contains(stmts[1], `"healing"."sh_training"`) || !strings.Contains(stmts[1], `"accepted_index" BIGINT NOT NULL`) {
		t.Fatalf("unexpected table DDL: %q", stmts[1])
	}
	if !strings.Contains(stmts[2], `INDEX IF NOT EXISTS "sh_training_request_id_idx" ON "healing"."sh_training"`) {
		t.Fatalf("index must use unqualified name: %q", stmts[2])
	}
}

func TestBuildCreateSQL_Rejects(t *testing.T) {
	t.Parallel()

	if _, err := buildCreateSQL(storage.TableSpec{}); err == nil {
		t.Fatalf("expected error for empty name")
	}
	bad := storage.TableSpec{Name: "x", Columns: []storage.ColumnSpec{{Name: "a", Type: storage.TypeText}},
		Constraints: []storage.ConstraintSpec{{Kind: "check", Columns: []string{"a"}}}}
	if _, err := buildCreateSQL(bad); err == nil {
		t.Fatalf("expected error for unsupported constraint")
	}
}

func TestBuildInsertSQL_OnConflictDoNothing(t *testing.T) {
	t.Parallel()

	rec := storage.TrainingRecord{RowHash: "h", RequestID: "r", AcceptedIndex: -1, CreatedAt: time.Unix(0, 0)}
	q, args := buildInsertSQL(storage.TrainingTable(""), storage.TrainingValues(rec))

	want := `INSERT INTO "training" ("row_hash", "request_id", "accepted_index", "context_json", "candidates_json", "created_at") ` +
		`VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT ("row_hash") DO NOTHING;`
	if q != want {
		t.Fatalf("unexpected SQL:\n got: %s\nwant: %s", q, want)
	}
	if len(args) != 6 || args[2] != int64(-1) {
		t.Fatalf("unexpected args: %#v", args)
	}
}

// TestRepo_Contract runs against a live server when SELFHEAL_TEST_POSTGRES_DSN
// is set.
func TestRepo_Contract(t *testing.T) {
	dsn := os.Getenv("SELFHEAL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SELFHEAL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	prefix := "t" + strings.ReplaceAll(time.Now().UTC().Format("150405.000000"), ".", "") + "_"

	repo, err := storage.New(ctx, storage.Config{Kind: "postgres", DSN: dsn, Prefix: prefix})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() {
		r := repo.(*Repo)
		for _, tbl := range []string{r.snap.Name, r.train.Name} {
			_, _ = r.pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+pgTableIdent(tbl))
		}
		repo.Close()
	})

	storagetest.Run(t, repo)
}
