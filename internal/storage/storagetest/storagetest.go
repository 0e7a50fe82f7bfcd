// Package storagetest is the behavior suite every storage backend runs.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"selfheal/internal/storage"
)

// Run exercises repo through the Repository contract. The repository must
// be empty; Run calls EnsureSchema itself, twice.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := repo.EnsureSchema(ctx); err != nil {
			t.Fatalf("EnsureSchema #%d: %v", i+1, err)
		}
	}

	now := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	snap, err := storage.NewSnapshot("req-1", "https://example.test/login",
		`<button id="login">Sign in</button>`,
		map[string]any{"original_locator": "#old"},
		map[string]any{"auto_apply_index": 0}, now)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}

	t.Run("snapshot round trip", func(t *testing.T) {
		if err := repo.SaveSnapshot(ctx, snap); err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
		got, err := repo.LoadSnapshot(ctx, "req-1")
		if err != nil {
			t.Fatalf("LoadSnapshot: %v", err)
		}
		if got.RequestID != snap.RequestID || got.PageURL != snap.PageURL || got.Markup != snap.Markup || got.MarkupHash != snap.MarkupHash {
			t.Fatalf("snapshot mismatch: got %+v want %+v", got, snap)
		}
		assertJSONEqual(t, snap.Context, got.Context)
		assertJSONEqual(t, snap.Result, got.Result)
		if !got.CreatedAt.Equal(now) {
			t.Fatalf("created_at: got %s want %s", got.CreatedAt, now)
		}
	})

	t.Run("first snapshot wins", func(t *testing.T) {
		again := snap
		again.Markup = "<p>changed</p>"
		if err := repo.SaveSnapshot(ctx, again); err != nil {
			t.Fatalf("SaveSnapshot duplicate: %v", err)
		}
		got, err := repo.LoadSnapshot(ctx, "req-1")
		if err != nil {
			t.Fatalf("LoadSnapshot: %v", err)
		}
		if got.Markup != snap.Markup {
			t.Fatalf("duplicate save overwrote markup: %q", got.Markup)
		}
	})

	t.Run("unknown snapshot", func(t *testing.T) {
		_, err := repo.LoadSnapshot(ctx, "missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("training append is idempotent", func(t *testing.T) {
		rec, err := storage.NewTrainingRecord("req-1", 0,
			map[string]any{"original_locator": "#old"},
			[]map[string]any{{"locator": "#login"}}, now)
		if err != nil {
			t.Fatalf("NewTrainingRecord: %v", err)
		}
		wrote, err := repo.AppendTraining(ctx, rec)
		if err != nil || !wrote {
			t.Fatalf("first append: wrote=%v err=%v", wrote, err)
		}
		wrote, err = repo.AppendTraining(ctx, rec)
		if err != nil || wrote {
			t.Fatalf("second append: wrote=%v err=%v", wrote, err)
		}

		other, err := storage.NewTrainingRecord("req-1", -1,
			map[string]any{"original_locator": "#old"},
			[]map[string]any{{"locator": "#login"}}, now)
		if err != nil {
			t.Fatalf("NewTrainingRecord: %v", err)
		}
		wrote, err = repo.AppendTraining(ctx, other)
		if err != nil || !wrote {
			t.Fatalf("different accepted index: wrote=%v err=%v", wrote, err)
		}
	})
}

func assertJSONEqual(t *testing.T, want, got []byte) {
	t.Helper()
	var w, g any
	if err := json.Unmarshal(want, &w); err != nil {
		t.Fatalf("want is not JSON: %v", err)
	}
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("got is not JSON: %v (%q)", err, got)
	}
	wb, _ := json.Marshal(w)
	gb, _ := json.Marshal(g)
	if string(wb) != string(gb) {
		t.Fatalf("JSON mismatch: got %s want %s", gb, wb)
	}
}
