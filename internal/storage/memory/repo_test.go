package memory

import (
	"context"
	"testing"

	"selfheal/internal/storage"
	"selfheal/internal/storage/storagetest"
)

func TestRepo_Contract(t *testing.T) {
	repo, err := storage.New(context.Background(), storage.Config{Kind: "memory"})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer repo.Close()

	storagetest.Run(t, repo)

	got := repo.(*Repo).Training()
	if len(got) != 2 {
		t.Fatalf("expected 2 training records, got %d", len(got))
	}
	if got[0].AcceptedIndex != 0 || got[1].AcceptedIndex != -1 {
		t.Fatalf("records out of order: %+v", got)
	}
}
