// Package memory is an in-process storage backend. It keeps nothing across
// restarts and suits tests and single-shot CLI runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"selfheal/internal/storage"
)

type Repo struct {
	mu        sync.RWMutex
	snapshots map[string]storage.Snapshot
	training  map[string]storage.TrainingRecord
	order     []string
}

func init() {
	storage.Register("memory", New)
}

// New ignores cfg; the DSN and prefix mean nothing in memory.
func New(_ context.Context, _ storage.Config) (storage.Repository, error) {
	return NewRepo(), nil
}

func NewRepo() *Repo {
	return &Repo{
		snapshots: map[string]storage.Snapshot{},
		training:  map[string]storage.TrainingRecord{},
	}
}

func (r *Repo) Close() {}

func (r *Repo) EnsureSchema(context.Context) error { return nil }

func (r *Repo) SaveSnapshot(_ context.Context, s storage.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snapshots[s.RequestID]; !ok {
		r.snapshots[s.RequestID] = s
	}
	return nil
}

func (r *Repo) LoadSnapshot(_ context.Context, requestID string) (storage.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snapshots[requestID]
	if !ok {
		return storage.Snapshot{}, fmt.Errorf("%w: snapshot %q", storage.ErrNotFound, requestID)
	}
	return s, nil
}

func (r *Repo) AppendTraining(_ context.Context, rec storage.TrainingRecord) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.training[rec.RowHash]; ok {
		return false, nil
	}
	r.training[rec.RowHash] = rec
	r.order = append(r.order, rec.RowHash)
	return true, nil
}

// Training returns the appended records in insertion order.
func (r *Repo) Training() []storage.TrainingRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]storage.TrainingRecord, len(r.order))
	for i, h := range r.order {
		out[i] = r.training[h]
	}
	return out
}
