// Package storage persists healing snapshots and training records behind a
// backend-agnostic Repository. Backends register themselves by kind from
// their init functions; import storage/all to link every backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned by LoadSnapshot for an unknown request id.
	ErrNotFound = errors.New("storage: not found")
	// ErrUnsupportedKind is returned by New for an unregistered kind.
	ErrUnsupportedKind = errors.New("storage: unsupported kind")
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must match a registered backend kind.
//   - DSN is passed through to the backend; validation is backend-specific.
//   - Prefix is prepended to both table names.
type Config struct {
	Kind   string
	DSN    string
	Prefix string
}

// Repository stores what the snapshot and training collaborators consume.
//
// Each backend implements idempotency in its own dialect (Postgres
// ON CONFLICT, SQLite OR IGNORE, SQL Server NOT EXISTS).
type Repository interface {
	// Close releases backend resources. Call it once at shutdown.
	Close()

	// EnsureSchema creates the snapshot and training tables if missing.
	// It is safe to run on every start.
	EnsureSchema(ctx context.Context) error

	// SaveSnapshot stores s. The first snapshot for a request id wins; later
	// saves for the same id are no-ops.
	SaveSnapshot(ctx context.Context, s Snapshot) error

	// LoadSnapshot returns the snapshot for requestID or ErrNotFound.
	LoadSnapshot(ctx context.Context, requestID string) (Snapshot, error)

	// AppendTraining stores r unless a record with the same RowHash exists.
	// It reports whether a row was written.
	AppendTraining(ctx context.Context, r TrainingRecord) (bool, error)
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register makes a backend available under kind.
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f func(ctx context.Context, cfg Config) (Repository, error)) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Kinds returns the registered kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New opens a Repository with the registered backend for cfg.Kind.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - ErrUnsupportedKind (wrapped) when cfg.Kind is empty or unknown.
//   - Whatever the backend factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrUnsupportedKind)
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, cfg.Kind)
	}
	return f(ctx, cfg)
}
