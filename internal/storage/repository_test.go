package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Panics(t *testing.T) {
	noop := func(context.Context, Config) (Repository, error) { return nil, nil }

	assert.Panics(t, func() { Register("", noop) })
	assert.Panics(t, func() { Register("x-nil", nil) })

	Register("test-dup", noop)
	assert.Panics(t, func() { Register("test-dup", noop) })
	assert.Contains(t, Kinds(), "test-dup")
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.True(t, errors.Is(err, ErrUnsupportedKind))

	_, err = New(context.Background(), Config{Kind: "nope"})
	assert.True(t, errors.Is(err, ErrUnsupportedKind))
}

func TestNewTrainingRecord_RowHash(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cands := []string{"#a", "#b"}

	a, err := NewTrainingRecord("r1", 0, map[string]string{"k": "v"}, cands, now)
	require.NoError(t, err)
	b, err := NewTrainingRecord("r1", 0, map[string]string{"k": "v"}, cands, now.Add(time.Hour))
	require.NoError(t, err)
	c, err := NewTrainingRecord("r1", 1, map[string]string{"k": "v"}, cands, now)
	require.NoError(t, err)

	assert.Len(t, a.RowHash, 64)
	assert.Equal(t, a.RowHash, b.RowHash, "timestamp must not affect identity")
	assert.NotEqual(t, a.RowHash, c.RowHash)
	assert.JSONEq(t, `["#a","#b"]`, string(a.Candidates))
}

func TestNewSnapshot(t *testing.T) {
	loc := time.FixedZone("X", 7200)
	s, err := NewSnapshot("r1", "", "<p>hi</p>", map[string]int{"a": 1}, nil, time.Date(2026, 1, 1, 0, 0, 0, 0, loc))
	require.NoError(t, err)
	assert.Equal(t, hashFields("<p>hi</p>"), s.MarkupHash)
	assert.Equal(t, "null", string(s.Result))
	assert.Equal(t, time.UTC, s.CreatedAt.Location())

	_, err = NewSnapshot("r1", "", "", make(chan int), nil, time.Now())
	assert.Error(t, err)
}

func TestCanonical(t *testing.T) {
	ts := time.Date(2026, 1, 1, 1, 0, 0, 5, time.FixedZone("X", 3600))
	cases := []struct {
		in   any
		want string
	}{
		{nil, "null"},
		{"s", "s"},
		{[]byte("b"), "b"},
		{7, "7"},
		{int64(-1), "-1"},
		{ts, "2026-01-01T00:00:00.000000005Z"},
		{1.5, "1.5"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Canonical(c.in))
	}
}

func TestTables(t *testing.T) {
	ts := Tables("p_")
	require.Len(t, ts, 2)
	assert.Equal(t, "p_snapshots", ts[0].Name)
	assert.Equal(t, "p_training", ts[1].Name)
	assert.Len(t, SnapshotValues(Snapshot{}), len(ts[0].Columns))
	assert.Len(t, TrainingValues(TrainingRecord{}), len(ts[1].Columns))
}
