package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Snapshot is one healing request kept for later debugging and for /confirm.
// Markup is stored already masked.
type Snapshot struct {
	RequestID  string
	PageURL    string
	Markup     string
	MarkupHash string
	Context    json.RawMessage
	Result     json.RawMessage
	CreatedAt  time.Time
}

// NewSnapshot marshals hctx and result and hashes the markup.
func NewSnapshot(requestID, pageURL, markup string, hctx, result any, now time.Time) (Snapshot, error) {
	c, err := json.Marshal(hctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal context: %w", err)
	}
	r, err := json.Marshal(result)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal result: %w", err)
	}
	return Snapshot{
		RequestID:  requestID,
		PageURL:    pageURL,
		Markup:     markup,
		MarkupHash: hashFields(markup),
		Context:    c,
		Result:     r,
		CreatedAt:  now.UTC(),
	}, nil
}

// TrainingRecord is one confirmed healing. AcceptedIndex is -1 when the
// caller accepted none of the candidates.
type TrainingRecord struct {
	RequestID     string
	AcceptedIndex int
	Context       json.RawMessage
	Candidates    json.RawMessage
	// RowHash identifies the record for idempotent appends.
	RowHash   string
	CreatedAt time.Time
}

// NewTrainingRecord marshals the tuple parts and computes the row hash over
// the request id, the accepted index and both payloads.
func NewTrainingRecord(requestID string, accepted int, hctx, candidates any, now time.Time) (TrainingRecord, error) {
	c, err := json.Marshal(hctx)
	if err != nil {
		return TrainingRecord{}, fmt.Errorf("marshal context: %w", err)
	}
	cs, err := json.Marshal(candidates)
	if err != nil {
		return TrainingRecord{}, fmt.Errorf("marshal candidates: %w", err)
	}
	return TrainingRecord{
		RequestID:     requestID,
		AcceptedIndex: accepted,
		Context:       c,
		Candidates:    cs,
		RowHash:       hashFields(requestID, accepted, c, cs),
		CreatedAt:     now.UTC(),
	}, nil
}

const hashSep = "\x1f"

// hashFields returns the hex sha256 of the canonical forms of vs joined by
// the unit separator.
func hashFields(vs ...any) string {
	var b strings.Builder
	for i, v := range vs {
		if i > 0 {
			b.WriteString(hashSep)
		}
		b.WriteString(Canonical(v))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Canonical converts a column value to the string form used for hashing and
// for comparing values read back from different drivers.
func Canonical(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case []byte:
		return string(t)
	case json.RawMessage:
		return string(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(v)
	}
}
