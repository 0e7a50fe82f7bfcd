package engine

import (
	"errors"
	"fmt"
	"time"

	"selfheal/internal/decision"
	"selfheal/internal/features"
	"selfheal/internal/healing"
	"selfheal/internal/locator"
	"selfheal/internal/ranker"
)

// Degradation reasons.
const (
	ReasonTimeout   = "timeout"
	ReasonError     = "error"
	ReasonPanic     = "panic"
	ReasonCancelled = "cancelled"
)

// Degradation records a producer that contributed nothing.
type Degradation struct {
	Strategy string
	Reason   string
	Err      error
}

// Result is the ranked outcome of one request.
type Result struct {
	RequestID string
	Context   *healing.Context

	Candidates     []ranker.Scored
	AutoApplyIndex int
	Verification   *decision.Verification
	Message        string

	Degraded  []Degradation
	ModelUsed bool
	Duration  time.Duration
}

// Healed returns the auto-applied candidate, or nil.
func (r *Result) Healed() *ranker.Scored {
	if r.AutoApplyIndex < 0 || r.AutoApplyIndex >= len(r.Candidates) {
		return nil
	}
	return &r.Candidates[r.AutoApplyIndex]
}

// CandidateView is the serialized form of a ranked candidate.
type CandidateView struct {
	Locator        string          `json:"locator"`
	Type           locator.Kind    `json:"type"`
	Score          float64         `json:"score"`
	RuleConfidence float64         `json:"rule_confidence"`
	ModelScore     *float64        `json:"model_score,omitempty"`
	Source         string          `json:"source"`
	Strategy       string          `json:"strategy"`
	Reason         string          `json:"reason"`
	Features       features.Vector `json:"features"`
}

// NewCandidateView flattens s.
func NewCandidateView(s ranker.Scored) CandidateView {
	return CandidateView{
		Locator:        s.Locator.Value,
		Type:           s.Locator.Kind,
		Score:          s.Score,
		RuleConfidence: s.Confidence,
		ModelScore:     s.ModelScore,
		Source:         s.Source.String(),
		Strategy:       s.Strategy,
		Reason:         s.Reason,
		Features:       s.Features,
	}
}

// ContextView is the serialized healing context.
type ContextView struct {
	OriginalLocator     string   `json:"original_locator"`
	OriginalLocatorType string   `json:"original_locator_type"`
	Action              string   `json:"action"`
	Anchors             []string `json:"anchors,omitempty"`
	PrevSiblingText     string   `json:"prev_sibling_text,omitempty"`
	NextSiblingText     string   `json:"next_sibling_text,omitempty"`
	ExpectedText        string   `json:"expected_text,omitempty"`
	ElementOuterHTML    string   `json:"element_outer_html,omitempty"`
	PageURL             string   `json:"page_url,omitempty"`
}

// NewContextView flattens c.
func NewContextView(c *healing.Context) ContextView {
	return ContextView{
		OriginalLocator:     c.Original.Value,
		OriginalLocatorType: string(c.Original.Kind),
		Action:              string(c.Action),
		Anchors:             c.Anchors,
		PrevSiblingText:     c.PrevSiblingText,
		NextSiblingText:     c.NextSiblingText,
		ExpectedText:        c.ExpectedText,
		ElementOuterHTML:    c.OuterHTML,
		PageURL:             c.PageURL,
	}
}

// Healing rebuilds the context. An empty locator type means css.
//
// Errors:
//   - Wraps healing.ErrInvalidLocator for an unknown type or empty locator.
func (v ContextView) Healing() (*healing.Context, error) {
	kind := locator.CSS
	if v.OriginalLocatorType != "" {
		k, err := locator.ParseKind(v.OriginalLocatorType)
		if err != nil {
			return nil, err
		}
		kind = k
	}
	hctx, err := healing.NewContext(locator.Locator{Kind: kind, Value: v.OriginalLocator}, healing.ParseAction(v.Action))
	if err != nil {
		return nil, err
	}
	hctx.Anchors = v.Anchors
	hctx.PrevSiblingText = v.PrevSiblingText
	hctx.NextSiblingText = v.NextSiblingText
	hctx.ExpectedText = v.ExpectedText
	hctx.OuterHTML = v.ElementOuterHTML
	hctx.PageURL = v.PageURL
	return hctx, nil
}

// DegradationView is the serialized form of a Degradation.
type DegradationView struct {
	Strategy string `json:"strategy"`
	Reason   string `json:"reason"`
	Error    string `json:"error,omitempty"`
}

// ResultView is the serialized result the snapshot collaborator stores.
type ResultView struct {
	RequestID      string                 `json:"request_id"`
	Candidates     []CandidateView        `json:"candidates"`
	AutoApplyIndex int                    `json:"auto_apply_index"`
	Verification   *decision.Verification `json:"verify_action"`
	Message        string                 `json:"message"`
	Degraded       []DegradationView      `json:"degraded,omitempty"`
	ModelUsed      bool                   `json:"model_used"`
	DurationMS     int64                  `json:"duration_ms"`
}

// View flattens r for serialization.
func (r *Result) View() ResultView {
	v := ResultView{
		RequestID:      r.RequestID,
		Candidates:     make([]CandidateView, 0, len(r.Candidates)),
		AutoApplyIndex: r.AutoApplyIndex,
		Verification:   r.Verification,
		Message:        r.Message,
		ModelUsed:      r.ModelUsed,
		DurationMS:     r.Duration.Milliseconds(),
	}
	for _, c := range r.Candidates {
		v.Candidates = append(v.Candidates, NewCandidateView(c))
	}
	for _, d := range r.Degraded {
		dv := DegradationView{Strategy: d.Strategy, Reason: d.Reason}
		if d.Err != nil {
			dv.Error = d.Err.Error()
		}
		v.Degraded = append(v.Degraded, dv)
	}
	return v
}

// ErrAcceptedIndex is returned for an accepted index outside the candidate list.
var ErrAcceptedIndex = errors.New("accepted index out of range")

// TrainingTuple is what the training collaborator consumes for one
// confirmed request. AcceptedIndex is -1 when the caller accepted nothing.
type TrainingTuple struct {
	RequestID     string          `json:"request_id"`
	SchemaVersion int             `json:"feature_schema"`
	Context       ContextView     `json:"context"`
	Candidates    []CandidateView `json:"candidates"`
	AcceptedIndex int             `json:"accepted_index"`
}

// Training builds the tuple for accepted, which must be -1 or a valid index.
func (v ResultView) Training(hctx ContextView, accepted int) (TrainingTuple, error) {
	if accepted < -1 || accepted >= len(v.Candidates) {
		return TrainingTuple{}, fmt.Errorf("%w: %d not in [-1,%d)", ErrAcceptedIndex, accepted, len(v.Candidates))
	}
	return TrainingTuple{
		RequestID:     v.RequestID,
		SchemaVersion: features.SchemaVersion,
		Context:       hctx,
		Candidates:    v.Candidates,
		AcceptedIndex: accepted,
	}, nil
}
