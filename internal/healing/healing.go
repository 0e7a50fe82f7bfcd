// Package healing holds the types shared by every stage of the locator healing
// pipeline: the request context, the candidate shape, the producer capability
// and the error taxonomy.
package healing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"selfheal/internal/locator"
	"selfheal/internal/markup"
)

// Error taxonomy. Only ErrParse, ErrConfig and ErrInvalidLocator reach callers;
// the rest are recovered inside the pipeline and show up in logs and metrics.
var (
	ErrParse            = markup.ErrParse
	ErrConfig           = errors.New("config error")
	ErrStrategyTimeout  = errors.New("strategy timeout")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrInvalidLocator   = locator.ErrInvalid
)

// ParseError is the typed form of ErrParse.
type ParseError = markup.ParseError

// Source identifies which producer family emitted a candidate.
// The declaration order is the tie-break priority.
type Source int

const (
	SourceHeuristics Source = iota
	SourceHierarchy
	SourceExternal
)

func (s Source) String() string {
	switch s {
	case SourceHeuristics:
		return "heuristics"
	case SourceHierarchy:
		return "hierarchy"
	case SourceExternal:
		return "external"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Action is what the caller intended to do with the element.
type Action string

const (
	ActionClick  Action = "click"
	ActionType   Action = "type"
	ActionRead   Action = "read"
	ActionSubmit Action = "submit"
	ActionNone   Action = "none"
)

// ParseAction maps a caller string onto an Action; unknown or empty input is ActionNone.
func ParseAction(s string) Action {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionClick, ActionType, ActionRead, ActionSubmit:
		return a
	case "fill", "input", "send_keys":
		return ActionType
	default:
		return ActionNone
	}
}

// Candidate is a proposed replacement locator.
//
// Candidates are values: producers build them once and later stages copy them,
// never mutating the origin fields.
type Candidate struct {
	Locator    locator.Locator
	Source     Source
	Strategy   string
	Reason     string
	Confidence float64

	// Node is the element the producer had in mind, or markup.NoNode when the
	// producer has no such notion (external providers).
	Node markup.NodeID
}

// NewCandidate clamps confidence into [0,1].
func NewCandidate(loc locator.Locator, src Source, strategy, reason string, conf float64, node markup.NodeID) Candidate {
	return Candidate{
		Locator:    loc,
		Source:     src,
		Strategy:   strategy,
		Reason:     reason,
		Confidence: clamp01(conf),
		Node:       node,
	}
}

func clamp01(v float64) float64 {
	switch {
	case v != v: // NaN
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Context is the read-only per-request healing context.
type Context struct {
	Original locator.Locator
	Action   Action

	Anchors         []string
	PrevSiblingText string
	NextSiblingText string
	ExpectedText    string

	// OuterHTML is the last known outer markup of the element, if the caller kept it.
	OuterHTML string
	PageURL   string

	hints locator.Hints
}

// NewContext validates the original locator and precomputes its hints.
//
// Errors:
//   - Returns an error wrapping ErrInvalidLocator when the locator is invalid.
func NewContext(original locator.Locator, action Action) (*Context, error) {
	if err := original.Validate(); err != nil {
		return nil, err
	}
	if action == "" {
		action = ActionNone
	}
	return &Context{
		Original: original,
		Action:   action,
		hints:    locator.ExtractHints(original),
	}, nil
}

// Hints returns the hints mined from the original locator.
func (c *Context) Hints() locator.Hints { return c.hints }

// TextHints returns every piece of context text the strategies may correlate
// against, with the weight each kind of text carries.
//
// Expected text and text embedded in the original locator weigh 1.0; anchors
// describe neighbours rather than the element itself and weigh anchorWeight.
func (c *Context) TextHints(anchorWeight float64) []WeightedText {
	var out []WeightedText
	if t := strings.TrimSpace(c.ExpectedText); t != "" {
		out = append(out, WeightedText{Text: t, Weight: 1})
	}
	for _, t := range c.hints.Texts {
		out = append(out, WeightedText{Text: t, Weight: 1})
	}
	for _, a := range c.Anchors {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, WeightedText{Text: a, Weight: anchorWeight})
		}
	}
	return out
}

// HasSiblingHints reports whether previous or next sibling text was supplied.
func (c *Context) HasSiblingHints() bool {
	return strings.TrimSpace(c.PrevSiblingText) != "" || strings.TrimSpace(c.NextSiblingText) != ""
}

// WeightedText is one text hint and its weight.
type WeightedText struct {
	Text   string
	Weight float64
}

// Producer is the single capability every candidate strategy implements.
//
// Concurrency:
//   - Produce is called concurrently with other producers over the same index.
//     Implementations must treat idx and hctx as read-only.
//   - Implementations must return promptly once ctx is done; whatever was
//     produced so far may be returned together with ctx.Err(). The engine
//     stops waiting at the deadline but cannot stop the call, so a producer
//     that ignores ctx keeps its goroutine running after the request returns.
type Producer interface {
	Name() string
	Produce(ctx context.Context, idx *markup.Index, hctx *Context) ([]Candidate, error)
}
