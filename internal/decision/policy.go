// Package decision picks the auto-apply candidate and builds the
// verification action the caller runs before trusting it.
package decision

import (
	"fmt"
	"strings"

	"selfheal/internal/healing"
	"selfheal/internal/markup"
	"selfheal/internal/ranker"
	"selfheal/internal/textsim"
)

// NoAutoApply is the auto-apply index meaning "none".
const NoAutoApply = -1

// Config holds the decision thresholds and verification parameters.
type Config struct {
	AutoApplyThreshold float64 `mapstructure:"auto_apply_threshold"`

	ExistsTimeoutMS int `mapstructure:"exists_timeout_ms"`
	ExistsRetries   int `mapstructure:"exists_retries"`

	ClickTimeoutMS int      `mapstructure:"click_timeout_ms"`
	ErrorSelectors []string `mapstructure:"error_selectors"`

	// DestructiveMarkers are words or phrases that flag an element as
	// destructive; matching is token based and case-insensitive.
	DestructiveMarkers []string `mapstructure:"destructive_markers"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		AutoApplyThreshold: 0.80,
		ExistsTimeoutMS:    5000,
		ExistsRetries:      2,
		ClickTimeoutMS:     10000,
		ErrorSelectors:     []string{".error", ".alert", "[class*='error']", "[role='alert']"},
		DestructiveMarkers: []string{
			"delete", "remove", "destroy", "erase", "purge", "discard", "trash",
			"logout", "log out", "signout", "sign out", "logoff", "log off",
			"unsubscribe", "deactivate", "terminate", "revoke", "close account",
			"cancel subscription",
		},
	}
}

// VerificationType names the check the caller should run.
type VerificationType string

const (
	VerifyExists        VerificationType = "exists"
	VerifyClickAndCheck VerificationType = "click_and_check"
)

// Verification is the post-healing check for the top candidate.
type Verification struct {
	Type        VerificationType `json:"type"`
	Locator     string           `json:"locator"`
	LocatorType string           `json:"locator_type"`
	TimeoutMS   int              `json:"timeout_ms"`

	// exists
	ExpectedCount int `json:"expected_count,omitempty"`
	Retries       int `json:"retries,omitempty"`

	// click_and_check
	ExpectNoNavigation bool     `json:"expect_no_navigation,omitempty"`
	ErrorSelectors     []string `json:"error_selectors,omitempty"`

	// Note explains a downgrade from click_and_check to exists.
	Note string `json:"note,omitempty"`
}

// Outcome is the policy's decision for one request.
type Outcome struct {
	AutoApplyIndex int
	Verification   *Verification
	Message        string
}

// Policy is immutable and safe for concurrent use.
type Policy struct {
	cfg     Config
	markers []marker
}

type marker struct {
	phrase string
	tokens []string
}

// New builds a Policy, tokenizing the destructive markers once.
func New(cfg Config) *Policy {
	p := &Policy{cfg: cfg}
	for _, m := range cfg.DestructiveMarkers {
		if toks := textsim.Tokens(m); len(toks) > 0 {
			p.markers = append(p.markers, marker{phrase: m, tokens: toks})
		}
	}
	return p
}

// Decide picks the auto-apply index and builds the verification action.
//
// Auto-apply requires the top score to reach the threshold and the top
// locator to resolve to exactly one element. The verification action is
// built for the top candidate whenever one exists. An empty ranking is a
// normal outcome with no verification and an explanatory message.
func (p *Policy) Decide(idx *markup.Index, hctx *healing.Context, ranked []ranker.Scored) Outcome {
	if len(ranked) == 0 {
		return Outcome{
			AutoApplyIndex: NoAutoApply,
			Message:        "no candidates found: no element matches the original locator or the context hints",
		}
	}

	top := ranked[0]
	out := Outcome{AutoApplyIndex: NoAutoApply}
	switch {
	case !top.Features.Unique():
		out.Message = fmt.Sprintf("top candidate %s resolves to %d elements; choose manually",
			top.Locator, int(top.Features.UniquenessCount))
	case top.Score < p.cfg.AutoApplyThreshold:
		out.Message = fmt.Sprintf("top candidate %s scored %.2f, below the auto-apply threshold %.2f",
			top.Locator, top.Score, p.cfg.AutoApplyThreshold)
	default:
		out.AutoApplyIndex = 0
		out.Message = fmt.Sprintf("auto-applied %s (score %.2f)", top.Locator, top.Score)
	}
	out.Verification = p.verification(idx, hctx, top)
	return out
}

func (p *Policy) verification(idx *markup.Index, hctx *healing.Context, top ranker.Scored) *Verification {
	exists := &Verification{
		Type:          VerifyExists,
		Locator:       top.Locator.Value,
		LocatorType:   string(top.Locator.Kind),
		TimeoutMS:     p.cfg.ExistsTimeoutMS,
		ExpectedCount: 1,
		Retries:       p.cfg.ExistsRetries,
	}
	if hctx.Action != healing.ActionClick && hctx.Action != healing.ActionSubmit {
		return exists
	}
	if marker, ok := p.Destructive(idx, top.Candidate); ok {
		exists.Note = fmt.Sprintf("click_and_check downgraded to exists: element looks destructive (%q)", marker)
		return exists
	}
	return &Verification{
		Type:               VerifyClickAndCheck,
		Locator:            top.Locator.Value,
		LocatorType:        string(top.Locator.Kind),
		TimeoutMS:          p.cfg.ClickTimeoutMS,
		ExpectNoNavigation: true,
		ErrorSelectors:     append([]string(nil), p.cfg.ErrorSelectors...),
	}
}

// destructiveAttrs are inspected in addition to the element's text.
var destructiveAttrs = map[string]bool{
	"id": true, "name": true, "class": true, "href": true, "value": true,
	"title": true, "aria-label": true, "formaction": true, "onclick": true,
}

// Destructive reports whether the candidate's element text or attributes
// carry a destructive marker, and which one. Unresolvable candidates are
// checked against their locator value only.
func (p *Policy) Destructive(idx *markup.Index, c healing.Candidate) (string, bool) {
	var texts []string
	texts = append(texts, c.Locator.Value)

	node := c.Node
	if !idx.Valid(node) {
		if ids := idx.Resolve(c.Locator); len(ids) > 0 {
			node = ids[0]
		}
	}
	if idx.Valid(node) {
		n := idx.Node(node)
		texts = append(texts, idx.TextOf(node))
		for _, a := range n.Attrs {
			if destructiveAttrs[a.Name] || strings.HasPrefix(a.Name, "data-") {
				texts = append(texts, a.Value)
			}
		}
	}

	for _, t := range texts {
		toks := textsim.Tokens(t)
		for _, m := range p.markers {
			if containsRun(toks, m.tokens) {
				return m.phrase, true
			}
		}
	}
	return "", false
}

// containsRun reports whether needle occurs as a contiguous run in hay.
func containsRun(hay, needle []string) bool {
	for i := 0; i+len(needle) <= len(hay); i++ {
		match := true
		for j, n := range needle {
			if hay[i+j] != n {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
