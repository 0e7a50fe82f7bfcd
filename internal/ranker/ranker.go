// Package ranker blends rule confidence with an optional learned model,
// deduplicates candidates and orders them deterministically.
package ranker

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"selfheal/internal/features"
	"selfheal/internal/healing"
)

// Scorer is the learned-model boundary: a pure function from a feature
// vector to a probability in [0,1].
type Scorer interface {
	Score(v features.Vector) float64
}

// Config controls blending and truncation.
type Config struct {
	// ModelWeight is the model's share of the blended score.
	ModelWeight float64 `mapstructure:"model_weight"`
	// ModelPath is the optional model artifact; empty means rule-only ranking.
	ModelPath string `mapstructure:"model_path"`
	// MaxCandidates truncates the ranked list; <= 0 keeps everything.
	MaxCandidates int `mapstructure:"max_candidates"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{ModelWeight: 0.7, MaxCandidates: 10}
}

// Scored is a ranked candidate.
type Scored struct {
	healing.Candidate
	Features features.Vector

	// ModelScore is the model's probability; nil when no model was used.
	ModelScore *float64
	// Score is the final comparable score.
	Score float64
}

// Extractor is the feature extraction the ranker depends on.
type Extractor interface {
	Extract(c healing.Candidate) features.Vector
}

// Ranker is immutable after construction and safe for concurrent use.
type Ranker struct {
	cfg   Config
	model Scorer
	log   *zap.Logger
}

// New builds a Ranker. model may be nil for rule-only ranking.
func New(cfg Config, model Scorer, log *zap.Logger) *Ranker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ranker{cfg: cfg, model: model, log: log}
}

// HasModel reports whether a learned model takes part in scoring.
func (r *Ranker) HasModel() bool { return r.model != nil }

// UniquenessFactor maps a uniqueness count onto a multiplier: 1 for exactly
// one element, 0 for none, 0.5/count for several.
func UniquenessFactor(count float64) float64 {
	switch {
	case count == 1:
		return 1
	case count <= 0:
		return 0
	default:
		return 0.5 / count
	}
}

// Rank deduplicates, scores, sorts and truncates candidates.
//
// limit overrides Config.MaxCandidates when positive.
//
// The result is a total order: final score descending, then lower
// structural complexity, then source priority (heuristics, hierarchy,
// external), then locator value and kind. Ranking the same input in any
// order yields the same sequence.
func (r *Ranker) Rank(cands []healing.Candidate, x Extractor, limit int) []Scored {
	merged := Dedupe(cands)
	out := make([]Scored, 0, len(merged))
	for _, c := range merged {
		out = append(out, r.score(c, x.Extract(c)))
	}
	Sort(out)

	if limit <= 0 {
		limit = r.cfg.MaxCandidates
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *Ranker) score(c healing.Candidate, v features.Vector) Scored {
	s := Scored{Candidate: c, Features: v}
	u := UniquenessFactor(v.UniquenessCount)
	if r.model == nil {
		s.Score = u * c.Confidence
		return s
	}
	p := clamp01(r.model.Score(v))
	s.ModelScore = &p
	w := r.cfg.ModelWeight
	s.Score = u * (w*p + (1-w)*c.Confidence)
	return s
}

// Sort orders scored candidates by the ranking contract.
func Sort(s []Scored) {
	sort.SliceStable(s, func(i, j int) bool { return less(s[i], s[j]) })
}

func less(a, b Scored) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Features.StructuralComplexity != b.Features.StructuralComplexity {
		return a.Features.StructuralComplexity < b.Features.StructuralComplexity
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.Locator.Value != b.Locator.Value {
		return a.Locator.Value < b.Locator.Value
	}
	return a.Locator.Kind < b.Locator.Kind
}

// Dedupe collapses candidates with identical locators into one.
//
// The survivor carries the highest confidence, and its origin fields come
// from the strongest contributor (confidence, then source priority, then
// strategy name). Reasons are unioned, strongest contributor first. The
// output follows the first occurrence of each locator.
func Dedupe(cands []healing.Candidate) []healing.Candidate {
	groups := map[string][]healing.Candidate{}
	var order []string
	for _, c := range cands {
		k := c.Locator.Key()
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], c)
	}

	out := make([]healing.Candidate, 0, len(order))
	for _, k := range order {
		g := groups[k]
		sort.SliceStable(g, func(i, j int) bool { return stronger(g[i], g[j]) })
		best := g[0]
		var reasons []string
		seen := map[string]bool{}
		for _, c := range g {
			if r := strings.TrimSpace(c.Reason); r != "" && !seen[r] {
				seen[r] = true
				reasons = append(reasons, r)
			}
		}
		best.Reason = strings.Join(reasons, "; ")
		out = append(out, best)
	}
	return out
}

func stronger(a, b healing.Candidate) bool {
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.Strategy != b.Strategy {
		return a.Strategy < b.Strategy
	}
	if a.Reason != b.Reason {
		return a.Reason < b.Reason
	}
	return a.Node < b.Node
}

func clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
