// Package heuristics implements the direct-match candidate rules: stable test
// attributes, id, name, class tokens, fuzzy identifier similarity, visible
// text, link text and selector relaxation.
package heuristics

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"selfheal/internal/healing"
	"selfheal/internal/markup"
)

// Config carries the confidence constants of every rule.
type Config struct {
	TestAttributeConfidence float64 `mapstructure:"test_attribute_confidence"`
	IDConfidence            float64 `mapstructure:"id_confidence"`
	NameConfidence          float64 `mapstructure:"name_confidence"`
	ClassConfidence         float64 `mapstructure:"class_confidence"`

	FuzzyFloor float64 `mapstructure:"fuzzy_floor"`
	FuzzyCap   float64 `mapstructure:"fuzzy_cap"`

	TextFloor    float64 `mapstructure:"text_floor"`
	AnchorWeight float64 `mapstructure:"anchor_weight"`

	LinkExactConfidence   float64 `mapstructure:"link_exact_confidence"`
	LinkPartialConfidence float64 `mapstructure:"link_partial_confidence"`
	LinkPartialMinRatio   float64 `mapstructure:"link_partial_min_ratio"`

	RelaxedConfidence float64 `mapstructure:"relaxed_confidence"`
	// MaxRelaxations bounds the number of relaxed selectors evaluated.
	MaxRelaxations int `mapstructure:"max_relaxations"`

	// MaxPerRule bounds how many candidates a single rule may emit.
	MaxPerRule int `mapstructure:"max_per_rule"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		TestAttributeConfidence: 0.95,
		IDConfidence:            0.90,
		NameConfidence:          0.85,
		ClassConfidence:         0.70,
		FuzzyFloor:              0.50,
		FuzzyCap:                0.85,
		TextFloor:               0.60,
		AnchorWeight:            0.80,
		LinkExactConfidence:     0.90,
		LinkPartialConfidence:   0.80,
		LinkPartialMinRatio:     0.50,
		RelaxedConfidence:       0.75,
		MaxRelaxations:          200,
		MaxPerRule:              20,
	}
}

// rule is one independent candidate rule. Rules share nothing but their
// read-only inputs.
type rule struct {
	name string
	fn   func(ctx context.Context, idx *markup.Index, hctx *healing.Context) []healing.Candidate
}

// Engine runs the rules in their fixed order.
type Engine struct {
	cfg   Config
	log   *zap.Logger
	rules []rule
}

// New builds an Engine. A nil logger is replaced with zap.NewNop().
func New(cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{cfg: cfg, log: log}
	e.rules = []rule{
		{name: "test_attribute", fn: e.testAttribute},
		{name: "id", fn: e.exactID},
		{name: "name", fn: e.exactName},
		{name: "class", fn: e.classTokens},
		{name: "fuzzy", fn: e.fuzzy},
		{name: "text", fn: e.visibleText},
		{name: "link_text", fn: e.linkText},
		{name: "selector", fn: e.selector},
	}
	return e
}

// Name implements healing.Producer.
func (e *Engine) Name() string { return "heuristics" }

// Produce applies every rule and concatenates their candidates in rule order.
//
// A rule that panics contributes nothing; the remaining rules still run.
// When ctx is done between rules, the candidates gathered so far are returned
// together with ctx.Err().
func (e *Engine) Produce(ctx context.Context, idx *markup.Index, hctx *healing.Context) ([]healing.Candidate, error) {
	var out []healing.Candidate
	for _, r := range e.rules {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		got := e.run(ctx, r, idx, hctx)
		if e.cfg.MaxPerRule > 0 && len(got) > e.cfg.MaxPerRule {
			got = got[:e.cfg.MaxPerRule]
		}
		if len(got) > 0 {
			e.log.Debug("rule produced candidates", zap.String("rule", r.name), zap.Int("count", len(got)))
		}
		out = append(out, got...)
	}
	return out, nil
}

func (e *Engine) run(ctx context.Context, r rule, idx *markup.Index, hctx *healing.Context) (out []healing.Candidate) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Warn("rule panicked", zap.String("rule", r.name), zap.String("panic", fmt.Sprint(p)))
			out = nil
		}
	}()
	return r.fn(ctx, idx, hctx)
}

func (e *Engine) candidate(idx *markup.Index, id markup.NodeID, strategy, reason string, conf float64) healing.Candidate {
	return healing.NewCandidate(idx.SelectorFor(id), healing.SourceHeuristics, strategy, reason, conf, id)
}
