// Package engine is the healing pipeline: it parses the markup once, runs
// every candidate producer concurrently against the shared index, joins
// their output and hands it to ranking and the decision policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"selfheal/internal/decision"
	"selfheal/internal/features"
	"selfheal/internal/healing"
	"selfheal/internal/markup"
	"selfheal/internal/metrics"
	"selfheal/internal/ranker"
)

// Config holds the per-producer time budgets and the feature inputs.
type Config struct {
	StrategyTimeout time.Duration `mapstructure:"strategy_timeout"`
	ExternalTimeout time.Duration `mapstructure:"external_timeout"`

	// AnchorWeight and AnchorFloor feed the feature extractor and should
	// match the heuristics and hierarchy settings.
	AnchorWeight float64 `mapstructure:"anchor_weight"`
	AnchorFloor  float64 `mapstructure:"anchor_floor"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		StrategyTimeout: 2 * time.Second,
		ExternalTimeout: 5 * time.Second,
		AnchorWeight:    0.80,
		AnchorFloor:     0.60,
	}
}

// Deps are the collaborators an Engine is built from. Heuristics and
// Hierarchy are required; External is optional.
type Deps struct {
	Heuristics healing.Producer
	Hierarchy  healing.Producer
	External   healing.Producer

	Ranker *ranker.Ranker
	Policy *decision.Policy
	Limits markup.Limits
	Log    *zap.Logger
}

// Engine is immutable after New and safe for concurrent Heal calls.
type Engine struct {
	cfg    Config
	slots  []slot
	ext    *slot
	ranker *ranker.Ranker
	policy *decision.Policy
	limits markup.Limits
	log    *zap.Logger
}

// slot is one producer with its time budget. Slice order is priority order.
type slot struct {
	p       healing.Producer
	timeout time.Duration
}

// New validates deps and builds an Engine.
//
// Errors:
//   - Returns an error wrapping healing.ErrConfig when a required producer is
//     missing or a timeout is not positive.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Heuristics == nil || deps.Hierarchy == nil {
		return nil, fmt.Errorf("%w: engine needs heuristics and hierarchy producers", healing.ErrConfig)
	}
	if cfg.StrategyTimeout <= 0 || cfg.ExternalTimeout <= 0 {
		return nil, fmt.Errorf("%w: engine timeouts must be positive", healing.ErrConfig)
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	rk := deps.Ranker
	if rk == nil {
		rk = ranker.New(ranker.DefaultConfig(), nil, log)
	}
	pol := deps.Policy
	if pol == nil {
		pol = decision.New(decision.DefaultConfig())
	}
	e := &Engine{
		cfg:    cfg,
		ranker: rk,
		policy: pol,
		limits: deps.Limits,
		log:    log,
		slots: []slot{
			{p: deps.Heuristics, timeout: cfg.StrategyTimeout},
			{p: deps.Hierarchy, timeout: cfg.StrategyTimeout},
		},
	}
	if deps.External != nil {
		e.ext = &slot{p: deps.External, timeout: cfg.ExternalTimeout}
	}
	return e, nil
}

// HasModel reports whether ranking blends a learned model.
func (e *Engine) HasModel() bool { return e.ranker.HasModel() }

// HasExternal reports whether an external producer is configured.
func (e *Engine) HasExternal() bool { return e.ext != nil }

// Request is one healing request.
type Request struct {
	// ID is echoed in the result; a random id is assigned when empty.
	ID      string
	Markup  string
	Context *healing.Context

	// MaxCandidates overrides the ranker limit when positive.
	MaxCandidates int
	// UseExternal opts into the external producer when one is configured.
	UseExternal bool
}

// Heal runs the pipeline for one request.
//
// When to use: once per broken locator, with the page markup captured at the
// time of the failure.
//
// Errors:
//   - *healing.ParseError when the markup is unusable; no producer runs.
//   - healing.ErrInvalidLocator (wrapped) when req.Context is missing.
//   - ctx.Err() when ctx is cancelled before the join point.
//
// Edge cases:
//   - A producer that times out, fails or panics contributes no candidates.
//     The request still succeeds and the event is listed in Result.Degraded.
//   - An empty candidate list is a normal result with AutoApplyIndex -1.
func (e *Engine) Heal(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	log := e.log.With(zap.String("request_id", req.ID))

	res, err := e.heal(ctx, req, log)
	d := time.Since(start)
	status := "ok"
	switch {
	case errors.Is(err, healing.ErrParse):
		status = "parse_error"
	case err != nil:
		status = "error"
	}
	metrics.ObserveRequest(status, d)
	if err != nil {
		log.Warn("heal failed", zap.Error(err), zap.Duration("duration", d))
		return nil, err
	}
	res.Duration = d
	log.Info("heal finished",
		zap.Int("candidates", len(res.Candidates)),
		zap.Int("auto_apply_index", res.AutoApplyIndex),
		zap.Int("degraded", len(res.Degraded)),
		zap.Duration("duration", d))
	return res, nil
}

func (e *Engine) heal(ctx context.Context, req Request, log *zap.Logger) (*Result, error) {
	if req.Context == nil {
		return nil, fmt.Errorf("%w: missing healing context", healing.ErrInvalidLocator)
	}
	if err := req.Context.Original.Validate(); err != nil {
		return nil, err
	}
	idx, err := markup.Parse(req.Markup, e.limits)
	if err != nil {
		return nil, err
	}

	slots := e.slots
	if req.UseExternal && e.ext != nil {
		slots = append(slots[:len(slots):len(slots)], *e.ext)
	}

	runs, err := e.fanOut(ctx, slots, idx, req.Context, log)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RequestID: req.ID,
		Context:   req.Context,
		ModelUsed: e.ranker.HasModel(),
	}
	var cands []healing.Candidate
	for _, r := range runs {
		if r.degraded != nil {
			res.Degraded = append(res.Degraded, *r.degraded)
			continue
		}
		cands = append(cands, r.cands...)
	}

	x := features.NewExtractor(idx, req.Context, e.cfg.AnchorWeight, e.cfg.AnchorFloor)
	res.Candidates = e.ranker.Rank(cands, x, req.MaxCandidates)
	out := e.policy.Decide(idx, req.Context, res.Candidates)
	res.AutoApplyIndex = out.AutoApplyIndex
	res.Verification = out.Verification
	res.Message = out.Message

	switch {
	case len(res.Candidates) == 0:
		metrics.ObserveDecision("empty")
	case res.AutoApplyIndex == decision.NoAutoApply:
		metrics.ObserveDecision("manual")
	default:
		metrics.ObserveDecision("applied")
	}
	return res, nil
}

// run is one producer's outcome. Exactly one of cands and degraded is meaningful.
type run struct {
	cands    []healing.Candidate
	degraded *Degradation
}

// fanOut runs every slot concurrently and joins them. Results keep slot order.
func (e *Engine) fanOut(ctx context.Context, slots []slot, idx *markup.Index, hctx *healing.Context, log *zap.Logger) ([]run, error) {
	runs := make([]run, len(slots))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range slots {
		g.Go(func() error {
			runs[i] = e.runSlot(gctx, s, idx, hctx, log)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

type produced struct {
	cands []healing.Candidate
	err   error
	panic bool
}

// runSlot runs one producer under its own deadline. The producer runs in its
// own goroutine so a producer that ignores ctx cannot hold up the join past
// its budget; its late result is dropped into a buffered channel.
func (e *Engine) runSlot(ctx context.Context, s slot, idx *markup.Index, hctx *healing.Context, log *zap.Logger) run {
	name := s.p.Name()
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ch := make(chan produced, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Warn("producer panicked",
					zap.String("strategy", name),
					zap.String("panic", fmt.Sprint(p)),
					zap.ByteString("stack", debug.Stack()))
				ch <- produced{err: fmt.Errorf("%s panicked: %v", name, p), panic: true}
			}
		}()
		cands, err := s.p.Produce(pctx, idx, hctx)
		ch <- produced{cands: cands, err: err}
	}()

	var got produced
	select {
	case got = <-ch:
	case <-pctx.Done():
		got = produced{err: pctx.Err()}
	}
	d := time.Since(start)

	timedOut := ctx.Err() == nil && errors.Is(got.err, context.DeadlineExceeded)
	metrics.ObserveStrategy(name, d, timedOut)

	switch {
	case got.err == nil:
		metrics.AddCandidates(name, len(got.cands))
		return run{cands: got.cands}
	case ctx.Err() != nil:
		return run{degraded: &Degradation{Strategy: name, Reason: ReasonCancelled, Err: ctx.Err()}}
	case timedOut:
		err := fmt.Errorf("%s after %s: %w", name, s.timeout, healing.ErrStrategyTimeout)
		log.Warn("producer timed out", zap.String("strategy", name), zap.Duration("budget", s.timeout))
		return run{degraded: &Degradation{Strategy: name, Reason: ReasonTimeout, Err: err}}
	case got.panic:
		return run{degraded: &Degradation{Strategy: name, Reason: ReasonPanic, Err: got.err}}
	default:
		log.Warn("producer failed", zap.String("strategy", name), zap.Error(got.err))
		return run{degraded: &Degradation{Strategy: name, Reason: ReasonError, Err: got.err}}
	}
}
