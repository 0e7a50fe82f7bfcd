package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"selfheal/internal/decision"
	"selfheal/internal/healing"
	"selfheal/internal/heuristics"
	"selfheal/internal/hierarchy"
	"selfheal/internal/locator"
	"selfheal/internal/markup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// producerFunc adapts a function into a healing.Producer.
type producerFunc struct {
	name string
	fn   func(ctx context.Context, idx *markup.Index, hctx *healing.Context) ([]healing.Candidate, error)
}

func (p producerFunc) Name() string { return p.name }

func (p producerFunc) Produce(ctx context.Context, idx *markup.Index, hctx *healing.Context) ([]healing.Candidate, error) {
	return p.fn(ctx, idx, hctx)
}

func newEngine(t *testing.T, cfg Config, external healing.Producer) *Engine {
	t.Helper()
	log := zaptest.NewLogger(t)
	e, err := New(cfg, Deps{
		Heuristics: heuristics.New(heuristics.DefaultConfig(), log),
		Hierarchy:  hierarchy.New(hierarchy.DefaultConfig(), log),
		External:   external,
		Log:        log,
	})
	require.NoError(t, err)
	return e
}

func hctx(t *testing.T, kind locator.Kind, value string, action healing.Action, anchors ...string) *healing.Context {
	t.Helper()
	c, err := healing.NewContext(locator.Locator{Kind: kind, Value: value}, action)
	require.NoError(t, err)
	c.Anchors = anchors
	return c
}

func heal(t *testing.T, e *Engine, src string, c *healing.Context) *Result {
	t.Helper()
	res, err := e.Heal(context.Background(), Request{ID: "req-1", Markup: src, Context: c})
	require.NoError(t, err)
	return res
}

const loginPage = `<html><body><button id="login">Sign in</button></body></html>`

// TestHeal_RenamedID is the renamed-id scenario: the button kept its text but
// its id changed.
func TestHeal_RenamedID(t *testing.T) {
	e := newEngine(t, DefaultConfig(), nil)
	res := heal(t, e, loginPage, hctx(t, locator.CSS, "#old-login-btn", healing.ActionClick, "Login"))

	require.NotEmpty(t, res.Candidates)
	top := res.Candidates[0]
	assert.Equal(t, locator.Locator{Kind: locator.CSS, Value: "#login"}, top.Locator)
	assert.Equal(t, 1.0, top.Features.UniquenessCount)
	assert.Greater(t, top.Score, 0.8)
	assert.Equal(t, 0, res.AutoApplyIndex)
	require.NotNil(t, res.Healed())
	assert.Equal(t, "req-1", res.RequestID)
	require.NotNil(t, res.Verification)
	assert.Equal(t, decision.VerifyClickAndCheck, res.Verification.Type)
	assert.Empty(t, res.Degraded)
}

// TestHeal_NothingMatches returns a normal empty result, not an error.
func TestHeal_NothingMatches(t *testing.T) {
	e := newEngine(t, DefaultConfig(), nil)
	src := `<html><body><p>Welcome</p><div class="content"><span>Nothing here</span></div></body></html>`
	res := heal(t, e, src, hctx(t, locator.CSS, "#submit-order", healing.ActionNone))

	assert.Empty(t, res.Candidates)
	assert.Equal(t, decision.NoAutoApply, res.AutoApplyIndex)
	assert.Nil(t, res.Verification)
	assert.Nil(t, res.Healed())
	assert.NotEmpty(t, res.Message)
}

// TestHeal_AnchorOutranksSharedClass: two buttons share a class, only one
// sits next to the anchor text.
func TestHeal_AnchorOutranksSharedClass(t *testing.T) {
	e := newEngine(t, DefaultConfig(), nil)
	src := `<html><body>
<div><label>Email</label><button class="action">Go</button></div>
<div><label>Phone</label><button class="action">Go</button></div>
</body></html>`
	c := hctx(t, locator.CSS, "button.action.email-submit", healing.ActionClick, "Email")
	res := heal(t, e, src, c)

	idx, err := markup.Parse(src, markup.Limits{})
	require.NoError(t, err)
	first := idx.Resolve(locator.Locator{Kind: locator.CSS, Value: "div:nth-of-type(1) > button"})
	require.Len(t, first, 1)

	require.NotEmpty(t, res.Candidates)
	top := res.Candidates[0]
	assert.Equal(t, healing.SourceHierarchy, top.Source)
	assert.True(t, idx.ResolvesTo(top.Locator, first[0]), "top %s", top.Locator)

	classRank := -1
	for i, s := range res.Candidates {
		if s.Locator.Value == ".action" {
			classRank = i
		}
	}
	require.Greater(t, classRank, 0, "class candidate missing: %+v", res.Candidates)
	assert.Greater(t, top.Score, res.Candidates[classRank].Score)
	assert.Equal(t, 2.0, res.Candidates[classRank].Features.UniquenessCount)
}

// TestHeal_ExternalTimeoutIsOmitted: a provider that blows its budget leaves
// the result exactly as if it had never been asked.
func TestHeal_ExternalTimeoutIsOmitted(t *testing.T) {
	slow := producerFunc{name: "external", fn: func(ctx context.Context, _ *markup.Index, _ *healing.Context) ([]healing.Candidate, error) {
		select {
		case <-ctx.Done():
			return []healing.Candidate{{Locator: locator.Locator{Kind: locator.CSS, Value: "button"}}}, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	}}
	cfg := DefaultConfig()
	cfg.ExternalTimeout = 20 * time.Millisecond

	c := hctx(t, locator.CSS, "#old-login-btn", healing.ActionClick, "Login")
	with := newEngine(t, cfg, slow)
	start := time.Now()
	got, err := with.Heal(context.Background(), Request{ID: "r", Markup: loginPage, Context: c, UseExternal: true})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	want := heal(t, newEngine(t, cfg, nil), loginPage, c)
	assert.Equal(t, want.Candidates, got.Candidates)
	assert.Equal(t, want.AutoApplyIndex, got.AutoApplyIndex)
	assert.Equal(t, want.Verification, got.Verification)
	assert.Equal(t, want.Message, got.Message)

	require.Len(t, got.Degraded, 1)
	assert.Equal(t, "external", got.Degraded[0].Strategy)
	assert.Equal(t, ReasonTimeout, got.Degraded[0].Reason)
	assert.True(t, errors.Is(got.Degraded[0].Err, healing.ErrStrategyTimeout))
}

// TestHeal_HeuristicsTimeoutKeepsHierarchy: when the heuristics slot runs out
// of time, the hierarchy candidates are still ranked and returned.
func TestHeal_HeuristicsTimeoutKeepsHierarchy(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	rules := heuristics.New(heuristics.DefaultConfig(), log)
	stuck := producerFunc{name: "heuristics", fn: func(ctx context.Context, idx *markup.Index, hctx *healing.Context) ([]healing.Candidate, error) {
		<-ctx.Done()
		return rules.Produce(ctx, idx, hctx)
	}}
	cfg := DefaultConfig()
	cfg.StrategyTimeout = 20 * time.Millisecond
	e, err := New(cfg, Deps{
		Heuristics: stuck,
		Hierarchy:  hierarchy.New(hierarchy.DefaultConfig(), log),
		Log:        log,
	})
	require.NoError(t, err)

	src := `<html><body>
<div><label>Email</label><button class="action">Go</button></div>
<div><label>Phone</label><button class="action">Go</button></div>
</body></html>`
	start := time.Now()
	res, err := e.Heal(context.Background(), Request{Markup: src, Context: hctx(t, locator.CSS, "button.action.email-submit", healing.ActionClick, "Email")})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, res.Degraded, 1)
	assert.Equal(t, "heuristics", res.Degraded[0].Strategy)
	assert.Equal(t, ReasonTimeout, res.Degraded[0].Reason)
	assert.ErrorIs(t, res.Degraded[0].Err, healing.ErrStrategyTimeout)

	require.NotEmpty(t, res.Candidates)
	for _, s := range res.Candidates {
		assert.Equal(t, healing.SourceHierarchy, s.Source, "%s", s.Locator)
	}
}

// TestHeal_LabelInsideButton: the visible label sits in a child span and a
// help link is nearby. The button itself is found and auto-applied.
func TestHeal_LabelInsideButton(t *testing.T) {
	t.Parallel()

	src := `<html><body><form><button type="submit" class="btn-primary"><span class="icon"></span><span>Sign in</span></button><a href="/help"><span>Help</span></a></form></body></html>`
	c := hctx(t, locator.CSS, "#login-submit", healing.ActionClick, "Sign in")
	c.ExpectedText = "Sign in"
	res := heal(t, newEngine(t, DefaultConfig(), nil), src, c)

	idx, err := markup.Parse(src, markup.Limits{})
	require.NoError(t, err)
	button := idx.Resolve(locator.Locator{Kind: locator.CSS, Value: "button"})
	require.Len(t, button, 1)

	require.NotEmpty(t, res.Candidates)
	top := res.Candidates[0]
	assert.True(t, idx.ResolvesTo(top.Locator, button[0]), "top %s, candidates %+v", top.Locator, res.Candidates)
	assert.Equal(t, 0, res.AutoApplyIndex)
	require.NotNil(t, res.Verification)
	assert.Equal(t, decision.VerifyClickAndCheck, res.Verification.Type)
}

// TestHeal_ExternalOptIn checks that the external producer only runs when
// the request asks for it and that its candidates are ranked with the rest.
func TestHeal_ExternalOptIn(t *testing.T) {
	calls := 0
	ext := producerFunc{name: "external", fn: func(_ context.Context, idx *markup.Index, _ *healing.Context) ([]healing.Candidate, error) {
		calls++
		loc := locator.Locator{Kind: locator.XPath, Value: "//button[text()='Sign in']"}
		return []healing.Candidate{healing.NewCandidate(loc, healing.SourceExternal, "mock", "llm", 0.6, markup.NoNode)}, nil
	}}
	e := newEngine(t, DefaultConfig(), ext)
	require.True(t, e.HasExternal())
	c := hctx(t, locator.CSS, "#old-login-btn", healing.ActionClick)

	heal(t, e, loginPage, c)
	assert.Equal(t, 0, calls)

	res, err := e.Heal(context.Background(), Request{Markup: loginPage, Context: c, UseExternal: true})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.NotEmpty(t, res.RequestID)
	var found bool
	for _, s := range res.Candidates {
		if s.Source == healing.SourceExternal {
			found = true
			assert.Equal(t, 1.0, s.Features.UniquenessCount)
		}
	}
	assert.True(t, found)
}

// TestHeal_Properties checks determinism, deduplication, fresh uniqueness
// counts and the auto-apply uniqueness rule over a few documents.
func TestHeal_Properties(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		src  string
		ctx  func(t *testing.T) *healing.Context
	}{
		{
			name: "shared classes",
			src: `<ul><li class="item">One</li><li class="item">Two</li><li class="item sel">Three</li></ul>`,
			ctx: func(t *testing.T) *healing.Context {
				return hctx(t, locator.CSS, "li.item.selected", healing.ActionRead, "Three")
			},
		},
		{
			name: "form",
			src: `<form><label>Email</label><input name="email" class="field"><label>Password</label>
<input name="pwd" type="password" class="field"><button type="submit" data-testid="submit-order">Pay</button></form>`,
			ctx: func(t *testing.T) *healing.Context {
				c := hctx(t, locator.ID, "submit-order-btn", healing.ActionSubmit, "Password")
				c.ExpectedText = "Pay"
				return c
			},
		},
		{
			name: "xpath original",
			src: `<div><a href="/a">Docs</a><a href="/b">Docs and more</a></div>`,
			ctx: func(t *testing.T) *healing.Context {
				return hctx(t, locator.XPath, "//a[text()='Documentation']", healing.ActionClick)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := newEngine(t, DefaultConfig(), nil)
			idx, err := markup.Parse(tc.src, markup.Limits{})
			require.NoError(t, err)

			first := heal(t, e, tc.src, tc.ctx(t))
			second := heal(t, e, tc.src, tc.ctx(t))
			assert.Equal(t, first.Candidates, second.Candidates)
			assert.Equal(t, first.AutoApplyIndex, second.AutoApplyIndex)

			seen := map[string]bool{}
			for _, s := range first.Candidates {
				assert.False(t, seen[s.Locator.Key()], "duplicate %s", s.Locator)
				seen[s.Locator.Key()] = true
				assert.Equal(t, float64(len(idx.Resolve(s.Locator))), s.Features.UniquenessCount, "%s", s.Locator)
			}
			if len(first.Candidates) > 0 && !first.Candidates[0].Features.Unique() {
				assert.Equal(t, decision.NoAutoApply, first.AutoApplyIndex)
			}
		})
	}
}

// TestHeal_Idempotent feeds the healed locator back in as the original.
func TestHeal_Idempotent(t *testing.T) {
	t.Parallel()

	e := newEngine(t, DefaultConfig(), nil)
	res := heal(t, e, loginPage, hctx(t, locator.CSS, "#old-login-btn", healing.ActionClick, "Login"))
	require.NotEmpty(t, res.Candidates)
	top := res.Candidates[0]

	again := heal(t, e, loginPage, hctx(t, top.Locator.Kind, top.Locator.Value, healing.ActionClick))
	require.NotEmpty(t, again.Candidates)
	assert.Equal(t, top.Locator, again.Candidates[0].Locator)
	assert.InDelta(t, 1.0, again.Candidates[0].Score, 1e-9)
	assert.Equal(t, 0, again.AutoApplyIndex)
}

// TestHeal_RecoversProducers: a panicking hierarchy and a failing external
// producer degrade the request without failing it.
func TestHeal_RecoversProducers(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	boom := producerFunc{name: "hierarchy", fn: func(context.Context, *markup.Index, *healing.Context) ([]healing.Candidate, error) {
		panic("boom")
	}}
	broken := producerFunc{name: "external", fn: func(context.Context, *markup.Index, *healing.Context) ([]healing.Candidate, error) {
		return nil, errors.New("quota exceeded")
	}}
	e, err := New(DefaultConfig(), Deps{
		Heuristics: heuristics.New(heuristics.DefaultConfig(), log),
		Hierarchy:  boom,
		External:   broken,
		Log:        log,
	})
	require.NoError(t, err)

	res, err := e.Heal(context.Background(), Request{Markup: loginPage, Context: hctx(t, locator.CSS, "#login", healing.ActionClick), UseExternal: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.Candidates)
	require.Len(t, res.Degraded, 2)
	assert.Equal(t, Degradation{Strategy: "hierarchy", Reason: ReasonPanic, Err: res.Degraded[0].Err}, res.Degraded[0])
	assert.Equal(t, "external", res.Degraded[1].Strategy)
	assert.Equal(t, ReasonError, res.Degraded[1].Reason)
	assert.ErrorContains(t, res.Degraded[1].Err, "quota exceeded")
}

// TestHeal_Errors covers the caller-visible failures.
func TestHeal_Errors(t *testing.T) {
	t.Parallel()

	e := newEngine(t, DefaultConfig(), nil)
	c := hctx(t, locator.CSS, "#x", healing.ActionClick)

	_, err := e.Heal(context.Background(), Request{Markup: "   ", Context: c})
	assert.ErrorIs(t, err, healing.ErrParse)
	var pe *healing.ParseError
	assert.ErrorAs(t, err, &pe)

	_, err = e.Heal(context.Background(), Request{Markup: loginPage})
	assert.ErrorIs(t, err, healing.ErrInvalidLocator)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Heal(ctx, Request{Markup: loginPage, Context: c})
	assert.ErrorIs(t, err, context.Canceled)
}

// TestNew_Validates rejects engines that could never serve a request.
func TestNew_Validates(t *testing.T) {
	t.Parallel()

	log := zaptest.NewLogger(t)
	h := heuristics.New(heuristics.DefaultConfig(), log)
	_, err := New(DefaultConfig(), Deps{Heuristics: h})
	assert.ErrorIs(t, err, healing.ErrConfig)

	cfg := DefaultConfig()
	cfg.StrategyTimeout = 0
	_, err = New(cfg, Deps{Heuristics: h, Hierarchy: hierarchy.New(hierarchy.DefaultConfig(), log)})
	assert.ErrorIs(t, err, healing.ErrConfig)
}

// TestResultView_Training builds the training tuple from a stored view.
func TestResultView_Training(t *testing.T) {
	t.Parallel()

	e := newEngine(t, DefaultConfig(), nil)
	c := hctx(t, locator.CSS, "#old-login-btn", healing.ActionClick, "Login")
	c.PageURL = "https://example.test/login"
	res := heal(t, e, loginPage, c)
	view := res.View()
	require.Len(t, view.Candidates, len(res.Candidates))
	assert.Equal(t, "#login", view.Candidates[0].Locator)
	assert.Equal(t, "heuristics", view.Candidates[0].Source)

	cv := NewContextView(c)
	back, err := cv.Healing()
	require.NoError(t, err)
	assert.Equal(t, c.Original, back.Original)
	assert.Equal(t, c.Anchors, back.Anchors)
	assert.Equal(t, c.PageURL, back.PageURL)

	tuple, err := view.Training(cv, 0)
	require.NoError(t, err)
	assert.Equal(t, "req-1", tuple.RequestID)
	assert.Equal(t, 0, tuple.AcceptedIndex)

	_, err = view.Training(cv, -1)
	assert.NoError(t, err)
	_, err = view.Training(cv, len(view.Candidates))
	assert.ErrorIs(t, err, ErrAcceptedIndex)
}
