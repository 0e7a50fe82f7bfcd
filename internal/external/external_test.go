package external

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/genai"

	"selfheal/internal/healing"
	"selfheal/internal/locator"
	"selfheal/internal/markup"
)

const page = `<html><body>
<form>
<p>Contact jane@example.com</p>
<button id="login" class="btn primary">Log in</button>
<span class="note">a</span><span class="note">b</span>
</form>
</body></html>`

type fakeAdapter struct {
	got   string
	cands []healing.Candidate
	err   error
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Propose(_ context.Context, src string, _ *healing.Context) ([]healing.Candidate, error) {
	f.got = src
	return f.cands, f.err
}

func css(v string) locator.Locator { return locator.Locator{Kind: locator.CSS, Value: v} }

func setup(t *testing.T) (*markup.Index, *healing.Context) {
	t.Helper()
	idx, err := markup.Parse(page, markup.Limits{})
	require.NoError(t, err)
	hctx, err := healing.NewContext(css("#old-login-btn"), healing.ActionClick)
	require.NoError(t, err)
	return idx, hctx
}

// TestProducer_FiltersAndTags verifies unresolvable and invalid proposals are
// dropped and the rest are tagged external.
func TestProducer_FiltersAndTags(t *testing.T) {
	t.Parallel()

	idx, hctx := setup(t)
	fa := &fakeAdapter{cands: []healing.Candidate{
		{Locator: css("#login"), Confidence: 0.9, Reason: "same id stem"},
		{Locator: css("#missing"), Confidence: 0.99},
		{Locator: locator.Locator{Kind: "bogus", Value: "x"}, Confidence: 1},
		{Locator: css(".note"), Confidence: 1.7, Strategy: "class"},
	}}
	p := NewProducer(fa, 0, zaptest.NewLogger(t))

	got, err := p.Produce(context.Background(), idx, hctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "#login", got[0].Locator.Value)
	assert.Equal(t, healing.SourceExternal, got[0].Source)
	assert.Equal(t, "fake", got[0].Strategy)
	assert.True(t, idx.ResolvesTo(got[0].Locator, got[0].Node))

	assert.Equal(t, ".note", got[1].Locator.Value)
	assert.Equal(t, markup.NoNode, got[1].Node, "ambiguous proposals are not bound to a node")
	assert.Equal(t, 1.0, got[1].Confidence, "confidence is clamped")
	assert.Equal(t, "class", got[1].Strategy)
}

// TestProducer_MasksMarkup verifies personal data never reaches the adapter.
func TestProducer_MasksMarkup(t *testing.T) {
	t.Parallel()

	idx, hctx := setup(t)
	fa := &fakeAdapter{}
	_, err := NewProducer(fa, 0, nil).Produce(context.Background(), idx, hctx)
	require.NoError(t, err)
	assert.NotContains(t, fa.got, "jane@example.com")
	assert.Contains(t, fa.got, "[EMAIL_MASKED]")
	assert.Contains(t, fa.got, `id="login"`)
}

// TestProducer_LimitAndError covers the cap and error propagation.
func TestProducer_LimitAndError(t *testing.T) {
	t.Parallel()

	idx, hctx := setup(t)
	fa := &fakeAdapter{cands: []healing.Candidate{
		{Locator: css("#login"), Confidence: 0.9},
		{Locator: css(".note"), Confidence: 0.5},
	}}
	got, err := NewProducer(fa, 1, nil).Produce(context.Background(), idx, hctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	boom := errors.New("boom")
	_, err = NewProducer(&fakeAdapter{err: boom}, 0, nil).Produce(context.Background(), idx, hctx)
	require.ErrorIs(t, err, boom)
}

// TestMock_SimilarID reproduces the offline provider's id-stem match.
func TestMock_SimilarID(t *testing.T) {
	t.Parallel()

	_, hctx := setup(t)
	got, err := NewMock(0).Propose(context.Background(), page, hctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "#login", got[0].Locator.Value)
	assert.InDelta(t, 0.9, got[0].Confidence, 1e-9)
	assert.True(t, strings.HasPrefix(got[0].Reason, "similar id"))
}

// TestMock_Cancelled verifies the mock honors cancellation between patterns.
func TestMock_Cancelled(t *testing.T) {
	t.Parallel()

	_, hctx := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMock(0).Propose(ctx, page, hctx)
	require.ErrorIs(t, err, context.Canceled)
}

type fakeGenerator struct {
	model  string
	prompt string
	reply  string
	err    error
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, _ *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model = model
	for _, c := range contents {
		for _, p := range c.Parts {
			f.prompt += p.Text
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: genai.NewContentFromText(f.reply, genai.RoleModel),
	}}}, nil
}

// TestGemini_Propose checks the prompt and the decoding of the JSON answer.
func TestGemini_Propose(t *testing.T) {
	t.Parallel()

	_, hctx := setup(t)
	hctx.Anchors = []string{"Login"}
	gen := &fakeGenerator{reply: "```json\n" + `[
		{"locator": "#login", "type": "css", "reason": "same stem", "confidence": 0.8},
		{"locator": "//button[text()='Log in']", "type": "xpath", "confidence": 0.6},
		{"locator": "", "type": "css"},
		{"locator": "x", "type": "shadow"}
	]` + "\n```"}
	g := newGemini(gen, Config{MaxMarkupBytes: 40})

	got, err := g.Propose(context.Background(), page, hctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, locator.XPath, got[1].Locator.Kind)
	assert.Equal(t, "llm: same stem", got[0].Reason)
	assert.Equal(t, "gemini-2.5-flash", gen.model)
	assert.Contains(t, gen.prompt, "Broken locator: #old-login-btn (type css)")
	assert.Contains(t, gen.prompt, "Nearby text: Login")
	assert.NotContains(t, gen.prompt, "Log in</button>", "markup is truncated")
}

// TestGemini_Errors covers transport and decode failures.
func TestGemini_Errors(t *testing.T) {
	t.Parallel()

	_, hctx := setup(t)
	_, err := newGemini(&fakeGenerator{err: errors.New("quota")}, Config{}).Propose(context.Background(), page, hctx)
	require.ErrorContains(t, err, "quota")

	_, err = newGemini(&fakeGenerator{reply: "not json"}, Config{}).Propose(context.Background(), page, hctx)
	require.ErrorContains(t, err, "decode proposals")
}

// TestTruncateUTF8 verifies markup is never cut inside a multi-byte rune.
func TestTruncateUTF8(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 10, "abc"},
		{"abc", 2, "ab"},
		{"aé", 2, "a"},
		{"aé", 3, "aé"},
		{"日本", 4, "日"},
		{"日本", 2, ""},
		{"", 0, ""},
	}
	for _, tc := range tests {
		got := truncateUTF8(tc.in, tc.n)
		assert.Equal(t, tc.want, got, "truncateUTF8(%q, %d)", tc.in, tc.n)
		assert.True(t, utf8.ValidString(got))
	}

	gen := &fakeGenerator{reply: "[]"}
	_, hctx := setup(t)
	_, err := newGemini(gen, Config{MaxMarkupBytes: 4}).Propose(context.Background(), "日本語", hctx)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(gen.prompt))
	assert.Contains(t, gen.prompt, "日")
	assert.NotContains(t, gen.prompt, "本")
}

// TestNewAdapter covers provider selection.
func TestNewAdapter(t *testing.T) {
	t.Parallel()

	a, err := NewAdapter(context.Background(), DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "mock", a.Name())

	_, err = NewAdapter(context.Background(), Config{Provider: "gemini"})
	require.ErrorIs(t, err, healing.ErrConfig)

	_, err = NewAdapter(context.Background(), Config{Provider: "openai"})
	require.ErrorIs(t, err, healing.ErrConfig)
}
