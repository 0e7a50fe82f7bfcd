package external

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"google.golang.org/genai"

	"selfheal/internal/healing"
	"selfheal/internal/locator"
	"selfheal/internal/markup"
)

// contentGenerator is the part of *genai.Models Gemini uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini asks a Gemini model for replacement locators.
type Gemini struct {
	gen            contentGenerator
	model          string
	temperature    float32
	maxCandidates  int
	maxMarkupBytes int
}

const geminiInstruction = `You repair broken web element locators for a test automation tool.
Given a page and a locator that no longer matches, propose replacement locators for the same element.
Answer with a JSON array only. Each item: {"locator": string, "type": one of id, css, xpath, name, link_text, partial_link_text, class_name, text, "reason": string, "confidence": number between 0 and 1}.
Prefer stable attributes (id, data-testid, name) over positional selectors.`

// NewGemini creates a client for cfg.Model.
//
// Errors:
//   - A missing API key wraps healing.ErrConfig.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: external.api_key is required for the gemini provider", healing.ErrConfig)
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGemini(client.Models, cfg), nil
}

func newGemini(gen contentGenerator, cfg Config) *Gemini {
	g := &Gemini{
		gen:            gen,
		model:          cfg.Model,
		temperature:    float32(cfg.Temperature),
		maxCandidates:  cfg.MaxCandidates,
		maxMarkupBytes: cfg.MaxMarkupBytes,
	}
	if g.model == "" {
		g.model = DefaultConfig().Model
	}
	if g.maxCandidates <= 0 {
		g.maxCandidates = DefaultConfig().MaxCandidates
	}
	if g.maxMarkupBytes <= 0 {
		g.maxMarkupBytes = DefaultConfig().MaxMarkupBytes
	}
	return g
}

func (g *Gemini) Name() string { return "gemini" }

// Propose implements Adapter.
func (g *Gemini) Propose(ctx context.Context, src string, hctx *healing.Context) ([]healing.Candidate, error) {
	resp, err := g.gen.GenerateContent(ctx, g.model, genai.Text(g.prompt(src, hctx)), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(geminiInstruction, genai.RoleUser),
		Temperature:       genai.Ptr(g.temperature),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if resp == nil {
		return nil, nil
	}
	return parseProposals(resp.Text(), g.maxCandidates)
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (g *Gemini) prompt(src string, hctx *healing.Context) string {
	src = truncateUTF8(src, g.maxMarkupBytes)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Broken locator: %s (type %s)\n", hctx.Original.Value, hctx.Original.Kind)
	fmt.Fprintf(&sb, "Intended action: %s\n", hctx.Action)
	if len(hctx.Anchors) > 0 {
		fmt.Fprintf(&sb, "Nearby text: %s\n", strings.Join(hctx.Anchors, " | "))
	}
	if hctx.PrevSiblingText != "" {
		fmt.Fprintf(&sb, "Previous sibling text: %s\n", hctx.PrevSiblingText)
	}
	if hctx.NextSiblingText != "" {
		fmt.Fprintf(&sb, "Next sibling text: %s\n", hctx.NextSiblingText)
	}
	if hctx.ExpectedText != "" {
		fmt.Fprintf(&sb, "Expected element text: %s\n", hctx.ExpectedText)
	}
	fmt.Fprintf(&sb, "Propose at most %d locators.\n\nPage:\n%s\n", g.maxCandidates, src)
	return sb.String()
}

type proposal struct {
	Locator    string  `json:"locator"`
	Type       string  `json:"type"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// parseProposals decodes the model's JSON answer. Items with an unknown type
// or an empty locator are skipped; a missing type means css.
func parseProposals(text string, limit int) ([]healing.Candidate, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	if text == "" {
		return nil, nil
	}

	var items []proposal
	if err := json.Unmarshal([]byte(text), &items); err != nil {
		return nil, fmt.Errorf("decode proposals: %w", err)
	}
	var out []healing.Candidate
	for _, it := range items {
		if it.Type == "" {
			it.Type = string(locator.CSS)
		}
		kind, err := locator.ParseKind(it.Type)
		if err != nil {
			continue
		}
		loc, err := locator.New(kind, strings.TrimSpace(it.Locator))
		if err != nil {
			continue
		}
		reason := "llm"
		if it.Reason != "" {
			reason = "llm: " + it.Reason
		}
		out = append(out, healing.NewCandidate(loc, healing.SourceExternal, "gemini", reason, it.Confidence, markup.NoNode))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
