// Package external consults optional third-party candidate providers, such
// as a language model, and normalizes what they return into ordinary
// candidates.
//
// Providers are opaque: nothing they return is trusted until it resolves
// against the request's own index.
package external

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"selfheal/internal/healing"
	"selfheal/internal/markup"
	"selfheal/internal/pii"
)

// Adapter proposes replacement locators for a page.
//
// markup has already had personal data masked. Implementations must honor
// ctx and may return an error or nothing at all; both contribute no
// candidates.
type Adapter interface {
	Name() string
	Propose(ctx context.Context, markup string, hctx *healing.Context) ([]healing.Candidate, error)
}

// Config selects and tunes the provider.
type Config struct {
	Enabled  bool   `mapstructure:"enabled"`
	Provider string `mapstructure:"provider"`

	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Temperature float64 `mapstructure:"temperature"`

	// MaxCandidates bounds what one provider call may contribute.
	MaxCandidates int `mapstructure:"max_candidates"`
	// MaxMarkupBytes truncates the markup sent to remote providers.
	MaxMarkupBytes int `mapstructure:"max_markup_bytes"`
}

// DefaultConfig returns the documented defaults: the deterministic mock
// provider, disabled until a request asks for it.
func DefaultConfig() Config {
	return Config{
		Provider:       "mock",
		Model:          "gemini-2.5-flash",
		MaxCandidates:  5,
		MaxMarkupBytes: 200_000,
	}
}

// Providers lists the names NewAdapter accepts.
var Providers = []string{"mock", "gemini"}

// NewAdapter builds the configured provider.
//
// Errors:
//   - Unknown provider names and a gemini provider without an API key wrap
//     healing.ErrConfig.
func NewAdapter(ctx context.Context, cfg Config) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "mock", "":
		return NewMock(cfg.MaxCandidates), nil
	case "gemini":
		return NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown external provider %q (supported: %s)",
			healing.ErrConfig, cfg.Provider, strings.Join(Providers, ", "))
	}
}

// Producer adapts an Adapter into a healing.Producer.
type Producer struct {
	adapter Adapter
	masker  *pii.Masker
	limit   int
	log     *zap.Logger
}

// NewProducer wraps a. limit <= 0 means no cap. A nil logger is a no-op logger.
func NewProducer(a Adapter, limit int, log *zap.Logger) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Producer{adapter: a, masker: pii.New(), limit: limit, log: log}
}

// Name implements healing.Producer.
func (p *Producer) Name() string { return "external" }

// Produce masks the page, asks the adapter, and keeps only candidates whose
// locator is valid and resolves to at least one element of idx.
//
// Every kept candidate is tagged healing.SourceExternal. A candidate that
// resolves to exactly one element is bound to that node.
func (p *Producer) Produce(ctx context.Context, idx *markup.Index, hctx *healing.Context) ([]healing.Candidate, error) {
	masked, rep := p.masker.Mask(idx.Source())
	if rep.Found() {
		p.log.Debug("masked markup for external provider",
			zap.String("provider", p.adapter.Name()),
			zap.Int("emails", rep.Emails),
			zap.Int("phones", rep.Phones),
			zap.Int("user_ids", rep.UserIDs))
	}

	raw, err := p.adapter.Propose(ctx, masked, hctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.adapter.Name(), err)
	}

	var out []healing.Candidate
	dropped := 0
	for _, c := range raw {
		if c.Locator.Validate() != nil {
			dropped++
			continue
		}
		ids := idx.Resolve(c.Locator)
		if len(ids) == 0 {
			dropped++
			continue
		}
		node := markup.NoNode
		if len(ids) == 1 {
			node = ids[0]
		}
		strategy := c.Strategy
		if strategy == "" {
			strategy = p.adapter.Name()
		}
		out = append(out, healing.NewCandidate(c.Locator, healing.SourceExternal, strategy, c.Reason, c.Confidence, node))
		if p.limit > 0 && len(out) == p.limit {
			break
		}
	}
	if dropped > 0 {
		p.log.Debug("dropped unresolvable external candidates",
			zap.String("provider", p.adapter.Name()), zap.Int("dropped", dropped))
	}
	return out, nil
}
