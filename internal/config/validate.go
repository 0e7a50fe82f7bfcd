package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"go.uber.org/zap/zapcore"

	"selfheal/internal/external"
	"selfheal/internal/healing"
)

// Severity grades a validation issue. Only SeverityError fails a load.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding; Path is the dotted config key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string { return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message) }

// Error is returned when a configuration has error-severity issues.
type Error struct {
	Issues []Issue
}

func (e *Error) Error() string {
	var msgs []string
	for _, iss := range e.Issues {
		if iss.Severity == SeverityError {
			msgs = append(msgs, iss.Path+": "+iss.Message)
		}
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Unwrap makes errors.Is(err, healing.ErrConfig) hold.
func (e *Error) Unwrap() error { return healing.ErrConfig }

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

type validator struct {
	issues []Issue
}

func (v *validator) errorf(path, format string, args ...any) {
	v.issues = append(v.issues, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) warnf(path, format string, args ...any) {
	v.issues = append(v.issues, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) unit(path string, x float64) {
	if x < 0 || x > 1 {
		v.errorf(path, "must be within [0,1], got %g", x)
	}
}

func (v *validator) positive(path string, n int) {
	if n <= 0 {
		v.errorf(path, "must be positive, got %d", n)
	}
}

// Validate checks thresholds, limits and backend selections. It never stops
// at the first finding; callers print every issue.
func Validate(c *Config) []Issue {
	v := &validator{}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Logger.Level)); err != nil {
		v.errorf("logger.level", "unknown level %q", c.Logger.Level)
	}
	if c.Logger.Format != "json" && c.Logger.Format != "console" {
		v.errorf("logger.format", "must be json or console, got %q", c.Logger.Format)
	}

	v.positive("markup.max_bytes", c.Markup.MaxBytes)
	v.positive("markup.max_depth", c.Markup.MaxDepth)

	h := c.Heuristics
	v.unit("heuristics.test_attribute_confidence", h.TestAttributeConfidence)
	v.unit("heuristics.id_confidence", h.IDConfidence)
	v.unit("heuristics.name_confidence", h.NameConfidence)
	v.unit("heuristics.class_confidence", h.ClassConfidence)
	v.unit("heuristics.fuzzy_floor", h.FuzzyFloor)
	v.unit("heuristics.fuzzy_cap", h.FuzzyCap)
	v.unit("heuristics.text_floor", h.TextFloor)
	v.unit("heuristics.anchor_weight", h.AnchorWeight)
	v.unit("heuristics.link_exact_confidence", h.LinkExactConfidence)
	v.unit("heuristics.link_partial_confidence", h.LinkPartialConfidence)
	v.unit("heuristics.link_partial_min_ratio", h.LinkPartialMinRatio)
	v.unit("heuristics.relaxed_confidence", h.RelaxedConfidence)
	if h.FuzzyFloor > h.FuzzyCap {
		v.errorf("heuristics.fuzzy_floor", "floor %g exceeds cap %g", h.FuzzyFloor, h.FuzzyCap)
	}

	s := c.Hierarchy
	v.unit("hierarchy.anchor_floor", s.AnchorFloor)
	v.unit("hierarchy.decay", s.Decay)
	v.unit("hierarchy.neighbor_floor", s.NeighborFloor)
	v.unit("hierarchy.neighbor_weight", s.NeighborWeight)
	v.unit("hierarchy.subtree_floor", s.SubtreeFloor)
	v.positive("hierarchy.ancestor_levels", s.AncestorLevels)
	v.positive("hierarchy.descendant_depth", s.DescendantDepth)
	if s.HeightTolerance < 0 {
		v.errorf("hierarchy.height_tolerance", "must not be negative, got %d", s.HeightTolerance)
	}

	v.unit("ranker.model_weight", c.Ranker.ModelWeight)
	if p := c.Ranker.ModelPath; p != "" {
		if _, err := os.Stat(p); err != nil {
			v.warnf("ranker.model_path", "model artifact unavailable, ranking falls back to rule confidence: %v", err)
		}
	}

	d := c.Decision
	v.unit("decision.auto_apply_threshold", d.AutoApplyThreshold)
	v.positive("decision.exists_timeout_ms", d.ExistsTimeoutMS)
	v.positive("decision.click_timeout_ms", d.ClickTimeoutMS)
	if d.ExistsRetries < 0 {
		v.errorf("decision.exists_retries", "must not be negative, got %d", d.ExistsRetries)
	}
	if len(d.DestructiveMarkers) == 0 {
		v.warnf("decision.destructive_markers", "empty: every clickable candidate gets click_and_check")
	}

	e := c.Engine
	if e.StrategyTimeout <= 0 {
		v.errorf("engine.strategy_timeout", "must be positive, got %s", e.StrategyTimeout)
	}
	if e.ExternalTimeout <= 0 {
		v.errorf("engine.external_timeout", "must be positive, got %s", e.ExternalTimeout)
	}
	if e.AnchorWeight != h.AnchorWeight {
		v.warnf("engine.anchor_weight", "%g differs from heuristics.anchor_weight %g", e.AnchorWeight, h.AnchorWeight)
	}
	if e.AnchorFloor != s.AnchorFloor {
		v.warnf("engine.anchor_floor", "%g differs from hierarchy.anchor_floor %g", e.AnchorFloor, s.AnchorFloor)
	}

	x := c.External
	if x.Enabled {
		if !slices.Contains(external.Providers, x.Provider) {
			v.errorf("external.provider", "unknown provider %q (want one of %s)", x.Provider, strings.Join(external.Providers, ", "))
		}
		if x.Provider == "gemini" && x.APIKey == "" {
			v.errorf("external.api_key", "required for the gemini provider")
		}
		if x.Provider == "mock" {
			v.warnf("external.provider", "mock provider proposes guesses from the markup only")
		}
		v.positive("external.max_candidates", x.MaxCandidates)
	}

	if k := c.Storage.Kind; k != "" {
		if !slices.Contains(StorageKinds, k) {
			v.errorf("storage.kind", "unknown kind %q (want one of %s)", k, strings.Join(StorageKinds, ", "))
		} else if k != "memory" && c.Storage.DSN == "" {
			v.errorf("storage.dsn", "required for storage kind %q", k)
		}
	} else {
		v.warnf("storage.kind", "empty: snapshots are kept in memory and lost on restart")
	}

	switch c.Metrics.Backend {
	case "", "none":
	case "datadog":
		if os.Getenv("DD_API_KEY") == "" {
			v.warnf("metrics.backend", "DD_API_KEY is not set; submissions will be rejected")
		}
	default:
		v.errorf("metrics.backend", "must be none or datadog, got %q", c.Metrics.Backend)
	}

	if c.Server.Addr == "" {
		v.errorf("server.addr", "required")
	}
	if c.Server.RequestTimeout <= 0 {
		v.errorf("server.request_timeout", "must be positive, got %s", c.Server.RequestTimeout)
	}
	return v.issues
}
