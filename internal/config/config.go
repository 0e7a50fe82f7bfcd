// Package config loads the service configuration through viper: defaults
// registered in code, an optional YAML file and SELFHEAL_ environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"selfheal/internal/decision"
	"selfheal/internal/engine"
	"selfheal/internal/external"
	"selfheal/internal/healing"
	"selfheal/internal/heuristics"
	"selfheal/internal/hierarchy"
	"selfheal/internal/markup"
	"selfheal/internal/ranker"
)

// EnvPrefix prefixes every environment override (SELFHEAL_SERVER_ADDR).
const EnvPrefix = "SELFHEAL"

// Config is the full service configuration.
type Config struct {
	Logger     LoggerConfig      `mapstructure:"logger"`
	Markup     markup.Limits     `mapstructure:"markup"`
	Heuristics heuristics.Config `mapstructure:"heuristics"`
	Hierarchy  hierarchy.Config  `mapstructure:"hierarchy"`
	Ranker     ranker.Config     `mapstructure:"ranker"`
	Decision   decision.Config   `mapstructure:"decision"`
	Engine     engine.Config     `mapstructure:"engine"`
	External   external.Config   `mapstructure:"external"`
	Storage    StorageConfig     `mapstructure:"storage"`
	Metrics    MetricsConfig     `mapstructure:"metrics"`
	Server     ServerConfig      `mapstructure:"server"`
}

// LoggerConfig configures the process logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	AddSource   bool   `mapstructure:"add_source"`
	ServiceName string `mapstructure:"service_name"`
	Colors      bool   `mapstructure:"colors"`

	// LogFile enables an additional JSON file sink rotated by size.
	LogFile    string `mapstructure:"log_file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// StorageConfig selects the snapshot and training repository.
type StorageConfig struct {
	// Kind is one of StorageKinds; empty disables persistence.
	Kind string `mapstructure:"kind"`
	DSN  string `mapstructure:"dsn"`
	// Prefix is prepended to table names.
	Prefix string `mapstructure:"prefix"`
}

// StorageKinds lists the repository backends the binary ships with.
var StorageKinds = []string{"memory", "sqlite", "postgres", "mssql"}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	// Backend is "none" or "datadog".
	Backend    string        `mapstructure:"backend"`
	Service    string        `mapstructure:"service"`
	Tags       []string      `mapstructure:"tags"`
	FlushEvery time.Duration `mapstructure:"flush_every"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// RequestTimeout bounds one /heal request end to end.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SetDefaults registers every default so the binary runs without a file.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "selfheal")
	v.SetDefault("logger.colors", true)
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Markup --
	v.SetDefault("markup.max_bytes", markup.DefaultLimits.MaxBytes)
	v.SetDefault("markup.max_depth", markup.DefaultLimits.MaxDepth)

	// -- Heuristics --
	h := heuristics.DefaultConfig()
	v.SetDefault("heuristics.test_attribute_confidence", h.TestAttributeConfidence)
	v.SetDefault("heuristics.id_confidence", h.IDConfidence)
	v.SetDefault("heuristics.name_confidence", h.NameConfidence)
	v.SetDefault("heuristics.class_confidence", h.ClassConfidence)
	v.SetDefault("heuristics.fuzzy_floor", h.FuzzyFloor)
	v.SetDefault("heuristics.fuzzy_cap", h.FuzzyCap)
	v.SetDefault("heuristics.text_floor", h.TextFloor)
	v.SetDefault("heuristics.anchor_weight", h.AnchorWeight)
	v.SetDefault("heuristics.link_exact_confidence", h.LinkExactConfidence)
	v.SetDefault("heuristics.link_partial_confidence", h.LinkPartialConfidence)
	v.SetDefault("heuristics.link_partial_min_ratio", h.LinkPartialMinRatio)
	v.SetDefault("heuristics.relaxed_confidence", h.RelaxedConfidence)
	v.SetDefault("heuristics.max_relaxations", h.MaxRelaxations)
	v.SetDefault("heuristics.max_per_rule", h.MaxPerRule)

	// -- Hierarchy --
	s := hierarchy.DefaultConfig()
	v.SetDefault("hierarchy.anchor_floor", s.AnchorFloor)
	v.SetDefault("hierarchy.max_anchor_matches", s.MaxAnchorMatches)
	v.SetDefault("hierarchy.ancestor_levels", s.AncestorLevels)
	v.SetDefault("hierarchy.descendant_depth", s.DescendantDepth)
	v.SetDefault("hierarchy.breadth_cap", s.BreadthCap)
	v.SetDefault("hierarchy.decay", s.Decay)
	v.SetDefault("hierarchy.neighbor_floor", s.NeighborFloor)
	v.SetDefault("hierarchy.neighbor_weight", s.NeighborWeight)
	v.SetDefault("hierarchy.subtree_floor", s.SubtreeFloor)
	v.SetDefault("hierarchy.height_tolerance", s.HeightTolerance)
	v.SetDefault("hierarchy.scan_cap", s.ScanCap)
	v.SetDefault("hierarchy.max_candidates", s.MaxCandidates)

	// -- Ranker --
	r := ranker.DefaultConfig()
	v.SetDefault("ranker.model_weight", r.ModelWeight)
	v.SetDefault("ranker.model_path", "")
	v.SetDefault("ranker.max_candidates", r.MaxCandidates)

	// -- Decision --
	d := decision.DefaultConfig()
	v.SetDefault("decision.auto_apply_threshold", d.AutoApplyThreshold)
	v.SetDefault("decision.exists_timeout_ms", d.ExistsTimeoutMS)
	v.SetDefault("decision.exists_retries", d.ExistsRetries)
	v.SetDefault("decision.click_timeout_ms", d.ClickTimeoutMS)
	v.SetDefault("decision.error_selectors", d.ErrorSelectors)
	v.SetDefault("decision.destructive_markers", d.DestructiveMarkers)

	// -- Engine --
	e := engine.DefaultConfig()
	v.SetDefault("engine.strategy_timeout", e.StrategyTimeout.String())
	v.SetDefault("engine.external_timeout", e.ExternalTimeout.String())
	v.SetDefault("engine.anchor_weight", e.AnchorWeight)
	v.SetDefault("engine.anchor_floor", e.AnchorFloor)

	// -- External --
	x := external.DefaultConfig()
	v.SetDefault("external.enabled", x.Enabled)
	v.SetDefault("external.provider", x.Provider)
	v.SetDefault("external.model", x.Model)
	v.SetDefault("external.api_key", "")
	v.SetDefault("external.temperature", x.Temperature)
	v.SetDefault("external.max_candidates", x.MaxCandidates)
	v.SetDefault("external.max_markup_bytes", x.MaxMarkupBytes)

	// -- Storage --
	v.SetDefault("storage.kind", "sqlite")
	v.SetDefault("storage.dsn", "file:selfheal.db?_pragma=busy_timeout(5000)")
	v.SetDefault("storage.prefix", "selfheal_")

	// -- Metrics --
	v.SetDefault("metrics.backend", "none")
	v.SetDefault("metrics.service", "selfheal")
	v.SetDefault("metrics.tags", []string{})
	v.SetDefault("metrics.flush_every", "60s")

	// -- Server --
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.request_timeout", "20s")
}

// NewViper returns a viper instance with defaults and env overrides wired.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (or ./selfheal.yaml when path is empty and the file
// exists) over the defaults and returns the validated configuration.
//
// Errors:
//   - A path that cannot be read is returned as is.
//   - Validation failures are a *Error, which matches healing.ErrConfig.
func Load(path string) (*Config, error) {
	v := NewViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("selfheal")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return NewConfigFromViper(v)
}

// NewConfigFromViper decodes v and validates the result.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Secrets may also come from their conventional variables.
	_ = v.BindEnv("external.api_key", EnvPrefix+"_EXTERNAL_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("storage.dsn", EnvPrefix+"_STORAGE_DSN", "DATABASE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", healing.ErrConfig, err)
	}
	if issues := Validate(&cfg); HasErrors(issues) {
		return nil, &Error{Issues: issues}
	}
	return &cfg, nil
}

// Default returns the configuration produced by the registered defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
