package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"selfheal/internal/config"
	"selfheal/internal/decision"
	"selfheal/internal/engine"
	"selfheal/internal/external"
	"selfheal/internal/healing"
	"selfheal/internal/heuristics"
	"selfheal/internal/hierarchy"
	"selfheal/internal/metrics"
	"selfheal/internal/metrics/datadog"
	"selfheal/internal/ranker"
	"selfheal/internal/storage"

	// register all backends with the storage factory.
	_ "selfheal/internal/storage/all"
)

// buildEngine assembles the engine from cfg. A model that cannot be loaded
// is logged and ranking falls back to rule confidence.
func buildEngine(ctx context.Context, cfg *config.Config, log *zap.Logger) (*engine.Engine, error) {
	var model ranker.Scorer
	if cfg.Ranker.ModelPath != "" {
		m, err := ranker.LoadModel(cfg.Ranker.ModelPath)
		switch {
		case errors.Is(err, healing.ErrModelUnavailable):
			log.Warn("ranking model unavailable; using rule confidence only",
				zap.String("path", cfg.Ranker.ModelPath), zap.Error(err))
		case err != nil:
			return nil, err
		default:
			model = m
			log.Info("ranking model loaded", zap.String("path", cfg.Ranker.ModelPath))
		}
	}

	var ext healing.Producer
	if cfg.External.Enabled {
		a, err := external.NewAdapter(ctx, cfg.External)
		if err != nil {
			return nil, err
		}
		ext = external.NewProducer(a, cfg.External.MaxCandidates, log)
		log.Info("external provider enabled", zap.String("provider", a.Name()))
	}

	return engine.New(cfg.Engine, engine.Deps{
		Heuristics: heuristics.New(cfg.Heuristics, log),
		Hierarchy:  hierarchy.New(cfg.Hierarchy, log),
		External:   ext,
		Ranker:     ranker.New(cfg.Ranker, model, log),
		Policy:     decision.New(cfg.Decision),
		Limits:     cfg.Markup,
		Log:        log,
	})
}

// setupMetrics installs the configured backend. The returned func flushes
// and stops it.
func setupMetrics(ctx context.Context, cfg config.MetricsConfig, log *zap.Logger) func() {
	switch cfg.Backend {
	case "datadog":
		// METRICS_TAGS complements the configured tags.
		tags := append(append([]string(nil), cfg.Tags...), datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))...)
		b, err := datadog.NewBackend(ctx, datadog.Options{
			Service:    cfg.Service,
			Tags:       tags,
			FlushEvery: cfg.FlushEvery,
		})
		if err != nil {
			log.Warn("metrics: datadog backend unavailable; metrics disabled", zap.Error(err))
			return func() {}
		}
		log.Info("metrics: datadog", zap.Strings("tags", tags), zap.Duration("flush_every", cfg.FlushEvery))
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics: datadog close/flush error", zap.Error(err))
			}
			metrics.SetBackend(nil)
		}
	case "", "none":
		return func() {}
	default:
		log.Warn("metrics: unknown backend; metrics disabled", zap.String("backend", cfg.Backend))
		return func() {}
	}
}

// openRepository opens and migrates the configured repository. An empty
// kind keeps snapshots in memory for the life of the process.
func openRepository(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (storage.Repository, error) {
	kind := cfg.Kind
	if kind == "" {
		kind = "memory"
	}
	repo, err := storage.New(ctx, storage.Config{Kind: kind, DSN: cfg.DSN, Prefix: cfg.Prefix})
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", kind, err)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("ensure %s schema: %w", kind, err)
	}
	log.Info("storage ready", zap.String("kind", kind), zap.String("prefix", cfg.Prefix))
	return repo, nil
}
