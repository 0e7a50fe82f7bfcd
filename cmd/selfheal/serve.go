package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"selfheal/internal/pii"
	"selfheal/internal/server"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /health, /heal and /confirm over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := buildEngine(ctx, cfg, c.log)
			if err != nil {
				return err
			}
			defer setupMetrics(context.Background(), cfg.Metrics, c.log)()

			repo, err := openRepository(ctx, cfg.Storage, c.log)
			if err != nil {
				return err
			}
			defer repo.Close()

			c.log.Info("starting",
				zap.String("version", version),
				zap.String("addr", cfg.Server.Addr),
				zap.Bool("model_loaded", eng.HasModel()),
				zap.Bool("external", eng.HasExternal()))

			return server.New(server.Options{
				Engine:         eng,
				Repo:           repo,
				Masker:         pii.New(),
				Config:         cfg.Server,
				MaxMarkupBytes: cfg.Markup.MaxBytes,
				Log:            c.log,
			}).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
