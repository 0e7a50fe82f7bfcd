package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"selfheal/internal/config"
	"selfheal/internal/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// cli carries what PersistentPreRunE resolved to the subcommands.
type cli struct {
	cfgFile string
	cfg     *config.Config
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "selfheal",
		Short:         "Self-healing locator engine: repairs broken element locators against fresh page markup.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			observability.InitializeLogger(cfg.Logger)
			c.log = observability.GetLogger()
			for _, iss := range config.Validate(cfg) {
				c.log.Warn("config", zap.String("path", iss.Path), zap.String("message", iss.Message))
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "", "config file (default is ./selfheal.yaml when present)")
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	root.AddCommand(
		newServeCmd(c),
		newHealCmd(c),
		newResolveCmd(c),
		newValidateCmd(c),
	)
	return root
}
