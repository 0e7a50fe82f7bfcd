package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"selfheal/internal/config"
)

func newValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		// Validation reports issues itself instead of failing in the root hook.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			var issues []config.Issue
			cfg, err := config.Load(c.cfgFile)
			var cfgErr *config.Error
			switch {
			case errors.As(err, &cfgErr):
				issues = cfgErr.Issues
			case err != nil:
				return err
			default:
				issues = config.Validate(cfg)
			}

			for _, iss := range issues {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
			}
			if config.HasErrors(issues) {
				return errors.New("configuration is invalid")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
}
