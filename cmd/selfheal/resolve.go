package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"selfheal/internal/locator"
	"selfheal/internal/markup"
)

func newResolveCmd(c *cli) *cobra.Command {
	var (
		page     pageFlags
		value    string
		kind     string
		textOnly bool
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the elements a locator matches in page markup",
		Long: `Resolve evaluates a locator exactly the way healing does and prints the
outer HTML (or visible text) of every match, followed by the match count.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := locator.ParseKind(kind)
			if err != nil {
				return err
			}
			loc := locator.Locator{Kind: k, Value: value}
			if err := loc.Validate(); err != nil {
				return err
			}
			src, err := page.load(cmd, c.cfg.Markup.MaxBytes)
			if err != nil {
				return err
			}
			idx, err := markup.Parse(src, c.cfg.Markup)
			if err != nil {
				return err
			}
			n, err := markup.DebugPrint(cmd.OutOrStdout(), idx, loc, textOnly)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d match(es) for %s\n", n, loc)
			return nil
		},
	}
	page.register(cmd)
	cmd.Flags().StringVarP(&value, "locator", "l", "", "locator to evaluate")
	cmd.Flags().StringVarP(&kind, "type", "t", "css", "locator type")
	cmd.Flags().BoolVar(&textOnly, "text", false, "print visible text instead of outer HTML")
	_ = cmd.MarkFlagRequired("locator")
	return cmd
}
