package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"selfheal/internal/engine"
	"selfheal/internal/markup"
)

// pageFlags select where markup comes from. Shared by heal and resolve.
type pageFlags struct {
	file    string
	url     string
	timeout time.Duration
}

func (p *pageFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&p.file, "file", "f", "", "read page markup from file (default stdin)")
	cmd.Flags().StringVar(&p.url, "url", "", "fetch page markup from URL")
	cmd.Flags().DurationVar(&p.timeout, "timeout", 15*time.Second, "fetch timeout for --url")
}

func (p *pageFlags) load(cmd *cobra.Command, maxBytes int) (string, error) {
	l := markup.NewLoader(nil, p.timeout, maxBytes)
	return l.Load(cmd.Context(), markup.Input{URL: p.url, File: p.file, Stdin: cmd.InOrStdin()})
}

func newHealCmd(c *cli) *cobra.Command {
	var (
		page     pageFlags
		ctxView  engine.ContextView
		maxCands int
		external bool
	)
	cmd := &cobra.Command{
		Use:   "heal",
		Short: "Heal one locator against page markup and print the ranked result as JSON",
		Example: `  selfheal heal -f page.html --locator '#old-login' --action click --anchor Login
  curl -s https://example.test | selfheal heal --locator '//button[@id="go"]' --type xpath`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hctx, err := ctxView.Healing()
			if err != nil {
				return err
			}
			src, err := page.load(cmd, c.cfg.Markup.MaxBytes)
			if err != nil {
				return err
			}
			eng, err := buildEngine(cmd.Context(), c.cfg, c.log)
			if err != nil {
				return err
			}
			res, err := eng.Heal(cmd.Context(), engine.Request{
				Markup:        src,
				Context:       hctx,
				MaxCandidates: maxCands,
				UseExternal:   external,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res.View()); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
			return nil
		},
	}
	page.register(cmd)
	f := cmd.Flags()
	f.StringVarP(&ctxView.OriginalLocator, "locator", "l", "", "the broken locator")
	f.StringVarP(&ctxView.OriginalLocatorType, "type", "t", "css", "locator type (css, xpath, id, name, class_name, link_text, partial_link_text, text)")
	f.StringVarP(&ctxView.Action, "action", "a", "none", "action the test performs (click, send_keys, get_text, submit, none)")
	f.StringSliceVar(&ctxView.Anchors, "anchor", nil, "nearby label or heading text (repeatable)")
	f.StringVar(&ctxView.PrevSiblingText, "prev", "", "text of the previous sibling")
	f.StringVar(&ctxView.NextSiblingText, "next", "", "text of the next sibling")
	f.StringVar(&ctxView.ExpectedText, "expected-text", "", "visible text the element should carry")
	f.StringVar(&ctxView.ElementOuterHTML, "outer-html", "", "outer HTML of the element when the test last passed")
	f.IntVar(&maxCands, "max", 0, "maximum candidates (default from ranker.max_candidates)")
	f.BoolVar(&external, "external", false, "ask the configured external provider too")
	_ = cmd.MarkFlagRequired("locator")
	return cmd
}
