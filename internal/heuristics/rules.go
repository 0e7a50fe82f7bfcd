package heuristics

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"selfheal/internal/healing"
	"selfheal/internal/locator"
	"selfheal/internal/markup"
	"selfheal/internal/textsim"
)

// checkEvery is how many nodes a scanning rule visits between ctx checks.
const checkEvery = 64

func dedupe(groups ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, g := range groups {
		for _, v := range g {
			if _, ok := seen[v]; ok || v == "" {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// exactAttr emits one candidate per element whose attr equals one of values.
func (e *Engine) exactAttr(idx *markup.Index, attrs, values []string, strategy string, conf float64) []healing.Candidate {
	var out []healing.Candidate
	seen := map[markup.NodeID]struct{}{}
	for _, v := range values {
		for _, a := range attrs {
			for _, id := range idx.ByAttr(a, v) {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				out = append(out, e.candidate(idx, id, strategy, fmt.Sprintf("%s=%q matches the original locator", a, v), conf))
			}
		}
	}
	return out
}

// testAttribute matches stable test identifiers. Any identifier of the
// original locator may have been promoted to a test attribute.
func (e *Engine) testAttribute(_ context.Context, idx *markup.Index, hctx *healing.Context) []healing.Candidate {
	h := hctx.Hints()
	return e.exactAttr(idx, locator.TestAttributes, dedupe(h.TestIDs, h.IDs, h.Names), "test_attribute", e.cfg.TestAttributeConfidence)
}

func (e *Engine) exactID(_ context.Context, idx *markup.Index, hctx *healing.Context) []healing.Candidate {
	h := hctx.Hints()
	return e.exactAttr(idx, []string{"id"}, dedupe(h.IDs, h.TestIDs, h.Names), "id", e.cfg.IDConfidence)
}

func (e *Engine) exactName(_ context.Context, idx *markup.Index, hctx *healing.Context) []healing.Candidate {
	h := hctx.Hints()
	return e.exactAttr(idx, []string{"name"}, dedupe(h.Names, h.IDs, h.TestIDs), "name", e.cfg.NameConfidence)
}

// classTokens groups elements by which of the original classes they still
// carry and emits the class selector of each group, scaled by the share of
// original classes kept. An original id, name or test id that now appears as
// a class is emitted at full class confidence.
func (e *Engine) classTokens(_ context.Context, idx *markup.Index, hctx *healing.Context) []healing.Candidate {
	h := hctx.Hints()
	out := e.classGroups(idx, h.Classes)
	for _, v := range dedupe(h.IDs, h.Names, h.TestIDs) {
		if slices.Contains(h.Classes, v) || !markup.ValidCSS("."+v) {
			continue
		}
		ids := idx.ByClass(v)
		if len(ids) == 0 {
			continue
		}
		loc := locator.Locator{Kind: locator.CSS, Value: "." + v}
		reason := fmt.Sprintf("original identifier %q is now a class", v)
		out = append(out, healing.NewCandidate(loc, healing.SourceHeuristics, "class", reason, e.cfg.ClassConfidence, slices.Min(ids)))
	}
	return out
}

func (e *Engine) classGroups(idx *markup.Index, want []string) []healing.Candidate {
	if len(want) == 0 {
		return nil
	}

	var nodes []markup.NodeID
	seen := map[markup.NodeID]struct{}{}
	for _, c := range want {
		for _, id := range idx.ByClass(c) {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				nodes = append(nodes, id)
			}
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	type group struct {
		classes []string
		first   markup.NodeID
	}
	var order []string
	groups := map[string]*group{}
	for _, id := range nodes {
		have := map[string]bool{}
		for _, c := range idx.Node(id).Classes() {
			have[c] = true
		}
		var matched []string
		for _, c := range want {
			if have[c] && markup.ValidCSS("."+c) {
				matched = append(matched, c)
			}
		}
		if len(matched) == 0 {
			continue
		}
		key := "." + strings.Join(matched, ".")
		if _, ok := groups[key]; !ok {
			groups[key] = &group{classes: matched, first: id}
			order = append(order, key)
		}
	}

	out := make([]healing.Candidate, 0, len(order))
	for _, key := range order {
		g := groups[key]
		ratio := float64(len(g.classes)) / float64(len(want))
		loc := locator.Locator{Kind: locator.CSS, Value: key}
		reason := fmt.Sprintf("carries %d of %d original classes", len(g.classes), len(want))
		out = append(out, healing.NewCandidate(loc, healing.SourceHeuristics, "class", reason, e.cfg.ClassConfidence*ratio, g.first))
	}
	return out
}

// fuzzy compares the original identifiers with every element identifier by
// token similarity.
func (e *Engine) fuzzy(ctx context.Context, idx *markup.Index, hctx *healing.Context) []healing.Candidate {
	type hint struct {
		raw    string
		tokens []string
	}
	var hints []hint
	for _, s := range hctx.Hints().Identifiers() {
		if toks := textsim.Tokens(s); len(toks) > 0 {
			hints = append(hints, hint{raw: s, tokens: toks})
		}
	}
	if len(hints) == 0 {
		return nil
	}

	type scored struct {
		c   healing.Candidate
		sim float64
	}
	var found []scored
	for i, id := range idx.Order() {
		if i%checkEvery == 0 && ctx.Err() != nil {
			break
		}
		n := idx.Node(id)
		best, bestHint, bestValue := 0.0, "", ""
		for _, v := range elementIdentifiers(n) {
			toks := textsim.Tokens(v)
			if len(toks) == 0 {
				continue
			}
			for _, h := range hints {
				// Exact equality belongs to the attribute and class rules.
				if v == h.raw {
					continue
				}
				sim := (textsim.Jaccard(h.tokens, toks) + textsim.Overlap(h.tokens, toks)) / 2
				if sim > best {
					best, bestHint, bestValue = sim, h.raw, v
				}
			}
		}
		if best < e.cfg.FuzzyFloor {
			continue
		}
		reason := fmt.Sprintf("identifier %q is similar to %q (%.2f)", bestValue, bestHint, best)
		found = append(found, scored{c: e.candidate(idx, id, "fuzzy", reason, min(best, e.cfg.FuzzyCap)), sim: best})
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].sim > found[j].sim })

	out := make([]healing.Candidate, len(found))
	for i, f := range found {
		out[i] = f.c
	}
	return out
}

// elementIdentifiers returns id, name, test attribute values and classes.
func elementIdentifiers(n markup.Node) []string {
	var out []string
	for _, a := range n.Attrs {
		if a.Name == "id" || a.Name == "name" || locator.IsTestAttribute(a.Name) {
			if v := strings.TrimSpace(a.Value); v != "" {
				out = append(out, v)
			}
		}
	}
	return append(out, n.Classes()...)
}

// visibleText correlates element text with expected, locator and anchor text.
// A match inside a clickable element is credited to that element for click
// and submit actions.
func (e *Engine) visibleText(_ context.Context, idx *markup.Index, hctx *healing.Context) []healing.Candidate {
	var out []healing.Candidate
	seen := map[markup.NodeID]struct{}{}
	for _, wt := range hctx.TextHints(e.cfg.AnchorWeight) {
		for _, m := range idx.MatchText(wt.Text, e.cfg.TextFloor) {
			target := healing.ActionTarget(idx, m.Node, hctx.Action)
			if _, ok := seen[target]; ok {
				continue
			}
			seen[target] = struct{}{}
			conf := m.Score * wt.Weight * (0.5 + 0.5*healing.Plausibility(idx.Node(target), hctx.Action))
			reason := fmt.Sprintf("text %q matches %q (%.2f)", idx.Node(m.Node).Text, wt.Text, m.Score)
			out = append(out, e.candidate(idx, target, "text", reason, conf))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// linkText re-finds link-type originals by anchor text. The candidate keeps
// the link_text kind with the link's current text.
func (e *Engine) linkText(ctx context.Context, idx *markup.Index, hctx *healing.Context) []healing.Candidate {
	if k := hctx.Original.Kind; k != locator.LinkText && k != locator.PartialLinkText {
		return nil
	}
	query := hctx.Original.Value
	want := textsim.Normalize(query)

	var out []healing.Candidate
	for i, id := range idx.Order() {
		if i%checkEvery == 0 && ctx.Err() != nil {
			break
		}
		if idx.Node(id).Tag != "a" {
			continue
		}
		text := idx.InnerText(id)
		got := textsim.Normalize(text)
		if got == "" {
			continue
		}

		var conf float64
		var reason string
		if got == want {
			conf, reason = e.cfg.LinkExactConfidence, fmt.Sprintf("link text equals %q", query)
		} else if ok, ratio := textsim.Contains(text, query); ok && ratio >= e.cfg.LinkPartialMinRatio {
			conf, reason = e.cfg.LinkPartialConfidence*ratio, fmt.Sprintf("link text %q contains %q", text, query)
		} else if sim := textsim.TextSimilarity(text, query); sim >= e.cfg.TextFloor {
			conf, reason = e.cfg.LinkPartialConfidence*sim, fmt.Sprintf("link text %q is similar to %q (%.2f)", text, query, sim)
		} else {
			continue
		}
		loc := locator.Locator{Kind: locator.LinkText, Value: text}
		out = append(out, healing.NewCandidate(loc, healing.SourceHeuristics, "link_text", reason, conf, id))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}
