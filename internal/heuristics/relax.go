package heuristics

import (
	"context"
	"fmt"
	"strings"

	"selfheal/internal/healing"
	"selfheal/internal/locator"
	"selfheal/internal/markup"
)

// selector keeps the original when it still resolves to exactly one element,
// and otherwise relaxes CSS and XPath originals until a form resolves to
// exactly one element. The most specific such form wins.
func (e *Engine) selector(ctx context.Context, idx *markup.Index, hctx *healing.Context) []healing.Candidate {
	orig := hctx.Original
	if ids := idx.Resolve(orig); len(ids) == 1 {
		c := healing.NewCandidate(orig, healing.SourceHeuristics, "selector", "original locator resolves to exactly one element", 1, ids[0])
		return []healing.Candidate{c}
	} else if len(ids) > 1 {
		// Relaxing only widens the match set.
		return nil
	}

	var root form
	switch orig.Kind {
	case locator.CSS:
		compounds, ok := parseCSS(orig.Value)
		if !ok {
			return nil
		}
		root = cssForm(compounds)
	case locator.XPath:
		steps, err := markup.ParseXPath(orig.Value)
		if err != nil {
			return nil
		}
		root = xpathForm(steps)
	default:
		return nil
	}
	if root.kept < 2 {
		return nil
	}

	best, ok := e.relax(ctx, idx, root)
	if !ok {
		return nil
	}
	ids := idx.Resolve(best.loc)
	conf := e.cfg.RelaxedConfidence * float64(best.kept) / float64(root.kept)
	reason := fmt.Sprintf("relaxed %q to %q (kept %d of %d selectors)", orig.Value, best.loc.Value, best.kept, root.kept)
	return []healing.Candidate{healing.NewCandidate(best.loc, healing.SourceHeuristics, "selector", reason, conf, ids[0])}
}

// form is one relaxation of the original locator.
type form struct {
	loc    locator.Locator
	kept   int
	expand func() []form
}

// relax runs a best-first search over relaxed forms ordered by kept simple
// selectors, then generation order. Forms that already match several elements
// are not expanded, since removing qualifiers can only add matches.
func (e *Engine) relax(ctx context.Context, idx *markup.Index, root form) (form, bool) {
	type entry struct {
		f   form
		seq int
	}
	seq := 0
	queue := []entry{}
	visited := map[string]bool{root.loc.Value: true}
	push := func(fs []form) {
		for _, f := range fs {
			if visited[f.loc.Value] || f.kept == 0 {
				continue
			}
			visited[f.loc.Value] = true
			queue = append(queue, entry{f: f, seq: seq})
			seq++
		}
	}
	push(root.expand())

	budget := e.cfg.MaxRelaxations
	for evaluated := 0; len(queue) > 0 && (budget <= 0 || evaluated < budget); evaluated++ {
		if ctx.Err() != nil {
			return form{}, false
		}
		bi := 0
		for i := 1; i < len(queue); i++ {
			a, b := queue[i], queue[bi]
			if a.f.kept > b.f.kept || (a.f.kept == b.f.kept && a.seq < b.seq) {
				bi = i
			}
		}
		cur := queue[bi].f
		queue = append(queue[:bi], queue[bi+1:]...)

		switch idx.Count(cur.loc) {
		case 1:
			return cur, true
		case 0:
			push(cur.expand())
		}
	}
	return form{}, false
}

// cssCompound is one compound selector and the combinator that precedes it.
type cssCompound struct {
	comb  string // "", " ", ">", "+" or "~"
	parts []string
}

func renderCSS(cs []cssCompound) string {
	var sb strings.Builder
	for i, c := range cs {
		if i > 0 {
			if c.comb == " " {
				sb.WriteByte(' ')
			} else {
				sb.WriteString(" " + c.comb + " ")
			}
		}
		sb.WriteString(strings.Join(c.parts, ""))
	}
	return sb.String()
}

func cloneCSS(cs []cssCompound) []cssCompound {
	out := make([]cssCompound, len(cs))
	for i, c := range cs {
		out[i] = cssCompound{comb: c.comb, parts: append([]string(nil), c.parts...)}
	}
	return out
}

func cssForm(cs []cssCompound) form {
	kept := 0
	for _, c := range cs {
		kept += len(c.parts)
	}
	return form{
		loc:  locator.Locator{Kind: locator.CSS, Value: renderCSS(cs)},
		kept: kept,
		expand: func() []form {
			return cssChildren(cs)
		},
	}
}

// cssChildren removes one simple selector at a time, trailing attribute and
// pseudo qualifiers first, then ids and classes, then tags, and finally drops
// whole ancestor compounds.
func cssChildren(cs []cssCompound) []form {
	var out []form
	for _, pass := range []func(string) bool{isQualifier, isIDOrClass, isTag} {
		for ci := len(cs) - 1; ci >= 0; ci-- {
			if len(cs[ci].parts) < 2 {
				continue
			}
			for pi := len(cs[ci].parts) - 1; pi >= 0; pi-- {
				if !pass(cs[ci].parts[pi]) {
					continue
				}
				next := cloneCSS(cs)
				next[ci].parts = append(next[ci].parts[:pi], next[ci].parts[pi+1:]...)
				out = append(out, cssForm(next))
			}
		}
	}
	for ci := 0; ci < len(cs)-1; ci++ {
		next := cloneCSS(cs)
		if ci+1 < len(next) {
			if ci == 0 {
				next[1].comb = ""
			} else {
				next[ci+1].comb = " "
			}
		}
		next = append(next[:ci], next[ci+1:]...)
		out = append(out, cssForm(next))
	}
	return out
}

func isQualifier(p string) bool { return strings.HasPrefix(p, "[") || strings.HasPrefix(p, ":") }
func isIDOrClass(p string) bool { return strings.HasPrefix(p, "#") || strings.HasPrefix(p, ".") }
func isTag(p string) bool       { return !isQualifier(p) && !isIDOrClass(p) }

// parseCSS splits a single complex selector into compounds of simple
// selectors. Selector groups are not relaxed.
func parseCSS(sel string) ([]cssCompound, bool) {
	sel = strings.TrimSpace(sel)
	var out []cssCompound
	cur := cssCompound{}
	pendingComb := ""
	i := 0

	startPart := func() {
		if len(cur.parts) > 0 && pendingComb != "" {
			out = append(out, cur)
			cur = cssCompound{comb: pendingComb}
		}
		pendingComb = ""
	}

	for i < len(sel) {
		c := sel[i]
		switch {
		case c == ',':
			return nil, false
		case c == ' ' || c == '\t' || c == '\n':
			if pendingComb == "" {
				pendingComb = " "
			}
			i++
		case c == '>' || c == '+' || c == '~':
			pendingComb = string(c)
			i++
		case c == '[':
			end, ok := scanBalanced(sel, i, '[', ']')
			if !ok {
				return nil, false
			}
			startPart()
			cur.parts = append(cur.parts, sel[i:end])
			i = end
		case c == ':':
			j := i + 1
			if j < len(sel) && sel[j] == ':' {
				j++
			}
			j = scanIdent(sel, j)
			if j < len(sel) && sel[j] == '(' {
				end, ok := scanBalanced(sel, j, '(', ')')
				if !ok {
					return nil, false
				}
				j = end
			}
			startPart()
			cur.parts = append(cur.parts, sel[i:j])
			i = j
		case c == '#' || c == '.':
			j := scanIdent(sel, i+1)
			if j == i+1 {
				return nil, false
			}
			startPart()
			cur.parts = append(cur.parts, sel[i:j])
			i = j
		default:
			j := i + 1
			if c != '*' {
				j = scanIdent(sel, i)
			}
			if j == i {
				return nil, false
			}
			startPart()
			cur.parts = append(cur.parts, sel[i:j])
			i = j
		}
	}
	if len(cur.parts) == 0 {
		return nil, false
	}
	return append(out, cur), true
}

func scanIdent(s string, i int) int {
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i += 2
		case c == '-' || c == '_' || c >= 0x80 ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9'):
			i++
		default:
			return i
		}
	}
	return i
}

// scanBalanced returns the index just past the close matching s[i] == open.
func scanBalanced(s string, i int, open, close byte) (int, bool) {
	depth := 0
	var quote byte
	for ; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func cloneSteps(steps []markup.XPathStep) []markup.XPathStep {
	out := make([]markup.XPathStep, len(steps))
	for i, st := range steps {
		out[i] = st
		out[i].Predicates = append([]string(nil), st.Predicates...)
	}
	return out
}

func xpathForm(steps []markup.XPathStep) form {
	kept := 0
	for _, st := range steps {
		kept += 1 + len(st.Predicates)
	}
	return form{
		loc:  locator.Locator{Kind: locator.XPath, Value: markup.FormatXPath(steps)},
		kept: kept,
		expand: func() []form {
			return xpathChildren(steps)
		},
	}
}

// xpathChildren drops one predicate at a time from the last step backwards,
// then drops leading steps, turning the remainder into a descendant search.
func xpathChildren(steps []markup.XPathStep) []form {
	for _, st := range steps {
		if st.Test == "." || st.Test == ".." {
			return nil
		}
	}
	var out []form
	for si := len(steps) - 1; si >= 0; si-- {
		for pi := len(steps[si].Predicates) - 1; pi >= 0; pi-- {
			next := cloneSteps(steps)
			next[si].Predicates = append(next[si].Predicates[:pi], next[si].Predicates[pi+1:]...)
			out = append(out, xpathForm(next))
		}
	}
	for si := 0; si < len(steps)-1; si++ {
		next := cloneSteps(steps)
		next[si+1].Descendant = true
		next = append(next[:si], next[si+1:]...)
		out = append(out, xpathForm(next))
	}
	return out
}
