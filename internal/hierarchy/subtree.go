package hierarchy

import (
	"context"
	"fmt"
	"strings"

	"selfheal/internal/healing"
	"selfheal/internal/locator"
	"selfheal/internal/markup"
	"selfheal/internal/textsim"
)

// signatureCap bounds how many elements of one subtree enter its signature.
const signatureCap = 500

// signatureAttrs are the attributes whose values enter a signature verbatim.
var signatureAttrs = map[string]bool{
	"id": true, "name": true, "type": true, "role": true, "href": true,
	"placeholder": true, "aria-label": true, "title": true, "value": true, "for": true,
}

// signature is the token set of a subtree: tags, selected attribute values,
// class names and text tokens.
func signature(idx *markup.Index, root markup.NodeID) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(tok string) {
		if _, ok := seen[tok]; !ok {
			seen[tok] = struct{}{}
			out = append(out, tok)
		}
	}

	stack := []markup.NodeID{root}
	for visited := 0; len(stack) > 0 && visited < signatureCap; visited++ {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := idx.Node(id)

		add("t:" + n.Tag)
		for _, a := range n.Attrs {
			switch {
			case a.Name == "class":
				for _, c := range strings.Fields(a.Value) {
					add("c:" + c)
				}
			case signatureAttrs[a.Name] || locator.IsTestAttribute(a.Name):
				add("a:" + a.Name + "=" + a.Value)
			}
		}
		for _, tok := range textsim.Tokens(n.Text) {
			add("x:" + tok)
		}
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
	return out
}

// snapshotRoot returns the element a parsed outer-markup fragment describes:
// the first element in body, or the document element for a full page.
func snapshotRoot(snap *markup.Index) markup.NodeID {
	for _, c := range snap.Node(snap.Root()).Children {
		if n := snap.Node(c); n.Tag == "body" {
			if len(n.Children) > 0 {
				return n.Children[0]
			}
		}
	}
	return snap.Root()
}

// subtree compares the signature of the element's last known markup with
// every subtree of comparable height.
func (s *Searcher) subtree(ctx context.Context, idx *markup.Index, hctx *healing.Context) []healing.Candidate {
	if strings.TrimSpace(hctx.OuterHTML) == "" {
		return nil
	}
	snap, err := markup.Parse(hctx.OuterHTML, markup.Limits{})
	if err != nil {
		return nil
	}
	root := snapshotRoot(snap)
	want := signature(snap, root)
	height := snap.Node(root).Height

	var out []healing.Candidate
	for i, id := range idx.Order() {
		if s.cfg.ScanCap > 0 && i >= s.cfg.ScanCap {
			break
		}
		if i%checkEvery == 0 && ctx.Err() != nil {
			break
		}
		n := idx.Node(id)
		if n.Tag == "html" || n.Tag == "head" || n.Tag == "body" {
			continue
		}
		if d := n.Height - height; d > s.cfg.HeightTolerance || d < -s.cfg.HeightTolerance {
			continue
		}
		sim := textsim.Jaccard(want, signature(idx, id))
		if sim < s.cfg.SubtreeFloor {
			continue
		}
		reason := fmt.Sprintf("subtree resembles the last known markup (%.2f)", sim)
		out = append(out, healing.NewCandidate(idx.SelectorFor(id), healing.SourceHierarchy, "subtree", reason, sim, id))
	}
	return s.top(out)
}
