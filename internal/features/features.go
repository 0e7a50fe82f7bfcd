// Package features turns a candidate into the fixed numeric profile the
// ranker and learned models consume.
package features

import (
	"selfheal/internal/healing"
	"selfheal/internal/locator"
	"selfheal/internal/markup"
	"selfheal/internal/textsim"
)

// SchemaVersion identifies the feature schema. Models trained against another
// version are rejected.
const SchemaVersion = 1

// NoAnchor is the anchor_distance sentinel for "no anchor used".
const NoAnchor = -1

// Feature names, in vector order. Names never change within a schema version.
const (
	UniquenessCount      = "uniqueness_count"
	DOMDepth             = "dom_depth"
	IsVisible            = "is_visible"
	TextSimilarity       = "text_similarity"
	AttributeSimilarity  = "attribute_similarity"
	StructuralComplexity = "structural_complexity"
	AnchorDistance       = "anchor_distance"
)

// Names lists every feature in vector order.
var Names = []string{
	UniquenessCount, DOMDepth, IsVisible, TextSimilarity,
	AttributeSimilarity, StructuralComplexity, AnchorDistance,
}

// Vector is one candidate's feature profile.
type Vector struct {
	UniquenessCount      float64 `json:"uniqueness_count"`
	DOMDepth             float64 `json:"dom_depth"`
	IsVisible            float64 `json:"is_visible"`
	TextSimilarity       float64 `json:"text_similarity"`
	AttributeSimilarity  float64 `json:"attribute_similarity"`
	StructuralComplexity float64 `json:"structural_complexity"`
	AnchorDistance       float64 `json:"anchor_distance"`
}

// Get returns the named feature.
func (v Vector) Get(name string) (float64, bool) {
	switch name {
	case UniquenessCount:
		return v.UniquenessCount, true
	case DOMDepth:
		return v.DOMDepth, true
	case IsVisible:
		return v.IsVisible, true
	case TextSimilarity:
		return v.TextSimilarity, true
	case AttributeSimilarity:
		return v.AttributeSimilarity, true
	case StructuralComplexity:
		return v.StructuralComplexity, true
	case AnchorDistance:
		return v.AnchorDistance, true
	}
	return 0, false
}

// Values returns the features in Names order.
func (v Vector) Values() []float64 {
	return []float64{
		v.UniquenessCount, v.DOMDepth, v.IsVisible, v.TextSimilarity,
		v.AttributeSimilarity, v.StructuralComplexity, v.AnchorDistance,
	}
}

// Map returns the features keyed by name.
func (v Vector) Map() map[string]float64 {
	out := make(map[string]float64, len(Names))
	for i, x := range v.Values() {
		out[Names[i]] = x
	}
	return out
}

// Unique reports whether the locator resolved to exactly one element.
func (v Vector) Unique() bool { return v.UniquenessCount == 1 }

// maxAnchorNodes bounds the anchor elements used for anchor_distance.
const maxAnchorNodes = 5

// Extractor computes vectors against one index and context. It holds only
// per-request precomputed inputs and is safe for concurrent use.
type Extractor struct {
	idx     *markup.Index
	hctx    *healing.Context
	hints   []healing.WeightedText
	tokens  []string
	anchors []markup.NodeID
}

// NewExtractor precomputes the context text, the original locator tokens and
// the anchor elements (matches of each anchor text at or above anchorFloor).
func NewExtractor(idx *markup.Index, hctx *healing.Context, anchorWeight, anchorFloor float64) *Extractor {
	x := &Extractor{
		idx:    idx,
		hctx:   hctx,
		hints:  hctx.TextHints(anchorWeight),
		tokens: hctx.Hints().Tokens,
	}
	seen := map[markup.NodeID]bool{}
	for _, a := range hctx.Anchors {
		ms := idx.MatchText(a, anchorFloor)
		if len(ms) > maxAnchorNodes {
			ms = ms[:maxAnchorNodes]
		}
		for _, m := range ms {
			if !seen[m.Node] {
				seen[m.Node] = true
				x.anchors = append(x.anchors, m.Node)
			}
		}
	}
	return x
}

// Extract computes c's vector. It is a pure function of the index, the
// context and c; uniqueness is always recomputed against the index.
func (x *Extractor) Extract(c healing.Candidate) Vector {
	ids := x.idx.Resolve(c.Locator)
	v := Vector{
		UniquenessCount:      float64(len(ids)),
		StructuralComplexity: float64(markup.Segments(c.Locator)),
		AnchorDistance:       NoAnchor,
	}

	node := markup.NoNode
	for _, id := range ids {
		if id == c.Node {
			node = id
			break
		}
	}
	if node == markup.NoNode && len(ids) > 0 {
		node = ids[0]
	}
	if node == markup.NoNode {
		return v
	}

	n := x.idx.Node(node)
	v.DOMDepth = float64(n.Depth)
	if n.Visible {
		v.IsVisible = 1
	}
	v.TextSimilarity = x.textSimilarity(node)
	v.AttributeSimilarity = x.attributeSimilarity(n)
	if len(x.anchors) > 0 {
		best := -1
		for _, a := range x.anchors {
			if d := x.idx.Distance(node, a); best < 0 || d < best {
				best = d
			}
		}
		v.AnchorDistance = float64(best)
	}
	return v
}

func (x *Extractor) textSimilarity(id markup.NodeID) float64 {
	if len(x.hints) == 0 {
		return 0
	}
	text := x.idx.TextOf(id)
	best := 0.0
	for _, h := range x.hints {
		if s := textsim.TextSimilarity(text, h.Text) * h.Weight; s > best {
			best = s
		}
	}
	return best
}

// attributeSimilarity compares the original locator's identifier tokens with
// the element's id, name, test attribute and class tokens.
func (x *Extractor) attributeSimilarity(n markup.Node) float64 {
	if len(x.tokens) == 0 {
		return 0
	}
	var toks []string
	seen := map[string]bool{}
	for _, a := range n.Attrs {
		var vals []string
		switch {
		case a.Name == "class":
			vals = n.Classes()
		case a.Name == "id" || a.Name == "name" || locator.IsTestAttribute(a.Name):
			vals = []string{a.Value}
		}
		for _, v := range vals {
			for _, t := range textsim.Tokens(v) {
				if !seen[t] {
					seen[t] = true
					toks = append(toks, t)
				}
			}
		}
	}
	if len(toks) == 0 {
		return 0
	}
	return (textsim.Jaccard(x.tokens, toks) + textsim.Overlap(x.tokens, toks)) / 2
}
