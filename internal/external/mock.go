package external

import (
	"context"
	"fmt"
	"strings"

	"selfheal/internal/healing"
	"selfheal/internal/locator"
	"selfheal/internal/markup"
	"selfheal/internal/textsim"
)

// Mock is a deterministic offline provider. It proposes elements whose
// button text, id or class tokens resemble the original locator.
type Mock struct {
	max int
}

// NewMock returns a Mock that proposes at most limit candidates (default 5).
func NewMock(limit int) *Mock {
	if limit <= 0 {
		limit = 5
	}
	return &Mock{max: limit}
}

func (m *Mock) Name() string { return "mock" }

type mockPattern struct {
	name    string
	floor   float64
	weight  float64
	perRule int
	propose func(idx *markup.Index, id markup.NodeID, query string) []mockHit
}

type mockHit struct {
	loc locator.Locator
	sim float64
}

var mockPatterns = []mockPattern{
	{name: "similar button text", floor: 0.3, weight: 0.8, perRule: 3, propose: similarButton},
	{name: "similar id", floor: 0.4, weight: 0.9, perRule: 2, propose: similarID},
	{name: "similar class", floor: 0.4, weight: 0.7, perRule: 2, propose: similarClass},
}

// Propose implements Adapter.
func (m *Mock) Propose(ctx context.Context, src string, hctx *healing.Context) ([]healing.Candidate, error) {
	idx, err := markup.Parse(src, markup.Limits{})
	if err != nil {
		return nil, err
	}
	query := hctx.Original.Value

	var out []healing.Candidate
	for _, p := range mockPatterns {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		n := 0
		for id := markup.NodeID(0); int(id) < idx.Len() && n < p.perRule; id++ {
			for _, h := range p.propose(idx, id, query) {
				if h.sim <= p.floor || n == p.perRule {
					continue
				}
				out = append(out, healing.NewCandidate(h.loc, healing.SourceExternal, "mock",
					fmt.Sprintf("%s (%.2f)", p.name, h.sim), h.sim*p.weight, markup.NoNode))
				n++
			}
		}
		if len(out) >= m.max {
			return out[:m.max], nil
		}
	}
	return out, nil
}

func similarButton(idx *markup.Index, id markup.NodeID, query string) []mockHit {
	if idx.Node(id).Tag != "button" {
		return nil
	}
	text := idx.InnerText(id)
	if len([]rune(text)) <= 2 {
		return nil
	}
	return []mockHit{{loc: naiveLocator(idx.Node(id)), sim: textsim.TokenSimilarity(query, text)}}
}

func similarID(idx *markup.Index, id markup.NodeID, query string) []mockHit {
	v, ok := idx.Node(id).Attr("id")
	if !ok || v == "" {
		return nil
	}
	return []mockHit{{loc: locator.Locator{Kind: locator.CSS, Value: "#" + v}, sim: textsim.TokenSimilarity(query, v)}}
}

func similarClass(idx *markup.Index, id markup.NodeID, query string) []mockHit {
	var hits []mockHit
	for _, c := range idx.Node(id).Classes() {
		hits = append(hits, mockHit{loc: locator.Locator{Kind: locator.CSS, Value: "." + c}, sim: textsim.TokenSimilarity(query, c)})
	}
	return hits
}

// naiveLocator is deliberately simple: id, first class, name, then tag.
// Ambiguous results are penalized downstream.
func naiveLocator(n markup.Node) locator.Locator {
	if v, _ := n.Attr("id"); v != "" {
		return locator.Locator{Kind: locator.CSS, Value: "#" + v}
	}
	if cs := n.Classes(); len(cs) > 0 {
		return locator.Locator{Kind: locator.CSS, Value: "." + cs[0]}
	}
	if v, _ := n.Attr("name"); v != "" {
		return locator.Locator{Kind: locator.CSS, Value: `[name="` + strings.ReplaceAll(v, `"`, `\"`) + `"]`}
	}
	return locator.Locator{Kind: locator.CSS, Value: n.Tag}
}
