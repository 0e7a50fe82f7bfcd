package markup

import (
	"slices"
	"sort"
	"strings"

	"github.com/andybalholm/cascadia"

	"selfheal/internal/locator"
	"selfheal/internal/textsim"
)

// Resolve returns the elements loc identifies, in document order.
//
// Edge cases:
//   - Invalid locators and expressions the resolver cannot evaluate (CSS syntax
//     errors, unsupported XPath) resolve to nothing rather than failing.
//   - link_text and partial_link_text compare normalized anchor inner text.
//   - text matches normalized own text exactly.
func (idx *Index) Resolve(loc locator.Locator) []NodeID {
	if loc.Validate() != nil {
		return nil
	}
	v := loc.Value
	switch loc.Kind {
	case locator.ID:
		return idx.ByAttr("id", v)
	case locator.Name:
		return idx.ByAttr("name", v)
	case locator.ClassName:
		return idx.resolveClasses(strings.Fields(v))
	case locator.CSS:
		return idx.resolveCSS(v)
	case locator.XPath:
		ids, err := idx.evalXPath(v)
		if err != nil {
			return nil
		}
		return ids
	case locator.LinkText, locator.PartialLinkText:
		want := textsim.Normalize(v)
		var out []NodeID
		for i := range idx.nodes {
			if idx.nodes[i].Tag != "a" {
				continue
			}
			got := textsim.Normalize(idx.InnerText(NodeID(i)))
			if got == want || (loc.Kind == locator.PartialLinkText && strings.Contains(got, want)) {
				out = append(out, NodeID(i))
			}
		}
		return out
	case locator.Text:
		return idx.ByText(v)
	}
	return nil
}

// Count returns len(Resolve(loc)), memoized for the lifetime of the index.
func (idx *Index) Count(loc locator.Locator) int {
	key := loc.Key()
	if v, ok := idx.counts.Load(key); ok {
		return v.(int)
	}
	n := len(idx.Resolve(loc))
	idx.counts.Store(key, n)
	return n
}

// ResolvesTo reports whether loc identifies exactly the element id.
func (idx *Index) ResolvesTo(loc locator.Locator, id NodeID) bool {
	ids := idx.Resolve(loc)
	return len(ids) == 1 && ids[0] == id
}

func (idx *Index) resolveClasses(classes []string) []NodeID {
	if len(classes) == 0 {
		return nil
	}
	out := idx.classes[classes[0]]
	for _, c := range classes[1:] {
		out = intersectSorted(out, idx.classes[c])
	}
	return out
}

func (idx *Index) resolveCSS(sel string) []NodeID {
	group, err := cascadia.ParseGroup(sel)
	if err != nil {
		return nil
	}
	matched := cascadia.QueryAll(idx.doc.Nodes[0], group)
	out := make([]NodeID, 0, len(matched))
	for _, n := range matched {
		if id, ok := idx.byHTML[n]; ok {
			out = append(out, id)
		}
	}
	// Selector groups may match in group order; callers rely on document order.
	slices.Sort(out)
	return dedupeSorted(out)
}

// ValidCSS reports whether sel compiles.
func ValidCSS(sel string) bool {
	_, err := cascadia.ParseGroup(sel)
	return err == nil
}

func intersectSorted(a, b []NodeID) []NodeID {
	var out []NodeID
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			out = append(out, a[i])
			i++
			j++
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return out
}

func dedupeSorted(ids []NodeID) []NodeID {
	if len(ids) < 2 {
		return ids
	}
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	return out
}

// TextMatch is one element matched by MatchText.
type TextMatch struct {
	Node  NodeID
	Score float64
}

// MatchText finds elements whose own text best matches query.
//
// Normalized equality is preferred: when any element matches exactly, only
// exact matches (score 1) are returned. Otherwise substring containment in
// either direction scores max(floor, 0.9 × shorter/longer), and remaining
// elements score textsim.TextSimilarity when it reaches floor. Results are
// ordered by score, then breadth-first position.
func (idx *Index) MatchText(query string, floor float64) []TextMatch {
	q := textsim.Normalize(query)
	if q == "" {
		return nil
	}
	if exact := idx.texts[q]; len(exact) > 0 {
		out := make([]TextMatch, 0, len(exact))
		for _, id := range exact {
			out = append(out, TextMatch{Node: id, Score: 1})
		}
		return idx.sortMatches(out)
	}

	var out []TextMatch
	for _, id := range idx.order {
		t := textsim.Normalize(idx.nodes[id].Text)
		if t == "" {
			continue
		}
		short, long := len([]rune(q)), len([]rune(t))
		if short > long {
			short, long = long, short
		}
		// Very short fragments ("x", "Go") contain or are contained by too much.
		if short >= 3 && (strings.Contains(t, q) || strings.Contains(q, t)) {
			out = append(out, TextMatch{Node: id, Score: max(floor, 0.9*float64(short)/float64(long))})
			continue
		}
		if s := textsim.TextSimilarity(t, q); s >= floor {
			out = append(out, TextMatch{Node: id, Score: s})
		}
	}
	return idx.sortMatches(out)
}

func (idx *Index) sortMatches(ms []TextMatch) []TextMatch {
	pos := idx.positions()
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		return pos[ms[i].Node] < pos[ms[j].Node]
	})
	return ms
}

// positions maps NodeID to its breadth-first position.
func (idx *Index) positions() []int {
	pos := make([]int, len(idx.nodes))
	for i, id := range idx.order {
		pos[id] = i
	}
	return pos
}
