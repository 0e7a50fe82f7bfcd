package markup

import (
	"fmt"
	"regexp"
	"strings"

	"selfheal/internal/locator"
)

var cssIdent = regexp.MustCompile(`^-?[_a-zA-Z][_a-zA-Z0-9-]*$`)

// SelectorFor synthesizes the simplest CSS locator that resolves to exactly id.
//
// Preference order: #id, test attribute, [name], .class, tag.class,
// tag.class1.class2, then a child path anchored at the nearest ancestor that
// has one of the unique forms above (or at html). Path segments carry
// :nth-of-type only when a same-tag sibling exists.
//
// Edge cases:
//   - Identifiers that are not valid CSS identifiers use attribute syntax
//     ([id="1st"]) instead of shorthand.
//   - The result always resolves to exactly id.
func (idx *Index) SelectorFor(id NodeID) locator.Locator {
	if sel, ok := idx.uniqueSimple(id, true); ok {
		return locator.Locator{Kind: locator.CSS, Value: sel}
	}
	sel := idx.pathSelector(id)
	return locator.Locator{Kind: locator.CSS, Value: sel}
}

// uniqueSimple returns a single-compound selector unique to id, if one exists.
// withClasses controls whether class-based forms are tried.
func (idx *Index) uniqueSimple(id NodeID, withClasses bool) (string, bool) {
	n := idx.nodes[id]

	if v, ok := n.Attr("id"); ok && v != "" && len(idx.ByAttr("id", v)) == 1 {
		if cssIdent.MatchString(v) {
			return "#" + v, true
		}
		return attrSelector("id", v), true
	}
	for _, a := range locator.TestAttributes {
		if v, ok := n.Attr(a); ok && v != "" && len(idx.ByAttr(a, v)) == 1 {
			return attrSelector(a, v), true
		}
	}
	if v, ok := n.Attr("name"); ok && v != "" {
		if len(idx.ByAttr("name", v)) == 1 {
			return attrSelector("name", v), true
		}
		if sel := n.Tag + attrSelector("name", v); idx.uniqueCSS(sel, id) {
			return sel, true
		}
	}
	if !withClasses {
		return "", false
	}

	var usable []string
	for _, c := range n.Classes() {
		if cssIdent.MatchString(c) {
			usable = append(usable, c)
		}
	}
	for _, c := range usable {
		if len(idx.ByClass(c)) == 1 {
			return "." + c, true
		}
	}
	for _, c := range usable {
		if sel := n.Tag + "." + c; idx.uniqueCSS(sel, id) {
			return sel, true
		}
	}
	if len(usable) > 1 {
		if sel := n.Tag + "." + strings.Join(usable, "."); idx.uniqueCSS(sel, id) {
			return sel, true
		}
	}
	return "", false
}

func (idx *Index) uniqueCSS(sel string, id NodeID) bool {
	ids := idx.resolveCSS(sel)
	return len(ids) == 1 && ids[0] == id
}

// pathSelector builds "anchor > seg > seg" down to id.
func (idx *Index) pathSelector(id NodeID) string {
	var segs []string
	cur := id
	for {
		segs = append(segs, idx.segment(cur))
		p := idx.nodes[cur].Parent
		if p == NoNode {
			break
		}
		if anchor, ok := idx.uniqueSimple(p, false); ok {
			segs = append(segs, anchor)
			break
		}
		cur = p
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	sel := strings.Join(segs, " > ")
	if idx.uniqueCSS(sel, id) {
		return sel
	}
	// The anchor form can only be ambiguous if the document has duplicate
	// ids that the index collapsed; fall back to a rooted path.
	return idx.rootedPath(id)
}

func (idx *Index) rootedPath(id NodeID) string {
	var segs []string
	for cur := id; cur != NoNode; cur = idx.nodes[cur].Parent {
		segs = append(segs, idx.segment(cur))
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, " > ")
}

// segment renders one path step: tag, plus :nth-of-type(k) when a sibling
// shares the tag.
func (idx *Index) segment(id NodeID) string {
	n := idx.nodes[id]
	if n.Parent == NoNode {
		return n.Tag
	}
	pos, total := 0, 0
	for _, s := range idx.nodes[n.Parent].Children {
		if idx.nodes[s].Tag != n.Tag {
			continue
		}
		total++
		if s == id {
			pos = total
		}
	}
	if total == 1 {
		return n.Tag
	}
	return fmt.Sprintf("%s:nth-of-type(%d)", n.Tag, pos)
}

func attrSelector(name, value string) string {
	v := strings.ReplaceAll(value, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return fmt.Sprintf(`[%s="%s"]`, name, v)
}

// Segments counts the compound selectors / path steps of a locator, the
// structural complexity used in ranking.
func Segments(loc locator.Locator) int {
	v := strings.TrimSpace(loc.Value)
	if v == "" {
		return 0
	}
	switch loc.Kind {
	case locator.CSS:
		return countCSSCompounds(v)
	case locator.XPath:
		n := 0
		for _, part := range strings.Split(v, "/") {
			if strings.TrimSpace(part) != "" {
				n++
			}
		}
		return max(n, 1)
	default:
		return 1
	}
}

// countCSSCompounds counts compounds separated by combinators, outside of
// brackets, parentheses and quotes.
func countCSSCompounds(sel string) int {
	n := 1
	depth := 0
	var quote rune
	sawSpace, afterCombinator := false, false
	for _, r := range strings.TrimSpace(sel) {
		if quote != 0 {
			if r == quote {
				quote = 0
			}
			continue
		}
		if depth == 0 {
			switch r {
			case '>', '+', '~', ',':
				n++
				sawSpace, afterCombinator = false, true
				continue
			case ' ', '\t', '\n':
				sawSpace = true
				continue
			}
			// Whitespace alone between two compounds is the descendant combinator.
			if sawSpace && !afterCombinator {
				n++
			}
		}
		sawSpace, afterCombinator = false, false
		switch r {
		case '"', '\'':
			quote = r
		case '[', '(':
			depth++
		case ']', ')':
			depth--
		}
	}
	return n
}
