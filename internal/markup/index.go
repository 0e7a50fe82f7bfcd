// Package markup parses page markup into a read-only, arena-backed element tree
// and builds the lookup indexes every healing strategy reads from.
//
// An Index is built once per request and is safe for concurrent readers. No
// mutation API is exposed; the only internal state written after Parse is the
// per-request uniqueness memo, which is a sync.Map.
package markup

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"selfheal/internal/locator"
	"selfheal/internal/textsim"
)

// NodeID addresses an element in the arena. IDs follow document order.
type NodeID int

// NoNode is the sentinel for "no element" (the parent of the root, or an unknown node).
const NoNode NodeID = -1

// ErrParse marks markup that cannot be used at all.
var ErrParse = errors.New("parse error")

// ParseError carries the reason markup was rejected.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse markup: %s: %v", e.Reason, e.Err)
	}
	return "parse markup: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrParse) match any *ParseError.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Limits bounds the documents Parse accepts.
type Limits struct {
	MaxBytes int `mapstructure:"max_bytes"`
	MaxDepth int `mapstructure:"max_depth"`
}

// DefaultLimits are used for zero-valued Limits fields.
var DefaultLimits = Limits{MaxBytes: 5 << 20, MaxDepth: 256}

func (l Limits) withDefaults() Limits {
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultLimits.MaxBytes
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultLimits.MaxDepth
	}
	return l
}

// Attr is one attribute in source order.
type Attr struct {
	Name  string
	Value string
}

// Node is one element of the tree.
type Node struct {
	Tag   string
	Attrs []Attr

	// Text is the element's own text: its direct text children joined and
	// whitespace-collapsed. Script and style bodies are never text.
	Text string

	Parent   NodeID
	Children []NodeID

	// Depth counts element ancestors; the root element has depth 0.
	Depth int
	// Height is the longest downward path to a leaf element; leaves have height 0.
	Height int
	// Visible approximates rendering without a layout engine; see hiddenBySelf.
	Visible bool

	src *html.Node
}

// Attr returns the value of the named attribute.
func (n Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// Classes returns the class tokens in source order.
func (n Node) Classes() []string {
	v, _ := n.Attr("class")
	return strings.Fields(v)
}

// Index is the parsed tree plus its lookup indexes.
type Index struct {
	nodes  []Node
	doc    *goquery.Document
	byHTML map[*html.Node]NodeID

	attrs   map[string]map[string][]NodeID
	classes map[string][]NodeID
	texts   map[string][]NodeID
	order   []NodeID

	src    string
	size   int
	counts sync.Map // locator.Key() -> int
}

// indexedAttrs are the attributes with an exact value index.
var indexedAttrs = append([]string{"id", "name"}, locator.TestAttributes...)

// Parse parses src into an Index.
//
// Malformed markup is parsed permissively, the way a browser would. Only input
// that is empty, larger than lim.MaxBytes, nested deeper than lim.MaxDepth, or
// rejected by the HTML tokenizer is refused.
//
// Errors:
//   - Returns a *ParseError (errors.Is(err, ErrParse) == true) on rejection.
func Parse(src string, lim Limits) (*Index, error) {
	lim = lim.withDefaults()
	if strings.TrimSpace(src) == "" {
		return nil, &ParseError{Reason: "empty markup"}
	}
	if len(src) > lim.MaxBytes {
		return nil, &ParseError{Reason: fmt.Sprintf("markup is %d bytes, limit is %d", len(src), lim.MaxBytes)}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, &ParseError{Reason: "parse html", Err: err}
	}

	var root *html.Node
	for c := doc.Nodes[0].FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			root = c
			break
		}
	}
	if root == nil {
		return nil, &ParseError{Reason: "no root element"}
	}

	idx := &Index{
		doc:     doc,
		byHTML:  map[*html.Node]NodeID{},
		attrs:   map[string]map[string][]NodeID{},
		classes: map[string][]NodeID{},
		texts:   map[string][]NodeID{},
		src:     src,
		size:    len(src),
	}
	for _, a := range indexedAttrs {
		idx.attrs[a] = map[string][]NodeID{}
	}

	if err := idx.build(root, NoNode, 0, true, lim.MaxDepth); err != nil {
		return nil, err
	}
	idx.computeHeights()
	idx.computeOrder()
	return idx, nil
}

// build appends n and its element descendants in pre-order.
func (idx *Index) build(n *html.Node, parent NodeID, depth int, parentVisible bool, maxDepth int) error {
	if depth > maxDepth {
		return &ParseError{Reason: fmt.Sprintf("markup nesting exceeds depth %d", maxDepth)}
	}

	id := NodeID(len(idx.nodes))
	node := Node{
		Tag:    strings.ToLower(n.Data),
		Parent: parent,
		Depth:  depth,
		src:    n,
	}
	for _, a := range n.Attr {
		node.Attrs = append(node.Attrs, Attr{Name: strings.ToLower(a.Key), Value: a.Val})
	}
	node.Visible = parentVisible && !hiddenBySelf(node)
	if !nonTextTags[node.Tag] {
		node.Text = ownText(n)
	}

	idx.nodes = append(idx.nodes, node)
	idx.byHTML[n] = id
	if parent != NoNode {
		idx.nodes[parent].Children = append(idx.nodes[parent].Children, id)
	}
	idx.indexNode(id)

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if err := idx.build(c, id, depth+1, node.Visible, maxDepth); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) indexNode(id NodeID) {
	n := &idx.nodes[id]
	for _, name := range indexedAttrs {
		if v, ok := n.Attr(name); ok && v != "" {
			idx.attrs[name][v] = append(idx.attrs[name][v], id)
		}
	}
	for _, c := range n.Classes() {
		idx.classes[c] = append(idx.classes[c], id)
	}
	if t := textsim.Normalize(n.Text); t != "" {
		idx.texts[t] = append(idx.texts[t], id)
	}
}

// computeHeights walks the arena backwards; children always have larger IDs
// than their parent, so every child height is final before its parent reads it.
func (idx *Index) computeHeights() {
	for i := len(idx.nodes) - 1; i >= 0; i-- {
		n := &idx.nodes[i]
		for _, c := range n.Children {
			if h := idx.nodes[c].Height + 1; h > n.Height {
				n.Height = h
			}
		}
	}
}

func (idx *Index) computeOrder() {
	idx.order = make([]NodeID, 0, len(idx.nodes))
	if len(idx.nodes) == 0 {
		return
	}
	queue := []NodeID{0}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		idx.order = append(idx.order, id)
		queue = append(queue, idx.nodes[id].Children...)
	}
}

var nonTextTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "head": true,
}

func ownText(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Len returns the number of elements.
func (idx *Index) Len() int { return len(idx.nodes) }

// Size returns the byte length of the parsed source.
func (idx *Index) Size() int { return idx.size }

// Source returns the markup the index was parsed from.
func (idx *Index) Source() string { return idx.src }

// Root returns the document element.
func (idx *Index) Root() NodeID { return 0 }

// Node returns a copy of the element. The Children and Attrs slices are shared
// with the index and must not be modified.
func (idx *Index) Node(id NodeID) Node { return idx.nodes[id] }

// Valid reports whether id addresses an element of this index.
func (idx *Index) Valid(id NodeID) bool { return id >= 0 && int(id) < len(idx.nodes) }

// Order returns all elements breadth-first (depth-ordered). Read-only.
func (idx *Index) Order() []NodeID { return idx.order }

// ByAttr returns elements whose attribute name has exactly value. Only id,
// name and the test attributes are indexed; other names return nil.
func (idx *Index) ByAttr(name, value string) []NodeID {
	m := idx.attrs[name]
	if m == nil {
		return nil
	}
	return m[value]
}

// ByClass returns elements carrying class token c.
func (idx *Index) ByClass(c string) []NodeID { return idx.classes[c] }

// ByText returns elements whose normalized own text equals textsim.Normalize(t).
func (idx *Index) ByText(t string) []NodeID { return idx.texts[textsim.Normalize(t)] }

// InnerText returns the whitespace-collapsed text of id and all its descendants.
func (idx *Index) InnerText(id NodeID) string {
	var parts []string
	var walk func(NodeID)
	walk = func(n NodeID) {
		node := &idx.nodes[n]
		if nonTextTags[node.Tag] {
			return
		}
		for c := node.src.FirstChild; c != nil; c = c.NextSibling {
			switch c.Type {
			case html.TextNode:
				if t := strings.TrimSpace(c.Data); t != "" {
					parts = append(parts, t)
				}
			case html.ElementNode:
				if child, ok := idx.byHTML[c]; ok {
					walk(child)
				}
			}
		}
	}
	walk(id)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// TextOf returns the element's own text, or its inner text when it has none
// (a label wrapping a span).
func (idx *Index) TextOf(id NodeID) string {
	if t := idx.nodes[id].Text; t != "" {
		return t
	}
	return idx.InnerText(id)
}

// OuterHTML renders id back to markup.
func (idx *Index) OuterHTML(id NodeID) (string, error) {
	return goquery.OuterHtml(idx.doc.FindNodes(idx.nodes[id].src))
}

// Ancestors returns up to limit ancestors of id, nearest first. limit <= 0 means all.
func (idx *Index) Ancestors(id NodeID, limit int) []NodeID {
	var out []NodeID
	for p := idx.nodes[id].Parent; p != NoNode; p = idx.nodes[p].Parent {
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Distance returns the number of tree edges between a and b.
func (idx *Index) Distance(a, b NodeID) int {
	depthA, depthB := idx.nodes[a].Depth, idx.nodes[b].Depth
	d := 0
	for depthA > depthB {
		a = idx.nodes[a].Parent
		depthA--
		d++
	}
	for depthB > depthA {
		b = idx.nodes[b].Parent
		depthB--
		d++
	}
	for a != b {
		a, b = idx.nodes[a].Parent, idx.nodes[b].Parent
		d += 2
	}
	return d
}

// ElementSiblings returns the element siblings immediately before and after id,
// or NoNode when absent.
func (idx *Index) ElementSiblings(id NodeID) (prev, next NodeID) {
	prev, next = NoNode, NoNode
	p := idx.nodes[id].Parent
	if p == NoNode {
		return
	}
	kids := idx.nodes[p].Children
	for i, c := range kids {
		if c != id {
			continue
		}
		if i > 0 {
			prev = kids[i-1]
		}
		if i+1 < len(kids) {
			next = kids[i+1]
		}
		return
	}
	return
}
