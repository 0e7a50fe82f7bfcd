package markup

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"selfheal/internal/textsim"
)

// errXPathUnsupported is returned for syntax outside the supported subset.
var errXPathUnsupported = errors.New("unsupported xpath")

// The supported XPath subset covers what recorders and hand-written tests emit:
//
//	/html/body/div          absolute child steps
//	//button                descendant steps, also mid-path (//form//input)
//	*, .., .                wildcard, parent and self steps
//	[2], [last()]           position among the step's matches under one parent
//	[@id], [@id='x']        attribute existence / equality (also !=)
//	[contains(@class,'x')]  contains / starts-with over @attr, text(), ., normalize-space()
//	[text()='x']            own text; normalize-space() and '.' use inner text
//	[a and b], [a or b], [not(a)]
//
// Anything else is errXPathUnsupported and resolves to no elements.
type XPathStep struct {
	Descendant bool
	Test       string // tag, "*", "." or ".."
	Predicates []string
}

// String renders the step back to expression syntax.
func (st XPathStep) String() string {
	var sb strings.Builder
	if st.Descendant {
		sb.WriteString("//")
	} else {
		sb.WriteString("/")
	}
	sb.WriteString(st.Test)
	for _, p := range st.Predicates {
		sb.WriteString("[" + p + "]")
	}
	return sb.String()
}

// FormatXPath joins steps into an expression.
func FormatXPath(steps []XPathStep) string {
	var sb strings.Builder
	for _, st := range steps {
		sb.WriteString(st.String())
	}
	return sb.String()
}

// ParseXPath splits expr into steps. Relative expressions are treated as
// descendant searches from the document.
func ParseXPath(expr string) ([]XPathStep, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", errXPathUnsupported)
	}
	if strings.HasPrefix(expr, "(") {
		return nil, fmt.Errorf("%w: grouped expression", errXPathUnsupported)
	}
	// A bare relative path is searched anywhere in the document.
	if !strings.HasPrefix(expr, "/") && !strings.HasPrefix(expr, ".") {
		expr = "//" + expr
	}
	if strings.HasPrefix(expr, ".//") {
		expr = expr[1:]
	}

	var steps []XPathStep
	i := 0
	for i < len(expr) {
		var st XPathStep
		switch {
		case strings.HasPrefix(expr[i:], "//"):
			st.Descendant = true
			i += 2
		case expr[i] == '/':
			i++
		case i == 0:
			// Leading "." or ".." with no slash.
		default:
			return nil, fmt.Errorf("%w: unexpected %q at %d", errXPathUnsupported, expr[i], i)
		}

		start := i
		depth := 0
		var quote byte
		for i < len(expr) {
			c := expr[i]
			if quote != 0 {
				if c == quote {
					quote = 0
				}
				i++
				continue
			}
			if c == '\'' || c == '"' {
				quote = c
			} else if c == '[' {
				depth++
			} else if c == ']' {
				depth--
			} else if c == '/' && depth == 0 {
				break
			}
			i++
		}
		if quote != 0 || depth != 0 {
			return nil, fmt.Errorf("%w: unbalanced step %q", errXPathUnsupported, expr[start:])
		}
		raw := expr[start:i]
		if raw == "" {
			return nil, fmt.Errorf("%w: empty step", errXPathUnsupported)
		}
		test, preds, err := splitPredicates(raw)
		if err != nil {
			return nil, err
		}
		if strings.Contains(test, "::") || strings.Contains(test, "(") || strings.HasPrefix(test, "@") {
			return nil, fmt.Errorf("%w: step %q", errXPathUnsupported, test)
		}
		st.Test = strings.ToLower(test)
		st.Predicates = preds
		steps = append(steps, st)
	}
	return steps, nil
}

// splitPredicates splits "div[@a='x'][2]" into "div" and its bracket bodies.
func splitPredicates(step string) (string, []string, error) {
	open := strings.IndexByte(step, '[')
	if open < 0 {
		return step, nil, nil
	}
	test := step[:open]
	var preds []string
	rest := step[open:]
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, fmt.Errorf("%w: trailing %q", errXPathUnsupported, rest)
		}
		depth := 0
		var quote byte
		end := -1
		for j := 0; j < len(rest); j++ {
			c := rest[j]
			if quote != 0 {
				if c == quote {
					quote = 0
				}
				continue
			}
			switch c {
			case '\'', '"':
				quote = c
			case '[':
				depth++
			case ']':
				depth--
				if depth == 0 {
					end = j
				}
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			return "", nil, fmt.Errorf("%w: unbalanced predicate", errXPathUnsupported)
		}
		preds = append(preds, strings.TrimSpace(rest[1:end]))
		rest = rest[end+1:]
	}
	return test, preds, nil
}

// evalXPath evaluates expr against the arena. The virtual document node is
// represented by NoNode.
func (idx *Index) evalXPath(expr string) ([]NodeID, error) {
	steps, err := ParseXPath(expr)
	if err != nil {
		return nil, err
	}
	ctx := []NodeID{NoNode}
	for _, st := range steps {
		if st.Descendant {
			ctx = idx.descendantOrSelf(ctx)
		}
		next := map[NodeID]struct{}{}
		for _, c := range ctx {
			group, err := idx.stepCandidates(c, st.Test)
			if err != nil {
				return nil, err
			}
			for _, p := range st.Predicates {
				group, err = idx.filterPredicate(group, p)
				if err != nil {
					return nil, err
				}
			}
			for _, g := range group {
				next[g] = struct{}{}
			}
		}
		ctx = ctx[:0:0]
		for id := range next {
			ctx = append(ctx, id)
		}
		slices.Sort(ctx)
		if len(ctx) == 0 {
			return nil, nil
		}
	}
	out := ctx[:0]
	for _, id := range ctx {
		if id != NoNode {
			out = append(out, id)
		}
	}
	return out, nil
}

func (idx *Index) children(id NodeID) []NodeID {
	if id == NoNode {
		if len(idx.nodes) == 0 {
			return nil
		}
		return []NodeID{0}
	}
	return idx.nodes[id].Children
}

func (idx *Index) descendantOrSelf(ctx []NodeID) []NodeID {
	seen := map[NodeID]struct{}{}
	var out []NodeID
	var walk func(NodeID)
	walk = func(id NodeID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
		for _, c := range idx.children(id) {
			walk(c)
		}
	}
	for _, c := range ctx {
		walk(c)
	}
	slices.Sort(out)
	return out
}

func (idx *Index) stepCandidates(c NodeID, test string) ([]NodeID, error) {
	switch test {
	case ".":
		return []NodeID{c}, nil
	case "..":
		if c == NoNode {
			return nil, nil
		}
		return []NodeID{idx.nodes[c].Parent}, nil
	case "node()", "*":
		return append([]NodeID(nil), idx.children(c)...), nil
	}
	if !xpName.MatchString(test) {
		return nil, fmt.Errorf("%w: node test %q", errXPathUnsupported, test)
	}
	var out []NodeID
	for _, k := range idx.children(c) {
		if idx.nodes[k].Tag == test {
			out = append(out, k)
		}
	}
	return out, nil
}

var xpName = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

func (idx *Index) filterPredicate(group []NodeID, pred string) ([]NodeID, error) {
	if n, err := strconv.Atoi(pred); err == nil {
		if n >= 1 && n <= len(group) {
			return []NodeID{group[n-1]}, nil
		}
		return nil, nil
	}
	if pred == "last()" {
		if len(group) == 0 {
			return nil, nil
		}
		return []NodeID{group[len(group)-1]}, nil
	}
	var out []NodeID
	for _, id := range group {
		ok, err := idx.evalPredicate(id, pred)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

var (
	xpFuncRe  = regexp.MustCompile(`^(contains|starts-with)\(\s*(.+?)\s*,\s*(?:'([^']*)'|"([^"]*)")\s*\)$`)
	xpCmpRe   = regexp.MustCompile(`^(.+?)\s*(!=|=)\s*(?:'([^']*)'|"([^"]*)")$`)
	xpNotRe   = regexp.MustCompile(`^not\((.*)\)$`)
	xpAttrRef = regexp.MustCompile(`^@([\w:-]+)$`)
)

func (idx *Index) evalPredicate(id NodeID, pred string) (bool, error) {
	pred = strings.TrimSpace(pred)
	if parts := splitTopLevel(pred, " or "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := idx.evalPredicate(id, p)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	if parts := splitTopLevel(pred, " and "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := idx.evalPredicate(id, p)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if m := xpNotRe.FindStringSubmatch(pred); m != nil {
		ok, err := idx.evalPredicate(id, m[1])
		return !ok, err
	}
	if m := xpAttrRef.FindStringSubmatch(pred); m != nil {
		_, ok := idx.nodes[id].Attr(strings.ToLower(m[1]))
		return ok, nil
	}
	if m := xpFuncRe.FindStringSubmatch(pred); m != nil {
		val, present, err := idx.xpValue(id, m[2])
		if err != nil || !present {
			return false, err
		}
		arg := m[3] + m[4]
		if m[1] == "contains" {
			return strings.Contains(val, arg), nil
		}
		return strings.HasPrefix(val, arg), nil
	}
	if m := xpCmpRe.FindStringSubmatch(pred); m != nil {
		val, present, err := idx.xpValue(id, m[1])
		if err != nil {
			return false, err
		}
		arg := m[3] + m[4]
		if m[2] == "=" {
			return present && val == arg, nil
		}
		return present && val != arg, nil
	}
	return false, fmt.Errorf("%w: predicate %q", errXPathUnsupported, pred)
}

// xpValue returns the string value of an operand and whether it exists.
func (idx *Index) xpValue(id NodeID, operand string) (string, bool, error) {
	operand = strings.TrimSpace(operand)
	if m := xpAttrRef.FindStringSubmatch(operand); m != nil {
		v, ok := idx.nodes[id].Attr(strings.ToLower(m[1]))
		return v, ok, nil
	}
	switch strings.ReplaceAll(operand, " ", "") {
	case "text()":
		return idx.nodes[id].Text, true, nil
	case ".", "string()", "string(.)":
		return idx.InnerText(id), true, nil
	case "normalize-space()", "normalize-space(.)", "normalize-space(text())":
		return strings.Join(strings.Fields(idx.InnerText(id)), " "), true, nil
	}
	if strings.HasPrefix(operand, "lower-case(") {
		inner := strings.TrimSuffix(strings.TrimPrefix(operand, "lower-case("), ")")
		v, ok, err := idx.xpValue(id, inner)
		return textsim.Normalize(v), ok, err
	}
	return "", false, fmt.Errorf("%w: operand %q", errXPathUnsupported, operand)
}

// splitTopLevel splits s on sep outside quotes and parentheses.
func splitTopLevel(s, sep string) []string {
	var parts []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		}
		if depth == 0 && strings.HasPrefix(s[i:], sep) {
			parts = append(parts, s[last:i])
			i += len(sep) - 1
			last = i + 1
		}
	}
	return append(parts, s[last:])
}
