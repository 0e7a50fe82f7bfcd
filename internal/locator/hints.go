package locator

import (
	"regexp"
	"strings"

	"selfheal/internal/textsim"
)

// TestAttributes are the stable test-identifier attributes, in lookup priority order.
var TestAttributes = []string{"data-test", "data-testid", "data-test-id", "data-cy", "data-qa"}

// IsTestAttribute reports whether name is one of TestAttributes.
func IsTestAttribute(name string) bool {
	for _, a := range TestAttributes {
		if a == name {
			return true
		}
	}
	return false
}

// Hints is the reusable signal mined from a (possibly broken) locator.
//
// Every slice is deduplicated and keeps first-seen order, so rules that iterate
// hints emit candidates deterministically.
type Hints struct {
	IDs     []string
	Names   []string
	Classes []string
	TestIDs []string
	Texts   []string
	Tags    []string

	// Tokens is the union of textsim.Tokens over every identifier hint
	// (ids, names, classes, test ids). Text hints are not included.
	Tokens []string
}

// Identifiers returns ids, names, test ids and classes in that order.
func (h Hints) Identifiers() []string {
	out := make([]string, 0, len(h.IDs)+len(h.Names)+len(h.TestIDs)+len(h.Classes))
	out = append(out, h.IDs...)
	out = append(out, h.Names...)
	out = append(out, h.TestIDs...)
	out = append(out, h.Classes...)
	return out
}

// Empty reports whether no hint at all could be extracted.
func (h Hints) Empty() bool {
	return len(h.IDs)+len(h.Names)+len(h.Classes)+len(h.TestIDs)+len(h.Texts)+len(h.Tags) == 0
}

var (
	cssAttrRe   = regexp.MustCompile(`\[\s*([\w:-]+)\s*(?:([~|^$*]?=)\s*(?:"([^"]*)"|'([^']*)'|([^\]\s]*)))?\s*(?:[is])?\s*\]`)
	cssIDRe     = regexp.MustCompile(`#((?:[\w-]|\\.)+)`)
	cssClassRe  = regexp.MustCompile(`\.((?:[\w-]|\\.)+)`)
	cssTagRe    = regexp.MustCompile(`(?:^|[\s>+~(,])([a-zA-Z][a-zA-Z0-9-]*)`)
	cssPseudoRe = regexp.MustCompile(`::?[\w-]+(?:\([^)]*\))?`)

	xpAttrEqRe   = regexp.MustCompile(`@([\w:-]+)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	xpAttrContRe = regexp.MustCompile(`contains\(\s*@([\w:-]+)\s*,\s*(?:"([^"]*)"|'([^']*)')\s*\)`)
	xpTextEqRe   = regexp.MustCompile(`(?:text\(\)|normalize-space\(\s*(?:\.|text\(\))?\s*\)|\.)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
	xpTextContRe = regexp.MustCompile(`contains\(\s*(?:text\(\)|normalize-space\(\s*(?:\.|text\(\))?\s*\)|\.)\s*,\s*(?:"([^"]*)"|'([^']*)')\s*\)`)
	xpTagRe      = regexp.MustCompile(`/+([a-zA-Z][a-zA-Z0-9-]*)`)
	quotedRe     = regexp.MustCompile(`"[^"]*"|'[^']*'`)
)

// ExtractHints mines l for identifiers, classes, test ids, text and tags.
//
// Edge cases:
//   - css and xpath values are scanned with a tolerant grammar; unknown
//     constructs are ignored rather than rejected.
//   - class_name values may hold several space-separated classes.
//   - Extraction never fails; an unrecognizable value yields empty Hints.
func ExtractHints(l Locator) Hints {
	var b hintBuilder
	v := strings.TrimSpace(l.Value)

	switch l.Kind {
	case ID:
		b.add(&b.h.IDs, v)
	case Name:
		b.add(&b.h.Names, v)
	case ClassName:
		for _, c := range strings.Fields(v) {
			b.add(&b.h.Classes, c)
		}
	case LinkText, PartialLinkText:
		b.add(&b.h.Texts, v)
		b.add(&b.h.Tags, "a")
	case Text:
		b.add(&b.h.Texts, v)
	case CSS:
		b.css(v)
	case XPath:
		b.xpath(v)
	}

	for _, s := range b.h.Identifiers() {
		for _, t := range textsim.Tokens(s) {
			b.add(&b.h.Tokens, t)
		}
	}
	return b.h
}

type hintBuilder struct {
	h    Hints
	seen map[*[]string]map[string]struct{}
}

func (b *hintBuilder) add(dst *[]string, v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if b.seen == nil {
		b.seen = map[*[]string]map[string]struct{}{}
	}
	set := b.seen[dst]
	if set == nil {
		set = map[string]struct{}{}
		b.seen[dst] = set
	}
	if _, ok := set[v]; ok {
		return
	}
	set[v] = struct{}{}
	*dst = append(*dst, v)
}

func (b *hintBuilder) attr(name, op, value string) {
	name = strings.ToLower(name)
	switch {
	case name == "id":
		b.add(&b.h.IDs, value)
	case name == "name":
		b.add(&b.h.Names, value)
	case name == "class":
		for _, c := range strings.Fields(value) {
			b.add(&b.h.Classes, c)
		}
	case IsTestAttribute(name):
		b.add(&b.h.TestIDs, value)
	case name == "aria-label" || name == "title" || name == "placeholder" || name == "value":
		if op == "=" || op == "" {
			b.add(&b.h.Texts, value)
		}
	}
}

func (b *hintBuilder) css(v string) {
	for _, m := range cssAttrRe.FindAllStringSubmatch(v, -1) {
		b.attr(m[1], m[2], firstNonEmpty(m[3], m[4], m[5]))
	}
	// Attribute bodies may contain '#' or '.', strip them before scanning shorthand.
	rest := cssAttrRe.ReplaceAllString(v, " ")
	rest = cssPseudoRe.ReplaceAllString(rest, " ")
	for _, m := range cssIDRe.FindAllStringSubmatch(rest, -1) {
		b.add(&b.h.IDs, unescapeCSS(m[1]))
	}
	for _, m := range cssClassRe.FindAllStringSubmatch(rest, -1) {
		b.add(&b.h.Classes, unescapeCSS(m[1]))
	}
	for _, m := range cssTagRe.FindAllStringSubmatch(rest, -1) {
		b.add(&b.h.Tags, strings.ToLower(m[1]))
	}
}

func (b *hintBuilder) xpath(v string) {
	for _, m := range xpAttrEqRe.FindAllStringSubmatch(v, -1) {
		b.attr(m[1], "=", firstNonEmpty(m[2], m[3]))
	}
	for _, m := range xpAttrContRe.FindAllStringSubmatch(v, -1) {
		b.attr(m[1], "*=", firstNonEmpty(m[2], m[3]))
	}
	for _, m := range xpTextEqRe.FindAllStringSubmatch(v, -1) {
		b.add(&b.h.Texts, firstNonEmpty(m[1], m[2]))
	}
	for _, m := range xpTextContRe.FindAllStringSubmatch(v, -1) {
		b.add(&b.h.Texts, firstNonEmpty(m[1], m[2]))
	}
	for _, m := range xpTagRe.FindAllStringSubmatch(quotedRe.ReplaceAllString(v, "''"), -1) {
		b.add(&b.h.Tags, strings.ToLower(m[1]))
	}
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func unescapeCSS(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var sb strings.Builder
	escaped := false
	for _, r := range s {
		if r == '\\' && !escaped {
			escaped = true
			continue
		}
		escaped = false
		sb.WriteRune(r)
	}
	return sb.String()
}
