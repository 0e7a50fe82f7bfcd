package markup

import (
	"strconv"
	"strings"
)

var invisibleTags = map[string]bool{
	"head": true, "script": true, "style": true, "noscript": true, "template": true,
	"meta": true, "link": true, "title": true, "base": true,
}

var hiddenClasses = map[string]bool{
	"hidden": true, "invisible": true, "d-none": true, "display-none": true,
	"sr-only": true, "visually-hidden": true, "is-hidden": true,
}

// hiddenBySelf reports whether the element's own markup hides it. Inherited
// hiding is applied by the caller.
//
// Without a layout engine this is an approximation: it catches the hidden
// attribute, aria-hidden, hidden inputs, inline display/visibility styles,
// zero-size inline styles and the usual utility classes.
func hiddenBySelf(n Node) bool {
	if invisibleTags[n.Tag] {
		return true
	}
	if _, ok := n.Attr("hidden"); ok {
		return true
	}
	if v, _ := n.Attr("aria-hidden"); strings.EqualFold(strings.TrimSpace(v), "true") {
		return true
	}
	if n.Tag == "input" {
		if v, _ := n.Attr("type"); strings.EqualFold(strings.TrimSpace(v), "hidden") {
			return true
		}
	}
	if style, ok := n.Attr("style"); ok && hiddenByStyle(parseStyle(style)) {
		return true
	}
	for _, c := range n.Classes() {
		if hiddenClasses[strings.ToLower(c)] {
			return true
		}
	}
	return false
}

// parseStyle splits an inline style into lower-cased property/value pairs.
// Later declarations win; !important is dropped.
func parseStyle(style string) map[string]string {
	decls := map[string]string{}
	for _, d := range strings.Split(style, ";") {
		prop, val, ok := strings.Cut(d, ":")
		if !ok {
			continue
		}
		prop = strings.ToLower(strings.TrimSpace(prop))
		val = strings.ToLower(strings.TrimSpace(val))
		val = strings.TrimSpace(strings.TrimSuffix(val, "!important"))
		if prop != "" {
			decls[prop] = val
		}
	}
	return decls
}

func hiddenByStyle(decls map[string]string) bool {
	if decls["display"] == "none" || decls["visibility"] == "hidden" {
		return true
	}
	if v, ok := decls["opacity"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f == 0 {
			return true
		}
	}
	return zeroLength(decls["width"]) && zeroLength(decls["height"])
}

// zeroLength reports whether v is a zero CSS length such as 0, 0px or 0.0em.
func zeroLength(v string) bool {
	if v == "" {
		return false
	}
	num := strings.TrimRight(v, "abcdefghijklmnopqrstuvwxyz%")
	f, err := strconv.ParseFloat(num, 64)
	return err == nil && f == 0
}
