package healing

import (
	"strings"

	"selfheal/internal/markup"
)

var textInputTypes = map[string]bool{
	"": true, "text": true, "email": true, "password": true, "search": true,
	"tel": true, "url": true, "number": true, "date": true, "datetime-local": true,
	"month": true, "time": true, "week": true,
}

var clickRoles = map[string]bool{
	"button": true, "link": true, "menuitem": true, "tab": true, "checkbox": true,
	"radio": true, "switch": true, "option": true,
}

// Plausibility scores in [0,1] how well an element's tag and attributes fit
// the intended action.
func Plausibility(n markup.Node, action Action) float64 {
	switch action {
	case ActionClick, ActionSubmit:
		return clickPlausibility(n, action == ActionSubmit)
	case ActionType:
		return typePlausibility(n)
	case ActionRead:
		if n.Text != "" {
			return 1
		}
		return 0.5
	default:
		if clickPlausibility(n, false) == 1 || typePlausibility(n) == 1 {
			return 1
		}
		return 0.8
	}
}

func clickPlausibility(n markup.Node, submit bool) float64 {
	typ, _ := n.Attr("type")
	typ = strings.ToLower(strings.TrimSpace(typ))
	switch n.Tag {
	case "button":
		if submit && typ != "" && typ != "submit" {
			return 0.8
		}
		return 1
	case "input":
		switch typ {
		case "submit", "image":
			return 1
		case "button", "reset", "checkbox", "radio":
			if submit {
				return 0.6
			}
			return 1
		}
		return 0.3
	case "a":
		if _, ok := n.Attr("href"); ok {
			if submit {
				return 0.6
			}
			return 1
		}
		return 0.7
	case "summary", "option", "label", "li":
		return 0.5
	}
	if role, _ := n.Attr("role"); clickRoles[strings.ToLower(role)] {
		return 1
	}
	if _, ok := n.Attr("onclick"); ok {
		return 0.9
	}
	return 0.2
}

func typePlausibility(n markup.Node) float64 {
	switch n.Tag {
	case "textarea", "select":
		return 1
	case "input":
		typ, _ := n.Attr("type")
		if textInputTypes[strings.ToLower(strings.TrimSpace(typ))] {
			return 1
		}
		return 0.2
	case "label":
		return 0.3
	}
	if v, ok := n.Attr("contenteditable"); ok && !strings.EqualFold(v, "false") {
		return 1
	}
	if role, _ := n.Attr("role"); strings.EqualFold(role, "textbox") || strings.EqualFold(role, "searchbox") {
		return 1
	}
	return 0.1
}

// targetLevels is how far ActionTarget climbs from a text match.
const targetLevels = 2

// ActionTarget returns the element a click or submit would land on when id
// was found by its text. A label rendered in a child element (a <span> inside
// a <button>) resolves to its nearest fully clickable ancestor within two
// levels. For other actions, or when no such ancestor exists, id is returned.
func ActionTarget(idx *markup.Index, id markup.NodeID, action Action) markup.NodeID {
	if action != ActionClick && action != ActionSubmit {
		return id
	}
	submit := action == ActionSubmit
	if clickPlausibility(idx.Node(id), submit) == 1 {
		return id
	}
	for _, a := range idx.Ancestors(id, targetLevels) {
		if clickPlausibility(idx.Node(a), submit) == 1 {
			return a
		}
	}
	return id
}
