// Package locator defines the (kind, value) pair that identifies a page element
// and the hint extraction used to mine a broken locator for reusable signal.
package locator

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the locator strategy a caller would hand to a browser driver.
type Kind string

const (
	ID              Kind = "id"
	CSS             Kind = "css"
	XPath           Kind = "xpath"
	Name            Kind = "name"
	LinkText        Kind = "link_text"
	PartialLinkText Kind = "partial_link_text"
	ClassName       Kind = "class_name"
	Text            Kind = "text"
)

// Kinds lists every supported kind in declaration order.
var Kinds = []Kind{ID, CSS, XPath, Name, LinkText, PartialLinkText, ClassName, Text}

// ErrInvalid is returned for an empty value or an unknown kind.
var ErrInvalid = errors.New("invalid locator")

// ParseKind maps a caller-supplied kind string onto a Kind.
//
// Edge cases:
//   - Matching is case-insensitive and tolerates surrounding whitespace.
//   - "css_selector" and "link" are accepted as aliases for css and link_text.
//
// Errors:
//   - Returns an error wrapping ErrInvalid for anything else.
func ParseKind(s string) (Kind, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	switch k {
	case "css_selector":
		return CSS, nil
	case "link":
		return LinkText, nil
	}
	for _, known := range Kinds {
		if string(known) == k {
			return known, nil
		}
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalid, s)
}

// Locator is an immutable (kind, value) pair.
type Locator struct {
	Kind  Kind   `json:"type"`
	Value string `json:"locator"`
}

// New returns a validated Locator.
func New(kind Kind, value string) (Locator, error) {
	l := Locator{Kind: kind, Value: value}
	return l, l.Validate()
}

// Validate checks that the value is non-empty and the kind is known.
func (l Locator) Validate() error {
	if strings.TrimSpace(l.Value) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalid)
	}
	for _, k := range Kinds {
		if k == l.Kind {
			return nil
		}
	}
	return fmt.Errorf("%w: unknown kind %q", ErrInvalid, l.Kind)
}

// Key is the identity used for deduplication and memoization.
func (l Locator) Key() string {
	return string(l.Kind) + "\x00" + l.Value
}

func (l Locator) String() string {
	return string(l.Kind) + "=" + l.Value
}
