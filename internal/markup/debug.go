package markup

import (
	"fmt"
	"io"

	"selfheal/internal/locator"
)

// DebugPrint prints either the outer HTML or the inner text of every element
// loc resolves to, followed by a blank line, and returns the match count.
// The CLI "resolve" command uses it to check a locator by hand.
func DebugPrint(w io.Writer, idx *Index, loc locator.Locator, textOnly bool) (int, error) {
	ids := idx.Resolve(loc)
	for _, id := range ids {
		if textOnly {
			fmt.Fprintln(w, idx.InnerText(id))
			fmt.Fprintln(w)
			continue
		}
		out, err := idx.OuterHTML(id)
		if err != nil {
			return 0, fmt.Errorf("render node %d: %w", id, err)
		}
		fmt.Fprintln(w, out)
		fmt.Fprintln(w)
	}
	return len(ids), nil
}
