package markup

import (
	"bytes"
	"strings"
	"testing"

	"selfheal/internal/locator"
)

// TestDebugPrint_TextOnly verifies text mode prints inner text with a blank
// line between matches.
func TestDebugPrint_TextOnly(t *testing.T) {
	t.Parallel()

	idx := mustParse(t, `<div class="x">  A  </div><div class="x">B <i>c</i></div>`)
	var buf bytes.Buffer

	n, err := DebugPrint(&buf, idx, locator.Locator{Kind: locator.CSS, Value: "div.x"}, true)
	if err != nil {
		t.Fatalf("DebugPrint: %v", err)
	}
	if n != 2 {
		t.Fatalf("matched %d, want 2", n)
	}
	if want := "A\n\nB c\n\n"; buf.String() != want {
		t.Fatalf("unexpected output:\nwant=%q\ngot=%q", want, buf.String())
	}
}

// TestDebugPrint_OuterHTML verifies the default mode prints outer HTML.
func TestDebugPrint_OuterHTML(t *testing.T) {
	t.Parallel()

	idx := mustParse(t, `<div id="x"><span>Hi</span></div>`)
	var buf bytes.Buffer

	n, err := DebugPrint(&buf, idx, locator.Locator{Kind: locator.ID, Value: "x"}, false)
	if err != nil || n != 1 {
		t.Fatalf("DebugPrint: n=%d err=%v", n, err)
	}
	out := buf.String()
	if !strings.Contains(out, `<div id="x">`) || !strings.Contains(out, `<span>Hi</span>`) {
		t.Fatalf("unexpected outer html output: %q", out)
	}
	if !strings.HasSuffix(out, "\n\n") {
		t.Fatalf("expected trailing blank line, got %q", out)
	}
}

// TestDebugPrint_NoMatch verifies nothing is printed for an unresolvable locator.
func TestDebugPrint_NoMatch(t *testing.T) {
	t.Parallel()

	idx := mustParse(t, `<p>x</p>`)
	var buf bytes.Buffer
	n, err := DebugPrint(&buf, idx, locator.Locator{Kind: locator.ID, Value: "missing"}, false)
	if err != nil || n != 0 || buf.Len() != 0 {
		t.Fatalf("n=%d err=%v out=%q", n, err, buf.String())
	}
}
