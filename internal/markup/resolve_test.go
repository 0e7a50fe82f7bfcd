package markup

import (
	"testing"

	"selfheal/internal/locator"
)

const listPage = `<html><body>
<nav>
  <a href="/home" class="nav-item">Home</a>
  <a href="/account" class="nav-item active"><span>My</span> Account</a>
  <a href="/logout" class="nav-item">Log out</a>
</nav>
<main id="main">
  <div class="row"><label>Email</label><button class="action">Save</button></div>
  <div class="row"><label>Phone</label><button class="action" name="save-phone">Save</button></div>
  <p>Terms apply</p>
</main>
</body></html>`

// TestResolve_AllKinds verifies every locator kind resolves against the same
// document, and that unresolvable or invalid expressions yield nothing.
func TestResolve_AllKinds(t *testing.T) {
	t.Parallel()

	idx := mustParse(t, listPage)
	tests := []struct {
		name string
		loc  locator.Locator
		want int
	}{
		{"id", locator.Locator{Kind: locator.ID, Value: "main"}, 1},
		{"name", locator.Locator{Kind: locator.Name, Value: "save-phone"}, 1},
		{"class_single", locator.Locator{Kind: locator.ClassName, Value: "action"}, 2},
		{"class_multi", locator.Locator{Kind: locator.ClassName, Value: "nav-item active"}, 1},
		{"css_descendant", locator.Locator{Kind: locator.CSS, Value: "main .row > button"}, 2},
		{"css_group", locator.Locator{Kind: locator.CSS, Value: "#main, nav"}, 2},
		{"css_syntax_error", locator.Locator{Kind: locator.CSS, Value: "div[["}, 0},
		{"xpath_abs", locator.Locator{Kind: locator.XPath, Value: "/html/body/main/div[2]/button"}, 1},
		{"xpath_text", locator.Locator{Kind: locator.XPath, Value: "//label[text()='Phone']"}, 1},
		{"xpath_unsupported", locator.Locator{Kind: locator.XPath, Value: "//label/following-sibling::button"}, 0},
		{"link_text_inner", locator.Locator{Kind: locator.LinkText, Value: "my account"}, 1},
		{"partial_link_text", locator.Locator{Kind: locator.PartialLinkText, Value: "o"}, 3},
		{"text", locator.Locator{Kind: locator.Text, Value: "Save"}, 2},
		{"invalid_empty", locator.Locator{Kind: locator.CSS, Value: ""}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := idx.Resolve(tc.loc)
			if len(got) != tc.want {
				t.Fatalf("Resolve(%v)=%v, want %d matches", tc.loc, got, tc.want)
			}
			for i := 1; i < len(got); i++ {
				if got[i] <= got[i-1] {
					t.Fatalf("results must be in document order: %v", got)
				}
			}
			if c := idx.Count(tc.loc); c != tc.want {
				t.Fatalf("Count=%d, want %d", c, tc.want)
			}
		})
	}
}

// TestResolve_XPathPredicates covers the predicate forms of the xpath subset.
func TestResolve_XPathPredicates(t *testing.T) {
	t.Parallel()

	idx := mustParse(t, listPage)
	tests := []struct {
		expr string
		want int
	}{
		{"//a[contains(@class,'active')]", 1},
		{"//a[starts-with(@href,'/log')]", 1},
		{"//a[@href and not(@href='/home')]", 2},
		{"//a[@href='/home' or @href='/logout']", 2},
		{"//a[last()]", 1},
		{"//nav/a[2]", 1},
		{"//a[normalize-space()='My Account']", 1},
		{"//a[contains(.,'Account')]", 1},
		{"//button[@name!='save-phone']", 0},
		{"//label/..", 2},
		{"//*[@id='main']//button", 2},
		{"button", 2},
		{"(//button)[1]", 0},
	}
	for _, tc := range tests {
		loc := locator.Locator{Kind: locator.XPath, Value: tc.expr}
		if got := idx.Resolve(loc); len(got) != tc.want {
			t.Fatalf("%s resolved %d nodes, want %d", tc.expr, len(got), tc.want)
		}
	}
}

// TestCount_Memoized verifies repeated counts reuse the memo entry.
func TestCount_Memoized(t *testing.T) {
	t.Parallel()

	idx := mustParse(t, listPage)
	loc := locator.Locator{Kind: locator.CSS, Value: "button.action"}
	if idx.Count(loc) != 2 {
		t.Fatalf("unexpected count")
	}
	if _, ok := idx.counts.Load(loc.Key()); !ok {
		t.Fatalf("count was not memoized")
	}
	if idx.Count(loc) != 2 {
		t.Fatalf("memoized count changed")
	}
}

// TestMatchText verifies exact matches win, then substring, then similarity.
func TestMatchText(t *testing.T) {
	t.Parallel()

	idx := mustParse(t, listPage)

	exact := idx.MatchText("  email ", 0.6)
	if len(exact) != 1 || exact[0].Score != 1 || idx.Node(exact[0].Node).Tag != "label" {
		t.Fatalf("exact match: %+v", exact)
	}

	sub := idx.MatchText("Terms", 0.6)
	if len(sub) != 1 || sub[0].Score < 0.6 || sub[0].Score >= 1 {
		t.Fatalf("substring match: %+v", sub)
	}

	fuzzy := idx.MatchText("Phonne", 0.6)
	if len(fuzzy) == 0 || idx.Node(fuzzy[0].Node).Text != "Phone" {
		t.Fatalf("similarity match: %+v", fuzzy)
	}

	if got := idx.MatchText("", 0.6); got != nil {
		t.Fatalf("empty query must match nothing, got %+v", got)
	}
}
