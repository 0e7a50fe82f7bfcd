package pii

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

// TestMask covers each kind and the placeholders it leaves behind.
func TestMask(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
		rep  Report
	}{
		{
			name: "plain_email",
			in:   `<a href="mailto:jane.doe@example.com">Mail</a>`,
			want: `<a href="mailto:[EMAIL_MASKED]">Mail</a>`,
			rep:  Report{Emails: 1},
		},
		{
			name: "entity_email",
			in:   `<span>me&#64;example&#46;com</span>`,
			want: `<span>[EMAIL_MASKED]</span>`,
			rep:  Report{Emails: 1},
		},
		{
			name: "phones",
			in:   `<p>555-123-4567 or 555.123.4567 or 5551234567</p>`,
			want: `<p>[PHONE_MASKED] or [PHONE_MASKED] or [PHONE_MASKED]</p>`,
			rep:  Report{Phones: 3},
		},
		{
			name: "user_ids",
			in:   `<div data-owner="user_42">Account-7 id9</div>`,
			want: `<div data-owner="[USER_ID_MASKED]">[USER_ID_MASKED] [USER_ID_MASKED]</div>`,
			rep:  Report{UserIDs: 3},
		},
		{
			name: "nothing",
			in:   `<button id="login">Sign in</button>`,
			want: `<button id="login">Sign in</button>`,
		},
		{
			name: "entity_that_is_not_an_email",
			in:   `<p>fish&#38;chips</p>`,
			want: `<p>fish&#38;chips</p>`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, rep := New().Mask(tc.in)
			if got != tc.want {
				t.Fatalf("Mask()=%q, want %q", got, tc.want)
			}
			if rep != tc.rep {
				t.Fatalf("report=%+v, want %+v", rep, tc.rep)
			}
			if rep.Found() != (tc.rep != Report{}) {
				t.Fatalf("Found()=%v", rep.Found())
			}
		})
	}
}

// TestMask_SelectedKinds verifies kinds that were not requested are left alone.
func TestMask_SelectedKinds(t *testing.T) {
	t.Parallel()

	got, rep := New(Phone).Mask(`a@b.io 555-123-4567`)
	if got != `a@b.io [PHONE_MASKED]` || rep.Emails != 0 || rep.Phones != 1 {
		t.Fatalf("got %q %+v", got, rep)
	}
}

// TestMask_ScriptEmail verifies obfuscated script payloads are replaced in
// place, leaving the rest of the script intact.
func TestMask_ScriptEmail(t *testing.T) {
	t.Parallel()

	dir := mustB64JSON(t, map[string]string{"rot": "it"})
	in := `<div><script>var a='znvygb:zr&#64;rknzcyr.pbz'; document.write('<b class="required ` + dir + `"></b>');</script></div>`
	got, rep := New(Email).Mask(in)
	if rep.Emails != 1 {
		t.Fatalf("expected one email, got %+v in %q", rep, got)
	}
	if !strings.Contains(got, `var a='[EMAIL_MASKED]'`) || !strings.Contains(got, "document.write") {
		t.Fatalf("unexpected masking: %q", got)
	}
}

// TestDecodeScriptEmail covers the directive forms. The decoder fails
// closed: scripts that do not decode to an address yield "".
func TestDecodeScriptEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"no_var_a", `console.log("no email here");`, ""},
		{"entities", `var a='me&#64;example.com';`, "me@example.com"},
		{"mailto", `var a='mailto:me@example.com';`, "me@example.com"},
		{"removal", `var a='me+NOISE@example.com'; <span class="email ` + mustB64JSON(t, map[string]string{"rmv": "+NOISE"}) + `"></span>`, "me@example.com"},
		// 'q' does not appear in example.org, so only the intended rune changes.
		{"substitution", `var a='qi@example.org'; <i class="emailLink ` + mustB64JSON(t, map[string]string{"h": "q"}) + `"></i>`, "hi@example.org"},
		{"rot13", `var a='znvygb:zr@rknzcyr.pbz'; <b class="required ` + mustB64JSON(t, map[string]string{"rot": "it"}) + `"></b>`, "me@example.com"},
		{"directive_in_unrelated_class", `var a='mx@example.com'; <div class="btn ` + mustB64JSON(t, map[string]string{"rmv": "x"}) + `"></div>`, "mx@example.com"},
		{"not_an_email", `var a='hello';`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := decodeScriptEmail(tc.script); got != tc.want {
				t.Fatalf("decodeScriptEmail()=%q, want %q", got, tc.want)
			}
		})
	}
}

// TestDetect covers clear and entity-encoded values.
func TestDetect(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		`<p>call 555-123-4567</p>`:      true,
		`<p>x@y.com</p>`:                true,
		`<p>x&#64;y.com</p>`:            true,
		`<p>user_42</p>`:                false,
		`<button id="a">Go</button>`:    false,
	}
	for in, want := range cases {
		if got := Detect(in); got != want {
			t.Fatalf("Detect(%q)=%v, want %v", in, got, want)
		}
	}
}

func mustB64JSON(t *testing.T, obj map[string]string) string {
	t.Helper()

	b, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("json marshal: %v", err)
	}
	return base64.StdEncoding.EncodeToString(b)
}
