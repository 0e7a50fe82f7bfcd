package pii

import (
	"encoding/base64"
	"encoding/json"
	"html"
	"regexp"
	"strings"
)

var (
	reScript    = regexp.MustCompile(`(?is)(<script\b[^>]*>)(.*?)(</script>)`)
	reVarA      = regexp.MustCompile(`\bvar\s+a\s*=\s*'([^']*)'`)
	reClassAttr = regexp.MustCompile(`\bclass\s*=\s*"([^"]+)"`)
)

// maskScriptEmails replaces the payload of inline scripts that assemble an
// obfuscated email address at runtime.
func maskScriptEmails(s string, rep *Report) string {
	return reScript.ReplaceAllStringFunc(s, func(block string) string {
		parts := reScript.FindStringSubmatch(block)
		body := parts[2]
		if decodeScriptEmail(body) == "" {
			return block
		}
		loc := reVarA.FindStringSubmatchIndex(body)
		rep.Emails++
		return parts[1] + body[:loc[2]] + EmailMask + body[loc[3]:] + parts[3]
	})
}

// decodeScriptEmail recovers an email address from an inline script that
// writes it with simple obfuscation, without executing the script.
//
// The address is the value of var a='...' (possibly entity-encoded). Base64
// JSON tokens in email-ish class attributes carry directives:
//
//	{"rot":"it"}      ROT13 the whole string
//	{"rmv":"<sub>"}   remove injected noise
//	{"h":"m"}         real 'h' was written as 'm'
//
// Directives are applied in that order after removals: unescape, removals,
// substitutions, ROT13, then a conservative email check. Anything that does
// not decode to an address yields "".
func decodeScriptEmail(script string) string {
	m := reVarA.FindStringSubmatch(script)
	if len(m) != 2 {
		return ""
	}
	email := strings.TrimSpace(html.UnescapeString(m[1]))
	email = strings.TrimPrefix(email, "mailto:")

	dirs := scriptDirectives(script)
	for _, rm := range dirs.removals {
		if rm != "" {
			email = strings.ReplaceAll(email, rm, "")
		}
	}
	if len(dirs.obfToReal) > 0 {
		rs := []rune(email)
		for i, r := range rs {
			if real, ok := dirs.obfToReal[r]; ok {
				rs[i] = real
			}
		}
		email = string(rs)
	}
	if dirs.rot13 {
		email = rot13(email)
	}
	// ROT13 hides "mailto:" as "znvygb:" until now.
	email = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(email), "mailto:"))
	if reFullEmail.MatchString(email) {
		return email
	}
	return ""
}

type directives struct {
	rot13     bool
	removals  []string
	obfToReal map[rune]rune
}

// scriptDirectives collects directive tokens from class attributes that
// mention email, emailLink or required. Other classes are never decoded.
func scriptDirectives(script string) directives {
	out := directives{obfToReal: map[rune]rune{}}
	for _, ca := range reClassAttr.FindAllStringSubmatch(script, -1) {
		classVal := ca[1]
		if !strings.Contains(classVal, "email") && !strings.Contains(classVal, "required") {
			continue
		}
		for _, tok := range strings.Fields(classVal) {
			if len(tok) < 8 || len(tok) > 80 {
				continue
			}
			obj, ok := decodeToken(tok)
			if !ok {
				continue
			}
			if obj["rot"] == "it" {
				out.rot13 = true
			}
			if v := obj["rmv"]; v != "" {
				out.removals = append(out.removals, v)
			}
			for k, v := range obj {
				if k == "rot" || k == "rmv" {
					continue
				}
				kr, vr := []rune(k), []rune(v)
				if len(kr) == 1 && len(vr) == 1 {
					out.obfToReal[vr[0]] = kr[0]
				}
			}
		}
	}
	return out
}

// decodeToken decodes standard or URL-safe Base64 into a non-empty JSON
// object of strings.
func decodeToken(token string) (map[string]string, bool) {
	for len(token)%4 != 0 {
		token += "="
	}
	b, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		if b, err = base64.URLEncoding.DecodeString(token); err != nil {
			return nil, false
		}
	}
	var obj map[string]string
	if err := json.Unmarshal(b, &obj); err != nil || len(obj) == 0 {
		return nil, false
	}
	return obj, true
}

func rot13(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune('a' + (r-'a'+13)%26)
		case r >= 'A' && r <= 'Z':
			b.WriteRune('A' + (r-'A'+13)%26)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
