// Package textsim holds the text normalization and similarity primitives shared
// by every candidate strategy.
//
// All functions are pure and safe for concurrent use.
package textsim

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// stopWords are dropped from token sets; they carry no identifying signal.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "of": {}, "to": {},
	"in": {}, "on": {}, "for": {}, "with": {}, "at": {}, "by": {}, "is": {},
}

// noiseWords are locator-naming filler that changes between releases without
// changing what the element is ("old-login-btn" vs "login").
var noiseWords = map[string]struct{}{
	"btn": {}, "button": {}, "old": {}, "new": {}, "el": {}, "elem": {},
	"element": {}, "wrapper": {}, "container": {}, "field": {}, "input": {},
	"link": {}, "item": {},
}

// Normalize applies NFKC, Unicode case folding and whitespace collapsing.
//
// Edge cases:
//   - Returns "" for whitespace-only input.
//   - A fresh cases.Caser is used per call; Casers are stateful and must not be shared.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

// Tokens splits s into lower-case identifying tokens.
//
// Splitting happens on any non letter/digit rune and on camelCase boundaries,
// so "old-login_btn", "oldLoginBtn" and "old login btn" all yield [login].
// Stop words and locator noise words are removed, duplicates are dropped, and
// first-seen order is kept.
func Tokens(s string) []string {
	if s == "" {
		return nil
	}
	s = norm.NFKC.String(s)

	var (
		out  []string
		seen = map[string]struct{}{}
		cur  []rune
	)
	flush := func() {
		if len(cur) == 0 {
			return
		}
		tok := cases.Fold().String(string(cur))
		cur = cur[:0]
		if _, ok := stopWords[tok]; ok {
			return
		}
		if _, ok := noiseWords[tok]; ok {
			return
		}
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}

	runes := []rune(s)
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if i > 0 && unicode.IsUpper(r) && unicode.IsLower(runes[i-1]) {
			flush()
		}
		cur = append(cur, r)
	}
	flush()
	return out
}

// Jaccard returns |a∩b| / |a∪b| over token sets. Two empty sets score 0.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter, union := intersect(a, b)
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Overlap returns |a∩b| / min(|a|,|b|). Empty input scores 0.
func Overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter, _ := intersect(a, b)
	m := len(a)
	if len(b) < m {
		m = len(b)
	}
	return float64(inter) / float64(m)
}

func intersect(a, b []string) (inter, union int) {
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	union = len(set)
	seen := map[string]struct{}{}
	for _, t := range b {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if _, ok := set[t]; ok {
			inter++
		} else {
			union++
		}
	}
	return inter, union
}

// TokenSimilarity is the mean of Jaccard and Overlap over Tokens(a), Tokens(b).
//
// The overlap term keeps "old-login-btn" vs "login-form" from collapsing to a
// small Jaccard when one side is a strict subset of the other.
func TokenSimilarity(a, b string) float64 {
	ta, tb := Tokens(a), Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	return (Jaccard(ta, tb) + Overlap(ta, tb)) / 2
}

// Ratio returns 1 - levenshtein(a,b)/max(len(a),len(b)) over runes.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 && len(rb) == 0 {
		return 1
	}
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

// TextSimilarity compares two pieces of visible text.
//
// Normalized equality scores 1. Otherwise the score is the larger of the edit
// ratio of the normalized strings and the token Jaccard. Empty input scores 0.
func TextSimilarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	return max(Ratio(na, nb), Jaccard(Tokens(na), Tokens(nb)))
}

// Contains reports whether the normalized form of needle occurs in haystack and
// returns len(needle)/len(haystack) as the coverage ratio.
func Contains(haystack, needle string) (bool, float64) {
	h, n := Normalize(haystack), Normalize(needle)
	if h == "" || n == "" || !strings.Contains(h, n) {
		return false, 0
	}
	return true, float64(len([]rune(n))) / float64(len([]rune(h)))
}
