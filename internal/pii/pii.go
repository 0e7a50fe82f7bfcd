// Package pii masks personal data in page markup before it leaves the
// process, either to an external candidate provider or to snapshot storage.
package pii

import (
	"html"
	"regexp"
	"strings"
)

// Kind is a class of personal data.
type Kind string

const (
	Email  Kind = "email"
	Phone  Kind = "phone"
	UserID Kind = "user_id"
)

// Placeholders substituted for masked values.
const (
	EmailMask  = "[EMAIL_MASKED]"
	PhoneMask  = "[PHONE_MASKED]"
	UserIDMask = "[USER_ID_MASKED]"
)

var (
	reEmail  = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	rePhone  = regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)
	reUserID = regexp.MustCompile(`(?i)\b(?:user|id|account)[\-_]?\d+\b`)

	// reEntityRun finds runs of email characters where some characters are
	// written as HTML entities (me&#64;example&#46;com).
	reEntityRun = regexp.MustCompile(`(?:[A-Za-z0-9._%+\-]|&#\d{1,4};|&#[xX][0-9a-fA-F]{1,4};|&commat;|&period;)+`)

	reFullEmail = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
)

// Report counts what Mask replaced.
type Report struct {
	Emails  int `json:"emails"`
	Phones  int `json:"phones"`
	UserIDs int `json:"user_ids"`
}

// Found reports whether anything was masked.
func (r Report) Found() bool { return r.Emails+r.Phones+r.UserIDs > 0 }

// Masker replaces the configured kinds of personal data. The zero value
// masks nothing; use New.
type Masker struct {
	kinds map[Kind]bool
}

// New returns a Masker for kinds, or for every kind when none are given.
func New(kinds ...Kind) *Masker {
	if len(kinds) == 0 {
		kinds = []Kind{Email, Phone, UserID}
	}
	m := &Masker{kinds: map[Kind]bool{}}
	for _, k := range kinds {
		m.kinds[k] = true
	}
	return m
}

// Mask returns s with personal data replaced by placeholders.
//
// Emails are masked in three forms: obfuscated inside inline scripts (see
// decodeScriptEmail), spelled with HTML entities, and in the clear. Phones
// are ten-digit numbers with optional - or . separators. User ids are
// user/id/account followed by digits.
func (m *Masker) Mask(s string) (string, Report) {
	var rep Report
	if m.kinds[Email] {
		s = maskScriptEmails(s, &rep)
		s = reEntityRun.ReplaceAllStringFunc(s, func(run string) string {
			if !strings.Contains(run, "&") {
				return run
			}
			if reFullEmail.MatchString(strings.TrimSpace(html.UnescapeString(run))) {
				rep.Emails++
				return EmailMask
			}
			return run
		})
		s = replaceCounting(reEmail, s, EmailMask, &rep.Emails)
	}
	if m.kinds[Phone] {
		s = replaceCounting(rePhone, s, PhoneMask, &rep.Phones)
	}
	if m.kinds[UserID] {
		s = replaceCounting(reUserID, s, UserIDMask, &rep.UserIDs)
	}
	return s, rep
}

func replaceCounting(re *regexp.Regexp, s, repl string, n *int) string {
	return re.ReplaceAllStringFunc(s, func(string) string {
		*n++
		return repl
	})
}

// Detect reports whether s carries an email address or phone number, in the
// clear or entity-encoded.
func Detect(s string) bool {
	if reEmail.MatchString(s) || rePhone.MatchString(s) {
		return true
	}
	return reEmail.MatchString(html.UnescapeString(s))
}

var defaultMasker = New()

// Mask masks every kind with the default Masker.
func Mask(s string) string {
	out, _ := defaultMasker.Mask(s)
	return out
}
