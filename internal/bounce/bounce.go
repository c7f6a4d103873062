// Package bounce classifies inbound messages by content signature.
package bounce

import (
	"bytes"
	"fmt"
	"regexp"
)

// Label is the classification assigned to an inbound message.
type Label string

const (
	HardBounce Label = "hard_bounce"
	SoftBounce Label = "soft_bounce"
	AutoReply  Label = "auto_reply"
	Unknown    Label = "unknown"
)

// Labels lists every label in classification priority order.
var Labels = []Label{HardBounce, SoftBounce, AutoReply, Unknown}

// String returns the label text as stored and logged.
func (l Label) String() string {
	return string(l)
}

// Valid reports whether l is one of the known labels.
func (l Label) Valid() bool {
	switch l {
	case HardBounce, SoftBounce, AutoReply, Unknown:
		return true
	}
	return false
}

// ParseLabel converts stored text back into a Label.
func ParseLabel(s string) (Label, error) {
	l := Label(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown bounce label %q", s)
	}
	return l, nil
}

// smtpProximity is how many bytes may separate a legacy reply code
// from the "smtp" token for the pair to count as a match.
const smtpProximity = 64

// rule is one tier of the classifier. A message matches the tier if it
// contains any keyword, matches the enhanced status pattern, or carries
// one of the legacy codes near "smtp".
type rule struct {
	label    Label
	keywords [][]byte
	enhanced *regexp.Regexp
	legacy   *regexp.Regexp
}

// enhancedCode matches an enhanced status code of the given class with a
// subject of 0 to 3. A code touching a letter, digit or dot on either side
// is part of something else, such as an IPv4 address or a version number.
// One trailing dot is allowed so a code can end a sentence.
func enhancedCode(class string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[^0-9a-z.])` + class + `\.[0-3]\.[0-9]{1,3}\.?(?:[^0-9a-z.]|$)`)
}

// agentHeaders name header lines that carry software versions rather than
// status codes.
var agentHeaders = [][]byte{
	[]byte("x-mailer:"),
	[]byte("user-agent:"),
}

// withoutAgentHeaders blanks agent header lines so their version numbers
// are not read as status codes.
func withoutAgentHeaders(lower []byte) []byte {
	found := false
	for _, h := range agentHeaders {
		if bytes.Contains(lower, h) {
			found = true
			break
		}
	}
	if !found {
		return lower
	}

	out := make([]byte, 0, len(lower))
	for _, line := range bytes.SplitAfter(lower, []byte("\n")) {
		skip := false
		for _, h := range agentHeaders {
			if bytes.HasPrefix(line, h) {
				skip = true
				break
			}
		}
		if skip {
			out = append(out, '\n')
			continue
		}
		out = append(out, line...)
	}
	return out
}

var rules = []rule{
	{
		label: HardBounce,
		keywords: [][]byte{
			[]byte("bounce"),
			[]byte("undeliverable"),
			[]byte("delivery failed"),
			[]byte("smtp error"),
		},
		enhanced: enhancedCode("5"),
		legacy:   regexp.MustCompile(`\b55[023]\b`),
	},
	{
		label: SoftBounce,
		keywords: [][]byte{
			[]byte("delayed"),
			[]byte("delivery delay"),
			[]byte("temporarily unavailable"),
		},
		enhanced: enhancedCode("4"),
		legacy:   regexp.MustCompile(`\b45[012]\b`),
	},
	{
		label: AutoReply,
		keywords: [][]byte{
			[]byte("auto-submitted"),
			[]byte("auto-reply"),
			[]byte("automatic reply"),
			[]byte("out of office"),
		},
	},
}

// Classify returns exactly one label for raw. Rules are evaluated in
// priority order over the lowercased message and the first match wins,
// so a report that mentions both "undeliverable" and "delayed" is a
// hard bounce.
func Classify(raw []byte) Label {
	lower := bytes.ToLower(raw)
	codes := withoutAgentHeaders(lower)
	for _, r := range rules {
		if r.matches(lower, codes) {
			return r.label
		}
	}
	return Unknown
}

// matches checks keywords and legacy codes against lower and enhanced
// codes against codes.
func (r rule) matches(lower, codes []byte) bool {
	for _, kw := range r.keywords {
		if bytes.Contains(lower, kw) {
			return true
		}
	}
	if r.enhanced != nil && r.enhanced.Match(codes) {
		return true
	}
	if r.legacy != nil && legacyNearSMTP(lower, r.legacy) {
		return true
	}
	return false
}

// legacyNearSMTP reports whether any legacy code match has "smtp"
// within smtpProximity bytes on either side of it.
func legacyNearSMTP(lower []byte, code *regexp.Regexp) bool {
	if !bytes.Contains(lower, []byte("smtp")) {
		return false
	}
	for _, loc := range code.FindAllIndex(lower, -1) {
		start := loc[0] - smtpProximity
		if start < 0 {
			start = 0
		}
		end := loc[1] + smtpProximity
		if end > len(lower) {
			end = len(lower)
		}
		if bytes.Contains(lower[start:end], []byte("smtp")) {
			return true
		}
	}
	return false
}
