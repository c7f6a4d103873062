// Package parser pulls header values out of raw inbound messages.
//
// Extraction is deliberately shallow: it pattern-matches header lines in
// the raw DATA payload instead of decoding MIME structure, so it works on
// malformed or truncated messages. When a header occurs more than once
// (a delivery report that quotes the original headers, for example) the
// first occurrence wins.
package parser

import (
	"regexp"
	"strings"
	"sync"
)

// Fields holds the header values the intake pipeline records.
type Fields struct {
	From      string
	To        string
	Subject   string
	MessageID string
}

// patterns caches one compiled expression per header name.
var patterns sync.Map // lowercase name -> *regexp.Regexp

func pattern(name string) *regexp.Regexp {
	key := strings.ToLower(name)
	if re, ok := patterns.Load(key); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?im)^` + regexp.QuoteMeta(name) + `:[ \t]*([^\r\n]*)`)
	actual, _ := patterns.LoadOrStore(key, re)
	return actual.(*regexp.Regexp)
}

// Lookup returns the trimmed value of the first line in raw that starts
// with name followed by a colon, matched case-insensitively. The value
// runs up to the first CR or LF. The boolean is false when no such line
// exists.
func Lookup(raw []byte, name string) (string, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", false
	}
	m := pattern(name).FindSubmatch(raw)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(string(m[1])), true
}

// Header is Lookup without the presence flag; a missing header yields "".
func Header(raw []byte, name string) string {
	v, _ := Lookup(raw, name)
	return v
}

// Extract reads the From, To, Subject and Message-ID headers from raw.
func Extract(raw []byte) Fields {
	return Fields{
		From:      Header(raw, "From"),
		To:        Header(raw, "To"),
		Subject:   Header(raw, "Subject"),
		MessageID: Header(raw, "Message-ID"),
	}
}
