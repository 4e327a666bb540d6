package util

import (
	"regexp"
	"strings"
)

var nonDigits = regexp.MustCompile(`\D+`)

// NormalizePhone reduces user input to WhatsApp's digits-only international form,
// assuming Brazil (+55) for national numbers.
func NormalizePhone(raw string) string {
	s := nonDigits.ReplaceAllString(strings.TrimSpace(raw), "")

	if strings.HasPrefix(s, "00") {
		s = s[2:]
	}
	// national with trunk prefix: 0 + DDD + number
	if strings.HasPrefix(s, "0") && (len(s) == 11 || len(s) == 12) {
		s = s[1:]
	}
	// DDD + 8/9 digit number
	if len(s) == 10 || len(s) == 11 {
		s = "55" + s
	}

	return s
}

// NormalizeEmail lowercases and trims an email for matching.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
