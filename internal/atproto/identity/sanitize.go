package identity

import (
	"regexp"
	"strings"
)

var didPattern = regexp.MustCompile(`^did:[a-z0-9]+:[a-zA-Z0-9._:%-]+$`)

// duplicateColons collapses runs of ':' down to one, e.g. "did::plc:abc".
var duplicateColons = regexp.MustCompile(`:{2,}`)

// SanitizeDID normalizes a DID string:
// strip surrounding whitespace, collapse duplicate colons, trim stray
// punctuation, and validate the result against did:<method>:<id>. Returns
// ("", false) if the input cannot be sanitized into a valid DID.
func SanitizeDID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = duplicateColons.ReplaceAllString(s, ":")
	s = strings.Trim(s, ".,;: \t\n\r")

	if !didPattern.MatchString(s) {
		return "", false
	}
	return s, true
}
