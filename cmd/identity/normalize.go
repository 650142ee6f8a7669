package identity

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// MaxLabelRunes caps free-text labels such as device display names and operator names.
const MaxLabelRunes = 120

var labelPolicy = bluemonday.StrictPolicy()

// NormalizeLabel canonicalizes operator-entered text for storage and display:
// markup is stripped, the result is NFC-normalized, control characters are
// dropped, whitespace runs are collapsed and the value is capped at MaxLabelRunes.
func NormalizeLabel(s string) string {
	// Sanitize entity-escapes what it keeps ("O'Brien" -> "O&#39;Brien").
	s = html.UnescapeString(labelPolicy.Sanitize(s))
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	n := 0
	for _, r := range s {
		if n >= MaxLabelRunes {
			break
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
			n++
		}
		space = false
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// NormalizeUserID trims an opaque user identifier.
func NormalizeUserID(s string) string {
	return strings.TrimSpace(s)
}
