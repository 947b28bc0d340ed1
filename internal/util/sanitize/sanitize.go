package sanitize

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// Title sanitizes a terminal title by removing control characters
// and limiting the length.
func Title(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

var previewPolicy = bluemonday.StrictPolicy()

// Preview strips any markup from an announcement or notification body
// and truncates it to maxLen runes, appending an ellipsis when it was
// cut short. Used for the Notification preview the spec requires
// alongside every Announcement delivery.
func Preview(body string, maxLen int) string {
	clean := strings.TrimSpace(previewPolicy.Sanitize(body))
	runes := []rune(clean)
	if len(runes) <= maxLen {
		return clean
	}
	if maxLen <= 1 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-1]) + "…"
}
