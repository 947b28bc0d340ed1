package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTitle(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"empty", "", 100, ""},
		{"normal", "bash", 100, "bash"},
		{"with control chars", "ba\x00sh\x07", 100, "bash"},
		{"truncate", "very long title", 8, "very lon"},
		{"trim whitespace", "  hello  ", 100, "hello"},
		{"unicode", "日本語タイトル", 100, "日本語タイトル"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Title(tt.input, tt.maxLen)
			assert.Equal(t, tt.want, got, "Title(%q, %d)", tt.input, tt.maxLen)
		})
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hello world", Preview("hello world", 80))
	assert.Equal(t, "bold text", Preview("<b>bold</b> <i>text</i>", 80))
	assert.Empty(t, Preview("<script>alert(1)</script>", 80))

	long := "this announcement body is considerably longer than eighty characters so it must be truncated"
	got := Preview(long, 20)
	assert.Len(t, []rune(got), 20)
	assert.True(t, strings.HasSuffix(got, "…"))
}
