package chat

import (
	"strings"
	"unicode/utf8"
)

const maxTitleRunes = 40

// AutoTitle derives a chat title from the first user message: the first
// non-blank line with whitespace collapsed, cut on a word boundary.
func AutoTitle(content string) string {
	var line string
	for l := range strings.Lines(content) {
		if f := strings.Fields(l); len(f) > 0 {
			line = strings.Join(f, " ")
			break
		}
	}
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}

	runes := []rune(line)
	cut := string(runes[:maxTitleRunes])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ") + "..."
}
