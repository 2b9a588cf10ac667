package tgui

import (
	"strings"
	"unicode/utf8"
)

// TruncRunes returns s cut to at most n runes, with "…" appended when cut.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	rs := []rune(s)
	return string(rs[:n-1]) + "…"
}

// MessageLimit is the text size the adapter splits at, below Telegram's
// 4096 character cap.
const MessageLimit = 4000

// SplitMessage cuts s into pieces of at most limit runes. A piece ends at
// the last newline of its window when that keeps it at least a third full.
// With html set, a piece never ends inside an unclosed tag.
func SplitMessage(s string, limit int, html bool) []string {
	if limit <= 0 {
		limit = MessageLimit
	}
	rest := []rune(s)
	if len(rest) <= limit {
		return []string{s}
	}
	var parts []string
	for len(rest) > limit {
		cut := cutPoint(rest[:limit], html)
		parts = append(parts, strings.TrimRight(string(rest[:cut]), "\n"))
		rest = rest[cut:]
		for len(rest) > 0 && rest[0] == '\n' {
			rest = rest[1:]
		}
	}
	if len(rest) > 0 {
		parts = append(parts, string(rest))
	}
	return parts
}

func cutPoint(win []rune, html bool) int {
	cut := len(win)
	for i := len(win) - 1; i >= len(win)/3; i-- {
		if win[i] == '\n' {
			cut = i + 1
			break
		}
	}
	if !html {
		return cut
	}
	for i := cut - 1; i > 0; i-- {
		switch win[i] {
		case '>':
			return cut
		case '<':
			return i
		}
	}
	return cut
}
