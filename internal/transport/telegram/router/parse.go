package router

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// newReqID returns the first 8 hex chars of a random UUID.
func newReqID() string {
	return uuid.NewString()[:8]
}

// splitCommand separates "/cmd@bot rest" into the command word, the bot
// name it was addressed to (may be empty) and the remaining text.
func splitCommand(text string) (word, bot, rest string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", text
	}
	head, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexAny(head, "\n\t"); i >= 0 {
		rest = head[i+1:] + " " + rest
		head = head[:i]
	}
	word = strings.TrimPrefix(head, "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word, bot = word[:i], word[i+1:]
	}
	return strings.ToLower(word), bot, strings.TrimSpace(rest)
}

// dropFirstField removes the first whitespace-separated field of s.
func dropFirstField(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t\n"); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return ""
}

// tokenizeCommandLine splits s on whitespace. Single or double quotes group
// words and a backslash escapes the next byte, so
//
//	/edit 3f2a text "good morning all"
//
// yields [3f2a text "good morning all"] with the quotes removed.
func tokenizeCommandLine(s string) []string {
	var (
		out   []string
		tok   strings.Builder
		quote byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			i++
			tok.WriteByte(s[i])
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				tok.WriteByte(c)
			}
		case c == '"' || c == '\'':
			quote = c
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if tok.Len() > 0 {
				out = append(out, tok.String())
				tok.Reset()
			}
		default:
			tok.WriteByte(c)
		}
	}
	if tok.Len() > 0 {
		out = append(out, tok.String())
	}
	return out
}

// parseFlags splits raw args into positionals, valued flags and boolean
// flags. Accepted: --k=v, --k v, --k, -k=v, -k v, -k and -abc (a, b and c
// set). A lone "-" and numbers such as "-5.5" are positionals.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags, bools = map[string]string{}, map[string]bool{}
	for i := 0; i < len(args); i++ {
		a := args[i]
		name, long := flagName(a)
		if name == "" {
			pos = append(pos, a)
			continue
		}
		if k, v, ok := strings.Cut(name, "="); ok {
			flags[k] = v
			continue
		}
		if !long && len(name) > 1 {
			for _, r := range name {
				bools[string(r)] = true
			}
			continue
		}
		if i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
			i++
			flags[name] = args[i]
			continue
		}
		bools[name] = true
	}
	return pos, flags, bools
}

// flagName strips the dashes from a flag argument. It returns "" for
// positionals.
func flagName(a string) (name string, long bool) {
	if _, err := strconv.ParseFloat(a, 64); err == nil {
		return "", false
	}
	if rest, ok := strings.CutPrefix(a, "--"); ok && rest != "" {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(a, "-"); ok && rest != "" {
		return rest, false
	}
	return "", false
}
