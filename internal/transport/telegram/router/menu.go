package router

import (
	"cmp"
	"slices"
	"strings"
	"unicode/utf8"

	kit "cronbot/internal/transport"
)

const (
	maxMenuName    = 32
	maxMenuDesc    = 256
	maxMenuEntries = 100
)

// menuName maps free text to a Telegram command name: lowercase letters,
// digits and single underscores, at most 32 bytes, starting with a letter.
// Separators such as "-", "/" and spaces become underscores; anything else
// is dropped. It returns "" when nothing usable is left.
func menuName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_', r == '-', r == '/', r == ' ', r == '\t':
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		}
	}
	out := strings.TrimRight(b.String(), "_")
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > maxMenuName {
		out = strings.TrimRight(out[:maxMenuName], "_")
	}
	return out
}

// routeMenuName joins a multi-token route: ["whitelist","add"] becomes
// "whitelist_add".
func routeMenuName(route []string) (string, bool) {
	name := menuName(strings.Join(route, "_"))
	return name, name != ""
}

type menuEntry struct {
	kit.BotCommand
	shortcut bool
}

// buildMenu lists top-level commands first, then shortcuts for routes
// with subcommands, each group sorted by name. Owner-only entries are
// marked with a lock.
func buildMenu(root *cmdNode, cmds []Command) []kit.BotCommand {
	seen := map[string]bool{}
	var entries []menuEntry
	add := func(name, desc string, owner, shortcut bool) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		desc = strings.Join(strings.Fields(desc), " ")
		if desc == "" {
			desc = name
		}
		if owner {
			desc = "🔒 " + desc
		}
		entries = append(entries, menuEntry{BotCommand: kit.BotCommand{Command: name, Description: clip(desc, maxMenuDesc)}, shortcut: shortcut})
	}

	for _, name := range root.childNames() {
		n, _ := root.child(name)
		if nodeHidden(n) {
			continue
		}
		add(menuName(name), summarizeNodeDesc(n), nodeIsOwnerOnly(n), false)
	}
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) < 2 || c.Hidden {
			continue
		}
		name, _ := routeMenuName(route)
		desc := c.Description
		if desc == "" {
			desc = strings.Join(route, " ")
		}
		add(name, desc, c.Access == AccessOwnerOnly, true)
	}

	slices.SortStableFunc(entries, func(a, b menuEntry) int {
		if a.shortcut != b.shortcut {
			if a.shortcut {
				return 1
			}
			return -1
		}
		return cmp.Compare(a.Command, b.Command)
	})
	if len(entries) > maxMenuEntries {
		entries = entries[:maxMenuEntries]
	}
	out := make([]kit.BotCommand, len(entries))
	for i, e := range entries {
		out[i] = e.BotCommand
	}
	return out
}

// clip cuts s to at most n bytes on a rune boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
