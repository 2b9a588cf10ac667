package router

import (
	"slices"
	"sort"
	"strings"

	"cronbot/pkg/tgui"
)

const helpUnknown tgui.H = "❓ <b>Unknown command</b>\nSend <code>/help</code> for the command list."

// helpText renders /help or /help <path...> as Telegram HTML. Owner-only
// commands are shown to owners only.
func (m *CommandManager) helpText(path []string, owner bool) string {
	m.mu.RLock()
	root, alias := m.root, m.alias
	m.mu.RUnlock()

	if len(path) == 0 {
		return overview(root, owner).String()
	}
	node, route, ok := resolveHelp(root, alias, path)
	if !ok {
		return helpUnknown.String()
	}
	return detail(node, route, owner).String()
}

// resolveHelp walks path through the tree. An alias jumps straight to its
// command and ends the walk.
func resolveHelp(root *cmdNode, alias map[string]*cmdNode, path []string) (*cmdNode, []string, bool) {
	cur := root
	var route []string
	for _, p := range path {
		p = strings.ToLower(strings.TrimPrefix(p, "/"))
		if next, ok := cur.child(p); ok {
			cur = next
			route = append(route, p)
			continue
		}
		if leaf := alias[p]; leaf != nil && leaf.cmd != nil {
			return leaf, splitRoute(leaf.cmd.Route), true
		}
		return nil, nil, false
	}
	return cur, route, true
}

type helpEntry struct {
	name   string
	desc   string
	locked bool
}

func (e helpEntry) line(prefix string) tgui.H {
	bullet := tgui.H("• ")
	if e.locked {
		bullet = "• 🔒 "
	}
	out := bullet + tgui.Code(prefix+e.name)
	if e.desc != "" {
		out += " - " + tgui.Esc(e.desc)
	}
	return out
}

func overview(root *cmdNode, owner bool) tgui.H {
	var entries []helpEntry
	for _, name := range root.childNames() {
		n, _ := root.child(name)
		if n == nil || nodeHidden(n) {
			continue
		}
		locked := nodeIsOwnerOnly(n)
		if locked && !owner {
			continue
		}
		entries = append(entries, helpEntry{name: name, desc: summarizeNodeDesc(n), locked: locked})
	}
	// Unlocked first, then by name.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].locked != entries[j].locked {
			return !entries[i].locked
		}
		return entries[i].name < entries[j].name
	})

	lines := []tgui.H{
		"📚 " + tgui.B("Commands"),
		"Send " + tgui.Code("/help <cmd>") + " for details.",
	}
	for _, e := range entries {
		lines = append(lines, e.line("/"))
	}
	return tgui.JoinH("\n", lines...)
}

func detail(n *cmdNode, route []string, owner bool) tgui.H {
	title := "/" + strings.Join(route, " ")
	lines := []tgui.H{"📚 " + tgui.B("Help") + " " + tgui.Code(title)}

	if c := n.cmd; c != nil {
		lines = append(lines, tgui.Esc(strings.TrimSpace(c.Description)))
		if c.Access == AccessOwnerOnly {
			lines = append(lines, "🔒 "+tgui.I("Owners only"))
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, tgui.B("Usage"), tgui.Code(u))
		}
		if short := shortcuts(*c); len(short) > 0 {
			lines = append(lines, tgui.B("Shortcuts"))
			for _, s := range short {
				lines = append(lines, "• "+tgui.Code("/"+s))
			}
		}
	} else {
		lines = append(lines, "Command group.")
	}

	if len(n.children) == 0 {
		return tgui.JoinH("\n", lines...)
	}
	lines = append(lines, tgui.B("Subcommands"))
	for _, name := range n.childNames() {
		ch, _ := n.child(name)
		if ch == nil || (nodeIsOwnerOnly(ch) && !owner) {
			continue
		}
		e := helpEntry{name: name, desc: summarizeNodeDesc(ch)}
		lines = append(lines, e.line(title+" "))
	}
	return tgui.JoinH("\n", lines...)
}

// summarizeNodeDesc is the command description, or a preview of a group's
// subcommands.
func summarizeNodeDesc(n *cmdNode) string {
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	switch {
	case len(kids) == 0:
		return ""
	case len(kids) > 3:
		return "subcommands: " + strings.Join(kids[:3], ", ") + ", …"
	}
	return "subcommands: " + strings.Join(kids, ", ")
}

// nodeIsOwnerOnly is true for an owner-only leaf, or a group whose every
// command is owner-only.
func nodeIsOwnerOnly(n *cmdNode) bool {
	return allLeaves(n, func(c *Command) bool { return c.Access == AccessOwnerOnly })
}

// nodeHidden is true for a hidden leaf, or a non-empty group of hidden
// commands.
func nodeHidden(n *cmdNode) bool {
	if n.cmd == nil && len(n.children) == 0 {
		return false
	}
	return allLeaves(n, func(c *Command) bool { return c.Hidden })
}

func allLeaves(n *cmdNode, pred func(*Command) bool) bool {
	if n == nil {
		return false
	}
	if n.cmd != nil {
		return pred(n.cmd)
	}
	for _, ch := range n.children {
		if !allLeaves(ch, pred) {
			return false
		}
	}
	return true
}

// shortcuts lists the single-word names that reach c: its flattened menu
// name and its aliases.
func shortcuts(c Command) []string {
	var out []string
	route := splitRoute(c.Route)
	if name, ok := routeMenuName(route); ok && len(route) > 1 {
		out = append(out, name)
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		out = append(out, a)
		if mn := menuName(a); mn != "" {
			out = append(out, mn)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
