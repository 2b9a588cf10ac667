package router

import (
	"slices"
	"strings"
)

// cmdNode is one token of a command route. "whitelist add" is the node
// "add" under "whitelist"; a node may carry a command, children, or both.
type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode { return &cmdNode{children: map[string]*cmdNode{}} }

func splitRoute(route string) []string { return strings.Fields(route) }

func (n *cmdNode) add(route []string, c Command) {
	for _, tok := range route {
		next := n.children[tok]
		if next == nil {
			next = &cmdNode{name: tok, children: map[string]*cmdNode{}}
			n.children[tok] = next
		}
		n = next
	}
	n.cmd = &c
}

// find returns the node at path, or nil.
func (n *cmdNode) find(path []string) *cmdNode {
	for _, tok := range path {
		if n = n.children[tok]; n == nil {
			return nil
		}
	}
	return n
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c, ok := n.children[name]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	names := make([]string, 0, len(n.children))
	for k := range n.children {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
