package router

import (
	"sort"
	"strings"
)

// cmdNode is one segment of the route tree. A node can be a leaf command
// (cmd != nil), a group with children, or both ("notes" with its own handler
// plus "notes add" below it).
type cmdNode struct {
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode {
	return &cmdNode{children: map[string]*cmdNode{}}
}

// splitRoute normalizes a space-separated route into lowercase tokens.
func splitRoute(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func (n *cmdNode) add(route []string, c Command) {
	cur := n
	for _, seg := range route {
		if cur.children == nil {
			cur.children = map[string]*cmdNode{}
		}
		next, ok := cur.children[seg]
		if !ok {
			next = &cmdNode{children: map[string]*cmdNode{}}
			cur.children[seg] = next
		}
		cur = next
	}
	cc := c
	cur.cmd = &cc
}

func (n *cmdNode) find(route []string) *cmdNode {
	cur := n
	for _, seg := range route {
		next, ok := cur.children[seg]
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	if n == nil || len(n.children) == 0 {
		return nil, false
	}
	c, ok := n.children[strings.ToLower(name)]
	return c, ok
}

func (n *cmdNode) childNames() []string {
	if n == nil || len(n.children) == 0 {
		return nil
	}
	names := make([]string, 0, len(n.children))
	for k := range n.children {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
