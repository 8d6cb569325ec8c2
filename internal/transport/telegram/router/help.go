package router

import (
	"fmt"
	"html"
	"sort"
	"strings"
)

// helpText renders HTML help for the given path: the top-level index for
// an empty path, group or command detail otherwise.
func (m *CommandManager) helpText(path []string) string {
	m.mu.RLock()
	root := m.root
	alias := m.alias
	m.mu.RUnlock()

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		n, ok := cur.child(p)
		if !ok {
			leaf, ok := alias[p]
			if !ok || leaf == nil || leaf.cmd == nil {
				return helpUnknown()
			}
			cur = leaf
			full = splitRoute(leaf.cmd.Route)
			break
		}
		cur = n
		full = append(full, p)
	}

	if len(path) == 0 {
		return helpIndex(root)
	}
	return helpDetail(cur, full)
}

func helpUnknown() string {
	return "❓ <b>Unknown command</b>\nType <code>/help</code> to list available commands."
}

func helpIndex(root *cmdNode) string {
	type row struct {
		name string
		desc string
		lock bool
	}
	names := root.childNames()
	rows := make([]row, 0, len(names))
	for _, name := range names {
		n, _ := root.child(name)
		if n == nil {
			continue
		}
		rows = append(rows, row{name: name, desc: summarizeNodeDesc(n), lock: nodeIsOwnerOnly(n)})
	}
	// Owner-only commands sink to the bottom, alphabetical within each half.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock
		}
		return rows[i].name < rows[j].name
	})

	var b strings.Builder
	b.WriteString("📚 <b>Commands</b>\n")
	b.WriteString("Type <code>/help &lt;cmd&gt;</code> for details.\n\n")
	for _, r := range rows {
		writeRow(&b, "/"+r.name, r.desc, r.lock)
	}
	b.WriteString("\nTip: type <code>/</code> and keep typing to see Telegram's autocomplete.")
	return b.String()
}

// writeRow renders one bullet: "• 🔒 <code>/cmd</code> — desc".
func writeRow(b *strings.Builder, cmd, desc string, lock bool) {
	b.WriteString("• ")
	if lock {
		b.WriteString("🔒 ")
	}
	b.WriteString("<code>" + html.EscapeString(cmd) + "</code>")
	if desc != "" {
		b.WriteString(" — " + html.EscapeString(desc))
	}
	b.WriteByte('\n')
}

func helpDetail(cur *cmdNode, full []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📚 <b>Help</b> <code>%s</code>\n", html.EscapeString("/"+strings.Join(full, " ")))

	switch {
	case cur != nil && cur.cmd != nil:
		c := cur.cmd
		if d := strings.TrimSpace(c.Description); d != "" {
			b.WriteString(html.EscapeString(d) + "\n")
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString("🔒 <i>Owner only</i>\n")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			b.WriteString("\n<b>Usage</b>\n<code>" + html.EscapeString(u) + "</code>\n")
		}
		if short := buildShortcuts(*c); len(short) > 0 {
			b.WriteString("\n<b>Shortcuts</b>\n")
			for _, s := range short {
				b.WriteString("• <code>/" + html.EscapeString(s) + "</code>\n")
			}
		}
	default:
		b.WriteString("Command group (has subcommands).\n")
		if nodeIsOwnerOnly(cur) {
			b.WriteString("🔒 <i>Owner only</i>\n")
		}
	}

	if cur != nil && len(cur.children) > 0 {
		b.WriteString("\n<b>Subcommands</b>\n")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			if n == nil {
				continue
			}
			sub := "/" + strings.Join(append(append([]string(nil), full...), name), " ")
			writeRow(&b, sub, summarizeNodeDesc(n), nodeIsOwnerOnly(n))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func summarizeNodeDesc(n *cmdNode) string {
	if n == nil {
		return ""
	}
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	hint := strings.Join(kids[:min(3, len(kids))], ", ")
	if len(kids) > 3 {
		hint += ", …"
	}
	return "subcommands: " + hint
}

// nodeIsOwnerOnly reports whether every command reachable from n is
// owner-only; such nodes carry the lock marker in help and menus.
func nodeIsOwnerOnly(n *cmdNode) bool {
	if n == nil {
		return false
	}
	open := false
	var walk func(*cmdNode)
	walk = func(x *cmdNode) {
		if x == nil || open {
			return
		}
		if x.cmd != nil && x.cmd.Access == AccessEveryone {
			open = true
			return
		}
		for _, ch := range x.children {
			walk(ch)
		}
	}
	walk(n)
	return !open
}

// buildShortcuts lists the ways to invoke c besides its full route:
// the flattened menu command plus single-token aliases (raw and
// Telegram-safe forms).
func buildShortcuts(c Command) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	if menu, ok := telegramCommandNameFromRoute(splitRoute(c.Route)); ok {
		add(menu)
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.ContainsRune(a, ' ') {
			continue
		}
		add(a)
		add(sanitizeTelegramCommand(a))
	}

	sort.Strings(out)
	return out
}
