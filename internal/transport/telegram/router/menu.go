package router

import (
	"sort"
	"strings"
	"unicode"

	kit "wardenbot/internal/transport"
)

// sanitizeTelegramCommand squeezes an arbitrary route or alias into
// Telegram's command alphabet: [a-z0-9_], max 32, starting with a letter.
func sanitizeTelegramCommand(s string) string {
	var b []byte
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b = append(b, byte(r))
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if n := len(b); n > 0 && b[n-1] != '_' {
				b = append(b, '_')
			}
		}
	}
	out := strings.Trim(string(b), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out == "" {
		return ""
	}
	if out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
		if len(out) > 32 {
			out = strings.TrimRight(out[:32], "_")
		}
	}
	return out
}

// telegramCommandNameFromRoute flattens a route into a menu command name,
// e.g. ["notes","add"] -> "notes_add".
func telegramCommandNameFromRoute(route []string) (string, bool) {
	if len(route) == 0 {
		return "", false
	}
	name := sanitizeTelegramCommand(strings.Join(route, "_"))
	return name, name != ""
}

func buildTelegramMenuCommands(root *cmdNode, leafCmds []Command) []kit.BotCommand {
	type entry struct {
		cmd  string
		desc string
		prio int
	}
	entries := make(map[string]entry)
	add := func(name, desc string, prio int) {
		name = sanitizeTelegramCommand(name)
		if name == "" {
			return
		}
		desc = strings.ReplaceAll(strings.TrimSpace(desc), "\n", " ")
		if desc == "" {
			desc = name
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		cur, ok := entries[name]
		// Lower priority wins; ties go to the shorter description.
		if ok && (cur.prio < prio || (cur.prio == prio && len(cur.desc) <= len(desc))) {
			return
		}
		entries[name] = entry{cmd: name, desc: desc, prio: prio}
	}

	// Top-level groups first: that is what autocomplete surfaces.
	if root != nil {
		for _, name := range root.childNames() {
			n, _ := root.child(name)
			if n == nil {
				continue
			}
			desc := summarizeNodeDesc(n)
			if nodeIsOwnerOnly(n) {
				desc = "🔒 " + desc
			}
			add(name, desc, 0)
		}
	}

	// Multi-token leaves become /a_b shortcuts; single tokens are already
	// in the top-level list.
	for _, c := range leafCmds {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		name, ok := telegramCommandNameFromRoute(route)
		if !ok {
			continue
		}
		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			desc = strings.Join(route, " ")
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		add(name, desc, 1)
	}

	list := make([]entry, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].prio != list[j].prio {
			return list[i].prio < list[j].prio
		}
		return list[i].cmd < list[j].cmd
	})

	n := min(len(list), 100)
	out := make([]kit.BotCommand, 0, n)
	for _, e := range list[:n] {
		out = append(out, kit.BotCommand{Command: e.cmd, Description: e.desc})
	}
	return out
}
