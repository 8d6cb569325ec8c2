package router

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"wardenbot/internal/enforce"
	"wardenbot/internal/eventbus"
	"wardenbot/internal/jobs"
	"wardenbot/internal/notify"
	"wardenbot/internal/sched"
	"wardenbot/internal/store"
	"wardenbot/internal/task"
	kit "wardenbot/internal/transport"
	logx "wardenbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g.:
	//   "remind"
	//   "notes add"
	Route       string
	Aliases     []string // root-level aliases, e.g. ["r"]
	Description string
	Usage       string
	Access      Access

	// Switches names the flags that are plain on/off switches. A declared
	// switch never swallows the token after it, so "--all 42" keeps 42 as a
	// positional argument. Undeclared flags take a value when one follows.
	Switches []string

	CogName string
	Timeout time.Duration // optional per-command override
	Handle  HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Path    []string // matched command path tokens
	Command string   // canonical route
	Args    []string // positional args with flags stripped
	Rest    string   // raw text after the matched path, quoting intact

	// Parsed arguments
	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Adapter     kit.Adapter
	Config      *Config
	Logger      logx.Logger
	Services    *Services
	OwnerUserID []int64
}

// Reply sends plain text back to the originating chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, nil)
	return err
}

// ReplyHTML sends HTML-formatted text back to the originating chat.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

type Services struct {
	Store     store.Store
	Bus       eventbus.Bus
	Scheduler SchedulerPort
	Enforcer  EnforcerPort
	Jobs      JobsPort
	Notifier  NotifierPort

	// AppSupervisor is set by the app once started.
	// It can be nil in minimal/test environments.
	AppSupervisor *Supervisor

	// RuntimeSupervisors exposes additional subsystem supervisors (adapter,
	// scheduler, notifier) for operational commands like /status.
	//
	// This is read-only / best-effort; entries may be nil in minimal/test environments.
	RuntimeSupervisors *SupervisorRegistry
}

// SchedulerPort is the reminder timeline as the command surface sees it.
type SchedulerPort interface {
	Schedule(ctx context.Context, t task.Task) (task.Task, error)
	Cancel(ctx context.Context, owner, id int64) error
	CancelAll(ctx context.Context, owner int64) (int, error)
	List(ctx context.Context, owner int64) ([]task.Task, error)
	Snapshot() sched.Snapshot
}

// EnforcerPort exposes sanction reconciliation to operational commands.
type EnforcerPort interface {
	RunPass(ctx context.Context, reason string) (enforce.PassStats, error)
	Passes() uint64
	Last() (enforce.LastPass, bool)
}

type JobsPort interface {
	Snapshot() jobs.Snapshot
}

type NotifierPort interface {
	Send(ctx context.Context, to kit.ChatTarget, text string) error
	Snapshot() notify.Snapshot
}

// CommandManager owns the route tree and feeds matched commands to a worker
// pool. The registry is swappable at runtime (cog reload), so reads go
// through the RWMutex snapshot in routeMessage.
type CommandManager struct {
	mu sync.RWMutex

	root  *cmdNode
	alias map[string]*cmdNode // alias -> leaf node

	owners []int64

	log     logx.Logger
	adapter kit.Adapter
	cfgm    *ConfigManager
	serv    *Services

	queue chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, cfgm *ConfigManager, serv *Services, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		root:    newRoot(),
		alias:   map[string]*cmdNode{},
		log:     log,
		adapter: adapter,
		cfgm:    cfgm,
		serv:    serv,
		owners:  slices.Clone(owners),
		queue:   make(chan func(), commandQueueCap),
	}
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	m.mu.Lock()
	m.owners = cp
	m.mu.Unlock()
}

func (m *CommandManager) ownersSnapshot() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.owners)
}

// SetRegistry replaces the full command registry. A /help command is always
// appended so it cannot be unregistered by a cog reload.
func (m *CommandManager) SetRegistry(cmds []Command) {
	all := append(slices.Clone(cmds), m.helpCommand())

	root := newRoot()
	alias := map[string]*cmdNode{}
	menu := make([]Command, 0, len(all))

	for _, c := range all {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		root.add(route, c)
		menu = append(menu, c)
		addAliases(alias, root.find(route), route, c)
	}

	m.mu.Lock()
	m.root = root
	m.alias = alias
	m.mu.Unlock()

	m.pushMenu(root, menu)
}

func (m *CommandManager) helpCommand() Command {
	return Command{
		Route:       "help",
		Aliases:     []string{"h"},
		Description: "show command help",
		Usage:       "/help [cmd] [sub...]",
		Handle: func(ctx context.Context, req *Request) error {
			_, err := req.Adapter.SendText(ctx, req.Chat, m.helpText(req.Args), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
			return err
		},
	}
}

// addAliases records the shortcut spellings that resolve directly to leaf.
// The route's own first token never becomes an alias: an alias hit ends
// route traversal, so aliasing "notes" to itself would shadow "/notes add".
func addAliases(alias map[string]*cmdNode, leaf *cmdNode, route []string, c Command) {
	if leaf == nil {
		return
	}
	put := func(name string) {
		if name == "" {
			return
		}
		if _, taken := alias[name]; !taken {
			alias[name] = leaf
		}
	}

	// Flattened menu spelling, e.g. "notes_add" for "notes add". Telegram
	// restricts menu command names to [a-z0-9_]{1,32}.
	if menu, ok := telegramCommandNameFromRoute(route); ok {
		if len(route) > 1 || menu != route[0] {
			put(menu)
		}
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.ContainsRune(a, ' ') {
			continue
		}
		alias[a] = leaf // declared aliases win over auto ones
		put(sanitizeTelegramCommand(a))
	}
}

// pushMenu refreshes Telegram's autocomplete menu in the background.
func (m *CommandManager) pushMenu(root *cmdNode, cmds []Command) {
	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	list := buildTelegramMenuCommands(root, cmds)
	push := func(parent context.Context) error {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		return up.UpdateMenuCommands(ctx, list)
	}

	// Under the app supervisor when available, so shutdown cancels it.
	if m.serv != nil && m.serv.AppSupervisor != nil {
		m.serv.AppSupervisor.Go("telegram.menu.update", push)
		return
	}
	go func() { _ = push(context.Background()) }()
}
