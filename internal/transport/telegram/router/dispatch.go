package router

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	kit "wardenbot/internal/transport"
	logx "wardenbot/pkg/logx"
)

const (
	commandQueueCap = 256
	drainTimeout    = 3 * time.Second
)

// DispatchLoop consumes updates until ctx is canceled or the channel closes.
// Handlers run on a bounded worker pool so one slow command cannot stall the
// rest of the bot.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(2, runtime.NumCPU())

	sup := NewSupervisor(ctx,
		WithLogger(m.log),
		WithCancelOnError(false),
	)
	if reg := m.registry(); reg != nil {
		reg.Set("telegram.router", sup)
	}
	m.log.Info("command dispatcher started",
		logx.Int("workers", workers),
		logx.Int("job_queue_cap", cap(m.queue)))

	for i := 0; i < workers; i++ {
		m.startWorker(sup, i)
	}

	defer func() {
		// Closing the queue lets workers drain accepted commands, then exit.
		close(m.queue)
		wctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		_ = sup.Wait(wctx)
		cancel()
		if reg := m.registry(); reg != nil {
			reg.Delete("telegram.router")
		}
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Message != nil {
				m.routeMessage(ctx, up)
			}
		}
	}
}

func (m *CommandManager) registry() *SupervisorRegistry {
	if m.serv == nil {
		return nil
	}
	return m.serv.RuntimeSupervisors
}

func (m *CommandManager) startWorker(sup *Supervisor, idx int) {
	name := fmt.Sprintf("command.worker.%d", idx)
	sup.GoRestart(name, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case job, ok := <-m.queue:
				if !ok {
					return nil
				}
				m.runJob(idx, job)
			}
		}
	},
		WithRestartBackoff(200*time.Millisecond, 5*time.Second),
		WithPublishFirstError(true),
		WithStopOnCleanExit(true),
	)
}

// runJob isolates one queued command. Middleware recovers handler panics
// first; this is the backstop that keeps the worker itself alive.
func (m *CommandManager) runJob(idx int, job func()) {
	if job == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in command job",
				logx.Int("worker", idx),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (m *CommandManager) routeMessage(ctx context.Context, up kit.Update) {
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts, offs := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}

	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i] // "/cmd@botname" form used in group chats
	}
	args := parts[1:]

	// tail(k) is the raw text after the first k tokens, quoting intact.
	tail := func(k int) string {
		if k >= len(parts) {
			return ""
		}
		return strings.TrimSpace(text[offs[k]:])
	}

	m.mu.RLock()
	rootNode, aliasMap := m.root, m.alias
	m.mu.RUnlock()

	if leaf, ok := aliasMap[word]; ok && leaf != nil && leaf.cmd != nil {
		m.dispatch(ctx, up, *leaf.cmd, splitRoute(leaf.cmd.Route), args, tail(1))
		return
	}

	cur, ok := rootNode.child(word)
	if !ok {
		m.sendPlain(ctx, msg, "unknown command, try /help")
		return
	}
	path := []string{strings.ToLower(word)}
	for len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		next, ok := cur.child(args[0])
		if !ok {
			break
		}
		cur = next
		path = append(path, strings.ToLower(args[0]))
		args = args[1:]
	}

	// Group without its own handler: show its help instead.
	if cur.cmd == nil {
		m.sendHTML(ctx, msg, m.helpText(path))
		return
	}
	m.dispatch(ctx, up, *cur.cmd, path, args, tail(len(path)))
}

func (m *CommandManager) dispatch(ctx context.Context, up kit.Update, cmd Command, path []string, rawArgs []string, rest string) {
	msg := up.Message

	owners := m.ownersSnapshot()
	if cmd.Access == AccessOwnerOnly && !slices.Contains(owners, msg.FromID) {
		m.sendPlain(ctx, msg, "unauthorized")
		return
	}

	pos, flags, bools := parseFlags(rawArgs, cmd.Switches)
	rid := newReqID()
	req := &Request{
		Update:    up,
		Chat:      kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		FromID:    msg.FromID,
		Path:      path,
		Command:   cmd.Route,
		Args:      pos,
		Rest:      rest,
		RawArgs:   rawArgs,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Config:    m.cfgm.Get(),
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route)),
		Services:    m.serv,
		OwnerUserID: owners,
	}

	handler := Chain(cmd.Handle,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(cmd.Timeout),
	)
	if !m.enqueue(func() { _ = handler(ctx, req) }) {
		m.sendPlain(ctx, msg, "busy, try again")
	}
}

// enqueue hands a job to the worker pool without blocking. It reports false
// when the queue is full or already closed (the dispatch loop has exited).
func (m *CommandManager) enqueue(job func()) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case m.queue <- job:
		return true
	default:
		return false
	}
}

func (m *CommandManager) sendPlain(ctx context.Context, msg *kit.Message, text string) {
	_, _ = m.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, text, nil)
}

func (m *CommandManager) sendHTML(ctx context.Context, msg *kit.Message, text string) {
	_, _ = m.adapter.SendText(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}
