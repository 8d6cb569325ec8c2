package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	supervisor "wardenbot/internal/runtime/supervisor"
	kit "wardenbot/internal/transport"
	logx "wardenbot/pkg/logx"
)

const (
	defaultPollTimeout = 10 * time.Second
	textLimit          = 4000

	dropReportEvery = 5 * time.Second
	stopGrace       = 2 * time.Second
)

type Config struct {
	Token       string
	PollTimeout time.Duration // long-poll timeout, default 10s
}

// Adapter runs telebot long polling and translates between telebot types
// and the transport kit. Inbound updates are handed off without blocking;
// whatever the consumer cannot keep up with is counted and reported in
// batches instead of per-update log spam.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	running bool
	sup     *supervisor.Supervisor

	out     atomic.Value // chan<- kit.Update
	dropped atomic.Uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	a := &Adapter{cfg: cfg, log: log, bot: bot}
	// Pin the dynamic type of the out slot before any handler can run.
	var none chan<- kit.Update
	a.out.Store(none)

	bot.Handle(tele.OnText, a.onText)
	return a, nil
}

// Supervisor exposes the adapter's internal supervisor for status
// snapshots. Nil until Start.
func (a *Adapter) Supervisor() *supervisor.Supervisor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sup
}

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return nil
	}
	a.forward(kit.Update{Message: &kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		Text:         m.Text,
		IsGroup:      m.Chat.Type != tele.ChatPrivate,
	}})
	return nil
}

// forward hands an update to the current consumer, dropping on backlog.
func (a *Adapter) forward(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	sup := supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		// A broken adapter degrades the bot; it must not tear it down.
		supervisor.WithCancelOnError(false),
	)
	a.sup = sup
	a.mu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(dropReportEvery)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDrops(cap(out))
				return
			case <-t.C:
				a.reportDrops(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks for the life of the poller. It has been seen to
	// return early under some API failure modes, so it runs in a restart
	// loop and polling self-heals.
	sup.GoRestart0("telebot.poll", func(c context.Context) {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	},
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		supervisor.WithPublishFirstError(true),
		supervisor.WithStopOnCleanExit(false),
	)

	return nil
}

func (a *Adapter) reportDrops(chanCap int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("inbound updates dropped (consumer backlog)",
			logx.Uint64("count", n), logx.Int("chan_cap", chanCap))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var none chan<- kit.Update
	a.out.Store(none)
	a.mu.Unlock()

	if !wasRunning {
		a.log.Debug("stop called but adapter not running")
		return nil
	}
	a.log.Info("stopping", logx.Uint64("drops_unreported", a.dropped.Load()))

	if sup != nil {
		sup.Cancel()
	}
	// telebot Stop can block behind an in-flight long poll; don't let it
	// hold shutdown.
	go a.bot.Stop()

	if sup == nil {
		return nil
	}
	grace := stopGrace
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	err := sup.Wait(wctx)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		a.log.Warn("adapter stop timed out", logx.Err(err))
	case sup.Context().Err() != nil:
		a.log.Debug("adapter stopped with supervisor error", logx.Err(err))
	default:
		a.log.Warn("adapter stop error", logx.Err(err))
	}
	return nil
}

// splitText chunks s so every piece fits Telegram's message size. Cuts
// prefer a newline near the end of the window and back out of an HTML
// tag left open inside it.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	html := strings.EqualFold(parseMode, tele.ModeHTML)

	var chunks []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			end = cutAt(rs, start, end, html)
		}
		chunks = append(chunks, strings.TrimRight(string(rs[start:end]), "\n"))
		// Skip newlines between chunks so none comes out empty.
		for start = end; start < len(rs) && rs[start] == '\n'; start++ {
		}
	}
	return chunks
}

// cutAt picks the actual cut position within the window (start, end].
func cutAt(rs []rune, start, end int, html bool) int {
	for i := end - 1; i > start; i-- {
		if rs[i] == '\n' && i-start >= (end-start)/3 {
			end = i + 1
			break
		}
	}
	if !html {
		return end
	}
	open := -1
	for i := start; i < end; i++ {
		switch rs[i] {
		case '<':
			open = i
		case '>':
			open = -1
		}
	}
	if open > start+1 {
		return open
	}
	return end
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitText(text, textLimit, opt.ParseMode)
	if len(chunks) == 0 {
		chunks = []string{""}
	}

	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range chunks {
		if ctx != nil && ctx.Err() != nil {
			return first, ctx.Err()
		}
		msg, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		})
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// UpdateMenuCommands syncs the Telegram command menu through the Bot API.
// The list is hashed so re-registering the same commands is free.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	for _, c := range cmds {
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(c.Description))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	type command struct {
		Command     string `json:"command"`
		Description string `json:"description"`
	}
	list := make([]command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		if len(d) > 256 {
			d = d[:256] // Telegram caps descriptions
		}
		list = append(list, command{Command: c.Command, Description: d})
		if len(list) >= 100 { // and the menu length
			break
		}
	}

	if _, err := a.bot.Raw("setMyCommands", map[string]any{"commands": list}); err != nil {
		return fmt.Errorf("setMyCommands: %w", err)
	}

	a.menuHash = sum
	a.log.Info("command menu updated", logx.Int("count", len(list)))
	return nil
}
