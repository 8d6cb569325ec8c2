package transport

import "context"

// Update is one inbound event from the platform. Message-only: the
// command surface needs no callback or inline routing.
type Update struct {
	Message *Message
}

// Message is an inbound chat message, flattened to the fields the router
// and cogs consume.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread, 0 outside forums
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// ChatTarget addresses an outbound send.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a message the adapter has sent.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the platform port. Start hands inbound updates to out until
// ctx ends; SendText delivers one message, chunking oversized text.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand is one entry in the platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can sync the
// platform command menu (Telegram setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
