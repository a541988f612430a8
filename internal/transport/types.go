package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID     int
	ChatID int64
	FromID int64
	Text   string
}

type Callback struct {
	ID        string
	ChatID    int64
	FromID    int64
	MessageID int
	Data      string
}

type SendOptions struct {
	DisablePreview bool
	// ReplyMarkup is adapter-specific markup (Telegram: *telebot.ReplyMarkup).
	ReplyMarkup any
}

// BotCommand is a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// Adapter is the chat transport consumed by the bot layer. Delivery failures
// are the adapter's concern; the engine never retries.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, chatID int64, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string) error

	// SetCommands replaces the default command menu; SetChatCommands and
	// ResetChatCommands manage the per-chat override used while a
	// conversation is in progress.
	SetCommands(ctx context.Context, cmds []BotCommand) error
	SetChatCommands(ctx context.Context, chatID int64, cmds []BotCommand) error
	ResetChatCommands(ctx context.Context, chatID int64) error
}
