// Package bot is the Telegram-facing command surface: command routing, the
// multi-step add/delete conversations, and schedule rendering.
package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"remindbot/internal/engine"
	"remindbot/internal/storage"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

// Engine is the scheduling surface the router drives.
type Engine interface {
	CreateEvent(ctx context.Context, chatID int64, title, location string, startAt time.Time) (storage.Event, error)
	BulkImport(ctx context.Context, chatID int64, drafts []storage.EventDraft) (int64, error)
	DeleteEvent(ctx context.Context, eventID int64) (int64, error)
	ClearSchedule(ctx context.Context, chatID int64) (int64, error)
	LiveReminders(chatID int64) []engine.ScheduleItem
}

// Importer loads drafts from the configured schedule file (nil when no file
// is configured).
type Importer func(ctx context.Context, now time.Time) ([]storage.EventDraft, error)

type Config struct {
	// DisplayLocation is the zone conversation input is entered in and
	// schedule listings are rendered in. Nil means UTC.
	DisplayLocation *time.Location
}

var baseCommands = []kit.BotCommand{
	{Command: "add_event", Description: "добавить событие"},
	{Command: "delete_event", Description: "удалить событие"},
	{Command: "clear_schedule", Description: "очистить расписание"},
	{Command: "schedule", Description: "запланировать"},
	{Command: "get_schedule", Description: "получить расписание"},
}

var convCommands = []kit.BotCommand{
	{Command: "cancel", Description: "отменить добавление"},
}

type Router struct {
	ad   kit.Adapter
	eng  Engine
	load Importer
	log  logx.Logger
	loc  *time.Location
	now  func() time.Time

	mu   sync.Mutex
	conv map[int64]*conversation
}

func NewRouter(ad kit.Adapter, eng Engine, load Importer, cfg Config, log logx.Logger) *Router {
	loc := cfg.DisplayLocation
	if loc == nil {
		loc = time.UTC
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		ad:   ad,
		eng:  eng,
		load: load,
		log:  log,
		loc:  loc,
		now:  time.Now,
		conv: map[int64]*conversation{},
	}
}

// Run consumes updates until ctx is cancelled. It also publishes the default
// command menu once on startup.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) {
	if err := r.ad.SetCommands(ctx, baseCommands); err != nil {
		r.log.Warn("set command menu failed", logx.Err(err))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			r.dispatch(ctx, up)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message != nil {
			r.handleMessage(ctx, up.Message)
		}
	case kit.UpdateCallback:
		if up.Callback != nil {
			r.handleCallback(ctx, up.Callback)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	if cmd, ok := parseCommand(text); ok {
		r.handleCommand(ctx, m.ChatID, cmd)
		return
	}
	if conv := r.conversation(m.ChatID); conv != nil {
		r.advanceConversation(ctx, m.ChatID, conv, text)
	}
}

func (r *Router) handleCallback(ctx context.Context, cb *kit.Callback) {
	if err := r.ad.AnswerCallback(ctx, cb.ID); err != nil {
		r.log.Debug("answer callback failed", logx.Err(err))
	}
	action, payload := parseCallbackData(cb.Data)
	if action != callbackDate {
		return
	}
	conv := r.conversation(cb.ChatID)
	if conv == nil || conv.step != stepDate {
		return
	}
	r.advanceConversation(ctx, cb.ChatID, conv, payload)
}

func (r *Router) handleCommand(ctx context.Context, chatID int64, cmd string) {
	// Any command interrupts an in-progress conversation except /cancel,
	// which ends it explicitly.
	switch cmd {
	case "start":
		r.endConversation(ctx, chatID)
		r.reply(ctx, chatID, "Привет! Я бот-напоминалка.")
	case "add_event":
		r.startAddConversation(ctx, chatID)
	case "delete_event":
		r.startDeleteConversation(ctx, chatID)
	case "cancel":
		if r.conversation(chatID) != nil {
			r.endConversation(ctx, chatID)
			r.reply(ctx, chatID, "Добавление события отменено.")
		}
	case "schedule":
		r.endConversation(ctx, chatID)
		r.importSchedule(ctx, chatID)
	case "get_schedule":
		r.endConversation(ctx, chatID)
		r.reply(ctx, chatID, r.renderSchedule(chatID))
	case "clear_schedule":
		r.endConversation(ctx, chatID)
		if _, err := r.eng.ClearSchedule(ctx, chatID); err != nil {
			r.log.Error("clear schedule failed", logx.Int64("chat", chatID), logx.Err(err))
			r.reply(ctx, chatID, "Не удалось очистить расписание.")
			return
		}
		r.reply(ctx, chatID, "Расписание очищено!")
	default:
		// unknown command: ignore
	}
}

func (r *Router) importSchedule(ctx context.Context, chatID int64) {
	if r.load == nil {
		r.reply(ctx, chatID, "Файл расписания не настроен.")
		return
	}
	drafts, err := r.load(ctx, r.now())
	if err != nil {
		r.log.Error("schedule import failed", logx.Int64("chat", chatID), logx.Err(err))
		r.reply(ctx, chatID, "Не удалось загрузить файл расписания.")
		return
	}
	if _, err := r.eng.BulkImport(ctx, chatID, drafts); err != nil {
		r.log.Error("bulk import failed", logx.Int64("chat", chatID), logx.Err(err))
		r.reply(ctx, chatID, "Не удалось запланировать события.")
		return
	}
	r.reply(ctx, chatID, "Расписание загружено, напоминания будут за 15 минут, 5 минут и в момент начала.")
}

func (r *Router) renderSchedule(chatID int64) string {
	items := r.eng.LiveReminders(chatID)
	if len(items) == 0 {
		return "Расписание пусто!"
	}
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "[%d] %s %q %s\n\n",
			it.EventID, it.StartAt.In(r.loc).Format("2006-01-02 15:04"), it.Title, it.Location)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	r.sendWithMarkup(ctx, chatID, text, nil)
}

func (r *Router) sendWithMarkup(ctx context.Context, chatID int64, text string, markup *tele.ReplyMarkup) {
	opt := &kit.SendOptions{DisablePreview: true}
	if markup != nil {
		opt.ReplyMarkup = markup
	}
	if err := r.ad.SendText(ctx, chatID, text, opt); err != nil {
		r.log.Warn("send failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

// parseCommand extracts the command name from "/cmd" or "/cmd@BotName".
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := strings.Fields(text[1:])
	if len(cmd) == 0 {
		return "", false
	}
	name, _, _ := strings.Cut(cmd[0], "@")
	if name == "" {
		return "", false
	}
	return name, true
}
