package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "remindbot/pkg/logx"
)

const dionURL = "https://dion.vc/event/"

// callbackDate is the inline-button action for picking a date.
const callbackDate = "date"

type step int

const (
	stepDate step = iota
	stepTime
	stepTitle
	stepLocation
	stepDeleteID
)

// conversation is the per-chat multi-step input state. Only one conversation
// per chat at a time.
type conversation struct {
	step     step
	date     time.Time // date part, midnight in display zone
	startAt  time.Time
	title    string
	location string
}

func (r *Router) conversation(chatID int64) *conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conv[chatID]
}

func (r *Router) setConversation(chatID int64, c *conversation) {
	r.mu.Lock()
	r.conv[chatID] = c
	r.mu.Unlock()
}

func (r *Router) endConversation(ctx context.Context, chatID int64) {
	r.mu.Lock()
	_, active := r.conv[chatID]
	delete(r.conv, chatID)
	r.mu.Unlock()
	if active {
		if err := r.ad.ResetChatCommands(ctx, chatID); err != nil {
			r.log.Debug("reset chat commands failed", logx.Err(err))
		}
	}
}

func (r *Router) startAddConversation(ctx context.Context, chatID int64) {
	r.setConversation(chatID, &conversation{step: stepDate})
	if err := r.ad.SetChatCommands(ctx, chatID, convCommands); err != nil {
		r.log.Debug("set chat commands failed", logx.Err(err))
	}
	r.sendWithMarkup(ctx, chatID,
		"Введите дату события в формате ГГГГ-ММ-ДД (например, 2026-01-21)",
		r.dateKeyboard())
}

func (r *Router) startDeleteConversation(ctx context.Context, chatID int64) {
	r.setConversation(chatID, &conversation{step: stepDeleteID})
	if err := r.ad.SetChatCommands(ctx, chatID, convCommands); err != nil {
		r.log.Debug("set chat commands failed", logx.Err(err))
	}
	r.reply(ctx, chatID, "Введите ID события для удаления")
}

// dateKeyboard offers today/tomorrow as inline shortcuts.
func (r *Router) dateKeyboard() *tele.ReplyMarkup {
	today := r.now().In(r.loc).Format("2006-01-02")
	tomorrow := r.now().In(r.loc).AddDate(0, 0, 1).Format("2006-01-02")

	m := &tele.ReplyMarkup{}
	btnToday := m.Data(fmt.Sprintf("Сегодня (%s)", today), callbackDate, today)
	btnTomorrow := m.Data(fmt.Sprintf("Завтра (%s)", tomorrow), callbackDate, tomorrow)
	m.Inline(m.Row(btnToday), m.Row(btnTomorrow))
	return m
}

// parseCallbackData splits telebot data-button payloads ("\f<action>|<data>").
func parseCallbackData(data string) (action, payload string) {
	data = strings.TrimPrefix(data, "\f")
	action, payload, _ = strings.Cut(data, "|")
	return action, payload
}

func (r *Router) advanceConversation(ctx context.Context, chatID int64, c *conversation, input string) {
	switch c.step {
	case stepDate:
		d, err := time.ParseInLocation("2006-01-02", input, r.loc)
		if err != nil {
			r.reply(ctx, chatID, "Неверный формат даты. Попробуйте ещё раз: ГГГГ-ММ-ДД")
			return
		}
		c.date = d
		c.step = stepTime
		r.reply(ctx, chatID, "Введите время события в формате ЧЧ:ММ (например, 14:30)")

	case stepTime:
		t, err := time.Parse("15:04", input)
		if err != nil {
			r.reply(ctx, chatID, "Неверный формат времени. Попробуйте ещё раз: ЧЧ:ММ")
			return
		}
		c.startAt = time.Date(c.date.Year(), c.date.Month(), c.date.Day(),
			t.Hour(), t.Minute(), 0, 0, r.loc).UTC()
		c.step = stepTitle
		r.reply(ctx, chatID, "Введите название события")

	case stepTitle:
		if input == "" {
			r.reply(ctx, chatID, "Название не может быть пустым. Введите название события")
			return
		}
		c.title = input
		c.step = stepLocation
		r.reply(ctx, chatID, "Введите место события")

	case stepLocation:
		c.location = expandLocation(input)
		r.finishAdd(ctx, chatID, c)

	case stepDeleteID:
		id, err := strconv.ParseInt(input, 10, 64)
		if err != nil {
			r.reply(ctx, chatID, "Введено некорректное значение идентификатора события.")
			return
		}
		r.finishDelete(ctx, chatID, id)
	}
}

// expandLocation resolves the "dion <code>" shortcut into a full meeting URL.
func expandLocation(input string) string {
	fields := strings.Fields(input)
	if len(fields) == 2 && fields[0] == "dion" {
		return dionURL + fields[1]
	}
	return input
}

func (r *Router) finishAdd(ctx context.Context, chatID int64, c *conversation) {
	ev, err := r.eng.CreateEvent(ctx, chatID, c.title, c.location, c.startAt)
	r.endConversation(ctx, chatID)
	if err != nil {
		r.log.Error("create event failed", logx.Int64("chat", chatID), logx.Err(err))
		r.reply(ctx, chatID, "Не удалось добавить событие.")
		return
	}

	local := ev.StartAt.In(r.loc)
	r.reply(ctx, chatID, fmt.Sprintf(
		"Событие добавлено:\n\nДата: %s\nВремя: %s\nНазвание: %s\nМесто: %s",
		local.Format("2006-01-02"), local.Format("15:04"), ev.Title, ev.Location))
}

func (r *Router) finishDelete(ctx context.Context, chatID int64, eventID int64) {
	deleted, err := r.eng.DeleteEvent(ctx, eventID)
	r.endConversation(ctx, chatID)
	if err != nil {
		r.log.Error("delete event failed", logx.Int64("event", eventID), logx.Err(err))
		r.reply(ctx, chatID, "Не удалось удалить событие.")
		return
	}
	if deleted == 0 {
		r.reply(ctx, chatID, fmt.Sprintf("Событие [%d] не найдено.", eventID))
		return
	}
	r.reply(ctx, chatID, fmt.Sprintf("Событие [%d] удалено.", eventID))
}
