// Package telegram adapts telebot long polling to the transport kit.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec caps outbound sends (Telegram throttles around 30/s).
	RatePerSec int
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- kit.Update)
	limiter *rate.Limiter

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop; reported once on Stop to avoid per-update spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 25
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateMessage,
			Message: &kit.Message{
				ID:     m.ID,
				ChatID: m.Chat.ID,
				FromID: m.Sender.ID,
				Text:   m.Text,
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil {
			return nil
		}
		a.sendUpdate(kit.Update{
			Kind: kit.UpdateCallback,
			Callback: &kit.Callback{
				ID:        cb.ID,
				ChatID:    m.Chat.ID,
				FromID:    cb.Sender.ID,
				MessageID: m.ID,
				Data:      cb.Data,
			},
		})
		return nil
	})
}

func (a *Adapter) sendUpdate(up kit.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.out.Store(out)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Telebot's Start() blocks until Stop() is called.
	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
	}()
	go func() {
		defer a.wg.Done()
		<-runCtx.Done()
		a.bot.Stop()
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.cancel
	a.cancel = nil
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)))
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, chatID int64, text string, opt *kit.SendOptions) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	sendOpt := &tele.SendOptions{}
	var markup *tele.ReplyMarkup
	if opt != nil {
		sendOpt.DisableWebPagePreview = opt.DisablePreview
		markup, _ = opt.ReplyMarkup.(*tele.ReplyMarkup)
	}
	var err error
	if markup != nil {
		_, err = a.bot.Send(tele.ChatID(chatID), text, sendOpt, markup)
	} else {
		_, err = a.bot.Send(tele.ChatID(chatID), text, sendOpt)
	}
	return err
}

func (a *Adapter) AnswerCallback(_ context.Context, callbackID string) error {
	return a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{})
}

func (a *Adapter) SetCommands(_ context.Context, cmds []kit.BotCommand) error {
	return a.bot.SetCommands(toTeleCommands(cmds))
}

func (a *Adapter) SetChatCommands(_ context.Context, chatID int64, cmds []kit.BotCommand) error {
	scope := tele.CommandScope{Type: tele.CommandScopeChat, ChatID: chatID}
	return a.bot.SetCommands(scope, toTeleCommands(cmds))
}

func (a *Adapter) ResetChatCommands(_ context.Context, chatID int64) error {
	scope := tele.CommandScope{Type: tele.CommandScopeChat, ChatID: chatID}
	return a.bot.DeleteCommands(scope)
}

func toTeleCommands(cmds []kit.BotCommand) []tele.Command {
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, tele.Command{Text: c.Command, Description: c.Description})
	}
	return out
}

var _ kit.Adapter = (*Adapter)(nil)
