// Package app wires config, storage, timers, the engine and the Telegram
// surface into a single start/stop lifecycle.
package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"remindbot/internal/bot"
	"remindbot/internal/config"
	"remindbot/internal/engine"
	"remindbot/internal/schedule"
	"remindbot/internal/storage"
	"remindbot/internal/timers"
	kit "remindbot/internal/transport"
	"remindbot/internal/transport/telegram"
	logx "remindbot/pkg/logx"
)

const rescanOff = "off"

type App struct {
	cfg *config.Config

	log       logx.Logger
	logCloser io.Closer

	store   *storage.Store
	tm      *timers.Service
	eng     *engine.Service
	adapter kit.Adapter
	router  *bot.Router

	watchPath string // empty when no watcher is configured
	watchChat int64

	updates chan kit.Update
	stop    context.CancelFunc
	done    chan struct{}
}

// adapterSender narrows the transport adapter to the engine's outbound
// surface.
type adapterSender struct {
	ad kit.Adapter
}

func (s adapterSender) SendText(ctx context.Context, chatID int64, text string) error {
	return s.ad.SendText(ctx, chatID, text, &kit.SendOptions{DisablePreview: true})
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log, logCloser, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, err
	}
	log = log.With(logx.String("comp", "app"))

	a := &App{cfg: cfg, log: log, logCloser: logCloser}
	if err := a.build(); err != nil {
		if logCloser != nil {
			_ = logCloser.Close()
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
		RatePerSec:  cfg.Telegram.RatePerSec,
	}, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram adapter: %w", err)
	}
	a.adapter = ad

	loc := time.UTC
	if tz := strings.TrimSpace(cfg.Display.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("display.timezone: %w", err)
		}
	}

	// The timer service needs a delivery callback before the engine exists,
	// and the engine needs the timer service. Close over the field instead.
	deliver := func(ctx context.Context, j timers.Job) {
		a.eng.Deliver(ctx, j)
	}
	a.tm = timers.New(timers.Config{
		Workers:   cfg.Timers.Workers,
		QueueSize: cfg.Timers.QueueSize,
	}, deliver, a.log.With(logx.String("comp", "timers")))

	a.eng = engine.New(store, a.tm, adapterSender{ad: ad},
		engine.Config{DisplayLocation: loc},
		a.log.With(logx.String("comp", "engine")))

	var load bot.Importer
	if sf := cfg.ScheduleFile; sf != nil {
		path := sf.Path
		load = func(ctx context.Context, now time.Time) ([]storage.EventDraft, error) {
			return schedule.Read(path, now)
		}
		if sf.Watch {
			a.watchPath = path
		}
	}
	a.router = bot.NewRouter(ad, a.eng, load, bot.Config{DisplayLocation: loc},
		a.log.With(logx.String("comp", "bot")))

	rescan := cfg.Timers.Rescan
	if rescan == "" {
		rescan = "@every 1m"
	}
	if rescan != rescanOff {
		err := a.tm.AddMaintenance("rescan", rescan, func(ctx context.Context) (err error) {
			_, err = a.eng.ScheduleUnscheduled(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("timers.rescan: %w", err)
		}
	}
	return nil
}

// Start brings everything up: timers first, then recovery of persisted
// reminders, then polling. It does not block.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.stop = cancel
	a.done = make(chan struct{})

	a.tm.Start(runCtx)

	if n, err := a.eng.Recover(runCtx); err != nil {
		a.log.Error("recovery failed", logx.Int("armed", n), logx.Err(err))
	}
	if _, err := a.eng.ScheduleUnscheduled(runCtx); err != nil {
		a.log.Error("initial schedule sweep failed", logx.Err(err))
	}

	a.updates = make(chan kit.Update, 64)
	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		cancel()
		return err
	}

	go func() {
		defer close(a.done)
		a.router.Run(runCtx, a.updates)
	}()

	if a.watchPath != "" {
		go a.watchSchedule(runCtx)
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("started")
	return nil
}

// watchSchedule re-imports the schedule file on change. Imported rows belong
// to no chat until a /schedule command claims them, so the watcher only arms
// events that were already imported; it reruns the unscheduled sweep.
func (a *App) watchSchedule(ctx context.Context) {
	err := schedule.Watch(ctx, a.watchPath, a.log.With(logx.String("comp", "watcher")),
		func(ctx context.Context) {
			if _, err := a.eng.ScheduleUnscheduled(ctx); err != nil {
				a.log.Warn("schedule sweep after file change failed", logx.Err(err))
			}
		})
	if err != nil {
		a.log.Warn("schedule watcher stopped", logx.Err(err))
	}
}

// Stop tears down in reverse order and waits for in-flight deliveries.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.stop != nil {
		a.stop()
	}
	if a.adapter != nil {
		_ = a.adapter.Stop(ctx)
	}
	if a.done != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}
	if a.tm != nil {
		a.tm.Stop(ctx)
	}

	var firstErr error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			firstErr = err
		}
	}
	a.log.Info("stopped")
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
	return firstErr
}
