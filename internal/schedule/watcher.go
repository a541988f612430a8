package schedule

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "remindbot/pkg/logx"
)

// debounce absorbs editor write bursts (truncate+write, atomic rename).
const debounce = 500 * time.Millisecond

// Watch invokes onChange whenever the schedule file at path is written or
// replaced, debounced. It blocks until ctx is cancelled.
//
// The parent directory is watched rather than the file itself so atomic
// rename-style saves keep working.
func Watch(ctx context.Context, path string, log logx.Logger, onChange func(ctx context.Context)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)
	log.Info("watching schedule file", logx.String("path", path))

	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			log.Debug("schedule file changed", logx.String("path", path))
			onChange(ctx)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("schedule watcher error", logx.Err(err))
		}
	}
}
