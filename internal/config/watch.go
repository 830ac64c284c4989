package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce coalesces the burst of events editors produce on save.
const DefaultDebounce = 200 * time.Millisecond

// Watch calls fn with the base name of any file among names that is written,
// created, renamed or removed in dir. Events are debounced per name. It
// blocks until ctx is done.
//
// The directory is watched rather than the files so that atomic
// rename-into-place saves are seen.
func Watch(ctx context.Context, dir string, names []string, debounce time.Duration, log *zap.Logger, fn func(name string)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	timers := make(map[string]*time.Timer)
	fire := make(chan string, len(names)+1)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			if !wanted[name] || ev.Op == fsnotify.Chmod {
				continue
			}
			if t, ok := timers[name]; ok {
				t.Reset(debounce)
				continue
			}
			timers[name] = time.AfterFunc(debounce, func() {
				select {
				case fire <- name:
				default:
				}
			})
		case name := <-fire:
			delete(timers, name)
			fn(name)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if log != nil {
				log.Warn("config watch error", zap.Error(err))
			}
		}
	}
}
