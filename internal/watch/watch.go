// Package watch reports changes to certificate directories, coalescing the
// bursts of events an atomic rewrite of a key and certificate produces.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period before a change is reported.
const DefaultDebounce = 500 * time.Millisecond

// Options configures Watch.
type Options struct {
	// Debounce is the quiet period after the first event before onChange
	// runs. Zero means DefaultDebounce.
	Debounce time.Duration

	// Names, when set, limits reported changes to these base names
	// (e.g. "ca.crt"). Other files in the directories are ignored.
	Names []string

	// Interval, when positive, also runs onChange on this period whether or
	// not anything changed.
	Interval time.Duration

	Logger zerolog.Logger
}

// Watch calls onChange after files in dirs are written, created, renamed or
// removed, at most once per debounce window, and every Interval when one is
// set. It blocks until ctx is done and returns nil, or returns the first error
// from onChange or the watcher.
func Watch(ctx context.Context, dirs []string, opts Options, onChange func(context.Context) error) error {
	if len(dirs) == 0 {
		return fmt.Errorf("no directories to watch")
	}
	debounce := opts.Debounce
	if debounce == 0 {
		debounce = DefaultDebounce
	}
	logger := opts.Logger.With().Str("component", "watch").Logger()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		logger.Info().Str("dir", dir).Msg("Watching directory")
	}

	names := make(map[string]bool, len(opts.Names))
	for _, n := range opts.Names {
		names[n] = true
	}

	var tickC <-chan time.Time
	if opts.Interval > 0 {
		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-tickC:
			logger.Debug().Msg("Periodic check")
			if err := onChange(ctx); err != nil {
				return err
			}

		case <-timerC:
			timerC = nil
			if err := onChange(ctx); err != nil {
				return err
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event, names) {
				continue
			}
			logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("Change detected")
			if timerC == nil {
				timerC = time.After(debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}

func relevant(event fsnotify.Event, names map[string]bool) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	return len(names) == 0 || names[filepath.Base(event.Name)]
}
