package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const watchDebounce = 300 * time.Millisecond

// watchFiles calls onChange after any of the files changed, until the
// context is canceled. Bursts of events are collapsed into one call.
// The parent directories are watched since editors often replace files
// instead of writing them.
func watchFiles(ctx context.Context, onChange func(), filenames ...string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	watched := make(map[string]bool)
	for _, filename := range filenames {
		abs, err := filepath.Abs(filename)
		if err != nil {
			watcher.Close()
			return err
		}
		watched[abs] = true
		if err := watcher.Add(filepath.Dir(abs)); err != nil {
			watcher.Close()
			return err
		}
	}

	go func() {
		defer watcher.Close()
		var debounceTimer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Chmod != 0 || !watched[filepath.Clean(event.Name)] {
					continue
				}
				log.Trace().Str("file", event.Name).Str("op", event.Op.String()).Msg("Watched file changed")
				if debounceTimer != nil {
					debounceTimer.Reset(watchDebounce)
				} else {
					debounceTimer = time.AfterFunc(watchDebounce, onChange)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error().Err(err).Msg("Watcher error")
			}
		}
	}()
	return nil
}
