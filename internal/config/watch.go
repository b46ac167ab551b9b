package config

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads path whenever it changes and passes every valid config to
// onChange. Invalid edits are logged and ignored. The parent directory is
// watched so editors that replace the file by rename are picked up.
func Watch(ctx context.Context, path string, logger *log.Logger, onChange func(Config)) error {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Printf("config watch: %v", err)
		case <-fire:
			fire = nil
			cfg, err := Load(abs)
			if err != nil {
				logger.Printf("config reload rejected: %v", err)
				continue
			}
			logger.Printf("config reloaded from %s", abs)
			onChange(cfg)
		}
	}
}
