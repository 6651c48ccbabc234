package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/1ureka/relaytun/internal/util"
)

const watchDebounce = 200 * time.Millisecond

// Watch calls fn with the file's settings layered over defaults each time
// the config file at path is written. It blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, fn func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and Save replace the file by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	var (
		mu       sync.Mutex
		debounce *time.Timer
	)
	defer func() {
		mu.Lock()
		if debounce != nil {
			debounce.Stop()
		}
		mu.Unlock()
	}()

	reload := func() {
		if ctx.Err() != nil {
			return
		}
		fc, err := LoadFileConfig(path)
		if err != nil {
			util.LogWarning("config reload: %v", err)
			return
		}
		cfg := DefaultConfig()
		ApplyFileConfig(&cfg, fc, nil)
		fn(cfg)
	}

	name := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			util.LogWarning("config watcher: %v", err)
		}
	}
}
