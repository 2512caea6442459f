package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/xiaot623/archetype/internal/truncate"
)

// LoadBudgets reads truncation budgets from a YAML file. An empty path yields
// the built-in defaults. Keys missing from the file keep their defaults.
func LoadBudgets(path string) (truncate.Budgets, error) {
	budgets := truncate.DefaultBudgets()
	if path == "" {
		return budgets, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return budgets, fmt.Errorf("read truncation config: %w", err)
	}
	if err := yaml.Unmarshal(data, &budgets); err != nil {
		return budgets, fmt.Errorf("parse truncation config %s: %w", path, err)
	}
	return budgets.Normalize(), nil
}

// WatchBudgets calls apply with freshly loaded budgets whenever the file at
// path changes, until ctx is done. A file that fails to parse is logged and
// the previous budgets stay active.
func WatchBudgets(ctx context.Context, path string, apply func(truncate.Budgets)) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()

		const debounce = 250 * time.Millisecond
		var mu sync.Mutex
		var timer *time.Timer
		reload := func() {
			mu.Lock()
			defer mu.Unlock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				budgets, err := LoadBudgets(abs)
				if err != nil {
					slog.Warn("truncation config reload failed", "path", abs, "error", err)
					return
				}
				apply(budgets)
				slog.Info("truncation budgets reloaded", "path", abs)
			})
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
					reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("truncation config watch error", "error", err)
			}
		}
	}()
	return nil
}
