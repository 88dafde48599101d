package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch re-reads the config and role catalog whenever either file changes
// and invokes onChange with the fresh values. It blocks until ctx is
// cancelled. Editors that replace files by rename are handled by watching
// the parent directories.
func Watch(ctx context.Context, cfgPath string, onChange func(Config, Roles)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	cfg, err := Load(cfgPath)
	if err != nil {
		return err
	}

	dirs := map[string]struct{}{
		filepath.Dir(cfgPath):       {},
		filepath.Dir(cfg.RolesPath): {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	interesting := func(name string) bool {
		return filepath.Clean(name) == filepath.Clean(cfgPath) ||
			filepath.Clean(name) == filepath.Clean(cfg.RolesPath)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !interesting(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			fresh, err := Load(cfgPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: config reload: %v\n", err)
				continue
			}
			roles, err := LoadRoles(fresh.RolesPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: roles reload: %v\n", err)
				continue
			}
			onChange(fresh, roles)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "warning: config watcher: %v\n", err)
			}
		}
	}
}
