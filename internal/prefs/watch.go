package prefs

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the preference file when another process edits it and
// notifies subscribers. It blocks until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create preference watcher: %w", err)
	}
	defer watcher.Close()

	// Atomic replacement swaps the inode, so watch the directory.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warnf("Preference watcher error: %v", err)
		case <-debounce:
			debounce = nil
			s.reload()
		}
	}
}

// reload holds s.mu across the read so a concurrent Update cannot commit
// between reading the file and installing its contents.
func (s *Store) reload() {
	s.mu.Lock()
	values, err := readFile(s.path)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warnf("Failed to reload preferences: %v", err)
		return
	}
	changed := !maps.Equal(values, s.values)
	if changed {
		s.values = values
	}
	s.mu.Unlock()

	if changed {
		s.logger.Infof("Preferences reloaded from %s", s.path)
		s.broadcast()
	}
}
