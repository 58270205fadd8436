package composition

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces editor write bursts into one reload.
const debounce = 250 * time.Millisecond

// Watch reloads the library whenever a YAML file in the directory changes.
// A missing directory is not watched; call again after creating it. Safe to
// call once; StopWatch ends the watcher.
func (m *Manager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.dir); err != nil {
		_ = watcher.Close()
		return err
	}

	m.mu.Lock()
	if m.watcher != nil {
		m.mu.Unlock()
		_ = watcher.Close()
		return nil
	}
	m.watcher = watcher
	m.watchDone = make(chan struct{})
	m.mu.Unlock()

	go m.watchLoop(watcher)
	slog.Info("Watching compositions directory", "dir", m.dir)
	return nil
}

// StopWatch ends the directory watcher, if running.
func (m *Manager) StopWatch() {
	m.mu.Lock()
	watcher := m.watcher
	done := m.watchDone
	m.watcher = nil
	m.mu.Unlock()

	if watcher == nil {
		return
	}
	_ = watcher.Close()
	<-done
}

func (m *Manager) watchLoop(watcher *fsnotify.Watcher) {
	defer close(m.watchDone)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			ext := filepath.Ext(event.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			if err := m.Load(); err != nil {
				slog.Warn("Composition reload failed", "dir", m.dir, "error", err)
				continue
			}
			slog.Info("Compositions reloaded", "dir", m.dir, "total", len(m.List()))
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Composition watcher error", "error", err)
		}
	}
}
