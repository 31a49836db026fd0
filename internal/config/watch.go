package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads the config when its file changes until stop is closed.
// It listens for fsnotify events on the parent directory and falls back to
// polling the modification time every interval when a watcher cannot be
// created.
func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if m.path == "" {
		<-stop
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err = watcher.Add(filepath.Dir(m.path)); err != nil {
			watcher.Close()
		}
	}
	if err != nil {
		if onError != nil {
			onError(err)
		}
		m.poll(interval, onReload, onError, stop)
		return
	}
	defer watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()
	base := filepath.Base(m.path)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				m.reloadAndNotify(onReload, onError)
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if onError != nil {
				onError(err)
			}
		case <-stop:
			return
		}
	}
}

func (m *Manager) poll(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if needs {
				m.reloadAndNotify(onReload, onError)
			}
		case <-stop:
			return
		}
	}
}

func (m *Manager) reloadAndNotify(onReload func(*Config), onError func(error)) {
	cfg, err := m.Reload()
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}
	if onReload != nil {
		onReload(cfg)
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
