package config

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadSettle coalesces the event bursts editors emit when saving.
const reloadSettle = 200 * time.Millisecond

// Manager holds the current snapshot and swaps it atomically on
// reload. A failed reload keeps the old snapshot live.
type Manager struct {
	path string
	log  zerolog.Logger
	cur  atomic.Pointer[Config]
}

// NewManager loads the initial snapshot; a broken file at startup is
// the caller's fatal error.
func NewManager(path string, log zerolog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		path: path,
		log:  log.With().Str("component", "config").Str("path", path).Logger(),
	}
	m.cur.Store(cfg)
	return m, nil
}

// Current returns the live snapshot. Never nil after NewManager.
func (m *Manager) Current() *Config { return m.cur.Load() }

// Reload parses the file again and swaps on success.
func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cur.Store(cfg)
	return cfg, nil
}

// Watch re-loads on file change until ctx ends. onReload, if set, runs
// after each successful swap. The watch is on the directory: editors
// and config tools replace files by rename, which drops a watch placed
// on the file itself.
func (m *Manager) Watch(ctx context.Context, onReload func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return err
	}

	base := filepath.Base(m.path)
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			settle = time.After(reloadSettle)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			m.log.Warn().Err(err).Msg("watch error")
		case <-settle:
			settle = nil
			cfg, err := m.Reload()
			if err != nil {
				m.log.Error().Err(err).Msg("reload rejected, keeping previous config")
				continue
			}
			m.log.Info().Msg("config reloaded")
			if onReload != nil {
				onReload(cfg)
			}
		}
	}
}
