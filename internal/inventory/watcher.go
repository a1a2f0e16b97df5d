package inventory

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/optics-collector/internal/model"
)

// Source 持有当前生效的设备清单，重载失败时保持旧清单不变
type Source struct {
	path      string
	delimiter rune
	debounce  time.Duration
	logger    *zap.Logger

	// reloadMu orders reloads so the last file read is the last set applied
	reloadMu sync.Mutex

	mu       sync.RWMutex
	devices  []model.Device
	onChange []func([]model.Device)
	onReload func(err error)
}

// NewSource creates a Source; call Reload once before use.
func NewSource(path string, delimiter rune, debounce time.Duration, logger *zap.Logger) *Source {
	return &Source{
		path:      path,
		delimiter: delimiter,
		debounce:  debounce,
		logger:    logger.Named("inventory"),
	}
}

// OnChange registers a callback receiving every successfully loaded set.
func (s *Source) OnChange(fn func([]model.Device)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// OnReload registers a callback receiving the result of every reload.
func (s *Source) OnReload(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = fn
}

// Devices returns the current device set. Callers must not modify it.
func (s *Source) Devices() []model.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.devices
}

// Reload re-reads the file and swaps the device set only when it parses.
func (s *Source) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	devices, err := Load(s.path, s.delimiter, s.logger)

	s.mu.Lock()
	if err == nil {
		s.devices = devices
	}
	hooks := append([]func([]model.Device){}, s.onChange...)
	onReload := s.onReload
	s.mu.Unlock()

	if onReload != nil {
		onReload(err)
	}
	if err != nil {
		s.logger.Error("inventory reload failed, keeping previous device set",
			zap.String("path", s.path), zap.Error(err))
		return err
	}
	s.logger.Info("inventory loaded", zap.String("path", s.path), zap.Int("devices", len(devices)))
	for _, fn := range hooks {
		fn(devices)
	}
	return nil
}

// Watch reloads the inventory whenever the file is written, created or
// renamed into place. It watches the parent directory so editors that
// replace the file atomically are handled. Watch blocks until ctx is done.
func (s *Source) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create inventory watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("resolve inventory path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				timer.Reset(s.debounce)
			}
			timerCh = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("inventory watcher error", zap.Error(err))
		case <-timerCh:
			timerCh = nil
			_ = s.Reload()
		}
	}
}
