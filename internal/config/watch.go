package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "taskcore/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchRetryMin  = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

// Watch reloads the file after it changes until ctx ends. The parent
// directory is watched so rename-on-save editors are seen. A watcher that
// fails or dies is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	retry := watchRetryMin

	for {
		w, err := openWatcher(dir)
		if err == nil {
			retry = watchRetryMin
			m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))
			err = m.follow(ctx, w, file)
			_ = w.Close()
		}
		if ctx.Err() != nil {
			return nil
		}

		wait := retry + rand.N(retry/2+1)
		retry = min(retry*2, watchRetryMax)
		m.log.Warn("config watcher down; retrying", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// follow debounces events for file into reloads. It returns when ctx ends or
// the watcher's channels close.
func (m *ConfigManager) follow(ctx context.Context, w *fsnotify.Watcher, file string) error {
	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	pending := false
	arm := func() {
		if pending && !debounce.Stop() {
			select {
			case <-debounce.C:
			default:
			}
		}
		debounce.Reset(reloadDebounce)
		pending = true
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-debounce.C:
			pending = false
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher events closed")
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				arm()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher errors closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload")
				arm()
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}
