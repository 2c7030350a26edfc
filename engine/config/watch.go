package config

import (
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/anima-rt/engine/core"
)

// Watcher reloads a config file whenever it is written and delivers every
// config that parses and validates on Configs. Invalid edits are logged and
// skipped; the previous config stays in effect.
type Watcher struct {
	path     string
	fsnotify *fsnotify.Watcher

	configs chan *Config
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %q", path)
	}
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating fsnotify watcher")
	}
	// Editors often replace the file rather than writing it in place, so
	// watch the directory and filter by name.
	if err := fsWatch.Add(filepath.Dir(abs)); err != nil {
		fsWatch.Close()
		return nil, errors.Wrapf(err, "watching %q", filepath.Dir(abs))
	}

	w := &Watcher{
		path:     abs,
		fsnotify: fsWatch,
		configs:  make(chan *Config, 1),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.start()
	return w, nil
}

// Configs returns the channel of reloaded configs. It is closed by Close.
func (w *Watcher) Configs() <-chan *Config {
	return w.configs
}

func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fsnotify.Close()
		w.wg.Wait()
		close(w.configs)
	})
	return err
}

func (w *Watcher) start() {
	defer w.wg.Done()
	logger := core.Logger("config")
	for {
		select {
		case e, ok := <-w.fsnotify.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != w.path {
				continue
			}
			if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				logger.Warn("config reload rejected", "err", err)
				continue
			}
			logger.Info("config reloaded", "path", w.path)
			// Keep only the newest config if the consumer lags behind.
			select {
			case <-w.configs:
			default:
			}
			select {
			case w.configs <- cfg:
			case <-w.done:
				return
			}

		case err, ok := <-w.fsnotify.Errors:
			if !ok {
				return
			}
			logger.Error("config watcher", "err", err)

		case <-w.done:
			return
		}
	}
}
