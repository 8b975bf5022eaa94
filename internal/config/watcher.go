package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
)

// Watcher reloads the config file whenever it is written or replaced.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(Config)
	debounce time.Duration
	wg       sync.WaitGroup
	stop     chan struct{}
	once     sync.Once
}

// Watch starts watching path. The parent directory is watched because editors
// usually replace the file instead of writing it in place.
func Watch(path string, debounce time.Duration, onChange func(Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	w := &Watcher{
		path:     abs,
		watcher:  fw,
		onChange: onChange,
		debounce: debounce,
		stop:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.WarnF("Config watcher error: %v", err)
		case <-fire:
			fire = nil
			cfg, err := ReadConfig(w.path)
			if err != nil {
				logger.WarnF("Ignoring config change, details: %v", err)
				continue
			}
			logger.InfoF("Config file %s reloaded", w.path)
			w.onChange(cfg)
		}
	}
}

// Invoke stops the watcher; it satisfies the cleaner's Callable.
func (w *Watcher) Invoke(_ context.Context) error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		w.wg.Wait()
	})
	return err
}
