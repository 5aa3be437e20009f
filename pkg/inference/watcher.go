package inference

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"Tapline/pkg/logger"
)

// Watcher re-runs Load when the model or tokenizer files appear or change
// while the runtime is not Ready. It is the host's retry trigger; the
// runtime itself never retries.
type Watcher struct {
	runtime  *Runtime
	paths    Paths
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}

	// onReload is called after each triggered load attempt starts
	onReload func()
}

// NewWatcher creates a watcher for paths
func NewWatcher(runtime *Runtime, paths Paths) *Watcher {
	return &Watcher{
		runtime:  runtime,
		paths:    paths,
		debounce: 500 * time.Millisecond,
	}
}

// SetDebounce changes the settle delay
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start watches the directories containing the model and tokenizer
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watcher != nil {
		return errors.New("watcher already started")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dirs := map[string]struct{}{
		filepath.Dir(w.paths.Model):     {},
		filepath.Dir(w.paths.Tokenizer): {},
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return err
		}
	}

	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})

	logger.LogInfo("model_watcher").Str("model", w.paths.Model).Msg("Started watching model files")

	go w.watch(watcher, w.stopCh, w.done)
	return nil
}

// Stop stops watching and waits for the loop to exit
func (w *Watcher) Stop() {
	w.mu.Lock()
	watcher, stopCh, done := w.watcher, w.stopCh, w.done
	w.watcher = nil
	w.mu.Unlock()

	if watcher == nil {
		return
	}
	close(stopCh)
	watcher.Close()
	<-done
	logger.LogInfo("model_watcher").Msg("Stopped watching model files")
}

// relevant reports whether name is one of the watched files or a
// variant the loader reads
func (w *Watcher) relevant(name string) bool {
	clean := filepath.Clean(name)
	for _, p := range []string{w.paths.Model, w.paths.Tokenizer} {
		p = filepath.Clean(p)
		if clean == p || strings.HasPrefix(clean, p+".") {
			return true
		}
	}
	return false
}

func (w *Watcher) watch(watcher *fsnotify.Watcher, stopCh, done chan struct{}) {
	defer close(done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			name := event.Name
			debounceTimer = time.AfterFunc(w.debounce, func() {
				w.reload(name)
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.LogError("model_watcher").Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(trigger string) {
	state := w.runtime.State()
	if state.Status == Ready || state.Status == Loading {
		return
	}

	logger.LogInfo("model_watcher").
		Str("trigger", filepath.Base(trigger)).
		Str("state", state.String()).
		Msg("Model files changed, retrying load")

	if _, err := w.runtime.Load(context.Background(), w.paths); err != nil {
		logger.LogDebug("model_watcher").Err(err).Msg("Reload skipped")
		return
	}
	if w.onReload != nil {
		w.onReload()
	}
}
