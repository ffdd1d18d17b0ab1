package permission

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/opencode-ai/gatekeeper/internal/config"
	"github.com/opencode-ai/gatekeeper/internal/logging"
)

// reloadDelay coalesces the burst of events editors produce on save.
const reloadDelay = 200 * time.Millisecond

// Watcher reloads the safe list and NHI patterns when the configuration
// file changes. Invalid files are logged and the active rules are kept.
type Watcher struct {
	watcher    *fsnotify.Watcher
	path       string
	classifier *Classifier
	onReload   func()
	stopCh     chan struct{}
	doneCh     chan struct{}
	started    bool
	mu         sync.Mutex
}

// NewWatcher watches the directory holding path, since editors often replace
// the file instead of writing it in place.
func NewWatcher(path string, classifier *Classifier) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}

	logging.Info().Str("path", abs).Msg("config watcher initialized")

	return &Watcher{
		watcher:    w,
		path:       abs,
		classifier: classifier,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// OnReload registers fn to run after every successful reload. Call before
// Start.
func (w *Watcher) OnReload(fn func()) {
	w.onReload = fn
}

// Start begins watching for changes.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.Reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("config watcher error")
		}
	}
}

// Reload re-reads the configuration and updates the classifier.
func (w *Watcher) Reload() bool {
	cfg, err := config.Load(w.path)
	if err != nil {
		logging.Warn().Err(err).Str("path", w.path).Msg("config reload failed, keeping current rules")
		return false
	}
	if err := config.ValidateWhitelist(cfg.Whitelist); err != nil {
		logging.Warn().Err(err).Msg("config reload rejected, keeping current rules")
		return false
	}
	before := w.classifier.SafeList()
	if err := w.classifier.Update(cfg.Whitelist, cfg.NHIDetection); err != nil {
		logging.Warn().Err(err).Msg("config reload rejected, keeping current rules")
		return false
	}

	diff := DiffSafeLists(before, w.classifier.SafeList())
	logging.Info().
		Int("whitelist", len(cfg.Whitelist)).
		Strs("added", diff.Added).
		Strs("removed", diff.Removed).
		Msg("classifier rules reloaded")
	if w.onReload != nil {
		w.onReload()
	}
	return true
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}

	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
