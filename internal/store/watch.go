package store

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher monitors a FileStore directory for session blobs replaced out of
// band. Operators bootstrap or refresh sessions by dropping an exported
// cookies file into the directory; the watcher lets a running adapter pick
// that up without a restart.
type Watcher struct {
	fs       *FileStore
	watcher  *fsnotify.Watcher
	onChange func(id string)
	logger   *zap.Logger

	mu          sync.Mutex
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher over the store's directory. onChange is
// invoked with the session id whose file was written or created.
func NewWatcher(fs *FileStore, onChange func(id string), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fs:          fs,
		watcher:     fsw,
		onChange:    onChange,
		logger:      logger,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // editors and uploads write in bursts
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Idempotent; a second Start is a no-op.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watcher.Add(w.fs.dir); err != nil {
		return err
	}
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			id := strings.TrimSuffix(name, ".json")
			if !w.allow(id) {
				continue
			}
			w.logger.Info("session file changed", zap.String("session", id))
			if w.onChange != nil {
				w.onChange(id)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// allow debounces rapid event bursts for the same session file.
func (w *Watcher) allow(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if last, ok := w.debounceMap[id]; ok && now.Sub(last) < w.debounceDur {
		return false
	}
	w.debounceMap[id] = now
	return true
}

// Stop ends the watch loop and releases the inotify handle.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	err := w.watcher.Close()
	<-w.doneCh
	return err
}
