package share

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/htrap1211/Legion/internal/logger"
)

const debounceWindow = time.Second

// Watcher observes the shared directory and fires a debounced callback
// when its contents change, so the peer re-announces without user action.
type Watcher struct {
	dir      string
	onChange func()
	log      *logrus.Entry

	fsw       *fsnotify.Watcher
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewWatcher creates a watcher over the shared directory.
func NewWatcher(dir string, onChange func()) *Watcher {
	return &Watcher{
		dir:      dir,
		onChange: onChange,
		log:      logger.NewForComponent("share-watcher"),
	}
}

// Start begins watching. Filesystem events are coalesced within a short
// window so bulk copies trigger a single re-announcement.
func (w *Watcher) Start(ctx context.Context) error {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()

	if w.running {
		return fmt.Errorf("share watcher is already running")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	w.fsw = fsw
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.loop()

	w.log.Info("Share watcher started")
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()

	if !w.running {
		return
	}
	w.running = false

	w.cancel()
	w.fsw.Close()
	w.wg.Wait()

	w.log.Info("Share watcher stopped")
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			w.onChange()

		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		}
	}
}
