package watchdog

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type WatchDogFactory struct {
	logger *zap.Logger
}

type filterFun func(string) bool

type WatchDog struct {
	watchCtx   context.Context
	notifyChan chan<- string
	filter     filterFun
	logger     *zap.Logger
	done       chan struct{}

	// states
	watcher *fsnotify.Watcher
}

func NewWatchDogFactory(logger *zap.Logger) *WatchDogFactory {
	return &WatchDogFactory{
		logger: logger.Named("watchdog"),
	}
}

// create a new WatchDog to monitor file creation events
//
// - `watchCtx` is the context to control the lifecycle of the watcher. After the context is done, the watcher will stop watching.
//
// - `notifyChan` receives the path of every created file that passes the filter. It is closed when the watcher stops.
//
// - `filter` is a function to filter the events. If it returns false, the event will be ignored. If set to nil, all events will be sent.
func (w *WatchDogFactory) New(watchCtx context.Context, notifyChan chan<- string, filter filterFun) (*WatchDog, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	watchDog := &WatchDog{
		watchCtx:   watchCtx,
		notifyChan: notifyChan, // send only channel
		filter:     filter,
		logger:     w.logger,
		done:       make(chan struct{}),
		watcher:    watcher,
	}

	go watchDog.watch()

	return watchDog, nil
}

// add a directory to the watch list
func (w *WatchDog) AddDir(dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := w.watcher.Add(absDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", absDir, err)
	}
	w.logger.Debug("Added directory to watch list", zap.String("dir", absDir))
	return nil
}

// Done is closed once the watcher has stopped and notifyChan is closed.
func (w *WatchDog) Done() <-chan struct{} {
	return w.done
}

func (w *WatchDog) watch() {
	defer close(w.done)
	defer w.watcher.Close()
	defer close(w.notifyChan)
	for {
		select {
		case <-w.watchCtx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				w.logger.Debug("fsnotify channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				w.logger.Debug("fsnotify error channel closed")
				return
			}
			w.logger.Warn("fsnotify error", zap.Error(err))
		}
	}
}

func (w *WatchDog) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) {
		return
	}
	if w.filter != nil && !w.filter(event.Name) {
		return
	}
	select {
	case w.notifyChan <- event.Name:
		w.logger.Debug("File added to notify channel", zap.String("file", event.Name))
	case <-w.watchCtx.Done():
	}
}
