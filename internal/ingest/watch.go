package ingest

import (
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watcher coalesces directory events into a single pending wake-up.
type watcher struct {
	fs   *fsnotify.Watcher
	wake chan struct{}
	done chan struct{}
}

func newWatcher(dir string, log *zap.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	w := &watcher{fs: fw, wake: make(chan struct{}, 1), done: make(chan struct{})}
	go w.loop(log)
	return w, nil
}

func (w *watcher) loop(log *zap.Logger) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				select {
				case w.wake <- struct{}{}:
				default:
				}
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			log.Warn("directory watch error", zap.Error(err))
		}
	}
}

func (w *watcher) Wake() <-chan struct{} { return w.wake }

func (w *watcher) Close() error {
	err := w.fs.Close()
	<-w.done
	return err
}
