package rules

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a signature rule file when it changes on disk.
type Watcher struct {
	logger  *zap.Logger
	path    string
	sigs    *Signatures
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher starts watching path and applies successful reloads to sigs.
func NewWatcher(path string, sigs *Signatures, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory: editors replace files rather than writing in place.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		logger:  logger,
		path:    path,
		sigs:    sigs,
		watcher: fsw,
		stopCh:  make(chan struct{}),
	}

	w.wg.Add(1)
	go w.loop()

	return w, nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
	w.wg.Wait()
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			reloaded, err := LoadFile(w.path)
			if err != nil {
				w.logger.Warn("Rules reload failed, keeping previous set",
					zap.String("path", w.path),
					zap.Error(err),
				)
				continue
			}

			w.sigs.Replace(reloaded)
			w.logger.Info("Signature rules reloaded", zap.String("path", w.path))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Rules watcher error", zap.Error(err))

		case <-w.stopCh:
			return
		}
	}
}
