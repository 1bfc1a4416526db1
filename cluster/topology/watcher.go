package topology

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Watcher broadcasts a fresh topology snapshot to subscribers whenever
// the topology file is rewritten. Saves go through a rename, so we
// watch the directory rather than the file itself.
type Watcher struct {
	store  *Store
	logger *zap.Logger
	watch  *fsnotify.Watcher

	mu          sync.Mutex
	subscribers map[uuid.UUID]chan<- *Topology
}

func NewWatcher(store *Store, logger *zap.Logger) (*Watcher, error) {
	watch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		store:       store,
		logger:      logger,
		watch:       watch,
		subscribers: make(map[uuid.UUID]chan<- *Topology),
	}

	go w.run()

	// the file may not exist yet; watching the directory still
	// catches the first save
	_ = watch.Add(store.Path())

	if err := watch.Add(filepath.Dir(store.Path())); err != nil {
		_ = watch.Close()
		return nil, err
	}

	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watch.Events:
			if !ok {
				return
			}
			if event.Name != w.store.Path() {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				topo, err := w.store.Load()
				if err != nil {
					w.logger.Debug("ignoring unreadable topology update", zap.Error(err))
					continue
				}
				w.broadcast(topo)
			}
		case err, ok := <-w.watch.Errors:
			if !ok {
				return
			}
			w.logger.Warn("topology watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) broadcast(topo *Topology) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subscribers {
		ch <- topo
	}
}

// Subscribe registers a channel for topology updates and returns an
// unsubscribe function.
func (w *Watcher) Subscribe(ch chan<- *Topology) func() {
	id := uuid.New()

	w.mu.Lock()
	w.subscribers[id] = ch
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.subscribers, id)
		w.mu.Unlock()
	}
}

func (w *Watcher) Close() error {
	return w.watch.Close()
}
