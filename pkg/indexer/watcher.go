package indexer

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long a file must be quiet before it is re-indexed.
const DefaultDebounce = 500 * time.Millisecond

// IndexedFunc is called after the watcher indexes a changed file.
type IndexedFunc func(path string, result *Result, err error)

// Watcher re-indexes conversation logs when they change. It watches an
// archive root and each project directory below it.
type Watcher struct {
	indexer   *Indexer
	watcher   *fsnotify.Watcher
	logger    zerolog.Logger
	debounce  time.Duration
	onIndexed IndexedFunc

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a watcher feeding ix. onIndexed may be nil.
func NewWatcher(ix *Indexer, debounce time.Duration, logger zerolog.Logger, onIndexed IndexedFunc) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		indexer:   ix,
		watcher:   fsw,
		logger:    logger.With().Str("component", "watcher").Logger(),
		debounce:  debounce,
		onIndexed: onIndexed,
		pending:   map[string]struct{}{},
		ctx:       ctx,
		cancel:    cancel,
	}

	w.wg.Add(1)
	go w.run()
	return w, nil
}

// Watch adds root and its non-excluded project directories.
func (w *Watcher) Watch(root string) error {
	if err := w.watcher.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() && !w.indexer.Excluded(e.Name()) {
			if err := w.watcher.Add(filepath.Join(root, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop stops watching and waits for an in-flight index pass to finish.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.watcher.Close()

	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("File watcher error")

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.indexer.Excluded(filepath.Base(event.Name)) {
				if err := w.watcher.Add(event.Name); err != nil {
					w.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new project")
				}
			}
			return
		}
	}

	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	w.logger.Debug().
		Str("file", filepath.Base(event.Name)).
		Str("op", event.Op.String()).
		Msg("Conversation change detected")

	w.mu.Lock()
	w.pending[event.Name] = struct{}{}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
	w.mu.Unlock()
}

// flush indexes every file that changed during the quiet period.
func (w *Watcher) flush() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = map[string]struct{}{}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	sort.Strings(paths)
	for _, path := range paths {
		if w.ctx.Err() != nil {
			return
		}
		result, err := w.indexer.IndexFile(w.ctx, path)
		if err != nil {
			w.logger.Warn().Err(err).Str("file", path).Msg("Failed to re-index conversation")
		}
		if w.onIndexed != nil {
			w.onIndexed(path, result, err)
		}
	}
}
