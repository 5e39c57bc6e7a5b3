package content

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("content")

// settleDelay is how long a dropped file must stay quiet before it is
// ingested. Copies into the drop directory arrive as a burst of write
// events; ingesting mid-copy would truncate the media.
const settleDelay = 500 * time.Millisecond

// Watcher ingests files dropped into a directory: each settled file is
// moved into the store and the resulting key handed to the callback.
type Watcher struct {
	store  *Store
	dir    string
	onFile func(key string)

	fw   *fsnotify.Watcher
	done chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewWatcher starts watching dir. onFile runs on the watcher goroutine
// once per ingested file.
func NewWatcher(store *Store, dir string, onFile func(key string)) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		store:   store,
		dir:     dir,
		onFile:  onFile,
		fw:      fw,
		done:    make(chan struct{}),
		pending: make(map[string]*time.Timer),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case evt, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if strings.HasPrefix(filepath.Base(evt.Name), ".") {
				continue
			}
			w.touch(evt.Name)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warnw("drop watcher error", "err", err)
		}
	}
}

// touch resets the settle timer for a path.
func (w *Watcher) touch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.pending[path]; ok {
		t.Reset(settleDelay)
		return
	}
	w.pending[path] = time.AfterFunc(settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.ingest(path)
	})
}

func (w *Watcher) ingest(path string) {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.Warnw("open dropped file", "path", path, "err", err)
		return
	}
	key, err := w.store.Put(filepath.Base(path), f)
	f.Close()
	if err != nil {
		log.Errorw("ingest dropped file", "path", path, "err", err)
		return
	}
	os.Remove(path)

	log.Infow("ingested dropped file", "key", key)
	if w.onFile != nil {
		w.onFile(key)
	}
}

// Close stops the watcher and cancels pending ingests.
func (w *Watcher) Close() error {
	close(w.done)

	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	return w.fw.Close()
}
