package script

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher invalidates cache entries when scripts change on disk.
// Scripts that are symlinks are followed into their target directory.
type Watcher struct {
	cache   *Cache
	dir     string
	watcher *fsnotify.Watcher

	// Symlink tracking
	symlinkTargets map[string]string // script path -> resolved target dir
	watchedDirs    map[string]int    // dir path -> reference count
	mu             sync.Mutex

	// Debouncing
	pending       map[string]time.Time
	debounceMu    sync.Mutex
	debounceDelay time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the cache's script directory.
func NewWatcher(cache *Cache) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		cache:          cache,
		dir:            filepath.Clean(cache.dir),
		watcher:        fw,
		symlinkTargets: make(map[string]string),
		watchedDirs:    make(map[string]int),
		pending:        make(map[string]time.Time),
		debounceDelay:  100 * time.Millisecond,
		done:           make(chan struct{}),
	}, nil
}

// Start begins watching. From now on the cache trusts its entries until
// they are invalidated.
func (w *Watcher) Start() error {
	if err := w.addWatch(w.dir); err != nil {
		return err
	}
	if err := w.scanSymlinks(); err != nil {
		w.cache.config.Log(1, "script watcher: error scanning symlinks: %v", err)
	}

	w.cache.mu.Lock()
	w.cache.watched = true
	w.cache.mu.Unlock()

	go w.eventLoop()
	go w.debounceLoop()

	w.cache.config.Log(1, "script watcher: watching %s", w.dir)
	return nil
}

// Stop stops watching. The cache goes back to checking files itself.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		w.cache.mu.Lock()
		w.cache.watched = false
		w.cache.mu.Unlock()
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) scanSymlinks() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".lua") {
			w.updateSymlinkWatch(filepath.Join(w.dir, entry.Name()))
		}
	}
	return nil
}

// updateSymlinkWatch watches the target directory of path if it is a symlink.
func (w *Watcher) updateSymlinkWatch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Lstat(path)
	if err != nil {
		return
	}
	if old, ok := w.symlinkTargets[path]; ok {
		w.removeWatchLocked(old)
		delete(w.symlinkTargets, path)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return
	}
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		w.cache.config.Log(2, "script watcher: cannot resolve symlink %s: %v", path, err)
		return
	}
	targetDir := filepath.Dir(target)
	w.symlinkTargets[path] = targetDir
	w.addWatchLocked(targetDir)
}

func (w *Watcher) removeSymlinkWatch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if targetDir, ok := w.symlinkTargets[path]; ok {
		w.removeWatchLocked(targetDir)
		delete(w.symlinkTargets, path)
	}
}

func (w *Watcher) addWatch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addWatchLocked(dir)
}

func (w *Watcher) addWatchLocked(dir string) error {
	w.watchedDirs[dir]++
	if w.watchedDirs[dir] == 1 {
		if err := w.watcher.Add(dir); err != nil {
			w.watchedDirs[dir]--
			return err
		}
	}
	return nil
}

func (w *Watcher) removeWatchLocked(dir string) {
	w.watchedDirs[dir]--
	if w.watchedDirs[dir] <= 0 {
		w.watcher.Remove(dir)
		delete(w.watchedDirs, dir)
	}
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.cache.config.Log(1, "script watcher: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".lua") {
		return
	}
	w.cache.config.Log(3, "script watcher: %s on %s", event.Op, event.Name)

	if filepath.Dir(event.Name) == w.dir {
		switch {
		case event.Op&fsnotify.Create != 0:
			w.updateSymlinkWatch(event.Name)
		case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
			w.removeSymlinkWatch(event.Name)
		}
	}
	w.queue(event.Name)
}

func (w *Watcher) queue(path string) {
	w.debounceMu.Lock()
	w.pending[path] = time.Now()
	w.debounceMu.Unlock()
}

func (w *Watcher) debounceLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.flushPending()
		}
	}
}

// flushPending invalidates paths that have been quiet for the debounce delay.
func (w *Watcher) flushPending() {
	w.debounceMu.Lock()
	now := time.Now()
	var ready []string
	for path, at := range w.pending {
		if now.Sub(at) >= w.debounceDelay {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.debounceMu.Unlock()

	for _, path := range ready {
		for _, p := range w.affected(path) {
			w.cache.Invalidate(p)
		}
	}
}

// affected returns the script paths a change to path can stale: the path
// itself, or the symlinks in the script directory that point at it.
func (w *Watcher) affected(path string) []string {
	if filepath.Dir(path) == w.dir {
		return []string{path}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	var paths []string
	for link, targetDir := range w.symlinkTargets {
		if targetDir != filepath.Dir(path) {
			continue
		}
		if target, err := filepath.EvalSymlinks(link); err == nil && filepath.Base(target) == filepath.Base(path) {
			paths = append(paths, link)
		}
	}
	return paths
}
