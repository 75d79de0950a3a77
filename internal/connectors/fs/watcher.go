// Package fs implements the filesystem connector: it watches configured
// directories for file changes, keeps a persistent index so changes
// made while the connector was down are still reported, and emits
// fs.* events to the daemon.
package fs

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/contextd/connectors/internal/monitor"
	"github.com/contextd/connectors/internal/types"
	"github.com/contextd/connectors/pkg/utils"
)

// maxHashBytes caps how large a file is hashed for change detection.
// Above this, size and mtime alone decide.
const maxHashBytes = 4 << 20

// defaultScanInterval is the rescan cadence when native notifications
// are unavailable.
const defaultScanInterval = 2 * time.Second

// Watcher observes a set of directory trees. It prefers fsnotify's
// native notifications and falls back to periodic rescans when the
// native watcher cannot be established.
type Watcher struct {
	index        *Index
	logger       *zap.Logger
	scanInterval time.Duration

	mu      sync.Mutex
	dirs    []string
	running bool
	cb      monitor.EventCallback
	stats   types.Statistics
	fsw     *fsnotify.Watcher

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher builds a watcher over dirs backed by the given index.
func NewWatcher(dirs []string, index *Index, scanInterval time.Duration, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scanInterval <= 0 {
		scanInterval = defaultScanInterval
	}
	return &Watcher{
		index:        index,
		logger:       logger,
		scanInterval: scanInterval,
		dirs:         append([]string(nil), dirs...),
	}
}

// Start reconciles the index against the current state of the watched
// trees (reporting anything that changed while the connector was down),
// then begins live observation.
func (w *Watcher) Start(cb monitor.EventCallback) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.cb = cb
	w.stats = types.Statistics{StartTime: time.Now(), IsRunning: true}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	dirs := append([]string(nil), w.dirs...)
	w.mu.Unlock()

	w.reconcile(dirs)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("native filesystem notifications unavailable, falling back to scanning",
			zap.Error(err))
		go w.scanLoop()
		return nil
	}

	for _, dir := range dirs {
		if err := addRecursive(fsw, dir); err != nil {
			w.logger.Warn("failed to watch directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()

	go w.eventLoop(fsw)
	w.logger.Info("filesystem watcher started",
		zap.Strings("dirs", dirs), zap.String("mode", "event-driven"))
	return nil
}

// Stop terminates observation. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.stats.IsRunning = false
	fsw := w.fsw
	w.fsw = nil
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	if fsw != nil {
		fsw.Close()
	}
	<-doneCh
	w.logger.Info("filesystem watcher stopped")
}

func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) Statistics() types.Statistics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// UpdateDirs applies a new directory set live: removed trees stop being
// watched, added trees are reconciled and watched.
func (w *Watcher) UpdateDirs(dirs []string) {
	w.mu.Lock()
	old := w.dirs
	w.dirs = append([]string(nil), dirs...)
	fsw := w.fsw
	running := w.running
	w.mu.Unlock()

	if !running {
		return
	}

	oldSet := make(map[string]bool, len(old))
	for _, d := range old {
		oldSet[d] = true
	}
	newSet := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		newSet[d] = true
	}

	for _, d := range dirs {
		if oldSet[d] {
			continue
		}
		w.reconcile([]string{d})
		if fsw != nil {
			if err := addRecursive(fsw, d); err != nil {
				w.logger.Warn("failed to watch directory", zap.String("dir", d), zap.Error(err))
			}
		}
		w.logger.Info("watching new directory", zap.String("dir", d))
	}
	for _, d := range old {
		if newSet[d] {
			continue
		}
		if fsw != nil {
			// addRecursive registered one watch per subdirectory; drop
			// every watch under the removed root.
			for _, watched := range fsw.WatchList() {
				if underAny(watched, []string{d}) {
					fsw.Remove(watched)
				}
			}
		}
		w.logger.Info("stopped watching directory", zap.String("dir", d))
	}
}

// eventLoop consumes fsnotify events until the watcher is closed.
func (w *Watcher) eventLoop(fsw *fsnotify.Watcher) {
	defer close(w.doneCh)
	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			w.logger.Warn("filesystem watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	// Events already queued for a tree that has since been removed from
	// the directory set are dropped here.
	w.mu.Lock()
	dirs := append([]string(nil), w.dirs...)
	w.mu.Unlock()
	if !underAny(path, dirs) {
		return
	}

	switch {
	case ev.Op&fsnotify.Create != 0:
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.IsDir() {
			// New subdirectories join the watch and get scanned so files
			// created inside them before the watch attached are not lost.
			if err := addRecursive(fsw, path); err != nil {
				w.logger.Warn("failed to watch new directory", zap.String("dir", path), zap.Error(err))
			}
			w.scanTree(path, nil)
			return
		}
		w.recordAndEmit(path, info, types.EventFileCreated)

	case ev.Op&fsnotify.Write != 0:
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return
		}
		w.recordAndEmit(path, info, types.EventFileModified)

	case ev.Op&fsnotify.Rename != 0:
		w.forgetAndEmit(path, types.EventFileRenamed)

	case ev.Op&fsnotify.Remove != 0:
		w.forgetAndEmit(path, types.EventFileRemoved)
	}
}

// scanLoop is the fallback when fsnotify is unavailable: a full rescan
// of every watched tree on a fixed cadence.
func (w *Watcher) scanLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			dirs := append([]string(nil), w.dirs...)
			w.mu.Unlock()
			w.reconcile(dirs)
		}
	}
}

// reconcile walks the given trees, emits created/modified for anything
// that differs from the index, and removed for indexed files that no
// longer exist under those trees. Trees are scanned concurrently.
func (w *Watcher) reconcile(dirs []string) {
	var mu sync.Mutex
	seen := make(map[string]bool)

	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, dir := range dirs {
		dir := dir
		g.Go(func() error {
			local := make(map[string]bool)
			w.scanTree(dir, local)
			mu.Lock()
			for p := range local {
				seen[p] = true
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	indexed, err := w.index.All()
	if err != nil {
		w.logger.Warn("failed to enumerate file index", zap.Error(err))
		return
	}
	for path := range indexed {
		if seen[path] || !underAny(path, dirs) {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			continue
		}
		w.forgetAndEmit(path, types.EventFileRemoved)
	}
}

// scanTree walks one tree and reports files that are new or different
// from the index. seen may be nil.
func (w *Watcher) scanTree(root string, seen map[string]bool) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		path = filepath.Clean(path)
		if seen != nil {
			seen[path] = true
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		prev, found, err := w.index.Get(path)
		if err != nil {
			return nil
		}
		if !found {
			w.recordAndEmit(path, info, types.EventFileCreated)
			return nil
		}
		if prev.Size != info.Size() || !prev.ModTime.Equal(info.ModTime()) {
			w.recordAndEmit(path, info, types.EventFileModified)
		}
		return nil
	})
}

// recordAndEmit updates the index for path and emits one event. A
// modification whose content hash is unchanged is suppressed.
func (w *Watcher) recordAndEmit(path string, info os.FileInfo, evType types.EventType) {
	state := FileState{Size: info.Size(), ModTime: info.ModTime()}
	if info.Size() <= maxHashBytes {
		if data, err := os.ReadFile(path); err == nil {
			state.Hash = utils.HashContent(data)
		}
	}

	if evType == types.EventFileModified && state.Hash != "" {
		if prev, found, _ := w.index.Get(path); found && prev.Hash == state.Hash {
			w.mu.Lock()
			w.stats.EventsFiltered++
			w.mu.Unlock()
			w.index.Put(path, state)
			return
		}
	}

	if err := w.index.Put(path, state); err != nil {
		w.logger.Warn("failed to record file state", zap.String("path", path), zap.Error(err))
	}

	payload := map[string]any{
		"path":     path,
		"size":     info.Size(),
		"mod_time": info.ModTime().UTC().Format(time.RFC3339Nano),
	}
	if state.Hash != "" {
		payload["hash"] = state.Hash
	}
	w.emit(evType, path, payload)
}

// forgetAndEmit drops path from the index and emits a removal-class
// event. Unindexed paths are ignored; they were never announced.
func (w *Watcher) forgetAndEmit(path string, evType types.EventType) {
	_, found, err := w.index.Get(path)
	if err != nil || !found {
		return
	}
	if err := w.index.Delete(path); err != nil {
		w.logger.Warn("failed to drop file from index", zap.String("path", path), zap.Error(err))
	}
	w.emit(evType, path, map[string]any{"path": path})
}

func (w *Watcher) emit(evType types.EventType, path string, payload map[string]any) {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.stats.EventsProcessed++
	cb := w.cb
	w.mu.Unlock()

	if cb == nil {
		return
	}
	cb(types.ConnectorEvent{
		EventID:   uuid.New().String(),
		SourceID:  path,
		Type:      evType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// addRecursive watches dir and every subdirectory beneath it. fsnotify
// watches are not recursive on any platform we run on.
func addRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := fsw.Add(path); err != nil {
				return err
			}
		}
		return nil
	})
}

func underAny(path string, dirs []string) bool {
	for _, dir := range dirs {
		dir = filepath.Clean(dir)
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
