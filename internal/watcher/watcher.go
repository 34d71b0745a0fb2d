// Package watcher reports file changes below a directory tree.
package watcher

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/moby/patternmatcher"
)

// metadataDir is the git metadata directory, never reported or watched
const metadataDir = ".git"

// ChangeEvent is a single file mutation below the watched root
type ChangeEvent struct {
	Path      string
	Op        fsnotify.Op
	Timestamp time.Time
}

// Watcher recursively watches a directory and forwards file changes that
// are not directories, not inside .git and not matched by an ignore pattern.
type Watcher struct {
	root    string
	fs      *fsnotify.Watcher
	ignore  *patternmatcher.PatternMatcher
	logger  *slog.Logger
	handler func(ChangeEvent)

	dirsMu sync.Mutex
	dirs   map[string]struct{} // directories registered with fs

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a watcher for root. Ignore patterns use .gitignore/.dockerignore syntax
// and are matched against slash-separated paths relative to root.
func New(root string, ignore []string, logger *slog.Logger) (*Watcher, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve watch root: %w", err)
	}

	pm, err := patternmatcher.New(ignore)
	if err != nil {
		return nil, fmt.Errorf("invalid ignore patterns: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		root:   absRoot,
		fs:     fsw,
		ignore: pm,
		logger: logger,
		dirs:   make(map[string]struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Root returns the absolute path being watched
func (w *Watcher) Root() string {
	return w.root
}

// Start registers the directory tree and begins delivering events to handler
// on the watcher's own goroutine.
func (w *Watcher) Start(handler func(ChangeEvent)) error {
	w.handler = handler

	if err := w.addTree(w.root); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.eventLoop()

	return nil
}

// Stop ends event delivery and waits for the event loop to exit
func (w *Watcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}

// addTree registers dir and every directory below it, skipping .git
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Directories can vanish between the event and the walk.
			if path != dir && os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if d.Name() == metadataDir || (path != w.root && w.Ignored(path)) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		w.dirsMu.Lock()
		w.dirs[path] = struct{}{}
		w.dirsMu.Unlock()
		return nil
	})
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Permission and timestamp changes are invisible to git
	if event.Op == fsnotify.Chmod {
		return
	}
	if w.Ignored(event.Name) {
		return
	}

	// A removed or renamed directory can no longer be stat'ed
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if w.forgetDir(event.Name) {
			return
		}
	}

	info, err := os.Lstat(event.Name)
	if err == nil && info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
		}
		return
	}

	w.logger.Info("file change detected", "path", event.Name, "op", event.Op.String())
	w.handler(ChangeEvent{
		Path:      event.Name,
		Op:        event.Op,
		Timestamp: time.Now(),
	})
}

// forgetDir drops path and everything below it from the watched directory
// set and reports whether path was a watched directory.
func (w *Watcher) forgetDir(path string) bool {
	w.dirsMu.Lock()
	defer w.dirsMu.Unlock()

	if _, ok := w.dirs[path]; !ok {
		return false
	}
	prefix := path + string(filepath.Separator)
	for dir := range w.dirs {
		if dir == path || strings.HasPrefix(dir, prefix) {
			delete(w.dirs, dir)
		}
	}
	return true
}

// Ignored reports whether path lies inside a .git directory below the root
// or matches one of the ignore patterns.
func (w *Watcher) Ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return true
	}

	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == metadataDir {
			return true
		}
	}

	matched, err := w.ignore.MatchesOrParentMatches(filepath.ToSlash(rel))
	if err != nil {
		w.logger.Warn("ignore pattern match failed", "path", rel, "error", err)
		return false
	}
	return matched
}
