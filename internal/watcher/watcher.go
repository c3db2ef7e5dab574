// Package watcher keeps the in-memory index current by re-indexing files as
// they change on disk, using fsnotify.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/screenager/prox/internal/chunker"
	"github.com/screenager/prox/internal/index"
)

// debounce is how long a file must stay quiet before it is re-indexed.
// Editors fire several write events per save.
const debounce = 500 * time.Millisecond

// Watcher watches directory trees and feeds changes to the index.
type Watcher struct {
	fw  *fsnotify.Watcher
	idx *index.Index
}

// New creates a Watcher backed by the given index.
func New(idx *index.Index) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	return &Watcher{fw: fw, idx: idx}, nil
}

// Watch adds rootDir and all non-hidden subdirectories to the watch list and
// processes events until ctx is cancelled. Call in a goroutine.
func (w *Watcher) Watch(ctx context.Context, rootDir string) error {
	if err := w.addTree(rootDir); err != nil {
		return err
	}

	pending := make(map[string]*time.Timer)

	for {
		select {
		case <-ctx.Done():
			return w.fw.Close()

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			path := event.Name

			// New directories enter the watch list immediately so files
			// created inside them are seen.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(path); err == nil && info.IsDir() {
					_ = w.addTree(path)
					continue
				}
			}

			if !chunker.IsSupportedFile(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if t, ok := pending[path]; ok {
				t.Stop()
			}
			pending[path] = time.AfterFunc(debounce, func() {
				fmt.Fprintf(os.Stderr, "[watch] re-indexing %s\n", path)
				if _, err := w.idx.AddFile(path); err != nil {
					fmt.Fprintf(os.Stderr, "[watch] %s: %v\n", path, err)
				}
			})

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "[watch] error: %v\n", err)
		}
	}
}

// addTree registers dir and every non-hidden subdirectory.
func (w *Watcher) addTree(dir string) error {
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := w.addTree(filepath.Join(dir, e.Name())); err != nil {
			fmt.Fprintf(os.Stderr, "[watch] skip dir: %v\n", err)
		}
	}
	return nil
}
