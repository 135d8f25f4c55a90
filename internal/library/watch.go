// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ManuGH/mediad/internal/log"
)

// Invalidator receives file-removal notifications so cached artifact status
// for vanished media does not outlive the file.
type Invalidator interface {
	Drop(ctx context.Context, mediaPath string)
}

// Watcher keeps the index current between full scans by following
// filesystem events under the library root.
type Watcher struct {
	store       *Store
	root        string
	invalidator Invalidator
	logger      zerolog.Logger
	fsw         *fsnotify.Watcher
}

// NewWatcher wires a watcher for the resolved library root. invalidator may
// be nil.
func NewWatcher(store *Store, root string, invalidator Invalidator) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		store:       store,
		root:        filepath.Clean(root),
		invalidator: invalidator,
		logger:      log.WithComponent("library.watcher"),
		fsw:         fsw,
	}
	if err := w.addRecursive(w.root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addRecursive registers every visible directory under dir.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if p != w.root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, workDirPrefix)) {
			return fs.SkipDir
		}
		return w.fsw.Add(p)
	})
}

// Run processes events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.fsw.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("filesystem watcher error")
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	relSlash := filepath.ToSlash(rel)
	base := filepath.Base(ev.Name)
	if strings.HasPrefix(base, ".") || strings.Contains(relSlash, "/.") {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Warn().Err(err).Str("dir", relSlash).Msg("watch new directory failed")
			}
			return
		}
		w.upsert(ctx, relSlash, base, info)

	case ev.Op.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil || info.IsDir() {
			return
		}
		w.upsert(ctx, relSlash, base, info)
		// Content changed: cached artifact status may now be stale.
		if w.invalidator != nil && IsMediaFile(base) {
			w.invalidator.Drop(ctx, relSlash)
		}

	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		if !IsMediaFile(base) {
			return
		}
		if err := w.store.Delete(ctx, relSlash); err != nil {
			w.logger.Warn().Err(err).Str("path", relSlash).Msg("drop vanished file failed")
		}
		if w.invalidator != nil {
			w.invalidator.Drop(ctx, relSlash)
		}
		w.logger.Debug().Str("path", relSlash).Msg("media file removed from index")
	}
}

func (w *Watcher) upsert(ctx context.Context, relSlash, base string, info os.FileInfo) {
	if !IsMediaFile(base) {
		return
	}
	item := Item{
		Path:      relSlash,
		Filename:  base,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
		ScanTime:  time.Now(),
	}
	if err := w.store.Upsert(ctx, item); err != nil {
		w.logger.Warn().Err(err).Str("path", relSlash).Msg("index update failed")
		return
	}
	w.logger.Debug().Str("path", relSlash).Msg("media file indexed")
}
