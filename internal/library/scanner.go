// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediad/internal/log"
)

// workDirPrefix marks in-flight job workspaces. The scanner never descends
// into them.
const workDirPrefix = ".work-"

// Scanner walks the library root and refreshes the media index.
type Scanner struct {
	store  *Store
	root   string
	logger zerolog.Logger
}

// NewScanner returns a scanner for the given resolved library root.
func NewScanner(store *Store, root string) *Scanner {
	return &Scanner{
		store:  store,
		root:   filepath.Clean(root),
		logger: log.WithComponent("library.scanner"),
	}
}

// FullScan walks the whole tree inside one transaction, upserting every media
// file it sees and dropping index rows for files that vanished. Dot
// directories (including per-file artifact dirs) are skipped entirely.
func (sc *Scanner) FullScan(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{Started: time.Now()}

	rootResolved, err := filepath.EvalSymlinks(sc.root)
	if err != nil {
		return nil, fmt.Errorf("resolve library root: %w", err)
	}
	rootResolved = filepath.Clean(rootResolved)

	tx, err := sc.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin scan tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	scanTime := result.Started
	err = filepath.WalkDir(sc.root, func(p string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if walkErr != nil {
			result.ErrorCount++
			sc.logger.Warn().Err(walkErr).Str("path", p).Msg("scan walk error")
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			name := d.Name()
			if p != sc.root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, workDirPrefix)) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !IsMediaFile(d.Name()) {
			return nil
		}

		// Symlinked files must still resolve inside the root.
		fileResolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			result.ErrorCount++
			return nil
		}
		rel, err := filepath.Rel(rootResolved, fileResolved)
		if err != nil || strings.HasPrefix(rel, "..") {
			result.ErrorCount++
			sc.logger.Warn().Str("path", p).Msg("file escapes library root, skipped")
			return nil
		}

		info, err := d.Info()
		if err != nil {
			result.ErrorCount++
			return nil
		}

		relFromWalk, err := filepath.Rel(sc.root, p)
		if err != nil {
			result.ErrorCount++
			return nil
		}
		item := Item{
			Path:      filepath.ToSlash(relFromWalk),
			Filename:  d.Name(),
			SizeBytes: info.Size(),
			ModTime:   info.ModTime(),
			ScanTime:  scanTime,
		}
		if err := sc.store.UpsertItem(ctx, tx, item); err != nil {
			return fmt.Errorf("upsert %s: %w", item.Path, err)
		}
		result.ItemsIndexed++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan library: %w", err)
	}

	removed, err := sc.store.DeleteStale(ctx, tx, scanTime)
	if err != nil {
		return nil, fmt.Errorf("drop vanished files: %w", err)
	}
	result.ItemsRemoved = removed

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit scan tx: %w", err)
	}
	committed = true

	result.Finished = time.Now()
	sc.logger.Info().
		Int("indexed", result.ItemsIndexed).
		Int("removed", result.ItemsRemoved).
		Int("errors", result.ErrorCount).
		Dur("took", result.Finished.Sub(result.Started)).
		Msg("library scan finished")
	return result, nil
}
