// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/mediad/internal/log"
)

// ErrScanInProgress is returned when a rescan is requested while one runs.
var ErrScanInProgress = errors.New("library scan already in progress")

// Service is the library facade: index queries for the API plus the file
// lister the planner and coverage aggregator consume.
type Service struct {
	store   *Store
	scanner *Scanner
	logger  zerolog.Logger

	mu       sync.Mutex
	scanning bool
	lastScan *ScanResult
}

// NewService wires the library service.
func NewService(store *Store, scanner *Scanner) *Service {
	return &Service{
		store:   store,
		scanner: scanner,
		logger:  log.WithComponent("library"),
	}
}

// ListUnder enumerates indexed media files under relDir in path order.
func (s *Service) ListUnder(ctx context.Context, relDir string, recursive bool) ([]string, error) {
	return s.store.ListUnder(ctx, relDir, recursive)
}

// List returns a page of the index.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]Item, int, error) {
	return s.store.List(ctx, opts)
}

// Get returns one indexed item, nil when unknown.
func (s *Service) Get(ctx context.Context, relPath string) (*Item, error) {
	return s.store.Get(ctx, relPath)
}

// Count returns the number of indexed files.
func (s *Service) Count(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

// Rescan runs a full scan. Only one scan runs at a time; concurrent requests
// get ErrScanInProgress instead of a second walk.
func (s *Service) Rescan(ctx context.Context) (*ScanResult, error) {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return nil, ErrScanInProgress
	}
	s.scanning = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()

	res, err := s.scanner.FullScan(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lastScan = res
	s.mu.Unlock()
	return res, nil
}

// LastScan returns the most recent scan result, nil before the first scan.
func (s *Service) LastScan() *ScanResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastScan
}
