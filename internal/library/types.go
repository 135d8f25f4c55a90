// SPDX-License-Identifier: MIT

// Package library indexes the media files under the configured root and
// answers scope queries for the planner, coverage, and the HTTP API.
package library

import (
	"path"
	"strings"
	"time"
)

// Item is one indexed media file. Paths are root-relative with POSIX
// separators throughout.
type Item struct {
	Path      string    `json:"path"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"sizeBytes"`
	ModTime   time.Time `json:"modTime"`
	ScanTime  time.Time `json:"scanTime"`
}

// ScanResult summarizes one full scan.
type ScanResult struct {
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
	ItemsIndexed int       `json:"itemsIndexed"`
	ItemsRemoved int       `json:"itemsRemoved"`
	ErrorCount   int       `json:"errorCount"`
}

// mediaExtensions is the container whitelist. Everything else in the tree is
// either a sidecar or ignored.
var mediaExtensions = map[string]struct{}{
	".mp4":  {},
	".mkv":  {},
	".avi":  {},
	".mov":  {},
	".webm": {},
	".wmv":  {},
	".flv":  {},
	".m4v":  {},
	".mpg":  {},
	".mpeg": {},
	".ts":   {},
	".ogv":  {},
}

// IsMediaFile reports whether the filename carries a recognized media
// container extension.
func IsMediaFile(name string) bool {
	_, ok := mediaExtensions[strings.ToLower(path.Ext(name))]
	return ok
}
