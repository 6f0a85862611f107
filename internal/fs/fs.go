// Package fs provides the sandboxed plugin file store: a resolver that confines
// client-supplied paths to a single root, and the store operations built on it.
package fs

import (
	"errors"
	"time"
)

// EntryKind distinguishes files from directories in a listing.
type EntryKind string

// Entry kinds.
const (
	KindFile      EntryKind = "file"
	KindDirectory EntryKind = "directory"
)

// Entry is a read-only snapshot of a directory entry.
type Entry struct {
	Name     string    `json:"name"`
	Kind     EntryKind `json:"type"`
	Size     int64     `json:"size,omitempty"`
	ModTime  time.Time `json:"modified"`
	MimeType string    `json:"mimeType,omitempty"`
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Kind == KindDirectory
}

// Errors returned by the resolver and the store. Callers match them with errors.Is.
var (
	ErrInvalidPath   = errors.New("invalid path")
	ErrPathTraversal = errors.New("path escapes root directory")
	ErrNotFound      = errors.New("not found")
	ErrNotADirectory = errors.New("not a directory")
	ErrIsDirectory   = errors.New("is a directory")
	ErrAlreadyExists = errors.New("already exists")
	ErrForbidden     = errors.New("operation not permitted")
	ErrTooLarge      = errors.New("upload exceeds size limit")
	ErrIO            = errors.New("i/o error")
)
