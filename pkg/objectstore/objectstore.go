// Package objectstore gives hierarchical access to the bucket where the
// remote ML service writes model checkpoints and forecast files.
package objectstore

import (
	"context"
	"errors"
	"path"
	"strings"
)

// ErrNotExist is returned when a file does not exist.
var ErrNotExist = errors.New("object does not exist")

// Entry is one child of a directory.
type Entry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// Bucket is a slash-separated namespace of files.
type Bucket interface {
	// ReadDir lists the immediate children of dir. A missing directory
	// yields no entries and no error.
	ReadDir(ctx context.Context, dir string) ([]Entry, error)

	ReadFile(ctx context.Context, name string) ([]byte, error)
	WriteFile(ctx context.Context, name string, data []byte) error

	// Rename moves a file, replacing any file at the destination.
	Rename(ctx context.Context, from, to string) error

	// DeleteAll removes dir and everything below it.
	DeleteAll(ctx context.Context, dir string) error

	// URI returns an absolute reference to name that the ML service
	// understands, e.g. gs://bucket/name.
	URI(name string) string
}

// Clean normalizes a bucket path: forward slashes, no leading slash, no
// dot segments.
func Clean(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Clean("/" + name)
	return strings.TrimPrefix(name, "/")
}

// Join joins path elements into a clean bucket path.
func Join(elem ...string) string {
	return Clean(path.Join(elem...))
}
