// Package store abstracts the shared remote directory that all bastion
// processes coordinate through. Implementations expose a small set of
// blob-style operations over hierarchical paths; the orchestrator and the
// submission clients never talk to each other directly, only through a Store.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a path does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the coordination surface between submitters and the orchestrator.
//
// Write must be atomic with respect to concurrent readers: a reader either
// sees the previous content or the new content, never a partial write. This
// is a hard requirement, not an implementation detail -- job state files are
// read by an independent process and a torn read would be interpreted as a
// corrupt state.
type Store interface {
	// List returns the names (not full paths) of the entries directly under
	// dir, sorted. A missing directory lists as empty.
	List(ctx context.Context, dir string) ([]string, error)

	// Read returns the full content at path, or ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write replaces the content at path atomically, creating parent
	// directories as needed.
	Write(ctx context.Context, path string, data []byte) error

	// Remove deletes the entry at path. Removing a missing path is not an
	// error; GC re-runs every tick and must be idempotent.
	Remove(ctx context.Context, path string) error

	// Copy copies src to dst, overwriting dst. Either side may be remote.
	Copy(ctx context.Context, src, dst string) error

	// Exists reports whether path exists.
	Exists(ctx context.Context, path string) (bool, error)
}
