// Package blob stores staged and committed extraction output.
//
// Paths are slash separated and relative to the store root. A "prefix" names a
// directory-like subtree: Move, Delete and List operate on every object below it.
package blob

import (
	"context"

	"github.com/teranos/fhirlake/errors"
)

// ErrWrite marks failures of the underlying store; it classifies as a write output error
var ErrWrite = errors.New("blob store write failed")

// Store is the staging and result storage used by task execution and commit
type Store interface {
	// Write stores data at path, replacing an existing object
	Write(ctx context.Context, path string, data []byte) error

	// Read returns the object at path, or errors.ErrNotFound
	Read(ctx context.Context, path string) ([]byte, error)

	// Move relocates every object under src to the same relative path under dst.
	// It is repeatable: after a partial failure a second call completes the move,
	// and moving an already moved prefix is a no-op.
	Move(ctx context.Context, src, dst string) error

	// Delete removes path or everything under it. Missing paths are not an error.
	Delete(ctx context.Context, prefix string) error

	// List returns the object paths under prefix in lexical order
	List(ctx context.Context, prefix string) ([]string, error)
}

// writeErr wraps a store failure so it classifies as a write output error
func writeErr(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Mark(errors.Wrapf(err, format, args...), ErrWrite), errors.ErrWriteOutput)
}
