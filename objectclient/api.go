// Package objectclient defines the range-read port the accelerator consumes.
//
// The port is intentionally minimal: a metadata lookup and a byte-range read
// pinned to an entity tag. Connection pooling, authentication and transport
// level retries belong to the concrete client behind it.
package objectclient

import (
	"context"
	"errors"
)

// -----------------------------------------------------------------------------
// Core types
// -----------------------------------------------------------------------------

// ID identifies a remote object.
type ID struct {
	// Bucket is the bucket (or container) holding the object.
	Bucket string

	// Key is the object key within the bucket.
	Key string
}

// String renders the ID as an s3 style URI.
func (id ID) String() string {
	return "s3://" + id.Bucket + "/" + id.Key
}

// Metadata describes an object as reported by a head request.
type Metadata struct {
	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag used to pin range reads to one object version.
	ETag string
}

// -----------------------------------------------------------------------------
// Client interface
// -----------------------------------------------------------------------------

// Client abstracts the remote object store.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// HeadObject returns the size and entity tag of the object.
	HeadObject(ctx context.Context, id ID) (Metadata, error)

	// GetRange returns the bytes in [start, end) of the object. When etag is
	// non-empty the read must fail with ErrPreconditionFailed if the object's
	// current entity tag differs. An end past the object size is truncated to
	// the size; a start at or past the size fails with ErrRangeNotSatisfiable.
	GetRange(ctx context.Context, id ID, start, end int64, etag string) ([]byte, error)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Error taxonomy reported by Client implementations. Concrete clients wrap
// these so callers can match them with errors.Is.
var (
	// ErrNotFound indicates the object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrAccessDenied indicates the caller may not read the object.
	ErrAccessDenied = errors.New("access denied")

	// ErrTransient indicates a failure that may succeed when retried
	// (throttling, 5xx, connection reset, truncated body).
	ErrTransient = errors.New("transient object store error")

	// ErrRangeNotSatisfiable indicates a range starting at or past the end
	// of the object.
	ErrRangeNotSatisfiable = errors.New("range not satisfiable")

	// ErrPreconditionFailed indicates the object's entity tag no longer
	// matches the one supplied with the read.
	ErrPreconditionFailed = errors.New("precondition failed: entity tag mismatch")
)

// Retryable reports whether err belongs to the retryable part of the
// taxonomy. Unknown errors are treated as retryable.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAccessDenied),
		errors.Is(err, ErrRangeNotSatisfiable),
		errors.Is(err, ErrPreconditionFailed),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
