package seekable

import (
	"errors"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/fetch"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/footer"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// Errors returned by streams. Errors of the object client, such as
// objectclient.ErrNotFound and objectclient.ErrAccessDenied, are passed
// through wrapped and match with errors.Is.
var (
	// ErrIO indicates a range read failed after exhausting its retries.
	ErrIO = fetch.ErrIO

	// ErrConsistency indicates the object changed after the stream was
	// opened.
	ErrConsistency = fetch.ErrConsistency

	// ErrInternal indicates an invalid range computation.
	ErrInternal = fetch.ErrInternal

	// ErrClosed is returned by operations on a closed stream or factory.
	ErrClosed = errors.New("seekable: closed")

	// ErrUnsupportedFormat indicates an object without a Parquet trailer.
	// Streams never fail with it; they fall back to sequential prefetch.
	ErrUnsupportedFormat = footer.ErrUnsupportedFormat

	// ErrCorruptMetadata indicates a Parquet footer that could not be
	// decoded. Streams never fail with it.
	ErrCorruptMetadata = footer.ErrCorruptMetadata
)
