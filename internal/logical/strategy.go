// Package logical decides, for every read of a stream, which byte ranges
// should be cached: the request itself plus whatever the access pattern or
// the file format says will be read next.
package logical

import (
	"context"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/byterange"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/pattern"
)

// Kind names a strategy variant.
type Kind int

const (
	// KindSequential plans a geometric read-ahead window.
	KindSequential Kind = iota
	// KindColumnar plans whole column chunks from the Parquet footer.
	KindColumnar
)

func (k Kind) String() string {
	if k == KindColumnar {
		return "columnar"
	}
	return "sequential"
}

// Plan lists the ranges to ensure cached for one read. The first range is
// always the request itself.
type Plan struct {
	Ranges []byterange.Range
}

// Strategy plans reads. Implementations are not safe for concurrent use;
// the owning stream serializes calls.
type Strategy interface {
	// OnRead records a read of length bytes at offset and plans it.
	OnRead(ctx context.Context, offset, length int64) Plan

	// Kind reports the active variant.
	Kind() Kind
}

// Prefetch sizes the sequential read-ahead window.
type Prefetch struct {
	// Initial is the window of the first sequential read.
	Initial int64
	// Base is the growth factor per consecutive sequential read.
	Base float64
	// Max caps the window. Zero disables read-ahead.
	Max int64
}

// -----------------------------------------------------------------------------
// Sequential
// -----------------------------------------------------------------------------

// Sequential plans the request plus a forward window that grows while the
// stream keeps reading sequentially. Random streams get no window.
//
// The window is only extended once the reader has consumed half of what
// was planned ahead, so a run of small reads turns into few large fetches.
type Sequential struct {
	size     int64
	prefetch Prefetch
	detector *pattern.Detector

	from     int64 // start of the region planned by the current run
	frontier int64 // end of the planned read-ahead
}

// NewSequential returns a sequential strategy for an object of size bytes.
func NewSequential(size int64, prefetch Prefetch, detector *pattern.Detector) *Sequential {
	return &Sequential{size: size, prefetch: prefetch, detector: detector}
}

// OnRead implements Strategy.
func (s *Sequential) OnRead(_ context.Context, offset, length int64) Plan {
	s.detector.Observe(offset, length)
	return s.plan(byterange.OfLength(offset, length).Clamp(s.size))
}

// Kind implements Strategy.
func (s *Sequential) Kind() Kind { return KindSequential }

// plan assumes the read was already observed.
func (s *Sequential) plan(req byterange.Range) Plan {
	p := Plan{Ranges: []byterange.Range{req}}
	if req.Empty() || s.detector.Pattern() == pattern.Random {
		s.from, s.frontier = 0, 0
		return p
	}

	w := pattern.Window(s.detector.SequentialRun(), s.prefetch.Initial, s.prefetch.Base, s.prefetch.Max)
	if w <= 0 {
		return p
	}
	covered := req.Start >= s.from && req.Start < s.frontier
	if covered && s.frontier-req.End >= w/2 {
		// Enough is already planned ahead of this read.
		return p
	}

	ahead := byterange.OfLength(req.End, w).Clamp(s.size)
	if ahead.Empty() {
		return p
	}
	if !covered {
		s.from = req.Start
	}
	s.frontier = ahead.End
	p.Ranges = append(p.Ranges, ahead)
	return p
}
