package seekable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/fetch"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/logical"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/physical"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/telemetry"
	"github.com/analystoscar1/analytics-accelerator-s3/objectclient"
)

// StrategyKind names the prefetch strategy a stream is using.
type StrategyKind = logical.Kind

const (
	// StrategySequential prefetches a growing window ahead of sequential
	// reads.
	StrategySequential = logical.KindSequential
	// StrategyColumnar prefetches whole Parquet column chunks.
	StrategyColumnar = logical.KindColumnar
)

// Stream is a seekable view of one object version. It implements
// io.Reader, io.ReaderAt, io.Seeker and io.Closer.
//
// ReadAt is safe for concurrent use. Read and Seek share the stream
// position and must not be called concurrently with each other.
type Stream struct {
	f      *Factory
	o      *object
	io     *physical.IO
	id     objectclient.ID
	md     objectclient.Metadata
	logger log.Logger

	// ctx scopes every fetch of the stream; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	posMu sync.Mutex
	pos   int64

	mu       sync.Mutex // guards strategy and closed
	strategy logical.Strategy
	closed   bool
}

var (
	_ io.Reader   = (*Stream)(nil)
	_ io.ReaderAt = (*Stream)(nil)
	_ io.Seeker   = (*Stream)(nil)
	_ io.Closer   = (*Stream)(nil)
)

// ID returns the object the stream reads.
func (s *Stream) ID() objectclient.ID { return s.id }

// Size returns the object size fixed at open.
func (s *Stream) Size() int64 { return s.md.Size }

// ETag returns the entity tag the stream's reads are pinned to.
func (s *Stream) ETag() string { return s.md.ETag }

// Position returns the offset of the next Read.
func (s *Stream) Position() int64 {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	return s.pos
}

// Strategy reports the active prefetch strategy.
func (s *Stream) Strategy() StrategyKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy.Kind()
}

// Read reads from the current position and advances it. At or past the end
// of the object it returns 0, io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	n, err := s.readAt(p, s.pos)
	s.pos += int64(n)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

// ReadAt reads len(p) bytes at off without moving the position. It returns
// io.EOF when fewer bytes remain.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	return s.readAt(p, off)
}

// Seek sets the position for the next Read. Any non-negative position is
// accepted, including positions past the end.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	s.posMu.Lock()
	defer s.posMu.Unlock()

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		abs = s.md.Size + offset
	default:
		return s.pos, fmt.Errorf("seekable: seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return s.pos, fmt.Errorf("seekable: seek: negative position %d", abs)
	}
	s.pos = abs
	return abs, nil
}

// Close cancels the stream's pending prefetches and releases its share of
// the object state. Fetches other streams also wait for keep running.
// Close is idempotent.
func (s *Stream) Close() error {
	// Cancel first so a footer load in progress returns.
	s.cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.f.sched.Cancel(s.io.Owner())
	s.f.release(s.o)
	level.Debug(s.logger).Log("msg", "stream closed")
	return nil
}

func (s *Stream) readAt(p []byte, off int64) (int, error) {
	plan, err := s.plan(off, int64(len(p)))
	if err != nil || len(plan.Ranges) == 0 {
		return 0, err
	}

	op := telemetry.Start(s.f.metrics, s.logger, "read", "offset", off, "length", len(p))
	n, err := s.io.ReadAt(s.ctx, p, off, plan.Ranges)
	if err != nil && !errors.Is(err, io.EOF) {
		err = s.wrap(off, len(p), err)
		op.End(err)
		return n, err
	}
	op.End(nil)
	return n, err
}

// plan asks the strategy which ranges to cache for a read. A footer the
// strategy waits for is loaded with mu released, so concurrent reads of
// the stream keep going while it is fetched.
func (s *Stream) plan(off, length int64) (logical.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return logical.Plan{}, ErrClosed
	case off < 0:
		return logical.Plan{}, fmt.Errorf("seekable: read %s: negative offset %d", s.id, off)
	case off >= s.md.Size:
		return logical.Plan{}, io.EOF
	case length == 0:
		return logical.Plan{}, nil
	}

	if fl, ok := s.strategy.(logical.FooterLoader); ok && fl.NeedsFooter(off, length) {
		s.mu.Unlock()
		md, err := fl.LoadFooter(s.ctx)
		s.mu.Lock()
		if s.closed {
			return logical.Plan{}, ErrClosed
		}
		fl.SetFooter(md, err)
	}
	return s.strategy.OnRead(s.ctx, off, length), nil
}

func (s *Stream) wrap(off int64, n int, err error) error {
	switch {
	case s.ctx.Err() != nil, errors.Is(err, fetch.ErrClosed):
		return fmt.Errorf("seekable: read %s at %d: %w: %w", s.id, off, ErrClosed, err)
	case errors.Is(err, ErrConsistency):
		s.f.invalidate(s.id)
	}
	return fmt.Errorf("seekable: read %s [%d, %d): %w", s.id, off, off+int64(n), err)
}
