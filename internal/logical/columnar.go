package logical

import (
	"context"
	"errors"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/byterange"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/footer"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/pattern"
)

// FooterLoader is implemented by strategies that need the footer before
// planning some reads.
type FooterLoader interface {
	NeedsFooter(offset, length int64) bool
	LoadFooter(ctx context.Context) (*footer.Metadata, error)
	SetFooter(md *footer.Metadata, err error)
}

var _ FooterLoader = (*Columnar)(nil)

// FooterSource supplies the parsed footer of the object a stream reads.
// Sources are shared by every stream of one object version.
type FooterSource interface {
	// Load parses the footer unless a result is already known.
	Load(ctx context.Context) (*footer.Metadata, error)

	// Peek returns the known result without parsing. ok is false when no
	// parse has completed yet.
	Peek() (md *footer.Metadata, err error, ok bool)
}

// Columnar plans whole column chunks using the Parquet footer. Reads
// outside any chunk, and every read once the footer proves unusable, are
// planned by the sequential rule.
type Columnar struct {
	size      int64
	tailBytes int64
	footers   FooterSource
	logger    log.Logger

	detector *pattern.Detector
	seq      *Sequential

	md       *footer.Metadata
	fallback bool
	last     *footer.ColumnChunk // chunk of the previous read
}

// NewColumnar returns a columnar strategy for an object of size bytes.
// A read within the last tailBytes of the object loads the footer.
func NewColumnar(size, tailBytes int64, footers FooterSource, prefetch Prefetch, detector *pattern.Detector, logger log.Logger) *Columnar {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if tailBytes <= 0 {
		tailBytes = footer.DefaultTailBytes
	}
	return &Columnar{
		size:      size,
		tailBytes: tailBytes,
		footers:   footers,
		logger:    logger,
		detector:  detector,
		seq:       NewSequential(size, prefetch, detector),
	}
}

// Kind implements Strategy. It reports KindSequential after a fallback.
func (c *Columnar) Kind() Kind {
	if c.fallback {
		return KindSequential
	}
	return KindColumnar
}

// NeedsFooter reports whether a read of length bytes at offset must wait
// for the footer before it can be planned. The owner then calls
// LoadFooter without holding the lock that serializes OnRead, and hands the
// result to SetFooter.
func (c *Columnar) NeedsFooter(offset, length int64) bool {
	if c.fallback || c.md != nil || offset+length <= c.size-c.tailBytes {
		return false
	}
	_, _, ok := c.footers.Peek()
	return !ok
}

// LoadFooter parses the footer through the shared source. It touches no
// strategy state and may run concurrently with OnRead.
func (c *Columnar) LoadFooter(ctx context.Context) (*footer.Metadata, error) {
	return c.footers.Load(ctx)
}

// SetFooter records the outcome of LoadFooter. Cancellation leaves the
// strategy waiting for a later load; any other error switches it to the
// sequential rule for good.
func (c *Columnar) SetFooter(md *footer.Metadata, err error) {
	if c.fallback || c.md != nil {
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		c.fallback = true
		level.Warn(c.logger).Log("msg", "footer unusable, falling back to sequential prefetch", "err", err)
		return
	}
	c.md = md
}

// OnRead implements Strategy. It never parses the footer itself; it uses a
// result already delivered through SetFooter or published by the source.
func (c *Columnar) OnRead(ctx context.Context, offset, length int64) Plan {
	if c.fallback {
		return c.seq.OnRead(ctx, offset, length)
	}
	c.detector.Observe(offset, length)
	req := byterange.OfLength(offset, length).Clamp(c.size)

	if c.md == nil {
		if md, err, ok := c.footers.Peek(); ok {
			c.SetFooter(md, err)
		}
		if c.md == nil {
			return c.seq.plan(req)
		}
	}

	chunk, ok := c.md.ChunkAt(req.Start)
	if !ok {
		c.last = nil
		return c.seq.plan(req)
	}

	p := Plan{Ranges: []byterange.Range{req, chunk.Range}}
	if c.last != nil && c.detector.Pattern() == pattern.Sequential {
		if follow, ok := c.md.NextChunk(*c.last); ok && follow.Range == chunk.Range {
			if next, ok := c.md.NextChunk(chunk); ok {
				p.Ranges = append(p.Ranges, next.Range)
			}
		}
	}
	c.last = &chunk
	return p
}
