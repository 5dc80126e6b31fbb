// Package physical turns byte-range reads of one object version into block
// acquisitions, fetch submissions and waits on the covering blocks.
package physical

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/blockstore"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/byterange"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/fetch"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/telemetry"
)

// abandonRetries bounds how often a read re-demands blocks whose fetch was
// abandoned by another stream while this read was joining it.
const abandonRetries = 3

// IO reads one object version on behalf of one owner.
type IO struct {
	obj       fetch.Object
	blockSize int64
	store     *blockstore.Store
	sched     *fetch.Scheduler
	owner     fetch.Owner
	metrics   *telemetry.Metrics
}

// New returns an IO for obj. Blocks are blockSize bytes, the last one
// shorter when the size is not a multiple.
func New(obj fetch.Object, blockSize int64, store *blockstore.Store, sched *fetch.Scheduler, owner fetch.Owner, metrics *telemetry.Metrics) *IO {
	if metrics == nil {
		metrics = telemetry.NewUnregistered()
	}
	return &IO{
		obj:       obj,
		blockSize: blockSize,
		store:     store,
		sched:     sched,
		owner:     owner,
		metrics:   metrics,
	}
}

// Object returns the object version this IO reads.
func (p *IO) Object() fetch.Object { return p.obj }

// Owner returns the scheduler owner of this IO's fetches.
func (p *IO) Owner() fetch.Owner { return p.owner }

// ReadAt fills buf with the bytes at off, after making sure the blocks of
// plan are cached or scheduled. Only the blocks covering buf are waited
// for; the rest of plan is prefetched. A read reaching past the object end
// returns the available bytes and io.EOF.
func (p *IO) ReadAt(ctx context.Context, buf []byte, off int64, plan []byterange.Range) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("physical: negative offset %d", off)
	}
	if off >= p.obj.Size {
		return 0, io.EOF
	}
	want := byterange.OfLength(off, int64(len(buf))).Clamp(p.obj.Size)
	if want.Empty() {
		return 0, nil
	}

	var err error
	for attempt := 0; attempt <= abandonRetries; attempt++ {
		err = p.readRange(ctx, buf, want, plan)
		if err == nil || !errors.Is(err, fetch.ErrAbandoned) || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		return 0, err
	}

	n := int(want.Len())
	if n < len(buf) {
		return n, io.EOF
	}
	return n, nil
}

// Read returns the bytes in r.
func (p *IO) Read(ctx context.Context, r byterange.Range) ([]byte, error) {
	buf := make([]byte, r.Len())
	n, err := p.ReadAt(ctx, buf, r.Start, nil)
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		return nil, err
	}
	return buf[:n], nil
}

func (p *IO) readRange(ctx context.Context, buf []byte, want byterange.Range, plan []byterange.Range) error {
	offs := byterange.Blocks(want, p.blockSize)
	demand := make([]*blockstore.Block, 0, len(offs))
	defer func() {
		for _, b := range demand {
			p.store.Release(b)
		}
	}()

	skip := make(map[int64]struct{}, len(offs))
	for _, off := range offs {
		b, _ := p.store.Acquire(p.key(off), p.blockRange(off))
		demand = append(demand, b)
		skip[off] = struct{}{}
	}

	submit := append([]*blockstore.Block(nil), demand...)
	submit = append(submit, p.reserve(plan, skip)...)
	if err := p.sched.Submit(p.owner, p.obj, submit); err != nil {
		return err
	}

	for _, b := range demand {
		select {
		case <-b.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		data, err := b.Result()
		if err != nil {
			return err
		}
		part := b.Range().Intersect(want)
		copy(buf[part.Start-want.Start:part.End-want.Start], data[part.Start-b.Range().Start:part.End-b.Range().Start])
	}
	return nil
}

// reserve returns the non-Ready blocks covering ranges, skipping block
// offsets in skip.
func (p *IO) reserve(ranges []byterange.Range, skip map[int64]struct{}) []*blockstore.Block {
	var out []*blockstore.Block
	for _, r := range byterange.Merge(ranges, 0) {
		for _, off := range byterange.Blocks(r.Clamp(p.obj.Size), p.blockSize) {
			if _, ok := skip[off]; ok {
				continue
			}
			b, created := p.store.Reserve(p.key(off), p.blockRange(off))
			if b.State() == blockstore.Ready {
				continue
			}
			if created {
				p.metrics.PrefetchedBlocks.Inc()
			}
			out = append(out, b)
		}
	}
	return out
}

func (p *IO) key(off int64) blockstore.Key {
	return blockstore.Key{Object: p.obj.Key(), Offset: off}
}

func (p *IO) blockRange(off int64) byterange.Range {
	return byterange.OfLength(off, p.blockSize).Clamp(p.obj.Size)
}
