// Package fetch schedules range reads against the object store.
//
// Requested blocks are grouped into tasks. A task waiting for a fetch slot
// still accepts nearby ranges of the same object, so overlapping or
// adjacent requests share one network call. Dispatch is bounded by a
// process-wide and a per-object semaphore. Each attempt carries its own
// deadline, and transient failures are retried with exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/semaphore"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/blockstore"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/byterange"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/telemetry"
	"github.com/analystoscar1/analytics-accelerator-s3/objectclient"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrIO is reported once a range could not be read within the retry
	// budget.
	ErrIO = errors.New("io error")

	// ErrConsistency is reported when the object's entity tag changed after
	// it was opened.
	ErrConsistency = errors.New("consistency violation: object modified")

	// ErrInternal is reported for range computations the store rejected.
	ErrInternal = errors.New("internal error")

	// ErrAbandoned is the error of a block whose fetch was cancelled because
	// every stream that wanted it went away. Demanding the block again
	// schedules a new fetch.
	ErrAbandoned = errors.New("fetch abandoned")

	// ErrClosed is returned once the scheduler has been closed.
	ErrClosed = errors.New("scheduler closed")
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Object is the object version a fetch reads from.
type Object struct {
	ID   objectclient.ID
	ETag string
	Size int64
}

// Key identifies the object version in the block store.
func (o Object) Key() string {
	return o.ID.String() + "#" + o.ETag
}

// Owner identifies a party interested in a task, typically one stream.
type Owner uint64

// Config bounds the scheduler.
type Config struct {
	// MaxConcurrentFetches caps in-flight fetches process-wide.
	MaxConcurrentFetches int
	// MaxConcurrentFetchesPerObject caps in-flight fetches per object.
	MaxConcurrentFetchesPerObject int
	// MaxRangeSize caps the size of a single range request. Zero disables
	// splitting.
	MaxRangeSize int64
	// CoalesceGap is the largest distance between two ranges that are still
	// merged into one request.
	CoalesceGap int64
	// RetryLimit is the number of retries after the first attempt.
	RetryLimit int
	// RetryBackoffBase is the delay before the first retry.
	RetryBackoffBase time.Duration
	// RetryBackoffMax caps the delay between retries.
	RetryBackoffMax time.Duration
	// FetchTimeout is the deadline of a single attempt. Zero disables it.
	FetchTimeout time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger log.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics reports fetch activity to m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

type taskState int

const (
	queued taskState = iota
	running
	finished
)

type task struct {
	id     uint64
	obj    Object
	rng    byterange.Range
	blocks []*blockstore.Block
	owners map[Owner]struct{}
	state  taskState

	cancelled bool
	ctx       context.Context
	cancel    context.CancelFunc
	slot      *objectSlot
}

type objectSlot struct {
	sem   *semaphore.Weighted
	tasks int
}

// Scheduler is the process-wide fetch engine. Create one with New and stop
// it with Close.
type Scheduler struct {
	client  objectclient.Client
	store   *blockstore.Store
	cfg     Config
	logger  log.Logger
	metrics *telemetry.Metrics

	global *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	owners atomic.Uint64

	mu      sync.Mutex
	closed  bool
	nextID  uint64
	byBlock map[*blockstore.Block]*task
	queued  map[string][]*task
	slots   map[string]*objectSlot
	tasks   map[*task]struct{}
}

// New creates a scheduler that fills blocks of store from client.
func New(client objectclient.Client, store *blockstore.Store, cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxConcurrentFetches <= 0 {
		cfg.MaxConcurrentFetches = 1
	}
	if cfg.MaxConcurrentFetchesPerObject <= 0 {
		cfg.MaxConcurrentFetchesPerObject = cfg.MaxConcurrentFetches
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		client:  client,
		store:   store,
		cfg:     cfg,
		logger:  log.NewNopLogger(),
		global:  semaphore.NewWeighted(int64(cfg.MaxConcurrentFetches)),
		ctx:     ctx,
		cancel:  cancel,
		byBlock: make(map[*blockstore.Block]*task),
		queued:  make(map[string][]*task),
		slots:   make(map[string]*objectSlot),
		tasks:   make(map[*task]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewUnregistered()
	}
	return s
}

// NewOwner returns a fresh owner id.
func (s *Scheduler) NewOwner() Owner {
	return Owner(s.owners.Add(1))
}

// -----------------------------------------------------------------------------
// Submission
// -----------------------------------------------------------------------------

// Submit makes sure every block in blocks is Ready, being fetched, or
// scheduled, and registers owner as interested in the tasks filling them.
// Blocks of obj not yet covered by a task are grouped into contiguous runs
// and merged into queued tasks of the same object where possible.
//
// Submit does not wait. Callers wait on the blocks' Done channels.
func (s *Scheduler) Submit(owner Owner, obj Object, blocks []*blockstore.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []*blockstore.Block
	seen := make(map[*blockstore.Block]struct{}, len(blocks))
	for _, b := range blocks {
		if _, dup := seen[b]; dup {
			continue
		}
		seen[b] = struct{}{}

		if t, ok := s.byBlock[b]; ok {
			t.owners[owner] = struct{}{}
			continue
		}
		if b.State() == blockstore.Pending {
			missing = append(missing, b)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if s.closed {
		for _, b := range missing {
			s.store.Fail(b, ErrClosed)
		}
		return ErrClosed
	}

	sort.Slice(missing, func(i, j int) bool {
		return missing[i].Range().Start < missing[j].Range().Start
	})
	for _, run := range s.runs(missing) {
		s.enqueue(owner, obj, run)
	}
	return nil
}

// runs splits sorted blocks into contiguous runs no longer than
// MaxRangeSize. A block larger than the limit forms its own run.
func (s *Scheduler) runs(blocks []*blockstore.Block) [][]*blockstore.Block {
	var (
		out [][]*blockstore.Block
		cur []*blockstore.Block
		rng byterange.Range
	)
	for _, b := range blocks {
		br := b.Range()
		if len(cur) > 0 && br.Start == rng.End && s.fits(rng.Union(br)) {
			cur = append(cur, b)
			rng.End = br.End
			continue
		}
		if len(cur) > 0 {
			out = append(out, cur)
		}
		cur, rng = []*blockstore.Block{b}, br
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

func (s *Scheduler) fits(r byterange.Range) bool {
	return s.cfg.MaxRangeSize <= 0 || r.Len() <= s.cfg.MaxRangeSize
}

// enqueue merges run into a queued task of obj or starts a new task.
// Caller holds s.mu.
func (s *Scheduler) enqueue(owner Owner, obj Object, run []*blockstore.Block) {
	r := byterange.New(run[0].Range().Start, run[len(run)-1].Range().End)
	key := obj.Key()

	for _, t := range s.queued[key] {
		if t.cancelled || !t.rng.Near(r, s.cfg.CoalesceGap) {
			continue
		}
		merged := t.rng.Union(r)
		if !s.fits(merged) {
			continue
		}
		t.rng = merged
		t.blocks = append(t.blocks, run...)
		t.owners[owner] = struct{}{}
		for _, b := range run {
			s.byBlock[b] = t
		}
		s.metrics.CoalescedRanges.Inc()
		return
	}

	slot, ok := s.slots[key]
	if !ok {
		slot = &objectSlot{sem: semaphore.NewWeighted(int64(s.cfg.MaxConcurrentFetchesPerObject))}
		s.slots[key] = slot
	}
	slot.tasks++

	s.nextID++
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{
		id:     s.nextID,
		obj:    obj,
		rng:    r,
		blocks: append([]*blockstore.Block(nil), run...),
		owners: map[Owner]struct{}{owner: {}},
		ctx:    ctx,
		cancel: cancel,
		slot:   slot,
	}
	for _, b := range run {
		s.byBlock[b] = t
	}
	s.queued[key] = append(s.queued[key], t)
	s.tasks[t] = struct{}{}

	s.wg.Add(1)
	go s.run(t)
}

// -----------------------------------------------------------------------------
// Cancellation and shutdown
// -----------------------------------------------------------------------------

// Cancel withdraws owner from every task. Tasks left without owners are
// cancelled and their blocks discarded with ErrAbandoned.
func (s *Scheduler) Cancel(owner Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for t := range s.tasks {
		if _, ok := t.owners[owner]; !ok {
			continue
		}
		delete(t.owners, owner)
		if len(t.owners) > 0 || t.cancelled {
			continue
		}

		t.cancelled = true
		t.cancel()
		s.unqueue(t)
		for _, b := range t.blocks {
			if s.byBlock[b] == t {
				delete(s.byBlock, b)
				s.store.Discard(b, ErrAbandoned)
			}
		}
		level.Debug(s.logger).Log("msg", "fetch abandoned", "object", t.obj.ID, "range", t.rng)
	}
}

// Close cancels all tasks and waits for their goroutines to exit. Submit
// fails with ErrClosed afterwards.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

// unqueue removes t from the queued list of its object. Caller holds s.mu.
func (s *Scheduler) unqueue(t *task) {
	key := t.obj.Key()
	list := s.queued[key]
	for i, q := range list {
		if q == t {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.queued, key)
	} else {
		s.queued[key] = list
	}
}

// -----------------------------------------------------------------------------
// Execution
// -----------------------------------------------------------------------------

func (s *Scheduler) run(t *task) {
	defer s.wg.Done()
	defer t.cancel()

	if err := t.slot.sem.Acquire(t.ctx, 1); err != nil {
		s.finish(t, nil, err)
		return
	}
	defer t.slot.sem.Release(1)

	if err := s.global.Acquire(t.ctx, 1); err != nil {
		s.finish(t, nil, err)
		return
	}
	defer s.global.Release(1)

	rng, ok := s.start(t)
	if !ok {
		s.finish(t, nil, context.Canceled)
		return
	}
	data, err := s.fetch(t, rng)
	s.finish(t, data, err)
}

// start freezes the task's range and moves its blocks to InFlight.
func (s *Scheduler) start(t *task) (byterange.Range, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.cancelled {
		return byterange.Range{}, false
	}
	t.state = running
	s.unqueue(t)
	for _, b := range t.blocks {
		if s.byBlock[b] == t {
			s.store.Start(b)
		}
	}
	level.Debug(s.logger).Log("msg", "fetch dispatched", "object", t.obj.ID, "range", t.rng,
		"blocks", len(t.blocks), "owners", len(t.owners))
	return t.rng, true
}

// fetch reads rng with retries.
func (s *Scheduler) fetch(t *task, rng byterange.Range) ([]byte, error) {
	want := min(rng.End, t.obj.Size) - rng.Start
	attempts := 0

	op := func() ([]byte, error) {
		attempts++
		ctx, cancel := t.ctx, context.CancelFunc(func() {})
		if s.cfg.FetchTimeout > 0 {
			ctx, cancel = context.WithTimeout(t.ctx, s.cfg.FetchTimeout)
		}
		defer cancel()

		data, err := s.client.GetRange(ctx, t.obj.ID, rng.Start, rng.End, t.obj.ETag)
		if err == nil && int64(len(data)) != want {
			err = fmt.Errorf("short read: got %d bytes, want %d: %w", len(data), want, objectclient.ErrTransient)
		}
		switch {
		case err == nil:
			return data, nil
		case t.ctx.Err() != nil:
			return nil, backoff.Permanent(t.ctx.Err())
		case !objectclient.Retryable(err):
			return nil, backoff.Permanent(err)
		default:
			return nil, err
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryBackoffBase
	policy.MaxInterval = max(s.cfg.RetryBackoffMax, s.cfg.RetryBackoffBase)
	policy.Multiplier = 2

	began := time.Now()
	data, err := backoff.Retry(t.ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(s.cfg.RetryLimit)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.metrics.FetchRetries.Inc()
			level.Warn(s.logger).Log("msg", "retrying fetch", "object", t.obj.ID, "range", rng,
				"attempt", attempts, "backoff", next, "err", err)
		}),
	)
	s.metrics.FetchDuration.Observe(time.Since(began).Seconds())
	if err != nil {
		return nil, s.classify(t, rng, attempts, err)
	}
	return data, nil
}

// classify maps the final error of a fetch onto the error surfaced to
// readers.
func (s *Scheduler) classify(t *task, rng byterange.Range, attempts int, err error) error {
	switch {
	case t.ctx.Err() != nil:
		return fmt.Errorf("fetch: %s %s: %w: %w", t.obj.ID, rng, ErrAbandoned, err)
	case errors.Is(err, objectclient.ErrPreconditionFailed):
		return fmt.Errorf("fetch: %s %s: etag %s: %w: %w", t.obj.ID, rng, t.obj.ETag, ErrConsistency, err)
	case errors.Is(err, objectclient.ErrRangeNotSatisfiable):
		return fmt.Errorf("fetch: %s %s of %d bytes: %w: %w", t.obj.ID, rng, t.obj.Size, ErrInternal, err)
	case errors.Is(err, objectclient.ErrNotFound), errors.Is(err, objectclient.ErrAccessDenied):
		return fmt.Errorf("fetch: %s %s: %w", t.obj.ID, rng, err)
	default:
		return fmt.Errorf("fetch: %s %s failed after %d attempts: %w: %w", t.obj.ID, rng, attempts, ErrIO, err)
	}
}

// finish hands the payload, or the error, to the task's blocks.
func (s *Scheduler) finish(t *task, data []byte, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.state == queued {
		s.unqueue(t)
	}
	t.state = finished
	delete(s.tasks, t)
	t.slot.tasks--
	if t.slot.tasks == 0 {
		delete(s.slots, t.obj.Key())
	}

	abandoned := t.cancelled || t.ctx.Err() != nil
	switch {
	case err == nil:
		s.metrics.Fetches.WithLabelValues("success").Inc()
		s.metrics.FetchBytes.Add(float64(len(data)))
	case abandoned:
		s.metrics.Fetches.WithLabelValues("canceled").Inc()
	default:
		s.metrics.Fetches.WithLabelValues("error").Inc()
		level.Warn(s.logger).Log("msg", "fetch failed", "object", t.obj.ID, "range", t.rng, "err", err)
	}

	for _, b := range t.blocks {
		if s.byBlock[b] != t {
			continue
		}
		delete(s.byBlock, b)

		switch {
		case err == nil:
			br := b.Range()
			payload := make([]byte, br.Len())
			copy(payload, data[br.Start-t.rng.Start:br.End-t.rng.Start])
			s.store.Complete(b, payload)
		case abandoned:
			s.store.Discard(b, ErrAbandoned)
		default:
			s.store.Fail(b, err)
		}
	}
}
