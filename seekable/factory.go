// Package seekable provides accelerated, seekable streams over immutable
// objects in a remote object store.
//
// A Factory owns the process-wide machinery: the block cache, the fetch
// scheduler and the head-metadata cache. Streams opened from it share
// cached blocks and in-flight fetches, and streams of the same object
// version share one parsed Parquet footer.
//
//	f, err := seekable.NewFactory(client, seekable.DefaultConfig())
//	...
//	defer f.Close()
//
//	s, err := f.Open(ctx, objectclient.ID{Bucket: "b", Key: "t.parquet"})
//	...
//	defer s.Close()
//	file, err := parquet.OpenFile(s, s.Size())
package seekable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/blockstore"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/fetch"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/footer"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/logical"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/pattern"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/physical"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/telemetry"
	"github.com/analystoscar1/analytics-accelerator-s3/objectclient"
)

// sequentialSlack is the distance a read may start from the previous
// read's end and still count as sequential.
const sequentialSlack = 64

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger log.Logger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithRegisterer registers the factory's metrics with reg. By default they
// are kept in a private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(f *Factory) {
		f.reg = reg
	}
}

// -----------------------------------------------------------------------------
// Factory
// -----------------------------------------------------------------------------

// Factory opens streams. It is safe for concurrent use. Close it to stop
// all background fetches.
type Factory struct {
	client  objectclient.Client
	cfg     Config
	logger  log.Logger
	reg     prometheus.Registerer
	metrics *telemetry.Metrics

	store  *blockstore.Store
	sched  *fetch.Scheduler
	parser footer.Parser

	heads  *expirable.LRU[objectclient.ID, objectclient.Metadata]
	headSF singleflight.Group
	footSF singleflight.Group

	mu      sync.Mutex
	closed  bool
	objects map[string]*object
}

// object is the state shared by all streams of one object version.
type object struct {
	obj  fetch.Object
	refs int // guarded by Factory.mu

	mu   sync.Mutex
	done bool
	md   *footer.Metadata
	err  error
}

// NewFactory returns a factory reading through client.
func NewFactory(client objectclient.Client, cfg Config, opts ...Option) (*Factory, error) {
	if client == nil {
		return nil, fmt.Errorf("seekable: client must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Factory{
		client:  client,
		cfg:     cfg,
		logger:  log.NewNopLogger(),
		parser:  footer.Parser{TailBytes: cfg.FooterTailBytes},
		heads:   expirable.NewLRU[objectclient.ID, objectclient.Metadata](cfg.MetadataCacheSize, nil, cfg.MetadataTTL),
		objects: make(map[string]*object),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.reg != nil {
		f.metrics = telemetry.NewMetrics(f.reg)
	} else {
		f.metrics = telemetry.NewUnregistered()
	}

	f.store = blockstore.New(cfg.MaxCacheBytes, blockstore.WithMetrics(f.metrics))
	f.sched = fetch.New(client, f.store, fetch.Config{
		MaxConcurrentFetches:          cfg.MaxConcurrentFetches,
		MaxConcurrentFetchesPerObject: cfg.MaxConcurrentFetchesPerObject,
		MaxRangeSize:                  cfg.MaxRangeSize,
		CoalesceGap:                   cfg.CoalesceGap,
		RetryLimit:                    cfg.RetryLimit,
		RetryBackoffBase:              cfg.RetryBackoffBase,
		RetryBackoffMax:               cfg.RetryBackoffMax,
		FetchTimeout:                  cfg.FetchTimeout,
	}, fetch.WithLogger(f.logger), fetch.WithMetrics(f.metrics))
	return f, nil
}

// Config returns the factory's configuration.
func (f *Factory) Config() Config { return f.cfg }

// CacheUsage returns the bytes currently held by the block cache.
func (f *Factory) CacheUsage() int64 { return f.store.Usage() }

// Open looks up the object's size and entity tag, from the head cache when
// possible, and opens a stream on it.
func (f *Factory) Open(ctx context.Context, id objectclient.ID) (*Stream, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	md, err := f.head(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("seekable: open %s: %w", id, err)
	}
	return f.OpenWithMetadata(ctx, id, md)
}

// OpenWithMetadata opens a stream on the object version described by md
// without contacting the store.
func (f *Factory) OpenWithMetadata(ctx context.Context, id objectclient.ID, md objectclient.Metadata) (*Stream, error) {
	if md.Size < 0 {
		return nil, fmt.Errorf("seekable: open %s: negative size %d", id, md.Size)
	}
	obj := fetch.Object{ID: id, ETag: md.ETag, Size: md.Size}
	o, err := f.acquire(obj)
	if err != nil {
		return nil, err
	}

	owner := f.sched.NewOwner()
	pio := physical.New(obj, f.cfg.BlockSize, f.store, f.sched, owner, f.metrics)
	logger := log.With(f.logger, "object", id, "stream", owner)

	detector := pattern.NewDetector(f.cfg.PatternWindow, sequentialSlack)
	prefetch := logical.Prefetch{
		Initial: f.cfg.ReadAheadBytes,
		Base:    f.cfg.SequentialPrefetchBase,
		Max:     f.cfg.MaxPrefetchWindow,
	}
	var strategy logical.Strategy
	if f.cfg.columnar(id.Key) {
		strategy = logical.NewColumnar(md.Size, f.cfg.FooterTailBytes, &footerSource{f: f, o: o, io: pio}, prefetch, detector, logger)
	} else {
		strategy = logical.NewSequential(md.Size, prefetch, detector)
	}

	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Stream{
		f:        f,
		o:        o,
		io:       pio,
		id:       id,
		md:       md,
		logger:   logger,
		ctx:      sctx,
		cancel:   cancel,
		strategy: strategy,
	}
	level.Debug(logger).Log("msg", "stream opened", "size", md.Size, "etag", md.ETag, "strategy", strategy.Kind())
	return s, nil
}

// Close stops the fetch scheduler. Streams still open fail with ErrClosed
// on reads that need the network.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.heads.Purge()
	return f.sched.Close()
}

// head returns the cached metadata of id or fetches it, with concurrent
// lookups of the same object sharing one request.
func (f *Factory) head(ctx context.Context, id objectclient.ID) (objectclient.Metadata, error) {
	if md, ok := f.heads.Get(id); ok {
		return md, nil
	}

	v, err, _ := f.headSF.Do(id.String(), func() (interface{}, error) {
		if md, ok := f.heads.Get(id); ok {
			return md, nil
		}
		op := telemetry.Start(f.metrics, f.logger, "head", "object", id)
		md, err := f.headWithRetry(ctx, id)
		op.End(err)
		if err != nil {
			return nil, err
		}
		f.heads.Add(id, md)
		return md, nil
	})
	if err != nil {
		return objectclient.Metadata{}, err
	}
	return v.(objectclient.Metadata), nil
}

func (f *Factory) headWithRetry(ctx context.Context, id objectclient.ID) (objectclient.Metadata, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.cfg.RetryBackoffBase
	policy.MaxInterval = max(f.cfg.RetryBackoffMax, f.cfg.RetryBackoffBase)
	policy.Multiplier = 2

	md, err := backoff.Retry(ctx, func() (objectclient.Metadata, error) {
		actx, cancel := ctx, context.CancelFunc(func() {})
		if f.cfg.FetchTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, f.cfg.FetchTimeout)
		}
		defer cancel()

		md, err := f.client.HeadObject(actx, id)
		switch {
		case err == nil:
			return md, nil
		case ctx.Err() != nil:
			return md, backoff.Permanent(ctx.Err())
		case !objectclient.Retryable(err):
			return md, backoff.Permanent(err)
		default:
			return md, err
		}
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(f.cfg.RetryLimit)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			level.Warn(f.logger).Log("msg", "retrying head", "object", id, "backoff", next, "err", err)
		}),
	)
	if err != nil && ctx.Err() == nil && objectclient.Retryable(err) {
		return md, fmt.Errorf("%w: %w", ErrIO, err)
	}
	return md, err
}

// invalidate drops the cached head of id after its entity tag proved stale.
func (f *Factory) invalidate(id objectclient.ID) {
	if f.heads.Remove(id) {
		level.Info(f.logger).Log("msg", "object changed, head metadata dropped", "object", id)
	}
}

// acquire returns the shared state of obj with one more reference.
func (f *Factory) acquire(obj fetch.Object) (*object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	o, ok := f.objects[obj.Key()]
	if !ok {
		o = &object{obj: obj}
		f.objects[obj.Key()] = o
	}
	o.refs++
	return o, nil
}

// release drops one reference of o. The shared state, including its
// footer, goes away with the last stream.
func (f *Factory) release(o *object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o.refs--
	if o.refs <= 0 {
		delete(f.objects, o.obj.Key())
	}
}

// -----------------------------------------------------------------------------
// Footer sharing
// -----------------------------------------------------------------------------

// footerSource parses the footer of one object version at most once for
// all its streams. Reads go through the IO of the stream that triggered
// the parse.
type footerSource struct {
	f  *Factory
	o  *object
	io *physical.IO
}

var _ logical.FooterSource = (*footerSource)(nil)

func (s *footerSource) Peek() (*footer.Metadata, error, bool) {
	s.o.mu.Lock()
	defer s.o.mu.Unlock()
	return s.o.md, s.o.err, s.o.done
}

func (s *footerSource) Load(ctx context.Context) (*footer.Metadata, error) {
	if md, err, ok := s.Peek(); ok {
		return md, err
	}

	v, err, _ := s.f.footSF.Do(s.o.obj.Key(), func() (interface{}, error) {
		if md, err, ok := s.Peek(); ok {
			return md, err
		}
		op := telemetry.Start(s.f.metrics, s.f.logger, "footer_parse", "object", s.o.obj.ID)
		md, err := s.f.parser.Parse(ctx, s.o.obj.Size, s.io.Read)
		op.End(err)
		s.f.metrics.FooterParses.WithLabelValues(telemetry.Outcome(err)).Inc()

		// Read failures may clear up; only a verdict on the bytes is final.
		if err == nil || errors.Is(err, footer.ErrUnsupportedFormat) || errors.Is(err, footer.ErrCorruptMetadata) {
			s.o.mu.Lock()
			s.o.md, s.o.err, s.o.done = md, err, true
			s.o.mu.Unlock()
		}
		return md, err
	})
	md, _ := v.(*footer.Metadata)
	return md, err
}
