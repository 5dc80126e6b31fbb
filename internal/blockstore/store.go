// Package blockstore implements the shared block cache: an arena of blocks
// indexed by object version and block-aligned offset, reference counted per
// block, with a process-wide memory budget enforced by least-recently-used
// eviction of Ready, unreferenced blocks.
//
// The budget is soft. When nothing can be evicted an incoming payload is
// admitted anyway and counted as an over-budget admission; the store returns
// to budget as references are released.
package blockstore

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/byterange"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/telemetry"
)

const defaultShards = 16

// Option configures a Store.
type Option func(*Store)

// WithShards sets the number of index shards. Values below one are ignored.
func WithShards(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.nshards = n
		}
	}
}

// WithMetrics reports cache activity to m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// Store is the block cache. It is safe for concurrent use.
type Store struct {
	budget  int64
	nshards int
	shards  []*shard
	metrics *telemetry.Metrics

	usage atomic.Int64
	clock atomic.Uint64

	evictMu sync.Mutex
}

type shard struct {
	mu    sync.Mutex
	index map[Key]*Block
	lru   *simplelru.LRU[Key, *Block] // Ready blocks without references, oldest first
}

// New creates a store whose Ready payloads are kept within budget bytes.
func New(budget int64, opts ...Option) *Store {
	s := &Store{budget: budget, nshards: defaultShards}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewUnregistered()
	}

	s.shards = make([]*shard, s.nshards)
	for i := range s.shards {
		lru, err := simplelru.NewLRU[Key, *Block](math.MaxInt, nil)
		if err != nil {
			panic(err) // only fails for a non-positive size
		}
		s.shards[i] = &shard{index: make(map[Key]*Block), lru: lru}
	}
	return s
}

// Budget returns the configured memory budget in bytes.
func (s *Store) Budget() int64 { return s.budget }

// Usage returns the sum of Ready payload sizes.
func (s *Store) Usage() int64 { return s.usage.Load() }

// Len returns the number of blocks in the index, in any state.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.index)
		sh.mu.Unlock()
	}
	return n
}

func (s *Store) shardFor(k Key) *shard {
	var off [8]byte
	binary.LittleEndian.PutUint64(off[:], uint64(k.Offset))
	d := xxhash.New()
	_, _ = d.WriteString(k.Object)
	_, _ = d.Write(off[:])
	return s.shards[d.Sum64()%uint64(len(s.shards))]
}

// -----------------------------------------------------------------------------
// Lookup
// -----------------------------------------------------------------------------

// Acquire returns the block at key, creating a Pending placeholder covering
// rng when absent. A Failed block is reset to Pending. The returned block
// has a reference held; callers must Release it. created reports whether the
// block was created or reset and therefore needs a fetch.
func (s *Store) Acquire(key Key, rng byterange.Range) (b *Block, created bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, created = s.lookupOrCreate(sh, key, rng)
	b.refs++
	if b.state == Ready {
		s.pin(sh, b)
		s.metrics.CacheHits.Inc()
	} else {
		s.metrics.CacheMisses.Inc()
	}
	return b, created
}

// Reserve is Acquire without taking a reference. Prefetch uses it: nobody
// waits on the block, and once Ready it is immediately evictable.
func (s *Store) Reserve(key Key, rng byterange.Range) (b *Block, created bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return s.lookupOrCreate(sh, key, rng)
}

func (s *Store) lookupOrCreate(sh *shard, key Key, rng byterange.Range) (*Block, bool) {
	if b, ok := sh.index[key]; ok {
		if b.state == Failed {
			b.reset()
			return b, true
		}
		return b, false
	}
	b := &Block{
		key:   key,
		rng:   rng,
		shard: sh,
		state: Pending,
		done:  make(chan struct{}),
	}
	sh.index[key] = b
	return b, true
}

// pin takes a referenced Ready block off the eviction list.
func (s *Store) pin(sh *shard, b *Block) {
	b.tick = s.clock.Add(1)
	sh.lru.Remove(b.key)
}

// unpin puts an unreferenced Ready block back as the most recently used.
func (s *Store) unpin(sh *shard, b *Block) {
	b.tick = s.clock.Add(1)
	sh.lru.Add(b.key, b)
}

// -----------------------------------------------------------------------------
// State transitions
// -----------------------------------------------------------------------------

// Start moves a Pending block to InFlight. It reports false when the block
// was in any other state.
func (s *Store) Start(b *Block) bool {
	b.shard.mu.Lock()
	defer b.shard.mu.Unlock()
	if b.state != Pending || b.removed {
		return false
	}
	b.state = InFlight
	return true
}

// Complete stores payload in b and marks it Ready, evicting least recently
// used blocks first so the payload fits the budget. A block that was
// discarded or already completed keeps its state and the payload is
// dropped.
func (s *Store) Complete(b *Block, payload []byte) {
	need := int64(len(payload))
	s.evict(s.budget - need)

	sh := b.shard
	sh.mu.Lock()
	if b.removed || (b.state != Pending && b.state != InFlight) {
		sh.mu.Unlock()
		return
	}
	b.state = Ready
	b.data = payload
	b.tick = s.clock.Add(1)
	close(b.done)
	if b.refs == 0 {
		s.unpin(sh, b)
	}
	sh.mu.Unlock()

	s.metrics.CacheBytes.Set(float64(s.usage.Add(need)))

	if s.usage.Load() > s.budget {
		s.evict(s.budget)
		if s.usage.Load() > s.budget {
			s.metrics.CacheOverBudget.Inc()
		}
	}
}

// Fail marks b Failed with err and wakes its waiters. Unreferenced failed
// blocks leave the index right away.
func (s *Store) Fail(b *Block, err error) {
	sh := b.shard
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if b.removed || (b.state != Pending && b.state != InFlight) {
		return
	}
	b.state = Failed
	b.err = err
	close(b.done)
	if b.refs == 0 {
		s.remove(sh, b)
	}
}

// Discard fails a block whose fetch was abandoned and removes it from the
// index. Ready blocks are left alone.
func (s *Store) Discard(b *Block, err error) {
	sh := b.shard
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if b.state == Ready {
		return
	}
	if b.state != Failed {
		b.state = Failed
		b.err = err
		close(b.done)
	}
	s.remove(sh, b)
}

// Release drops a reference taken by Acquire and lets eviction reclaim the
// block once the store is over budget.
func (s *Store) Release(b *Block) {
	sh := b.shard
	sh.mu.Lock()
	if b.refs > 0 {
		b.refs--
		if b.refs == 0 && b.state == Ready && !b.removed {
			s.unpin(sh, b)
		}
	}
	if b.refs == 0 && b.state == Failed {
		s.remove(sh, b)
	}
	sh.mu.Unlock()

	if s.usage.Load() > s.budget {
		s.evict(s.budget)
	}
}

// remove drops b from its shard. Caller holds the shard lock.
func (s *Store) remove(sh *shard, b *Block) {
	if b.removed {
		return
	}
	b.removed = true
	if cur, ok := sh.index[b.key]; ok && cur == b {
		delete(sh.index, b.key)
	}
	if b.state == Ready {
		sh.lru.Remove(b.key)
	}
}

// -----------------------------------------------------------------------------
// Eviction
// -----------------------------------------------------------------------------

// evict removes least recently used Ready, unreferenced blocks until usage
// is at most target or nothing else can be evicted.
func (s *Store) evict(target int64) {
	if s.usage.Load() <= target {
		return
	}
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	for s.usage.Load() > target {
		victim := s.oldestEvictable()
		if victim == nil {
			return
		}

		sh := victim.shard
		sh.mu.Lock()
		if victim.removed || victim.refs > 0 {
			sh.mu.Unlock()
			continue
		}
		s.remove(sh, victim)
		size := int64(len(victim.data))
		sh.mu.Unlock()

		s.metrics.CacheBytes.Set(float64(s.usage.Add(-size)))
		s.metrics.CacheEvictions.Inc()
	}
}

// oldestEvictable returns the least recently used Ready block without
// references across all shards. Each shard's list holds only such blocks,
// so this looks at one block per shard.
func (s *Store) oldestEvictable() *Block {
	var (
		victim *Block
		oldest uint64
	)
	for _, sh := range s.shards {
		sh.mu.Lock()
		if _, b, ok := sh.lru.GetOldest(); ok && (victim == nil || b.tick < oldest) {
			victim, oldest = b, b.tick
		}
		sh.mu.Unlock()
	}
	return victim
}
