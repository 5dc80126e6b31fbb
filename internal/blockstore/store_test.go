package blockstore

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/byterange"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/telemetry"
)

const obj = "s3://bucket/key#etag"

func key(off int64) Key { return Key{Object: obj, Offset: off} }

func rng10(off int64) byterange.Range { return byterange.OfLength(off, 10) }

func payload(b byte) []byte { return bytes.Repeat([]byte{b}, 10) }

// cached reports the Ready block at k without touching it.
func cached(s *Store, k Key) (*Block, bool) {
	sh := s.shardFor(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	b, ok := sh.index[k]
	if !ok || b.state != Ready {
		return nil, false
	}
	return b, true
}

// fill creates a Ready, unreferenced block at off.
func fill(t *testing.T, s *Store, off int64) {
	t.Helper()
	b, created := s.Reserve(key(off), rng10(off))
	require.True(t, created)
	s.Complete(b, payload(byte(off)))
}

func TestStore_AcquireLifecycle(t *testing.T) {
	s := New(100, WithShards(1))

	b, created := s.Acquire(key(0), rng10(0))
	require.True(t, created)
	require.Equal(t, Pending, b.State())

	again, created := s.Acquire(key(0), rng10(0))
	require.False(t, created)
	require.Same(t, b, again)

	require.True(t, s.Start(b))
	require.False(t, s.Start(b))
	require.Equal(t, InFlight, b.State())

	select {
	case <-b.Done():
		t.Fatal("done closed before completion")
	default:
	}

	s.Complete(b, payload(7))
	<-b.Done()
	data, err := b.Result()
	require.NoError(t, err)
	require.Equal(t, payload(7), data)
	require.Equal(t, int64(10), s.Usage())

	s.Release(b)
	s.Release(again)

	got, ok := cached(s, key(0))
	require.True(t, ok)
	require.Same(t, b, got)

	_, ok = cached(s, key(10))
	require.False(t, ok)
}

func TestStore_EvictsLeastRecentlyUsed(t *testing.T) {
	m := telemetry.NewUnregistered()
	s := New(30, WithShards(1), WithMetrics(m))

	fill(t, s, 0)
	fill(t, s, 10)
	fill(t, s, 20)

	// Touch block 0 so block 10 becomes the oldest.
	b, created := s.Acquire(key(0), rng10(0))
	require.False(t, created)
	s.Release(b)

	fill(t, s, 30)

	_, ok := cached(s, key(10))
	require.False(t, ok, "block 10 should have been evicted")
	for _, off := range []int64{0, 20, 30} {
		_, ok := cached(s, key(off))
		require.True(t, ok, "block %d", off)
	}
	require.Equal(t, int64(30), s.Usage())
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheEvictions))
	require.Equal(t, 0.0, testutil.ToFloat64(m.CacheOverBudget))
}

func TestStore_SoftBudget(t *testing.T) {
	m := telemetry.NewUnregistered()
	s := New(20, WithShards(1), WithMetrics(m))

	held := make([]*Block, 0, 3)
	for _, off := range []int64{0, 10, 20} {
		b, _ := s.Acquire(key(off), rng10(off))
		s.Complete(b, payload(byte(off)))
		held = append(held, b)
	}

	// All blocks are referenced: the third admission exceeds the budget.
	require.Equal(t, int64(30), s.Usage())
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheOverBudget))

	for _, b := range held {
		data, err := b.Result()
		require.NoError(t, err)
		require.Len(t, data, 10)
		s.Release(b)
	}
	require.LessOrEqual(t, s.Usage(), s.Budget())
}

func TestStore_FailAndReset(t *testing.T) {
	s := New(100, WithShards(1))
	boom := errors.New("boom")

	b, _ := s.Acquire(key(0), rng10(0))
	s.Start(b)
	s.Fail(b, boom)

	<-b.Done()
	_, err := b.Result()
	require.ErrorIs(t, err, boom)

	// Still referenced, so the failed block stays indexed and resets on
	// the next demand.
	again, created := s.Acquire(key(0), rng10(0))
	require.True(t, created)
	require.Same(t, b, again)
	require.Equal(t, Pending, again.State())

	s.Complete(again, payload(1))
	data, err := again.Result()
	require.NoError(t, err)
	require.Equal(t, payload(1), data)
	s.Release(b)
	s.Release(again)
}

func TestStore_FailUnreferencedLeavesIndex(t *testing.T) {
	s := New(100, WithShards(1))

	b, _ := s.Reserve(key(0), rng10(0))
	s.Fail(b, errors.New("boom"))
	require.Equal(t, 0, s.Len())

	fresh, created := s.Reserve(key(0), rng10(0))
	require.True(t, created)
	require.NotSame(t, b, fresh)
}

func TestStore_Discard(t *testing.T) {
	s := New(100, WithShards(1))

	b, _ := s.Acquire(key(0), rng10(0))
	s.Discard(b, errors.New("cancelled"))
	require.Equal(t, 0, s.Len())
	_, err := b.Result()
	require.Error(t, err)

	// A late completion of a discarded block is dropped.
	s.Complete(b, payload(1))
	require.Equal(t, int64(0), s.Usage())
	s.Release(b)

	// Ready blocks are never discarded.
	fill(t, s, 10)
	r, created := s.Acquire(key(10), rng10(10))
	require.False(t, created)
	s.Discard(r, errors.New("cancelled"))
	require.Equal(t, Ready, r.State())
	s.Release(r)
}

func TestStore_ReferencedBlocksLeaveEvictionList(t *testing.T) {
	s := New(20, WithShards(2))

	fill(t, s, 0)
	fill(t, s, 10)
	held, created := s.Acquire(key(0), rng10(0))
	require.False(t, created)
	for _, sh := range s.shards {
		sh.mu.Lock()
		require.False(t, sh.lru.Contains(key(0)))
		sh.mu.Unlock()
	}

	// Block 0 is the oldest but referenced, so block 10 goes.
	fill(t, s, 20)
	_, ok := cached(s, key(10))
	require.False(t, ok)
	_, ok = cached(s, key(0))
	require.True(t, ok)

	// Released, block 0 counts as the most recently used.
	s.Release(held)
	require.Equal(t, key(20), s.oldestEvictable().Key())
}

func TestStore_ShardedConcurrentUse(t *testing.T) {
	s := New(500, WithShards(8))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				off := int64((g*31+i)%100) * 10
				b, created := s.Acquire(key(off), rng10(off))
				if created && s.Start(b) {
					s.Complete(b, payload(byte(off/10)))
				}
				<-b.Done()
				data, err := b.Result()
				if err == nil && data[0] != byte(off/10) {
					panic(fmt.Sprintf("block %d holds %d", off, data[0]))
				}
				s.Release(b)
			}
		}(g)
	}
	wg.Wait()

	require.LessOrEqual(t, s.Usage(), s.Budget())
}

func TestState_String(t *testing.T) {
	require.Equal(t, "pending", Pending.String())
	require.Equal(t, "ready", Ready.String())
	require.Equal(t, "State(9)", State(9).String())
}
