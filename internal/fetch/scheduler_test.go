package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/blockstore"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/byterange"
	"github.com/analystoscar1/analytics-accelerator-s3/internal/telemetry"
	"github.com/analystoscar1/analytics-accelerator-s3/objectclient"
)

const bs = 1024

var (
	objID   = objectclient.ID{Bucket: "bucket", Key: "data.bin"}
	otherID = objectclient.ID{Bucket: "bucket", Key: "other.bin"}
)

type harness struct {
	sched   *Scheduler
	store   *blockstore.Store
	client  *objectclient.Memory
	metrics *telemetry.Metrics
	obj     Object
	other   Object
	data    []byte
}

func testConfig() Config {
	return Config{
		MaxConcurrentFetches:          4,
		MaxConcurrentFetchesPerObject: 4,
		MaxRangeSize:                  1 << 20,
		RetryLimit:                    2,
		RetryBackoffBase:              time.Millisecond,
		RetryBackoffMax:               5 * time.Millisecond,
		FetchTimeout:                  5 * time.Second,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	data := make([]byte, 16*bs)
	for i := range data {
		data[i] = byte(i % 251)
	}

	client := objectclient.NewMemory()
	md := client.Put(objID, data)
	omd := client.Put(otherID, data[:4*bs+100])

	m := telemetry.NewUnregistered()
	store := blockstore.New(1<<30, blockstore.WithShards(1), blockstore.WithMetrics(m))
	sched := New(client, store, cfg, WithMetrics(m))
	t.Cleanup(func() {
		client.Unblock()
		_ = sched.Close()
	})

	return &harness{
		sched:   sched,
		store:   store,
		client:  client,
		metrics: m,
		obj:     Object{ID: objID, ETag: md.ETag, Size: md.Size},
		other:   Object{ID: otherID, ETag: omd.ETag, Size: omd.Size},
		data:    data,
	}
}

func (h *harness) acquire(obj Object, idx ...int) []*blockstore.Block {
	out := make([]*blockstore.Block, 0, len(idx))
	for _, i := range idx {
		rng := byterange.OfLength(int64(i)*bs, bs).Clamp(obj.Size)
		b, _ := h.store.Acquire(blockstore.Key{Object: obj.Key(), Offset: rng.Start}, rng)
		out = append(out, b)
	}
	return out
}

func (h *harness) requestsFor(id objectclient.ID) []objectclient.Request {
	var out []objectclient.Request
	for _, r := range h.client.Requests() {
		if r.ID == id {
			out = append(out, r)
		}
	}
	return out
}

// occupy fills the single global fetch slot with a blocked fetch of the
// other object and waits until it is in flight.
func (h *harness) occupy(t *testing.T) []*blockstore.Block {
	t.Helper()
	h.client.Block()
	blocker := h.acquire(h.other, 0)
	require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.other, blocker))
	require.Eventually(t, func() bool { return len(h.requestsFor(otherID)) == 1 },
		time.Second, time.Millisecond)
	return blocker
}

func wait(t *testing.T, blocks []*blockstore.Block) []error {
	t.Helper()
	errs := make([]error, len(blocks))
	for i, b := range blocks {
		select {
		case <-b.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("block %s never settled", b.Key())
		}
		_, errs[i] = b.Result()
	}
	return errs
}

func requireData(t *testing.T, h *harness, blocks []*blockstore.Block) {
	t.Helper()
	for i, err := range wait(t, blocks) {
		require.NoError(t, err)
		data, _ := blocks[i].Result()
		rng := blocks[i].Range()
		require.Equal(t, h.data[rng.Start:rng.End], data, "block %s", blocks[i].Key())
	}
}

func TestScheduler_FetchesContiguousRunOnce(t *testing.T) {
	h := newHarness(t, testConfig())

	blocks := h.acquire(h.obj, 2, 3, 4)
	require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, blocks))
	requireData(t, h, blocks)

	reqs := h.requestsFor(objID)
	require.Len(t, reqs, 1)
	require.Equal(t, int64(2*bs), reqs[0].Start)
	require.Equal(t, int64(5*bs), reqs[0].End)
	require.Equal(t, h.obj.ETag, reqs[0].ETag)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Fetches.WithLabelValues("success")))

	// Ready blocks are not fetched again.
	require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, blocks))
	require.Len(t, h.requestsFor(objID), 1)
}

func TestScheduler_CoalescesOverlappingRequests(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentFetches = 1
	h := newHarness(t, cfg)
	blocker := h.occupy(t)

	first := h.acquire(h.obj, 0, 1)
	second := h.acquire(h.obj, 1, 2, 3)

	var wg sync.WaitGroup
	for _, blocks := range [][]*blockstore.Block{first, second} {
		wg.Add(1)
		go func(blocks []*blockstore.Block) {
			defer wg.Done()
			require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, blocks))
		}(blocks)
	}
	wg.Wait()

	h.client.Unblock()
	requireData(t, h, blocker)
	requireData(t, h, first)
	requireData(t, h, second)

	reqs := h.requestsFor(objID)
	require.Len(t, reqs, 1, "overlapping requests share one network call")
	require.Equal(t, int64(0), reqs[0].Start)
	require.Equal(t, int64(4*bs), reqs[0].End)
}

func TestScheduler_InFlightBlocksNotFetchedTwice(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.Block()

	first := h.acquire(h.obj, 0, 1)
	require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, first))
	require.Eventually(t, func() bool { return len(h.requestsFor(objID)) == 1 },
		time.Second, time.Millisecond)

	// A running task no longer grows; only the blocks it lacks are fetched.
	second := h.acquire(h.obj, 1, 2, 3)
	require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, second))
	require.Eventually(t, func() bool { return len(h.requestsFor(objID)) == 2 },
		time.Second, time.Millisecond)

	h.client.Unblock()
	requireData(t, h, first)
	requireData(t, h, second)

	reqs := h.requestsFor(objID)
	require.Len(t, reqs, 2)
	require.Equal(t, byterange.New(0, 2*bs), byterange.New(reqs[0].Start, reqs[0].End))
	require.Equal(t, byterange.New(2*bs, 4*bs), byterange.New(reqs[1].Start, reqs[1].End))
}

func TestScheduler_CoalesceGap(t *testing.T) {
	for _, tt := range []struct {
		gap  int64
		want int
	}{
		{gap: 0, want: 2},
		{gap: bs, want: 1},
	} {
		t.Run(fmt.Sprintf("gap=%d", tt.gap), func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxConcurrentFetches = 1
			cfg.CoalesceGap = tt.gap
			h := newHarness(t, cfg)
			h.occupy(t)

			a := h.acquire(h.obj, 0)
			b := h.acquire(h.obj, 2)
			require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, a))
			require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, b))

			h.client.Unblock()
			requireData(t, h, a)
			requireData(t, h, b)
			require.Len(t, h.requestsFor(objID), tt.want)
		})
	}
}

func TestScheduler_SplitsAtMaxRangeSize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRangeSize = 2 * bs
	h := newHarness(t, cfg)

	blocks := h.acquire(h.obj, 0, 1, 2, 3, 4)
	require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, blocks))
	requireData(t, h, blocks)

	reqs := h.requestsFor(objID)
	require.Len(t, reqs, 3)
	for _, r := range reqs {
		require.LessOrEqual(t, r.End-r.Start, int64(2*bs))
	}
}

func TestScheduler_LastBlockClampedToSize(t *testing.T) {
	h := newHarness(t, testConfig())

	blocks := h.acquire(h.other, 3, 4)
	require.Equal(t, int64(100), blocks[1].Range().Len())
	require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.other, blocks))
	requireData(t, h, blocks)

	reqs := h.requestsFor(otherID)
	require.Len(t, reqs, 1)
	require.Equal(t, int64(4*bs+100), reqs[0].End)
}

func TestScheduler_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, testConfig())

	var mu sync.Mutex
	failures := 2
	h.client.SetFault(func(objectclient.Request) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return objectclient.ErrTransient
		}
		return nil
	})

	blocks := h.acquire(h.obj, 0)
	require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, blocks))
	requireData(t, h, blocks)

	require.Len(t, h.requestsFor(objID), 3)
	require.Equal(t, 2.0, testutil.ToFloat64(h.metrics.FetchRetries))
}

func TestScheduler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		fault    error
		want     error
		requests int
	}{
		{"exhausted", objectclient.ErrTransient, ErrIO, 3},
		{"unknown error retried", errors.New("connection reset"), ErrIO, 3},
		{"not found", objectclient.ErrNotFound, objectclient.ErrNotFound, 1},
		{"access denied", objectclient.ErrAccessDenied, objectclient.ErrAccessDenied, 1},
		{"etag mismatch", objectclient.ErrPreconditionFailed, ErrConsistency, 1},
		{"range not satisfiable", objectclient.ErrRangeNotSatisfiable, ErrInternal, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.client.SetFault(func(objectclient.Request) error { return tt.fault })

			blocks := h.acquire(h.obj, 0)
			require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, blocks))
			errs := wait(t, blocks)

			require.ErrorIs(t, errs[0], tt.want)
			require.Equal(t, blockstore.Failed, blocks[0].State())
			require.Len(t, h.requestsFor(objID), tt.requests)
			if tt.want != ErrIO {
				require.NotErrorIs(t, errs[0], ErrIO)
			}
		})
	}
}

func TestScheduler_ObjectChangedIsConsistencyError(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.Put(objID, []byte("overwritten"))

	blocks := h.acquire(h.obj, 0)
	require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, blocks))
	errs := wait(t, blocks)
	require.ErrorIs(t, errs[0], ErrConsistency)
	require.Len(t, h.requestsFor(objID), 1, "consistency errors are not retried")
}

func TestScheduler_AttemptDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.RetryLimit = 1
	cfg.FetchTimeout = 10 * time.Millisecond
	h := newHarness(t, cfg)
	h.client.Block()

	blocks := h.acquire(h.obj, 0)
	require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, blocks))
	errs := wait(t, blocks)

	require.ErrorIs(t, errs[0], ErrIO)
	require.ErrorIs(t, errs[0], context.DeadlineExceeded)
	require.Len(t, h.requestsFor(objID), 2)
}

func TestScheduler_FailedBlockRefetchedOnDemand(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.SetFault(func(objectclient.Request) error { return objectclient.ErrNotFound })

	blocks := h.acquire(h.obj, 0)
	require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, blocks))
	wait(t, blocks)

	h.client.SetFault(nil)
	again := h.acquire(h.obj, 0)
	require.Equal(t, blockstore.Pending, again[0].State())
	require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, again))
	requireData(t, h, again)
}

func TestScheduler_CancelQueuedTask(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentFetches = 1
	h := newHarness(t, cfg)
	blocker := h.occupy(t)

	owner := h.sched.NewOwner()
	b, _ := h.store.Reserve(blockstore.Key{Object: h.obj.Key(), Offset: 0}, byterange.New(0, bs))
	require.NoError(t, h.sched.Submit(owner, h.obj, []*blockstore.Block{b}))

	h.sched.Cancel(owner)
	errs := wait(t, []*blockstore.Block{b})
	require.ErrorIs(t, errs[0], ErrAbandoned)

	h.client.Unblock()
	requireData(t, h, blocker)
	require.Empty(t, h.requestsFor(objID), "cancelled task never reached the store")
}

func TestScheduler_CancelInFlightTask(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.Block()

	owner := h.sched.NewOwner()
	blocks := h.acquire(h.obj, 0, 1)
	require.NoError(t, h.sched.Submit(owner, h.obj, blocks))
	require.Eventually(t, func() bool { return len(h.requestsFor(objID)) == 1 }, time.Second, time.Millisecond)

	h.sched.Cancel(owner)
	for _, err := range wait(t, blocks) {
		require.ErrorIs(t, err, ErrAbandoned)
	}
	for _, b := range blocks {
		h.store.Release(b)
	}
	require.Equal(t, 0, h.store.Len())
}

func TestScheduler_SharedTaskSurvivesCancel(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentFetches = 1
	h := newHarness(t, cfg)
	h.occupy(t)

	a, b := h.sched.NewOwner(), h.sched.NewOwner()
	blocks := h.acquire(h.obj, 0, 1)
	require.NoError(t, h.sched.Submit(a, h.obj, blocks))
	require.NoError(t, h.sched.Submit(b, h.obj, blocks[1:]))

	h.sched.Cancel(a)
	h.client.Unblock()
	requireData(t, h, blocks)
	require.Len(t, h.requestsFor(objID), 1)
}

func TestScheduler_SingleSlotNeverDeadlocks(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentFetches = 1
	cfg.MaxConcurrentFetchesPerObject = 1
	h := newHarness(t, cfg)

	var all []*blockstore.Block
	var wg sync.WaitGroup
	for i := 0; i < 16; i += 2 {
		blocks := h.acquire(h.obj, i)
		all = append(all, blocks...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, blocks))
		}()
	}
	wg.Wait()
	requireData(t, h, all)
}

func TestScheduler_ConcurrencyCaps(t *testing.T) {
	for _, tt := range []struct {
		name      string
		global    int
		perObject int
	}{
		{name: "per object", global: 8, perObject: 2},
		{name: "global", global: 3, perObject: 8},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxConcurrentFetches = tt.global
			cfg.MaxConcurrentFetchesPerObject = tt.perObject
			h := newHarness(t, cfg)

			var (
				mu         sync.Mutex
				active     = map[objectclient.ID]int{}
				total      int
				peak       = map[objectclient.ID]int{}
				peakGlobal int
			)
			h.client.SetFault(func(req objectclient.Request) error {
				mu.Lock()
				active[req.ID]++
				total++
				peak[req.ID] = max(peak[req.ID], active[req.ID])
				peakGlobal = max(peakGlobal, total)
				mu.Unlock()

				time.Sleep(20 * time.Millisecond)

				mu.Lock()
				active[req.ID]--
				total--
				mu.Unlock()
				return nil
			})

			// Every other block, so no two runs coalesce.
			var all []*blockstore.Block
			for i := 0; i < 16; i += 2 {
				blocks := h.acquire(h.obj, i)
				require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, blocks))
				all = append(all, blocks...)
			}
			for _, i := range []int{0, 2, 4} {
				blocks := h.acquire(h.other, i)
				require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.other, blocks))
				all = append(all, blocks...)
			}
			requireData(t, h, all)

			mu.Lock()
			defer mu.Unlock()
			require.LessOrEqual(t, peakGlobal, tt.global)
			require.LessOrEqual(t, peak[objID], tt.perObject)
			require.LessOrEqual(t, peak[otherID], tt.perObject)
			if tt.perObject < tt.global {
				require.Equal(t, tt.perObject, peak[objID])
			} else {
				require.Equal(t, tt.global, peakGlobal)
			}
			require.Len(t, h.client.Requests(), 11)
		})
	}
}

func TestScheduler_Close(t *testing.T) {
	h := newHarness(t, testConfig())
	h.client.Block()

	blocks := h.acquire(h.obj, 0)
	require.NoError(t, h.sched.Submit(h.sched.NewOwner(), h.obj, blocks))
	require.NoError(t, h.sched.Close())

	errs := wait(t, blocks)
	require.ErrorIs(t, errs[0], ErrAbandoned)

	more := h.acquire(h.obj, 5)
	require.ErrorIs(t, h.sched.Submit(h.sched.NewOwner(), h.obj, more), ErrClosed)
	require.ErrorIs(t, wait(t, more)[0], ErrClosed)
	require.NoError(t, h.sched.Close())
}

func TestObject_Key(t *testing.T) {
	a := Object{ID: objID, ETag: "v1"}
	b := Object{ID: objID, ETag: "v2"}
	require.NotEqual(t, a.Key(), b.Key())
}
