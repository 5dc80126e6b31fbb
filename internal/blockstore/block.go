package blockstore

import (
	"fmt"

	"github.com/analystoscar1/analytics-accelerator-s3/internal/byterange"
)

// State is the lifecycle state of a Block.
type State int32

const (
	// Pending blocks have been demanded but no fetch is running for them.
	Pending State = iota
	// InFlight blocks are being filled by a dispatched fetch task.
	InFlight
	// Ready blocks hold their payload and never change again.
	Ready
	// Failed blocks carry the terminal error of their last fetch. The next
	// demand resets them to Pending.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "inflight"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Key addresses a block: the object version and the block-aligned offset.
type Key struct {
	// Object identifies the object version. Callers include the entity tag
	// so blocks of different versions never mix.
	Object string

	// Offset is the block-aligned start offset.
	Offset int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%d", k.Object, k.Offset)
}

// Block is one cached byte range of an object.
//
// All mutable fields are guarded by the owning shard's mutex. Waiters take
// the done channel under the lock and wait on it without holding it.
type Block struct {
	key   Key
	rng   byterange.Range
	shard *shard

	state   State
	data    []byte
	err     error
	done    chan struct{}
	refs    int
	tick    uint64
	removed bool
}

// Key returns the block's key.
func (b *Block) Key() Key { return b.key }

// Range returns the bytes the block covers.
func (b *Block) Range() byterange.Range { return b.rng }

// State returns the current state.
func (b *Block) State() State {
	b.shard.mu.Lock()
	defer b.shard.mu.Unlock()
	return b.state
}

// Done returns a channel closed when the block leaves Pending or InFlight.
// A Ready or Failed block returns an already closed channel.
func (b *Block) Done() <-chan struct{} {
	b.shard.mu.Lock()
	defer b.shard.mu.Unlock()
	return b.done
}

// Result returns the payload of a Ready block or the error of a Failed one.
// It must only be called after Done is closed.
func (b *Block) Result() ([]byte, error) {
	b.shard.mu.Lock()
	defer b.shard.mu.Unlock()
	switch b.state {
	case Ready:
		return b.data, nil
	case Failed:
		return nil, b.err
	default:
		return nil, fmt.Errorf("blockstore: block %s is %s", b.key, b.state)
	}
}

// reset moves a Failed block back to Pending. Caller holds the shard lock.
func (b *Block) reset() {
	b.state = Pending
	b.err = nil
	b.done = make(chan struct{})
}
