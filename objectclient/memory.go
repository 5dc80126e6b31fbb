package objectclient

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
)

// -----------------------------------------------------------------------------
// Memory Client
// -----------------------------------------------------------------------------

// Request records one GetRange call observed by a Memory client.
type Request struct {
	ID    ID
	Start int64
	End   int64
	ETag  string
}

// Fault decides whether a GetRange call fails. Returning nil lets the call
// proceed. Faults run before the object lookup.
type Fault func(req Request) error

// Memory implements Client using an in-memory map.
//
// Consistency: Immediate.
// Memory is safe for concurrent use. It records every range request and
// supports fault injection and blocking, which makes it the backing store
// for tests and examples.
type Memory struct {
	mu      sync.Mutex
	objects map[ID]memoryObject

	headCalls int
	requests  []Request

	fault Fault
	gate  chan struct{} // if non-nil, GetRange blocks until closed
}

type memoryObject struct {
	data []byte
	etag string
}

// NewMemory creates an empty in-memory Client.
func NewMemory() *Memory {
	return &Memory{objects: make(map[ID]memoryObject)}
}

// Put stores data under id, replacing any previous version. The entity tag
// is the hex MD5 of the content, matching what S3 reports for simple
// uploads.
func (m *Memory) Put(id ID, data []byte) Metadata {
	sum := md5.Sum(data)
	obj := memoryObject{data: append([]byte(nil), data...), etag: hex.EncodeToString(sum[:])}

	m.mu.Lock()
	m.objects[id] = obj
	m.mu.Unlock()

	return Metadata{Size: int64(len(obj.data)), ETag: obj.etag}
}

// Delete removes id if present.
func (m *Memory) Delete(id ID) {
	m.mu.Lock()
	delete(m.objects, id)
	m.mu.Unlock()
}

// SetFault installs f for subsequent GetRange calls. A nil f clears it.
func (m *Memory) SetFault(f Fault) {
	m.mu.Lock()
	m.fault = f
	m.mu.Unlock()
}

// Block makes subsequent GetRange calls wait until Unblock is called or
// their context ends. Requests are still recorded when they arrive.
func (m *Memory) Block() {
	m.mu.Lock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
	m.mu.Unlock()
}

// Unblock releases every GetRange call waiting because of Block.
func (m *Memory) Unblock() {
	m.mu.Lock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
	m.mu.Unlock()
}

// HeadCalls returns the number of HeadObject calls observed.
func (m *Memory) HeadCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headCalls
}

// Requests returns a copy of every GetRange call observed, in arrival order.
func (m *Memory) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// ResetCounts clears the recorded calls for test isolation.
func (m *Memory) ResetCounts() {
	m.mu.Lock()
	m.headCalls = 0
	m.requests = nil
	m.mu.Unlock()
}

// HeadObject implements Client.
func (m *Memory) HeadObject(ctx context.Context, id ID) (Metadata, error) {
	if err := ctx.Err(); err != nil {
		return Metadata{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.headCalls++
	obj, ok := m.objects[id]
	if !ok {
		return Metadata{}, fmt.Errorf("memory: head %s: %w", id, ErrNotFound)
	}
	return Metadata{Size: int64(len(obj.data)), ETag: obj.etag}, nil
}

// GetRange implements Client.
func (m *Memory) GetRange(ctx context.Context, id ID, start, end int64, etag string) ([]byte, error) {
	req := Request{ID: id, Start: start, End: end, ETag: etag}

	m.mu.Lock()
	m.requests = append(m.requests, req)
	fault, gate := m.fault, m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fault != nil {
		if err := fault(req); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	obj, ok := m.objects[id]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("memory: range read %s: %w", id, ErrNotFound)
	}
	if etag != "" && etag != obj.etag {
		return nil, fmt.Errorf("memory: range read %s: %w", id, ErrPreconditionFailed)
	}
	size := int64(len(obj.data))
	if start < 0 || end < start || start >= size {
		return nil, fmt.Errorf("memory: range read %s [%d,%d) of %d: %w", id, start, end, size, ErrRangeNotSatisfiable)
	}
	end = min(end, size)

	out := make([]byte, end-start)
	copy(out, obj.data[start:end])
	return out, nil
}

// Ensure Memory implements Client.
var _ Client = (*Memory)(nil)
