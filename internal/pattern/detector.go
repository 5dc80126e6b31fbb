// Package pattern classifies a stream's recent read offsets as sequential or
// random and sizes the speculative prefetch window accordingly.
package pattern

import "math"

// Pattern is the detected access pattern.
type Pattern int

const (
	// Sequential reads continue where the previous read ended.
	Sequential Pattern = iota
	// Random reads jump around the object.
	Random
)

func (p Pattern) String() string {
	if p == Sequential {
		return "sequential"
	}
	return "random"
}

// DefaultWindow is the number of observations kept when none is configured.
const DefaultWindow = 8

// randomJumps is the number of jumps inside the window that makes a stream
// Random.
const randomJumps = 2

// Detector records the last N reads of one stream. It is not safe for
// concurrent use; the owning stream serializes access.
type Detector struct {
	slack int64

	jumps []bool // ring of observations, true when the read was a jump
	next  int
	count int

	lastEnd int64
	seen    bool
	run     int
}

// NewDetector returns a detector over the last window observations. A read
// starting within slack bytes of the previous read's end counts as
// sequential.
func NewDetector(window int, slack int64) *Detector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Detector{slack: slack, jumps: make([]bool, window)}
}

// Observe records a read of length bytes at offset.
func (d *Detector) Observe(offset, length int64) {
	jump := false
	if d.seen {
		delta := offset - d.lastEnd
		jump = delta > d.slack || delta < -d.slack
	}

	d.jumps[d.next] = jump
	d.next = (d.next + 1) % len(d.jumps)
	if d.count < len(d.jumps) {
		d.count++
	}

	if jump {
		d.run = 0
	} else if d.seen {
		d.run++
	}
	d.seen = true
	d.lastEnd = offset + max(length, 0)
}

// Pattern returns the current classification. Two or more jumps within the
// window make the stream Random; it reverts to Sequential once they age out.
func (d *Detector) Pattern() Pattern {
	n := 0
	for i := 0; i < d.count; i++ {
		if d.jumps[i] {
			n++
		}
	}
	if n >= randomJumps {
		return Random
	}
	return Sequential
}

// SequentialRun returns the number of consecutive sequential reads after
// the first one, reset by every jump.
func (d *Detector) SequentialRun() int { return d.run }

// Window returns the geometric prefetch size initial * base^run capped at
// limit. A non-positive limit disables prefetch.
func Window(run int, initial int64, base float64, limit int64) int64 {
	if limit <= 0 || initial <= 0 {
		return 0
	}
	if base < 1 {
		base = 1
	}
	w := float64(initial) * math.Pow(base, float64(run))
	if math.IsInf(w, 0) || w >= float64(limit) {
		return limit
	}
	return int64(w)
}
