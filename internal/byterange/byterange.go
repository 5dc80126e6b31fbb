// Package byterange provides half-open byte range arithmetic used by the
// block cache, the fetch scheduler and the logical IO strategies.
package byterange

import (
	"fmt"
	"sort"
)

// Range is the half-open byte interval [Start, End).
type Range struct {
	Start int64
	End   int64
}

// New returns the range [start, end).
func New(start, end int64) Range {
	return Range{Start: start, End: end}
}

// OfLength returns the range [start, start+length).
func OfLength(start, length int64) Range {
	return Range{Start: start, End: start + length}
}

// Len returns the number of bytes in the range. Empty or inverted ranges
// have length zero.
func (r Range) Len() int64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty reports whether the range holds no bytes.
func (r Range) Empty() bool { return r.End <= r.Start }

// Contains reports whether off lies inside the range.
func (r Range) Contains(off int64) bool {
	return off >= r.Start && off < r.End
}

// Covers reports whether o lies entirely inside r.
func (r Range) Covers(o Range) bool {
	return o.Start >= r.Start && o.End <= r.End
}

// Overlaps reports whether the two ranges share at least one byte.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Near reports whether the ranges overlap or are separated by at most gap
// bytes. Adjacent ranges are near for any non-negative gap.
func (r Range) Near(o Range, gap int64) bool {
	if r.Overlaps(o) {
		return true
	}
	if r.End <= o.Start {
		return o.Start-r.End <= gap
	}
	return r.Start-o.End <= gap
}

// Union returns the smallest range covering both r and o.
func (r Range) Union(o Range) Range {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	return Range{Start: min(r.Start, o.Start), End: max(r.End, o.End)}
}

// Intersect returns the bytes shared by r and o, or an empty range.
func (r Range) Intersect(o Range) Range {
	out := Range{Start: max(r.Start, o.Start), End: min(r.End, o.End)}
	if out.Empty() {
		return Range{}
	}
	return out
}

// Clamp limits the range to [0, size).
func (r Range) Clamp(size int64) Range {
	out := Range{Start: max(r.Start, 0), End: min(r.End, size)}
	if out.Empty() {
		return Range{}
	}
	return out
}

// Align widens the range outward to multiples of blockSize.
func (r Range) Align(blockSize int64) Range {
	if blockSize <= 0 || r.Empty() {
		return r
	}
	start := (r.Start / blockSize) * blockSize
	end := ((r.End + blockSize - 1) / blockSize) * blockSize
	return Range{Start: start, End: end}
}

// String renders the range as "[start,end)".
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Blocks returns the block-aligned start offsets of every block of size
// blockSize that overlaps r.
func Blocks(r Range, blockSize int64) []int64 {
	if r.Empty() || blockSize <= 0 {
		return nil
	}
	aligned := r.Align(blockSize)
	offs := make([]int64, 0, aligned.Len()/blockSize)
	for off := aligned.Start; off < aligned.End; off += blockSize {
		offs = append(offs, off)
	}
	return offs
}

// Merge sorts the ranges and joins those that are near each other within
// gap bytes. Empty ranges are dropped.
func Merge(ranges []Range, gap int64) []Range {
	in := make([]Range, 0, len(ranges))
	for _, r := range ranges {
		if !r.Empty() {
			in = append(in, r)
		}
	}
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Start < in[j].Start })

	out := []Range{in[0]}
	for _, r := range in[1:] {
		last := &out[len(out)-1]
		if last.Near(r, gap) {
			*last = last.Union(r)
			continue
		}
		out = append(out, r)
	}
	return out
}
