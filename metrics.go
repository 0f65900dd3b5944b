// SPDX-License-Identifier: Apache-2.0

package bufarena

// Metrics is a point-in-time snapshot of an arena's state. Snapshots are
// plain values; take one per observation rather than caching.
type Metrics struct {
	Used        int     // bytes in use, identity header included
	Capacity    int     // total usable bytes, identity header included
	Available   int     // largest single block Alloc is guaranteed to satisfy
	Peak        int     // high-water mark of Used, survives Free
	Jobs        int     // pending on-free jobs
	Utilization float64 // Used over Capacity
}

// The accessors below only read fields the arena keeps outside its buffer,
// so unlike the allocating operations they skip the identity check and
// report zero on a released arena instead of panicking. That keeps metrics
// collection safe to run against arenas of any lifecycle state.

// Len returns the number of bytes currently in use, header included.
func (a *Arena) Len() int {
	if a == nil || a.buf == nil {
		return 0
	}
	return a.off - a.base
}

// Cap returns the total number of usable bytes, header included. Unlike
// Available it never shrinks as the cursor advances.
func (a *Arena) Cap() int {
	if a == nil || a.buf == nil {
		return 0
	}
	return a.capacity()
}

// Peak returns the high-water mark of Len over the arena's lifetime. It is
// not reset by Free, which makes it the right input for sizing the next
// buffer (see Pool).
func (a *Arena) Peak() int {
	if a == nil || a.buf == nil {
		return 0
	}
	return a.peak
}

// Available returns the size of the largest block the next Alloc is
// guaranteed to satisfy: remaining capacity minus alignment at the current
// cursor, minus the final byte that is never handed out. Zero means nothing
// is guaranteed; a full arena refuses even a zero-byte block.
func (a *Arena) Available() int {
	if a == nil || a.buf == nil {
		return 0
	}
	start := a.alignUp(a.off)
	if start >= len(a.buf) {
		return 0
	}
	return len(a.buf) - start - 1
}

// Jobs returns the number of pending on-free jobs.
func (a *Arena) Jobs() int {
	if a == nil || a.buf == nil {
		return 0
	}
	return a.jobs
}

// Metrics returns a snapshot of all accessors in one call.
func (a *Arena) Metrics() Metrics {
	if a == nil || a.buf == nil {
		return Metrics{}
	}
	m := Metrics{
		Used:      a.off - a.base,
		Capacity:  a.capacity(),
		Available: a.Available(),
		Peak:      a.peak,
		Jobs:      a.jobs,
	}
	m.Utilization = float64(m.Used) / float64(m.Capacity)
	return m
}
