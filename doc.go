// SPDX-License-Identifier: Apache-2.0

/*
Package bufarena implements a fixed-capacity arena allocator over a single
caller-supplied byte buffer.

An arena hands out blocks by advancing a cursor through its buffer and
reclaims everything in one bulk free; individual blocks are never returned.
That makes allocation a pointer bump and deallocation a constant-time
cursor reset, at the price of a hard capacity ceiling: when the buffer is
exhausted the arena does not grow, it signals out of memory through its
handler. The caller chooses where the buffer comes from, whether a pooled
slice or memory obtained outside the Go heap.

# Basic usage

	buf := make([]byte, 64*1024)
	a, err := bufarena.New(buf)
	if err != nil {
		// buffer too small for the arena header
	}
	defer a.Release()

	hdr := a.Alloc(128)           // may contain stale bytes
	tbl := a.AllocZeroed(24, 100) // zeroed, overflow-checked 24*100
	cp := a.Clone(hdr)            // arena-backed copy
	_, _, _ = hdr, tbl, cp

	a.Free() // everything above is gone, the arena is empty again

Typed values and slices go through the generic helpers, which fall back to
the Go heap when the allocator is nil:

	type row struct{ id, score uint64 }
	r := bufarena.Allocate[row](a)
	rows := bufarena.AllocateSlice[row](a, 0, 512)
	rows = bufarena.SliceAppend(a, rows, row{id: 1})

Arena memory is invisible to the garbage collector. Values placed in it
must not hold Go pointers unless something outside the arena also keeps
those pointers alive.

# Out of memory handling

Allocation failures do not return errors. They are routed to the arena's
OOMHandler, which must not return: the intended style is a panic unwound at
a request boundary, so that straight-line allocation code stays free of
error plumbing. Without a handler the arena panics directly. The error
distinguishes ErrOutOfMemory (capacity exhausted) from ErrOverflow (the
size arithmetic itself wrapped) and names the failing call site.

# On-free jobs

OnFree registers a callback that runs when the arena is bulk-freed, in
registration order. The job record is carved from the arena itself, so
registration can fail like any allocation. Cancel unlinks a pending job;
cancelling a job that already ran or was never registered is a benign
no-op that reports false.

# Lifecycle

Free empties the arena but keeps it usable; the next Alloc starts over at
the buffer's first usable byte. Release is terminal: it scrubs the arena's
identity header and detaches the buffer. Every arena operation validates an
in-buffer identity header first, so use of a released arena, or of an arena
whose buffer was handed to someone else, panics with ErrIdentity instead of
corrupting memory.

An Arena is single-owner: no internal locking, one goroutine (or external
synchronization) at a time. Pool hands out per-goroutine arenas with
peak-based sizing for request-shaped workloads.
*/
package bufarena
