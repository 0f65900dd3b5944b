// SPDX-License-Identifier: Apache-2.0

package bufarena

import (
	"encoding/binary"
	"fmt"
)

// jobRecordSize is the in-buffer footprint of one registered job: the
// offset of the next record and the slot index of its callback, both
// little-endian uint64. Callback values live in the arena's fns slice where
// the garbage collector can see them; the buffer holds nothing but plain
// integers.
const jobRecordSize = 16

// OnFreeJob is the cancellation handle returned by OnFree. Handles are
// single-shot: once the arena bulk-frees, every outstanding handle goes
// stale and Cancel reports false instead of touching whatever job may have
// been registered at the same offset since.
type OnFreeJob struct {
	a     *Arena
	off   int
	epoch uint64
}

// OnFree satisfies the Allocator interface. The job record is carved from
// the arena itself, so registration consumes capacity and can fail through
// the OOM path like any allocation; in that case nothing is registered and
// the handle is nil. Appending to the chain is O(1). A nil fn registers a
// job that never fires.
//
// Jobs run in registration order during Free or Release. A callback may
// itself register further jobs; they join the tail of the chain and fire in
// the same walk.
func (a *Arena) OnFree(fn func()) *OnFreeJob {
	rec := a.alloc(jobRecordSize)
	if rec == nil {
		return nil
	}
	off := a.off - jobRecordSize
	slot := len(a.fns)
	a.fns = append(a.fns, fn)
	binary.LittleEndian.PutUint64(rec[:8], 0)
	binary.LittleEndian.PutUint64(rec[8:], uint64(slot))
	if a.jobTail != 0 {
		binary.LittleEndian.PutUint64(a.buf[a.jobTail:a.jobTail+8], uint64(off))
	} else {
		a.jobHead = off
	}
	a.jobTail = off
	a.jobs++
	return &OnFreeJob{a: a, off: off, epoch: a.epoch}
}

// Cancel unlinks the job from its arena's chain so it never fires, in
// O(pending jobs). It reports false when there is nothing to cancel: a nil
// or stale handle, an arena that has already bulk-freed, or a job that
// already ran or was cancelled before. That is a benign outcome, not an
// error. The record's backing bytes stay allocated until the next bulk
// free; cancellation does not return capacity.
func (j *OnFreeJob) Cancel() bool {
	if j == nil || j.a == nil {
		return false
	}
	a := j.a
	if a.buf == nil || j.epoch != a.epoch {
		return false
	}
	a.check()
	prev := 0
	for off := a.jobHead; off != 0; {
		a.checkJobOffset(off)
		next := int(binary.LittleEndian.Uint64(a.buf[off : off+8]))
		if off == j.off {
			if prev == 0 {
				a.jobHead = next
			} else {
				binary.LittleEndian.PutUint64(a.buf[prev:prev+8], uint64(next))
			}
			if a.jobTail == off {
				a.jobTail = prev
			}
			if slot := int(binary.LittleEndian.Uint64(a.buf[off+8 : off+16])); slot >= 0 && slot < len(a.fns) {
				a.fns[slot] = nil
			}
			a.jobs--
			return true
		}
		prev = off
		off = next
	}
	return false
}

// runOnFree fires the pending chain in registration order and then forgets
// it. The walk reads each record's next pointer after its callback returns,
// so jobs appended by a callback are reached in the same pass, and handles
// stay valid for cancellation until the walk is over. The records
// themselves are reclaimed by the caller's cursor reset.
func (a *Arena) runOnFree() {
	for off := a.jobHead; off != 0; {
		a.checkJobOffset(off)
		if slot := int(binary.LittleEndian.Uint64(a.buf[off+8 : off+16])); slot >= 0 && slot < len(a.fns) {
			if fn := a.fns[slot]; fn != nil {
				fn()
			}
		}
		off = int(binary.LittleEndian.Uint64(a.buf[off : off+8]))
	}
	a.epoch++
	a.jobHead, a.jobTail = 0, 0
	a.fns = nil
	a.jobs = 0
}

// checkJobOffset rejects chain offsets that cannot name a record inside the
// allocatable region. A bad offset means the buffer was scribbled on, which
// is the same corruption class the identity header guards against.
func (a *Arena) checkJobOffset(off int) {
	if off < a.base+HeaderSize || off > len(a.buf)-jobRecordSize {
		panic(fmt.Errorf("%w: on-free chain reached invalid offset %d", ErrIdentity, off))
	}
}
