// SPDX-License-Identifier: Apache-2.0

package bufarena

import (
	"errors"
	"unsafe"
)

// Allocator is the capability set shared by every allocator in this module.
// An Allocator hands out byte blocks that stay valid until the allocator is
// bulk-freed; there is no per-block free. Blocks are aligned for any Go type
// of pointer size or smaller, so they can back structs and slices through
// the generic helpers in this package.
//
// Allocation failures do not surface as error returns. They are routed
// through the allocator's out-of-memory handler, which is expected to
// unwind (panic, or longer-term recovery at a recover boundary) rather than
// return. See OOMHandler.
type Allocator interface {
	// Alloc returns a block of n bytes. The block is aligned, may contain
	// stale data from earlier use of the underlying memory, and stays valid
	// until Free or Release.
	Alloc(n int) []byte

	// AllocZeroed returns a zeroed block of size*count bytes, rejecting
	// products that overflow before any capacity check runs.
	AllocZeroed(size, count int) []byte

	// Clone returns a block of len(src) bytes holding a copy of src.
	Clone(src []byte) []byte

	// Realloc returns a fresh block of n bytes carrying the first
	// min(n, len(orig)) bytes of orig. The original block is not reclaimed;
	// cursor allocators only release memory in bulk. A zero-length orig
	// behaves exactly like Alloc.
	Realloc(orig []byte, n int) []byte

	// Free releases every allocation at once, firing pending on-free
	// callbacks in registration order first. The allocator stays usable;
	// the next Alloc reuses the underlying memory from the start.
	Free()

	// OnFree registers fn to run during the next Free or Release and
	// returns a handle that can cancel it. Registration draws from the
	// allocator's own capacity and can itself hit the out-of-memory path,
	// in which case no job is registered and the handle is nil.
	OnFree(fn func()) *OnFreeJob

	// Child returns a sub-allocator whose lifetime is bounded by this one.
	// Not every allocator supports children; fixed-capacity arenas panic
	// with an error wrapping errors.ErrUnsupported.
	Child() Allocator

	// Adopt transfers ownership of another allocator's lifetime to this
	// one, keeping it alive until this allocator is freed. Like Child this
	// is optional capability; unsupported implementations panic with an
	// error wrapping errors.ErrUnsupported.
	Adopt(other Allocator)
}

// OOMHandler is called when an allocation cannot be satisfied. The handler
// owns the failure: it must not return. Panicking with err (or an error of
// its own) is the expected behavior; a handler that returns anyway makes
// the failed operation yield a nil block with the allocator state
// unchanged, and buggy callers that never check will crash on the nil.
//
// The handler receives the allocator so that shared handlers can log
// utilization or route by instance. err wraps ErrOutOfMemory or ErrOverflow
// and carries the requesting call site.
type OOMHandler func(a Allocator, err error)

var (
	// ErrOutOfMemory signals an allocation that exceeds remaining capacity.
	ErrOutOfMemory = errors.New("bufarena: out of memory")

	// ErrOverflow signals integer overflow while sizing an allocation,
	// before capacity is even considered.
	ErrOverflow = errors.New("bufarena: allocation size overflow")

	// ErrBufferTooSmall is returned by New when the supplied buffer cannot
	// hold the arena header at its aligned start.
	ErrBufferTooSmall = errors.New("bufarena: buffer too small")

	// ErrIdentity is the panic value (wrapped) raised when an operation
	// reaches an arena whose in-buffer identity header is gone: a released
	// arena, a foreign or reused buffer, or plain memory corruption.
	ErrIdentity = errors.New("bufarena: arena identity check failed")
)

// Allocate creates a zeroed value of type T on the provided allocator and
// returns a pointer into its buffer. The value must not be used after the
// allocator is freed. A nil allocator falls back to the Go heap, as does an
// allocation that fails under an OOM handler that returns.
//
// The allocator's buffer is plain bytes that the garbage collector never
// scans, so T must not contain Go pointers unless those pointers are also
// reachable from outside the arena.
func Allocate[T any](a Allocator) *T {
	if a != nil {
		var zero T
		if size := int(unsafe.Sizeof(zero)); size > 0 {
			if b := a.AllocZeroed(size, 1); len(b) >= size {
				return (*T)(unsafe.Pointer(unsafe.SliceData(b)))
			}
		}
	}
	return new(T)
}
