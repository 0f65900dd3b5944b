// SPDX-License-Identifier: Apache-2.0

package bufarena

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"path"
	"reflect"
	"runtime"
	"strings"
	"unsafe"
)

// alignment is the pointer size of the platform. Every block an Arena hands
// out starts at an address aligned to it.
const alignment = int(unsafe.Sizeof(uintptr(0)))

// HeaderSize is the size of the arena identity header carved out of the
// front of the managed buffer. The header counts against capacity, so the
// smallest workable buffer is HeaderSize bytes plus whatever the alignment
// of its backing array wastes.
const HeaderSize = 16

// arenaMagic marks a buffer as holding a live arena header.
const arenaMagic uint64 = 0xb0fa12e4a110ca7e

// Arena is a fixed-capacity Allocator over a single caller-supplied buffer.
// It advances a cursor through the buffer and reclaims everything at once;
// individual blocks are never freed. When the cursor reaches the end the
// arena is out of memory, full stop: there is no growth and no fallback.
//
// The zero value is not usable; construct with New. An Arena is not safe
// for concurrent use, wrap it in external synchronization or give each
// goroutine its own arena (see Pool).
type Arena struct {
	buf  []byte
	rem  int // misalignment of buf's backing array, see alignUp
	base int // aligned start; the header lives at buf[base:base+HeaderSize]
	off  int // cursor, next unallocated offset; >= base+HeaderSize while live
	peak int // high-water mark of bytes in use, survives Free

	tag    uint64 // per-instance identity, mirrored in the header
	epoch  uint64 // bumped on Free/Release, invalidates stale job handles
	oom    OOMHandler
	origin string // construction call site, carried in panic diagnostics
	zero   bool   // scrub the allocated region on Free/Release

	jobHead int // offset of the first pending on-free record, 0 if none
	jobTail int // offset of the last pending record, 0 if none
	fns     []func()
	jobs    int // pending, not yet cancelled jobs
}

var _ Allocator = (*Arena)(nil)

// Option configures an Arena at construction time.
type Option func(*Arena)

// WithOOMHandler installs the out-of-memory handler at construction instead
// of a later OnOOM call. Without a handler the arena panics on exhaustion.
func WithOOMHandler(h OOMHandler) Option {
	return func(a *Arena) { a.oom = h }
}

// WithZeroOnFree makes Free and Release scrub the allocated region before
// the cursor resets, so freed blocks never leak earlier contents into later
// allocations. Intended for buffers that carry key material.
func WithZeroOnFree() Option {
	return func(a *Arena) { a.zero = true }
}

// New builds an Arena over buf. The arena owns buf until Release and the
// caller must not touch it in between; in particular, constructing a second
// arena over the same buffer invalidates the first, whose next operation
// panics on the identity check.
//
// New writes a HeaderSize byte identity header at the first aligned offset
// of buf and returns ErrBufferTooSmall when it does not fit. Everything
// past the header is handed out by Alloc.
func New(buf []byte, opts ...Option) (*Arena, error) {
	a := &Arena{buf: buf}
	if len(buf) > 0 {
		addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
		a.rem = int(addr % uintptr(alignment))
	}
	a.base = a.alignUp(0)
	if len(buf)-a.base < HeaderSize {
		return nil, fmt.Errorf("%w: %d byte buffer cannot hold the %d byte header at aligned offset %d",
			ErrBufferTooSmall, len(buf), HeaderSize, a.base)
	}
	a.off = a.base + HeaderSize
	a.peak = HeaderSize
	a.tag = rand.Uint64()
	if _, file, line, ok := runtime.Caller(1); ok {
		a.origin = fmt.Sprintf("%s:%d", path.Base(file), line)
	}
	for _, opt := range opts {
		opt(a)
	}
	binary.LittleEndian.PutUint64(buf[a.base:], arenaMagic)
	binary.LittleEndian.PutUint64(buf[a.base+8:], a.tag)
	return a, nil
}

// alignUp returns the smallest offset >= off whose address within the
// backing array is pointer-aligned. The arena works in offsets rather than
// raw addresses, with rem carrying the misalignment of the array itself, so
// no uintptr outlives a single expression.
func (a *Arena) alignUp(off int) int {
	return ((off + a.rem + alignment - 1) &^ (alignment - 1)) - a.rem
}

// check validates the in-buffer identity header before the arena is
// touched. It catches use of a released arena, a buffer that was handed to
// another arena or freed and reused, and garden-variety corruption of the
// header itself. Failure is not recoverable, so it panics with an error
// wrapping ErrIdentity rather than returning.
func (a *Arena) check() {
	if a == nil || a.buf == nil {
		panic(fmt.Errorf("%w: nil or released arena handle", ErrIdentity))
	}
	hdr := a.buf[a.base:]
	if binary.LittleEndian.Uint64(hdr) != arenaMagic ||
		binary.LittleEndian.Uint64(hdr[8:]) != a.tag {
		panic(fmt.Errorf("%w: buffer no longer carries the header written at %s", ErrIdentity, a.origin))
	}
}

// alloc is the cursor bump behind every allocating operation. The capacity
// check is strict: a block ending exactly at the buffer end is refused, the
// last byte is never handed out. On failure the cursor is untouched and the
// error goes through raise, so a nil return only reaches callers whose OOM
// handler violated its contract by returning.
func (a *Arena) alloc(n int) []byte {
	a.check()
	start := a.alignUp(a.off)
	if start < a.off {
		a.fail(ErrOverflow, n)
		return nil
	}
	end := start + n
	if end >= len(a.buf) {
		a.fail(ErrOutOfMemory, n)
		return nil
	}
	if end < start {
		a.fail(ErrOverflow, n)
		return nil
	}
	a.off = end
	if used := a.off - a.base; used > a.peak {
		a.peak = used
	}
	return a.buf[start:end:end]
}

func (a *Arena) fail(sentinel error, n int) {
	a.raise(fmt.Errorf("%w: requested %d bytes with %d of %d in use [%s, arena from %s]",
		sentinel, n, a.off-a.base, a.capacity(), callSite(), a.origin))
}

// raise routes an allocation failure to the OOM handler, or panics when
// none is installed. A handler that returns leaves the arena untouched and
// the failed operation yielding nil.
func (a *Arena) raise(err error) {
	if a.oom == nil {
		panic(err)
	}
	a.oom(a, err)
}

func (a *Arena) capacity() int {
	return len(a.buf) - a.base
}

// Alloc satisfies the Allocator interface. The returned block may hold
// stale bytes from earlier use of the buffer; use AllocZeroed when the
// caller does not overwrite the whole block.
func (a *Arena) Alloc(n int) []byte {
	return a.alloc(n)
}

// AllocZeroed satisfies the Allocator interface. The size*count product is
// checked for overflow before capacity, so a poisoned count from the wire
// surfaces as ErrOverflow instead of wrapping into a small allocation.
func (a *Arena) AllocZeroed(size, count int) []byte {
	a.check()
	if size < 0 || count < 0 || (count > 1 && size > math.MaxInt/count) {
		a.raise(fmt.Errorf("%w: %d x %d element allocation [%s, arena from %s]",
			ErrOverflow, size, count, callSite(), a.origin))
		return nil
	}
	b := a.alloc(size * count)
	clear(b)
	return b
}

// Clone satisfies the Allocator interface.
func (a *Arena) Clone(src []byte) []byte {
	b := a.alloc(len(src))
	if b == nil {
		return nil
	}
	copy(b, src)
	return b
}

// Realloc satisfies the Allocator interface. The arena cannot grow a block
// in place, so Realloc always cuts a fresh block and copies the first
// min(n, len(orig)) bytes over; orig stays allocated until the next bulk
// free. Growing a block byte by byte is therefore quadratic in arena space,
// use SliceAppend for incremental growth.
func (a *Arena) Realloc(orig []byte, n int) []byte {
	b := a.alloc(n)
	if b == nil {
		return nil
	}
	copy(b, orig)
	return b
}

// Free satisfies the Allocator interface. Pending on-free jobs run first,
// in registration order, then the cursor resets to just past the header so
// the next Alloc reuses the buffer from its first usable byte. The arena
// stays live; Free is how request-scoped users recycle it.
func (a *Arena) Free() {
	a.check()
	a.runOnFree()
	if a.zero {
		clear(a.buf[a.base+HeaderSize : a.off])
	}
	a.off = a.base + HeaderSize
}

// Release is the terminal form of Free: pending jobs fire, the identity
// header is scrubbed, and the arena drops its buffer for good. Every later
// operation on this arena, or on any stale arena over the same buffer,
// panics with ErrIdentity. The buffer itself returns to the caller's
// control.
func (a *Arena) Release() {
	a.check()
	a.runOnFree()
	if a.zero {
		clear(a.buf[a.base+HeaderSize : a.off])
	}
	clear(a.buf[a.base : a.base+HeaderSize])
	a.buf = nil
	a.off = 0
}

// OnOOM installs or replaces the arena's out-of-memory handler. See
// OOMHandler for the contract. Passing nil restores the default panic.
func (a *Arena) OnOOM(h OOMHandler) {
	a.check()
	a.oom = h
}

// Child satisfies the Allocator interface. A fixed-capacity arena has no
// spare capacity to delegate, so the hierarchy capability is declared
// unsupported rather than half-implemented.
func (a *Arena) Child() Allocator {
	panic(fmt.Errorf("bufarena: Child: %w: fixed-capacity arena cannot spawn children", errors.ErrUnsupported))
}

// Adopt satisfies the Allocator interface. See Child.
func (a *Arena) Adopt(Allocator) {
	panic(fmt.Errorf("bufarena: Adopt: %w: fixed-capacity arena cannot adopt allocators", errors.ErrUnsupported))
}

var pkgPrefix = reflect.TypeOf(Arena{}).PkgPath() + "."

// callSite reports the file:line of the nearest caller outside this
// package, for failure diagnostics. Only failure paths pay for the walk.
func callSite() string {
	var pcs [8]uintptr
	n := runtime.Callers(2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, pkgPrefix) {
			return fmt.Sprintf("%s:%d", path.Base(frame.File), frame.Line)
		}
		if !more {
			return "unknown"
		}
	}
}
