// SPDX-License-Identifier: Apache-2.0

package bufarena

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// alignedBuf returns an n byte buffer whose backing array is pointer
// aligned, so offset expectations in tests do not depend on where the
// runtime placed the allocation.
func alignedBuf(n int) []byte {
	raw := make([]byte, n+alignment)
	off := 0
	for uintptr(unsafe.Pointer(unsafe.SliceData(raw[off:])))%uintptr(alignment) != 0 {
		off++
	}
	return raw[off : off+n : off+n]
}

// catchPanic runs fn and returns the error it panicked with, nil if it
// returned normally.
func catchPanic(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if err, ok = r.(error); !ok {
				err = fmt.Errorf("%v", r)
			}
		}
	}()
	fn()
	return nil
}

// oomRecorder is an OOM handler that returns instead of unwinding, so
// tests can observe the nil result and the untouched cursor.
type oomRecorder struct {
	calls []error
}

func (r *oomRecorder) handler(a Allocator, err error) {
	r.calls = append(r.calls, err)
}

// insideArena reports whether p points into a's buffer.
func insideArena(a *Arena, p unsafe.Pointer) bool {
	lo := uintptr(unsafe.Pointer(unsafe.SliceData(a.buf)))
	return uintptr(p) >= lo && uintptr(p) < lo+uintptr(len(a.buf))
}

func TestNewArena(t *testing.T) {
	buf := alignedBuf(4096)
	a, err := New(buf)
	require.NoError(t, err)

	// the header is in use from the start
	require.Equal(t, HeaderSize, a.Len())
	require.Equal(t, 4096, a.Cap())
	require.Equal(t, HeaderSize, a.Peak())
	require.Equal(t, 4096-HeaderSize-1, a.Available())
	require.Equal(t, 0, a.Jobs())
}

func TestNewArenaBufferTooSmall(t *testing.T) {
	for _, n := range []int{0, 1, HeaderSize - 1} {
		_, err := New(alignedBuf(n))
		require.ErrorIs(t, err, ErrBufferTooSmall)
	}
	_, err := New(nil)
	require.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestNewArenaExactHeaderFit(t *testing.T) {
	// A buffer holding exactly the header constructs fine but can never
	// allocate: the end bound is strict, even for zero bytes.
	a, err := New(alignedBuf(HeaderSize))
	require.NoError(t, err)
	require.Equal(t, 0, a.Available())

	rec := &oomRecorder{}
	a.OnOOM(rec.handler)
	require.Nil(t, a.Alloc(0))
	require.Len(t, rec.calls, 1)
	require.ErrorIs(t, rec.calls[0], ErrOutOfMemory)
}

func TestArenaAllocSequence(t *testing.T) {
	buf := alignedBuf(4096)
	a, err := New(buf)
	require.NoError(t, err)

	b1 := a.Alloc(100)
	require.Len(t, b1, 100)
	require.Equal(t, HeaderSize+100, a.Len())

	// the second block starts at the next aligned offset past the first
	b2 := a.Alloc(200)
	require.Len(t, b2, 200)
	aligned := (100 + alignment - 1) &^ (alignment - 1)
	require.Equal(t, HeaderSize+aligned+200, a.Len())

	p1 := uintptr(unsafe.Pointer(unsafe.SliceData(b1)))
	p2 := uintptr(unsafe.Pointer(unsafe.SliceData(b2)))
	require.Zero(t, p1%uintptr(alignment))
	require.Zero(t, p2%uintptr(alignment))
	require.GreaterOrEqual(t, p2, p1+100)

	// writes to one block never bleed into the other
	for i := range b1 {
		b1[i] = 0xAA
	}
	for i := range b2 {
		b2[i] = 0xBB
	}
	for _, c := range b1 {
		require.Equal(t, byte(0xAA), c)
	}
}

func TestArenaFreeResetsCursor(t *testing.T) {
	a, err := New(alignedBuf(4096))
	require.NoError(t, err)

	first := a.Alloc(32)
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(first)))
	a.Alloc(200)
	a.Alloc(17)

	a.Free()
	require.Equal(t, HeaderSize, a.Len())

	// the next allocation reuses the first usable byte
	second := a.Alloc(32)
	require.Equal(t, addr, uintptr(unsafe.Pointer(unsafe.SliceData(second))))
}

// TestArenaRequestCycle runs one full request-shaped lifecycle: a couple of
// allocations, two cleanup jobs, a bulk free, and reuse of the buffer.
func TestArenaRequestCycle(t *testing.T) {
	a, err := New(alignedBuf(4096))
	require.NoError(t, err)

	b1 := a.Alloc(100)
	addr1 := uintptr(unsafe.Pointer(unsafe.SliceData(b1)))
	require.Zero(t, addr1%uintptr(alignment))

	b2 := a.Alloc(200)
	addr2 := uintptr(unsafe.Pointer(unsafe.SliceData(b2)))
	require.Zero(t, addr2%uintptr(alignment))
	require.GreaterOrEqual(t, addr2, addr1+100)

	var order []string
	a.OnFree(func() { order = append(order, "j1") })
	a.OnFree(func() { order = append(order, "j2") })

	a.Free()
	require.Equal(t, []string{"j1", "j2"}, order)

	// the next cycle starts over at the first usable byte
	b3 := a.Alloc(50)
	require.Equal(t, addr1, uintptr(unsafe.Pointer(unsafe.SliceData(b3))))
}

func TestArenaOOM(t *testing.T) {
	a, err := New(alignedBuf(1024))
	require.NoError(t, err)
	rec := &oomRecorder{}
	a.OnOOM(rec.handler)

	// one byte past the guarantee fails and leaves the cursor alone
	avail := a.Available()
	require.Nil(t, a.Alloc(avail+1))
	require.Len(t, rec.calls, 1)
	require.ErrorIs(t, rec.calls[0], ErrOutOfMemory)
	require.Equal(t, HeaderSize, a.Len())

	// the exact guarantee still succeeds
	b := a.Alloc(avail)
	require.Len(t, b, avail)
	require.Equal(t, 0, a.Available())

	// a full arena refuses even zero bytes
	require.Nil(t, a.Alloc(0))
	require.Len(t, rec.calls, 2)
}

func TestArenaOOMPanicsWithoutHandler(t *testing.T) {
	a, err := New(alignedBuf(64))
	require.NoError(t, err)

	panicErr := catchPanic(func() { a.Alloc(1024) })
	require.ErrorIs(t, panicErr, ErrOutOfMemory)
	require.ErrorContains(t, panicErr, "requested 1024 bytes")
	require.ErrorContains(t, panicErr, "of 64 in use")
}

func TestArenaOverflow(t *testing.T) {
	a, err := New(alignedBuf(1024))
	require.NoError(t, err)
	rec := &oomRecorder{}
	a.OnOOM(rec.handler)

	require.Nil(t, a.Alloc(math.MaxInt))
	require.Nil(t, a.Alloc(-1))
	require.Len(t, rec.calls, 2)
	require.ErrorIs(t, rec.calls[0], ErrOverflow)
	require.ErrorIs(t, rec.calls[1], ErrOverflow)
	require.NotErrorIs(t, rec.calls[0], ErrOutOfMemory)
	require.Equal(t, HeaderSize, a.Len())
}

func TestArenaOOMHandlerOption(t *testing.T) {
	rec := &oomRecorder{}
	a, err := New(alignedBuf(64), WithOOMHandler(rec.handler))
	require.NoError(t, err)

	require.Nil(t, a.Alloc(100))
	require.Len(t, rec.calls, 1)

	// OnOOM(nil) restores the default panic
	a.OnOOM(nil)
	panicErr := catchPanic(func() { a.Alloc(100) })
	require.ErrorIs(t, panicErr, ErrOutOfMemory)
}

func TestAllocZeroed(t *testing.T) {
	a, err := New(alignedBuf(1024))
	require.NoError(t, err)

	// dirty the region, free, then demand zeroed memory from the same spot
	d := a.Alloc(64)
	for i := range d {
		d[i] = 0xFF
	}
	a.Free()

	z := a.AllocZeroed(8, 8)
	require.Len(t, z, 64)
	for _, c := range z {
		require.Equal(t, byte(0), c)
	}
}

func TestAllocZeroedProductOverflow(t *testing.T) {
	rec := &oomRecorder{}
	a, err := New(alignedBuf(1024), WithOOMHandler(rec.handler))
	require.NoError(t, err)

	require.Nil(t, a.AllocZeroed(math.MaxInt/2, 3))
	require.Nil(t, a.AllocZeroed(-1, 1))
	require.Nil(t, a.AllocZeroed(1, -1))
	require.Len(t, rec.calls, 3)
	for _, err := range rec.calls {
		require.ErrorIs(t, err, ErrOverflow)
	}
	require.Equal(t, HeaderSize, a.Len())

	// a zero-sized product is legal
	require.NotNil(t, a.AllocZeroed(0, 1000))
	require.Len(t, rec.calls, 3)
}

func TestClone(t *testing.T) {
	a, err := New(alignedBuf(1024))
	require.NoError(t, err)

	src := []byte("the quick brown fox")
	cp := a.Clone(src)
	require.Equal(t, src, cp)
	require.True(t, insideArena(a, unsafe.Pointer(unsafe.SliceData(cp))))

	// the clone is independent storage
	src[0] = 'X'
	require.Equal(t, byte('t'), cp[0])

	// empty source still yields a block
	e := a.Clone(nil)
	require.NotNil(t, e)
	require.Len(t, e, 0)
}

func TestRealloc(t *testing.T) {
	a, err := New(alignedBuf(4096))
	require.NoError(t, err)

	orig := a.Alloc(4)
	copy(orig, "abcd")

	grown := a.Realloc(orig, 8)
	require.Len(t, grown, 8)
	require.Equal(t, []byte("abcd"), grown[:4])
	// always a fresh block, never in-place growth
	require.NotEqual(t, unsafe.SliceData(orig), unsafe.SliceData(grown))
	// the original block is untouched and still readable
	require.Equal(t, []byte("abcd"), []byte(orig))

	shrunk := a.Realloc(grown, 2)
	require.Equal(t, []byte("ab"), shrunk)

	// a zero-length original behaves like Alloc
	fresh := a.Realloc(nil, 16)
	require.Len(t, fresh, 16)
}

func TestArenaPeak(t *testing.T) {
	a, err := New(alignedBuf(1024))
	require.NoError(t, err)

	a.Alloc(100)
	peak := a.Peak()
	require.Equal(t, HeaderSize+100, peak)

	// Peak survives Free and ignores smaller highs
	a.Free()
	require.Equal(t, peak, a.Peak())
	a.Alloc(10)
	require.Equal(t, peak, a.Peak())
	a.Alloc(500)
	require.Greater(t, a.Peak(), peak)
}

func TestArenaRelease(t *testing.T) {
	a, err := New(alignedBuf(1024))
	require.NoError(t, err)
	a.Alloc(32)
	fired := 0
	a.OnFree(func() { fired++ })

	a.Release()
	require.Equal(t, 1, fired)

	// introspection is tolerant
	require.Zero(t, a.Len())
	require.Zero(t, a.Cap())

	// everything else is fatal
	require.ErrorIs(t, catchPanic(func() { a.Alloc(1) }), ErrIdentity)
	require.ErrorIs(t, catchPanic(func() { a.Free() }), ErrIdentity)
	require.ErrorIs(t, catchPanic(func() { a.Release() }), ErrIdentity)
	require.ErrorIs(t, catchPanic(func() { a.OnOOM(nil) }), ErrIdentity)
	require.ErrorIs(t, catchPanic(func() { a.OnFree(func() {}) }), ErrIdentity)
}

func TestArenaIdentityDisplaced(t *testing.T) {
	buf := alignedBuf(1024)
	a, err := New(buf)
	require.NoError(t, err)

	// a second arena over the same buffer displaces the first
	b, err := New(buf)
	require.NoError(t, err)
	require.ErrorIs(t, catchPanic(func() { a.Alloc(1) }), ErrIdentity)
	require.NotNil(t, b.Alloc(1))
}

func TestArenaIdentityTamper(t *testing.T) {
	a, err := New(alignedBuf(256))
	require.NoError(t, err)

	a.buf[a.base] ^= 0xFF
	require.ErrorIs(t, catchPanic(func() { a.Alloc(1) }), ErrIdentity)
}

func TestArenaMisalignedBuffer(t *testing.T) {
	// deliberately misalign the region by slicing one byte in
	raw := alignedBuf(1024 + 1)
	buf := raw[1:]

	a, err := New(buf)
	require.NoError(t, err)
	b := a.Alloc(1)
	require.Zero(t, uintptr(unsafe.Pointer(unsafe.SliceData(b)))%uintptr(alignment))

	// the skew costs capacity but never alignment
	require.Equal(t, len(buf)-(alignment-1), a.Cap())
}

func TestArenaZeroOnFree(t *testing.T) {
	buf := alignedBuf(256)
	a, err := New(buf, WithZeroOnFree())
	require.NoError(t, err)

	b := a.Alloc(32)
	for i := range b {
		b[i] = 0xEE
	}
	a.Free()
	for _, c := range buf[HeaderSize : HeaderSize+32] {
		require.Equal(t, byte(0), c)
	}
}

func TestArenaChildAdoptUnsupported(t *testing.T) {
	a, err := New(alignedBuf(64))
	require.NoError(t, err)

	require.ErrorIs(t, catchPanic(func() { a.Child() }), errors.ErrUnsupported)
	require.ErrorIs(t, catchPanic(func() { a.Adopt(nil) }), errors.ErrUnsupported)
}

func FuzzArenaAlloc(f *testing.F) {
	f.Add([]byte{1, 2, 3, 4})
	f.Add([]byte{0xFF, 0x00, 0x80, 0x10, 0x05})
	f.Add([]byte{0x40, 0x40, 0x40, 0x03, 0x40})
	f.Fuzz(func(t *testing.T, ops []byte) {
		buf := alignedBuf(512)
		rec := &oomRecorder{}
		a, err := New(buf, WithOOMHandler(rec.handler))
		if err != nil {
			t.Fatal(err)
		}
		var last []byte
		for _, op := range ops {
			switch op % 4 {
			case 0, 1:
				last = a.Alloc(int(op))
			case 2:
				last = a.Realloc(last, int(op)/2)
			case 3:
				a.Free()
				last = nil
			}
			if len(last) > 0 {
				p := uintptr(unsafe.Pointer(unsafe.SliceData(last)))
				if p%uintptr(alignment) != 0 {
					t.Fatalf("unaligned block at %#x", p)
				}
				if !insideArena(a, unsafe.Pointer(unsafe.SliceData(last))) {
					t.Fatalf("block escaped the buffer")
				}
			}
			// the cursor never leaves the region and never regresses past
			// the header
			require.GreaterOrEqual(t, a.off, a.base+HeaderSize)
			require.LessOrEqual(t, a.off, len(buf))
			require.LessOrEqual(t, a.Len(), a.Cap())
		}
	})
}

var benchSink []byte

func BenchmarkArenaAlloc(b *testing.B) {
	a, err := New(make([]byte, 1<<20))
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if a.Available() < 64 {
			a.Free()
		}
		benchSink = a.Alloc(64)
	}
}

func BenchmarkHeapAlloc(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		benchSink = make([]byte, 64)
	}
}
