// SPDX-License-Identifier: Apache-2.0

package bufarena

import (
	"io"
)

const readBufferSize = 4 * 1024 // scratch size for ReadFrom

// Buffer is a bytes.Buffer-like type whose contents live in an Allocator.
// It implements io.Reader, io.Writer, io.ReaderFrom and io.WriterTo and
// follows the bytes.Buffer contract for their semantics. All growth goes
// through SliceAppend, so a nil allocator gives a plain heap buffer.
//
// The contents share the arena's lifetime: after the arena is freed the
// buffer must not be used again. Buffer does no identity checking of its
// own; the underlying allocator panics if the arena is gone.
type Buffer struct {
	alloc   Allocator
	buf     []byte // contents are buf[r:len(buf)]
	r       int    // read offset
	readBuf []byte // scratch for ReadFrom, allocated on first use
}

// NewBuffer creates an empty Buffer backed by the given allocator. A nil
// allocator falls back to standard Go allocation.
func NewBuffer(a Allocator) *Buffer {
	return &Buffer{alloc: a}
}

func (b *Buffer) empty() bool {
	return len(b.buf) <= b.r
}

// Write implements io.Writer. It appends len(p) bytes to the buffer.
func (b *Buffer) Write(p []byte) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.buf = SliceAppend(b.alloc, b.buf, p...)
	return len(p), nil
}

// WriteByte appends a single byte to the buffer.
func (b *Buffer) WriteByte(c byte) error {
	b.buf = SliceAppend(b.alloc, b.buf, c)
	return nil
}

// WriteString appends a string to the buffer.
func (b *Buffer) WriteString(s string) (n int, err error) {
	if len(s) == 0 {
		return 0, nil
	}
	b.buf = SliceAppend(b.alloc, b.buf, []byte(s)...)
	return len(s), nil
}

// Read reads up to len(p) bytes from the unread portion into p. It returns
// io.EOF only when the buffer is empty at the time of the call; a partial
// read returns the count with a nil error.
func (b *Buffer) Read(p []byte) (n int, err error) {
	if b.empty() {
		b.Reset()
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n = copy(p, b.buf[b.r:])
	b.r += n
	return n, nil
}

// ReadByte reads and returns the next byte, or io.EOF when empty.
func (b *Buffer) ReadByte() (byte, error) {
	if b.empty() {
		b.Reset()
		return 0, io.EOF
	}
	c := b.buf[b.r]
	b.r++
	return c, nil
}

// Next returns a view of the next n bytes, advancing the buffer as if they
// had been read. If fewer than n bytes remain, the whole unread portion is
// returned. The view aliases the buffer's contents and is only valid until
// the next write.
func (b *Buffer) Next(n int) []byte {
	if n <= 0 {
		return nil
	}
	if m := b.Len(); n > m {
		n = m
	}
	v := b.buf[b.r : b.r+n]
	b.r += n
	return v
}

// Bytes returns the unread portion of the buffer. The slice aliases the
// contents and is only valid until the next modification.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.r:]
}

// String returns the unread portion as a string.
func (b *Buffer) String() string {
	if b == nil {
		return "<nil>"
	}
	return string(b.buf[b.r:])
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.buf) - b.r
}

// Cap returns the capacity of the underlying byte slice.
func (b *Buffer) Cap() int {
	return cap(b.buf)
}

// Reset empties the buffer, keeping the backing array for reuse.
func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.r = 0
}

// Truncate discards all but the first n unread bytes. It panics if n is
// negative or greater than Len.
func (b *Buffer) Truncate(n int) {
	if n == 0 {
		b.Reset()
		return
	}
	if n < 0 || n > b.Len() {
		panic("bufarena: Buffer: truncation out of range")
	}
	b.buf = b.buf[:b.r+n]
}

// Grow guarantees space for another n bytes without reallocation. It panics
// if n is negative.
func (b *Buffer) Grow(n int) {
	if n < 0 {
		panic("bufarena: Buffer.Grow: negative count")
	}
	b.buf = growSlice(b.alloc, b.buf, n)
}

// WriteTo implements io.WriterTo. It drains the unread portion into w.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	n := b.Len()
	if n > 0 {
		m, err := w.Write(b.buf[b.r:])
		if m > n {
			panic("bufarena: Buffer: invalid Write count")
		}
		b.r += m
		if err != nil {
			return int64(m), err
		}
		if m != n {
			return int64(m), io.ErrShortWrite
		}
	}
	b.Reset()
	return int64(n), nil
}

// ReadFrom implements io.ReaderFrom. It appends from r until EOF or error.
// The intermediate read buffer comes from the allocator and is kept for
// later calls.
func (b *Buffer) ReadFrom(r io.Reader) (n int64, err error) {
	if b.readBuf == nil {
		b.readBuf = AllocateSlice[byte](b.alloc, readBufferSize, readBufferSize)
	}
	for {
		nr, er := r.Read(b.readBuf)
		if nr > 0 {
			b.buf = SliceAppend(b.alloc, b.buf, b.readBuf[:nr]...)
			n += int64(nr)
		}
		if er != nil {
			if er == io.EOF {
				return n, nil
			}
			return n, er
		}
	}
}
