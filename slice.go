// SPDX-License-Identifier: Apache-2.0

package bufarena

import (
	"unsafe"
)

const growThreshold = 256

// AllocateSlice creates a slice of type T with a given length and capacity,
// drawing the backing array from the provided Allocator. If the allocator
// is nil, the element type is zero sized, or the allocation fails under an
// OOM handler that returns, it falls back to Go's built-in make. The
// backing array is zeroed either way.
//
// As with Allocate, T must not contain Go pointers that are only reachable
// through the arena.
func AllocateSlice[T any](a Allocator, len, cap int) []T {
	if a != nil && cap > 0 {
		var x T
		if elem := int(unsafe.Sizeof(x)); elem > 0 {
			if b := a.AllocZeroed(elem, cap); b != nil {
				s := unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), cap)
				return s[:len]
			}
		}
	}
	return make([]T, len, cap)
}

// SliceAppend appends elements to a slice of type T, growing it through the
// provided Allocator when capacity runs out. A nil allocator degrades to
// plain append.
func SliceAppend[T any](a Allocator, s []T, data ...T) []T {
	if a == nil {
		return append(s, data...)
	}
	s = growSlice(a, s, len(data))
	return append(s, data...)
}

func growSlice[T any](a Allocator, s []T, dataLen int) []T {
	newLen := len(s) + dataLen
	newCap := cap(s)

	if newCap > 0 {
		for newLen > newCap {
			if newCap < growThreshold {
				newCap *= 2
			} else {
				newCap += newCap / 4
			}
		}
	} else {
		newCap = dataLen
	}
	if newCap == cap(s) {
		return s
	}
	s2 := AllocateSlice[T](a, len(s), newCap)
	copy(s2, s)
	return s2
}
