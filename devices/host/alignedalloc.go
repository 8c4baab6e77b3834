package host

// This file defines alignedBytes, modelled after mm_malloc: over-allocate and
// slice at the first aligned offset.

import (
	"unsafe"
)

// BufferAlignment is the alignment of host buffer allocations. Vectorized
// kernels and DMA engines commonly require 64-byte alignment.
const BufferAlignment = 64

// alignedBytes returns a zero-initialized byte slice of length n whose first
// element is aligned to BufferAlignment.
func alignedBytes(n int) []byte {
	buf := make([]byte, n+BufferAlignment)
	offset := int(uintptr(unsafe.Pointer(unsafe.SliceData(buf))) % BufferAlignment)
	if offset != 0 {
		offset = BufferAlignment - offset
	}
	return buf[offset : offset+n : offset+n]
}
