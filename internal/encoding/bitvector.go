package encoding

import (
	"math/bits"
)

// BitVector is a fixed-length bit array.
type BitVector struct {
	bits   []uint64
	length uint64
}

// NewBitVector creates a new bit vector with the given length.
func NewBitVector(length uint64) *BitVector {
	numWords := (length + 63) / 64
	return &BitVector{
		bits:   make([]uint64, numWords),
		length: length,
	}
}

// Set sets the bit at position i to 1.
func (bv *BitVector) Set(i uint64) {
	if i >= bv.length {
		return
	}
	bv.bits[i/64] |= uint64(1) << (i % 64)
}

// Get returns the bit at position i.
func (bv *BitVector) Get(i uint64) bool {
	if i >= bv.length {
		return false
	}
	return bv.bits[i/64]&(uint64(1)<<(i%64)) != 0
}

// SetRange sets bits [lo, hi) and returns the first position in the range
// that was already set, or hi if none was.
func (bv *BitVector) SetRange(lo, hi uint64) uint64 {
	hi = min(hi, bv.length)
	first := hi
	for i := lo; i < hi; i++ {
		w, m := i/64, uint64(1)<<(i%64)
		if bv.bits[w]&m != 0 && first == hi {
			first = i
		}
		bv.bits[w] |= m
	}
	return first
}

// FirstClear returns the position of the first 0-bit, or Length if every
// bit is set.
func (bv *BitVector) FirstClear() uint64 {
	for w, word := range bv.bits {
		if word == ^uint64(0) {
			continue
		}
		pos := uint64(w)*64 + uint64(bits.TrailingZeros64(^word))
		return min(pos, bv.length)
	}
	return bv.length
}

// Length returns the length of the bit vector.
func (bv *BitVector) Length() uint64 {
	return bv.length
}

// PopCount returns the total number of 1-bits.
func (bv *BitVector) PopCount() uint64 {
	count := uint64(0)
	for _, word := range bv.bits {
		count += uint64(bits.OnesCount64(word))
	}
	return count
}
