package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a packed vector ends mid-value.
var ErrTruncated = errors.New("truncated uvarint vector")

// AppendUvarint appends a variable-length encoded unsigned integer to dst.
func AppendUvarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

// SizeUvarint returns the number of bytes required to encode v.
func SizeUvarint(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// PackUvarints encodes a count vector as its length followed by each value.
// Histograms are dominated by small counts, so most entries take one byte.
func PackUvarints(vals []uint64) []byte {
	size := SizeUvarint(uint64(len(vals)))
	for _, v := range vals {
		size += SizeUvarint(v)
	}
	dst := make([]byte, 0, size)
	dst = AppendUvarint(dst, uint64(len(vals)))
	for _, v := range vals {
		dst = AppendUvarint(dst, v)
	}
	return dst
}

// UnpackUvarints decodes a vector produced by PackUvarints.
func UnpackUvarints(src []byte) ([]uint64, error) {
	n, k := binary.Uvarint(src)
	if k <= 0 {
		return nil, ErrTruncated
	}
	src = src[k:]
	// every value takes at least one byte
	if n > uint64(len(src)) {
		return nil, fmt.Errorf("%w: %d values declared, %d bytes left", ErrTruncated, n, len(src))
	}
	out := make([]uint64, n)
	for i := range out {
		v, k := binary.Uvarint(src)
		if k <= 0 {
			return nil, fmt.Errorf("%w: value %d", ErrTruncated, i)
		}
		out[i] = v
		src = src[k:]
	}
	if len(src) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after uvarint vector", len(src))
	}
	return out, nil
}
