package utils

import (
	"fmt"
	"io"

	blake3 "lukechampine.com/blake3"
)

// ComputeBLAKE3 computes the BLAKE3 hash of the given bytes and returns a hex string.
func ComputeBLAKE3(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

// ComputeBLAKE3Section hashes n bytes of r starting at off.
func ComputeBLAKE3Section(r io.ReaderAt, off, n int64) (string, error) {
	h := blake3.New(32, nil)
	if _, err := io.Copy(h, io.NewSectionReader(r, off, n)); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
