package utils

import (
	"encoding/binary"
	"hash/crc32"
)

// CRC32C uses the Castagnoli polynomial for better error detection.
var crcTable = crc32.MakeTable(crc32.Castagnoli)

// ComputeCRC32C computes CRC32C checksum for the given data.
func ComputeCRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crcTable)
}

// VerifyCRC32C verifies that the given CRC matches the data.
func VerifyCRC32C(data []byte, expected uint32) bool {
	return ComputeCRC32C(data) == expected
}

// SplitCRC32C separates a little-endian CRC32C trailer from its body and reports
// whether it matches. Inputs shorter than the trailer never match.
func SplitCRC32C(data []byte) ([]byte, bool) {
	if len(data) < 4 {
		return nil, false
	}
	body := data[:len(data)-4]
	want := binary.LittleEndian.Uint32(data[len(data)-4:])
	return body, ComputeCRC32C(body) == want
}
