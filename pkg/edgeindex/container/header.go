package container

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/utils"
)

// Header layout (little-endian, 64 bytes):
//
//	0  magic        uint32
//	4  version      uint16
//	6  flags        uint16
//	8  dirOffset    uint64
//	16 dirLength    uint64
//	24 dataEnd      uint64
//	32 dirCRC32C    uint32
//	36 reserved
//	60 headerCRC32C uint32 over bytes [0,60)
const headerCRCOffset = common.HeaderSize - 4

// Header is the fixed-size block at offset 0 of every container file.
type Header struct {
	Magic     uint32
	Version   uint16
	Flags     uint16
	DirOffset uint64
	DirLength uint64
	DataEnd   uint64
	DirCRC32C uint32
}

func newHeader() *Header {
	return &Header{
		Magic:   common.MagicContainer,
		Version: common.VersionContainer,
		DataEnd: common.HeaderSize,
	}
}

// MarshalBinary encodes the header into exactly HeaderSize bytes.
func (h *Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, common.HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], h.Version)
	binary.LittleEndian.PutUint16(buf[6:8], h.Flags)
	binary.LittleEndian.PutUint64(buf[8:16], h.DirOffset)
	binary.LittleEndian.PutUint64(buf[16:24], h.DirLength)
	binary.LittleEndian.PutUint64(buf[24:32], h.DataEnd)
	binary.LittleEndian.PutUint32(buf[32:36], h.DirCRC32C)
	binary.LittleEndian.PutUint32(buf[headerCRCOffset:], utils.ComputeCRC32C(buf[:headerCRCOffset]))
	return buf, nil
}

// UnmarshalBinary decodes and validates a header.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < common.HeaderSize {
		return fmt.Errorf("%w: header is %d bytes", common.ErrCorrupt, len(buf))
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = binary.LittleEndian.Uint16(buf[4:6])
	if err := ValidateHeader(h); err != nil {
		return err
	}
	if !utils.VerifyCRC32C(buf[:headerCRCOffset], binary.LittleEndian.Uint32(buf[headerCRCOffset:common.HeaderSize])) {
		return fmt.Errorf("%w: header", common.ErrCRCMismatch)
	}
	h.Flags = binary.LittleEndian.Uint16(buf[6:8])
	h.DirOffset = binary.LittleEndian.Uint64(buf[8:16])
	h.DirLength = binary.LittleEndian.Uint64(buf[16:24])
	h.DataEnd = binary.LittleEndian.Uint64(buf[24:32])
	h.DirCRC32C = binary.LittleEndian.Uint32(buf[32:36])
	return nil
}

// ValidateHeader checks magic and version.
func ValidateHeader(h *Header) error {
	if h.Magic != common.MagicContainer {
		return fmt.Errorf("%w: got 0x%08x, expected 0x%08x",
			common.ErrInvalidMagic, h.Magic, common.MagicContainer)
	}
	if h.Version != common.VersionContainer {
		return fmt.Errorf("%w: got 0x%04x, expected 0x%04x",
			common.ErrUnsupportedVersion, h.Version, common.VersionContainer)
	}
	return nil
}

// ReadHeader reads the header at offset 0 of r.
func ReadHeader(r io.ReaderAt) (*Header, error) {
	buf := make([]byte, common.HeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	h := &Header{}
	if err := h.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return h, nil
}

// WriteHeader writes h at offset 0 of w.
func WriteHeader(w io.WriterAt, h *Header) error {
	buf, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	return utils.WriteFullAt(w, buf, 0)
}
