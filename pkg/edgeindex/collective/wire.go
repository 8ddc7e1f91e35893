package collective

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/utils"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("collective: cbor encoder: %v", err))
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(fmt.Sprintf("collective: cbor decoder: %v", err))
	}
}

// writePreamble writes the 6-byte connection header (magic + version).
func writePreamble(w io.Writer) error {
	var buf [6]byte
	binary.LittleEndian.PutUint32(buf[0:4], common.MagicFrame)
	binary.LittleEndian.PutUint16(buf[4:6], common.VersionFrame)
	_, err := w.Write(buf[:])
	return err
}

func readPreamble(r io.Reader) error {
	var buf [6]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != common.MagicFrame {
		return fmt.Errorf("%w: got 0x%08x, expected 0x%08x", common.ErrInvalidMagic, magic, common.MagicFrame)
	}
	if version := binary.LittleEndian.Uint16(buf[4:6]); version != common.VersionFrame {
		return fmt.Errorf("%w: got 0x%04x, expected 0x%04x", common.ErrUnsupportedVersion, version, common.VersionFrame)
	}
	return nil
}

// writeFrame writes one frame as: uint32 length | CBOR body | CRC32C(body).
func writeFrame(w io.Writer, f frame) error {
	body, err := encMode.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Op, err)
	}
	if len(body)+4 > common.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", common.ErrFrameTooLarge, len(body))
	}
	buf := make([]byte, 4, 4+len(body)+4)
	binary.LittleEndian.PutUint32(buf, uint32(len(body)+4))
	buf = append(buf, body...)
	buf = binary.LittleEndian.AppendUint32(buf, utils.ComputeCRC32C(body))
	_, err = w.Write(buf)
	return err
}

func readFrame(r *bufio.Reader) (frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return frame{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n < 4 || n > common.MaxFrameSize {
		return frame{}, fmt.Errorf("%w: %d bytes", common.ErrFrameTooLarge, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return frame{}, err
	}
	body, ok := utils.SplitCRC32C(data)
	if !ok {
		return frame{}, common.ErrCRCMismatch
	}
	var f frame
	if err := decMode.Unmarshal(body, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return f, nil
}
