package container

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/utils"
)

const rowWidth = 8 // bytes per uint64 cell

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("container: cbor encoder: %v", err))
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(fmt.Sprintf("container: cbor decoder: %v", err))
	}
}

// DatasetInfo describes one dataset: a dense row-major array of uint64
// with Cols columns.
type DatasetInfo struct {
	Offset   uint64 `cbor:"1,keyasint"`
	Rows     uint64 `cbor:"2,keyasint"`
	Cols     uint32 `cbor:"3,keyasint"`
	Complete bool   `cbor:"4,keyasint"`
	Blake3   string `cbor:"5,keyasint,omitempty"`
	BuildID  string `cbor:"6,keyasint,omitempty"`
	Modified int64  `cbor:"7,keyasint,omitempty"`
}

// Size returns the dataset's payload size in bytes.
func (d DatasetInfo) Size() uint64 {
	return d.Rows * uint64(d.Cols) * rowWidth
}

// End returns the offset one past the dataset's last byte.
func (d DatasetInfo) End() uint64 {
	return d.Offset + d.Size()
}

// Directory maps dataset paths to their location in the file. It is stored
// CBOR-encoded after the last dataset.
type Directory struct {
	Format   string                 `cbor:"1,keyasint"`
	Created  int64                  `cbor:"2,keyasint"`
	Datasets map[string]DatasetInfo `cbor:"3,keyasint"`
}

func newDirectory() *Directory {
	return &Directory{
		Format:   "edgeindex-container",
		Created:  time.Now().Unix(),
		Datasets: make(map[string]DatasetInfo),
	}
}

// Names returns dataset paths in sorted order.
func (d *Directory) Names() []string {
	names := make([]string, 0, len(d.Datasets))
	for name := range d.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path joins group and dataset names with "/".
func Path(parts ...string) string {
	return strings.Join(parts, "/")
}

// ValidatePath rejects empty paths and empty or dotted segments.
func ValidatePath(name string) error {
	if name == "" {
		return fmt.Errorf("empty dataset path")
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid dataset path %q", name)
		}
	}
	return nil
}

func validateShape(rows uint64, cols int) error {
	if cols < 1 || cols > common.MaxColumns {
		return fmt.Errorf("%w: %d columns (1..%d)", common.ErrShapeMismatch, cols, common.MaxColumns)
	}
	if rows > (1<<62)/uint64(cols*rowWidth) {
		return fmt.Errorf("%w: %d rows", common.ErrShapeMismatch, rows)
	}
	return nil
}

// allocate places a dataset of the given shape. An existing dataset of the
// same shape is reused in place; otherwise space is taken past both the
// data end and the current directory so the on-disk directory stays valid
// until it is replaced.
func (d *Directory) allocate(h *Header, name string, rows uint64, cols int) DatasetInfo {
	if old, ok := d.Datasets[name]; ok && old.Rows == rows && old.Cols == uint32(cols) {
		old.Complete = false
		old.Blake3 = ""
		return old
	}
	end := h.DataEnd
	if dirEnd := h.DirOffset + h.DirLength; dirEnd > end {
		end = dirEnd
	}
	info := DatasetInfo{
		Offset: uint64(utils.AlignTo(int64(end), common.HeaderAlignment)),
		Rows:   rows,
		Cols:   uint32(cols),
	}
	h.DataEnd = info.End()
	return info
}

func encodeDirectory(d *Directory) ([]byte, error) {
	return encMode.Marshal(d)
}

func decodeDirectory(data []byte) (*Directory, error) {
	d := &Directory{}
	if err := decMode.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("%w: directory: %v", common.ErrCorrupt, err)
	}
	if d.Datasets == nil {
		d.Datasets = make(map[string]DatasetInfo)
	}
	return d, nil
}

// readDirectory loads and checks the directory that h points at.
func readDirectory(r io.ReaderAt, h *Header) (*Directory, error) {
	if h.DirLength == 0 {
		return newDirectory(), nil
	}
	if h.DirOffset < common.HeaderSize || h.DirLength > common.MaxFrameSize {
		return nil, fmt.Errorf("%w: directory at %d+%d", common.ErrInvalidOffset, h.DirOffset, h.DirLength)
	}
	buf := make([]byte, h.DirLength)
	if _, err := r.ReadAt(buf, int64(h.DirOffset)); err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	return parseDirectory(buf, h)
}

func parseDirectory(buf []byte, h *Header) (*Directory, error) {
	if !utils.VerifyCRC32C(buf, h.DirCRC32C) {
		return nil, fmt.Errorf("%w: directory", common.ErrCRCMismatch)
	}
	d, err := decodeDirectory(buf)
	if err != nil {
		return nil, err
	}
	for name, info := range d.Datasets {
		if info.Offset < common.HeaderSize || info.End() > h.DataEnd {
			return nil, fmt.Errorf("%w: dataset %s spans %d..%d past data end %d",
				common.ErrInvalidOffset, name, info.Offset, info.End(), h.DataEnd)
		}
	}
	return d, nil
}

// writeDirectory stores d after the data region and then rewrites the
// header to point at it. The previous directory is never overwritten, so
// the header written last is the commit point.
func writeDirectory(w io.WriterAt, h *Header, d *Directory) error {
	data, err := encodeDirectory(d)
	if err != nil {
		return fmt.Errorf("encode directory: %w", err)
	}
	off := uint64(utils.AlignTo(int64(h.DataEnd), common.HeaderAlignment))
	if dirEnd := h.DirOffset + h.DirLength; h.DirLength > 0 && off < dirEnd && off+uint64(len(data)) > h.DirOffset {
		off = uint64(utils.AlignTo(int64(dirEnd), common.HeaderAlignment))
	}
	if err := utils.WriteFullAt(w, data, int64(off)); err != nil {
		return fmt.Errorf("write directory: %w", err)
	}
	h.DirOffset = off
	h.DirLength = uint64(len(data))
	h.DirCRC32C = utils.ComputeCRC32C(data)
	return WriteHeader(w, h)
}
