package container

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/utils"
)

// Reader is a read-only view of a container. The whole file is memory
// mapped; datasets are served straight from the mapping.
type Reader struct {
	path   string
	mmap   []byte
	header *Header
	dir    *Directory
}

// Open maps path and validates its header and directory.
func Open(path string) (*Reader, error) {
	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	defer unix.Close(fd)

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size < common.HeaderSize {
		return nil, fmt.Errorf("%w: %s is %d bytes", common.ErrCorrupt, path, st.Size)
	}

	data, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	_ = unix.Madvise(data, unix.MADV_RANDOM)

	r := &Reader{path: path, mmap: data}
	if err := r.load(); err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

func (r *Reader) load() error {
	h := &Header{}
	if err := h.UnmarshalBinary(r.mmap[:common.HeaderSize]); err != nil {
		return err
	}
	size := uint64(len(r.mmap))
	if h.DataEnd > size || h.DirOffset > size || h.DirLength > size-h.DirOffset {
		return fmt.Errorf("%w: header points past end of file (%d bytes)", common.ErrInvalidOffset, size)
	}
	dir := newDirectory()
	if h.DirLength > 0 {
		var err error
		if dir, err = parseDirectory(r.mmap[h.DirOffset:h.DirOffset+h.DirLength], h); err != nil {
			return err
		}
	}
	r.header, r.dir = h, dir
	return nil
}

// Path returns the mapped file's path.
func (r *Reader) Path() string { return r.path }

// Header returns a copy of the file header.
func (r *Reader) Header() Header { return *r.header }

// Names lists every dataset, complete or not, in sorted order.
func (r *Reader) Names() []string { return r.dir.Names() }

// Info returns the directory entry for name.
func (r *Reader) Info(name string) (DatasetInfo, bool) {
	info, ok := r.dir.Datasets[name]
	return info, ok
}

// Dataset returns a view of a complete dataset. Datasets left incomplete
// by an aborted build are refused with ErrIncomplete.
func (r *Reader) Dataset(name string) (*View, error) {
	if r.mmap == nil {
		return nil, common.ErrClosed
	}
	info, ok := r.dir.Datasets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrDatasetNotFound, name)
	}
	if !info.Complete {
		return nil, fmt.Errorf("%w: %s", common.ErrIncomplete, name)
	}
	return &View{name: name, info: info, data: r.mmap[info.Offset:info.End()]}, nil
}

// VerifyDataset recomputes the BLAKE3 checksum of one dataset.
func (r *Reader) VerifyDataset(name string) error {
	v, err := r.Dataset(name)
	if err != nil {
		return err
	}
	if got := utils.ComputeBLAKE3(v.data); got != v.info.Blake3 {
		return fmt.Errorf("%w: %s: got %s, recorded %s", common.ErrChecksumMismatch, name, got, v.info.Blake3)
	}
	return nil
}

// Verify checks every complete dataset. Incomplete datasets are reported
// as ErrIncomplete.
func (r *Reader) Verify() error {
	for _, name := range r.dir.Names() {
		if err := r.VerifyDataset(name); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps the file. Views obtained from r must not be used afterwards.
func (r *Reader) Close() error {
	if r.mmap == nil {
		return nil
	}
	err := unix.Munmap(r.mmap)
	r.mmap = nil
	return err
}

// View is a read-only dataset backed by the reader's mapping.
type View struct {
	name string
	info DatasetInfo
	data []byte
}

func (v *View) Name() string      { return v.name }
func (v *View) Info() DatasetInfo { return v.info }
func (v *View) Rows() uint64      { return v.info.Rows }
func (v *View) Cols() int         { return int(v.info.Cols) }

// At returns the cell at row, col.
func (v *View) At(row uint64, col int) uint64 {
	i := row*uint64(v.info.Cols) + uint64(col)
	return binary.LittleEndian.Uint64(v.data[i*rowWidth:])
}

// Pair returns both cells of a two-column row.
func (v *View) Pair(row uint64) (uint64, uint64) {
	return v.At(row, 0), v.At(row, 1)
}

// Slice copies rows [start, end) into a new row-major slice.
func (v *View) Slice(start, end uint64) ([]uint64, error) {
	if start > end || end > v.info.Rows {
		return nil, fmt.Errorf("%w: rows %d..%d of %s[%d]", common.ErrInvalidOffset, start, end, v.name, v.info.Rows)
	}
	cols := uint64(v.info.Cols)
	out := make([]uint64, (end-start)*cols)
	decodeRows(v.data[start*cols*rowWidth:end*cols*rowWidth], out)
	return out, nil
}

// Bytes returns the raw little-endian payload.
func (v *View) Bytes() []byte { return v.data }
