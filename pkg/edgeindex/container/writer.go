package container

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/utils"
)

// Writer creates a container file from scratch with a single writer. The
// file appears at its final path only when Close succeeds.
type Writer struct {
	af      *utils.AtomicFile
	header  *Header
	dir     *Directory
	buildID string
	closed  bool
}

// Create starts a new container at path, replacing any existing file on
// Close.
func Create(path string) (*Writer, error) {
	af, err := utils.NewAtomicFile(path)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		af:      af,
		header:  newHeader(),
		dir:     newDirectory(),
		buildID: uuid.NewString(),
	}
	if err := WriteHeader(af, w.header); err != nil {
		af.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	return w, nil
}

// WriteDataset stores values as a complete dataset of len(values)/cols rows.
func (w *Writer) WriteDataset(name string, cols int, values []uint64) error {
	if w.closed {
		return common.ErrClosed
	}
	if err := ValidatePath(name); err != nil {
		return err
	}
	if cols < 1 || len(values)%cols != 0 {
		return fmt.Errorf("%w: %d values in %d columns", common.ErrShapeMismatch, len(values), cols)
	}
	rows := uint64(len(values) / cols)
	if err := validateShape(rows, cols); err != nil {
		return err
	}
	if _, ok := w.dir.Datasets[name]; ok {
		return fmt.Errorf("%w: %s", common.ErrDatasetExists, name)
	}

	info := w.dir.allocate(w.header, name, rows, cols)
	buf := encodeRows(values)
	if err := utils.WriteFullAt(w.af, buf, int64(info.Offset)); err != nil {
		return fmt.Errorf("write dataset %s: %w", name, err)
	}
	info.Complete = true
	info.Blake3 = utils.ComputeBLAKE3(buf)
	info.BuildID = w.buildID
	info.Modified = time.Now().Unix()
	w.dir.Datasets[name] = info
	return nil
}

// Close writes the directory and publishes the file.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := writeDirectory(w.af, w.header, w.dir); err != nil {
		w.af.Close()
		return err
	}
	return w.af.Commit()
}

// Abort discards everything written so far.
func (w *Writer) Abort() error {
	w.closed = true
	return w.af.Close()
}

func encodeRows(values []uint64) []byte {
	buf := make([]byte, len(values)*rowWidth)
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[i*rowWidth:], v)
	}
	return buf
}

func decodeRows(buf []byte, out []uint64) {
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(buf[i*rowWidth:])
	}
}

// CoverageError reports a dataset whose rows were not written exactly once
// by the ranks together. Row is the first row written twice, or the first
// row nobody wrote.
type CoverageError struct {
	Dataset string
	Row     uint64
	Written uint64
	Rows    uint64
	overlap bool
}

func (e *CoverageError) Error() string {
	kind := "unwritten"
	if e.overlap {
		kind = "written twice"
	}
	return fmt.Sprintf("%v: %s: row %d %s (%d rows written, %d expected)",
		common.ErrRowCount, e.Dataset, e.Row, kind, e.Written, e.Rows)
}

func (e *CoverageError) Unwrap() error { return common.ErrRowCount }

// Overlap reports whether two writes targeted the same rows.
func (e *CoverageError) Overlap() bool { return e.overlap }
