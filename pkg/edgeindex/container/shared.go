package container

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/collective"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/utils"
)

// Shared is an existing container opened by every rank of a process group
// for parallel writes. Rank 0 owns the header and directory; all other
// ranks only write rows at positions agreed through collectives.
//
// CreateDataset and Commit are collective: every rank must call them in the
// same order with the same arguments.
type Shared struct {
	path    string
	comm    collective.Comm
	f       *os.File
	buildID string
	logger  common.Logger

	// rank 0 only
	header *Header
	dir    *Directory

	closed bool
}

// OpenShared opens path on every rank. Rank 0 reads the directory and picks
// the build id stamped on every dataset created through this handle.
func OpenShared(ctx context.Context, path string, comm collective.Comm, logger common.Logger) (*Shared, error) {
	s := &Shared{path: path, comm: comm, logger: common.OrNull(logger)}

	f, status := os.OpenFile(path, os.O_RDWR, 0)
	if status == nil {
		s.f = f
	}
	var payload []byte
	if status == nil && comm.Rank() == 0 {
		status = s.load()
		payload = []byte(uuid.NewString())
	}

	id, err := comm.Bcast(ctx, 0, payload, status)
	if err != nil {
		if s.f != nil {
			s.f.Close()
		}
		if status != nil {
			return nil, fmt.Errorf("open %s: %w", path, status)
		}
		return nil, err
	}
	s.buildID = string(id)
	return s, nil
}

func (s *Shared) load() error {
	h, err := ReadHeader(s.f)
	if err != nil {
		return err
	}
	dir, err := readDirectory(s.f, h)
	if err != nil {
		return err
	}
	s.header, s.dir = h, dir
	return nil
}

// BuildID returns the id stamped on datasets created through s.
func (s *Shared) BuildID() string { return s.buildID }

// Path returns the container path.
func (s *Shared) Path() string { return s.path }

type announcement struct {
	Name string      `cbor:"1,keyasint"`
	Info DatasetInfo `cbor:"2,keyasint"`
}

// CreateDataset collectively creates (or reuses, if the shape matches) the
// dataset name with rows x cols cells. When it returns, the dataset is
// allocated, recorded as incomplete on disk and writable by every rank.
func (s *Shared) CreateDataset(ctx context.Context, name string, rows uint64, cols int) (*Dataset, error) {
	if s.closed {
		return nil, common.ErrClosed
	}
	status := ValidatePath(name)
	if status == nil {
		status = validateShape(rows, cols)
	}

	var payload []byte
	if status == nil && s.comm.Rank() == 0 {
		payload, status = s.allocate(name, rows, cols)
	}
	reply, err := s.comm.Bcast(ctx, 0, payload, status)
	if err != nil {
		return nil, localFirst(status, err)
	}

	var ann announcement
	if err := decMode.Unmarshal(reply, &ann); err != nil {
		status = fmt.Errorf("%w: dataset announcement: %v", common.ErrCorrupt, err)
	} else if ann.Name != name || ann.Info.Rows != rows || ann.Info.Cols != uint32(cols) {
		status = fmt.Errorf("%w: rank %d asked for %s[%d x %d], rank 0 created %s[%d x %d]",
			common.ErrShapeMismatch, s.comm.Rank(), name, rows, cols, ann.Name, ann.Info.Rows, ann.Info.Cols)
	}
	if err := s.comm.Barrier(ctx, status); err != nil {
		return nil, localFirst(status, err)
	}

	s.logger.Debug("dataset allocated", "dataset", name, "rows", rows, "cols", cols, "offset", ann.Info.Offset)
	return &Dataset{s: s, name: name, info: ann.Info}, nil
}

func (s *Shared) allocate(name string, rows uint64, cols int) ([]byte, error) {
	info := s.dir.allocate(s.header, name, rows, cols)
	info.BuildID = s.buildID
	info.Modified = time.Now().Unix()
	s.dir.Datasets[name] = info
	if err := s.persist(); err != nil {
		return nil, err
	}
	return encMode.Marshal(announcement{Name: name, Info: info})
}

func (s *Shared) persist() error {
	if err := writeDirectory(s.f, s.header, s.dir); err != nil {
		return err
	}
	return s.f.Sync()
}

// Commit collectively finalizes datasets. Every rank shares the row
// extents it wrote; unless they tile each dataset exactly, with no row
// written twice and none left out, every rank returns the same
// *CoverageError. Otherwise rank 0 checksums the datasets and marks them
// complete before any rank returns.
func (s *Shared) Commit(ctx context.Context, datasets ...*Dataset) error {
	if s.closed {
		return common.ErrClosed
	}
	status := s.f.Sync()

	extents, err := s.gatherExtents(ctx, datasets, status)
	if err != nil {
		return localFirst(status, err)
	}
	for i, d := range datasets {
		if err := checkCoverage(d.name, d.info.Rows, extents[i]); err != nil {
			return err
		}
	}

	if s.comm.Rank() == 0 {
		status = s.seal(datasets)
	}
	if err := s.comm.Barrier(ctx, status); err != nil {
		return localFirst(status, err)
	}
	for _, d := range datasets {
		d.info.Complete = true
	}
	return nil
}

// gatherExtents returns, per dataset, the extents written by every rank.
// Each rank places its own extents at its exclusive-scan position in a zero
// vector, so one element-wise sum assembles them on every rank.
func (s *Shared) gatherExtents(ctx context.Context, datasets []*Dataset, status error) ([][]extent, error) {
	local := make([][]extent, len(datasets))
	counts := make([]uint64, len(datasets))
	for i, d := range datasets {
		local[i] = d.extents()
		counts[i] = uint64(len(local[i]))
	}
	before, err := s.comm.ExScanSum(ctx, counts, status)
	if err != nil {
		return nil, err
	}
	totals, err := s.comm.AllReduceSum(ctx, counts, status)
	if err != nil {
		return nil, err
	}

	base := make([]uint64, len(datasets)+1)
	for i, n := range totals {
		base[i+1] = base[i] + 2*n
	}
	flat := make([]uint64, base[len(datasets)])
	for i, exts := range local {
		pos := base[i] + 2*before[i]
		for _, x := range exts {
			flat[pos], flat[pos+1] = x.row, x.n
			pos += 2
		}
	}
	flat, err = s.comm.AllReduceSum(ctx, flat, status)
	if err != nil {
		return nil, err
	}

	out := make([][]extent, len(datasets))
	for i := range datasets {
		for j := base[i]; j < base[i+1]; j += 2 {
			out[i] = append(out[i], extent{row: flat[j], n: flat[j+1]})
		}
	}
	return out, nil
}

// checkCoverage reports whether extents tile [0, rows) exactly.
func checkCoverage(name string, rows uint64, extents []extent) error {
	slices.SortFunc(extents, func(a, b extent) int {
		if c := cmp.Compare(a.row, b.row); c != 0 {
			return c
		}
		return cmp.Compare(a.n, b.n)
	})
	var written uint64
	for _, x := range extents {
		written += x.n
	}

	next := uint64(0)
	for _, x := range extents {
		switch {
		case x.row < next:
			return &CoverageError{Dataset: name, Row: x.row, Written: written, Rows: rows, overlap: true}
		case x.row > next:
			return &CoverageError{Dataset: name, Row: next, Written: written, Rows: rows}
		}
		next = x.row + x.n
	}
	if next != rows {
		return &CoverageError{Dataset: name, Row: next, Written: written, Rows: rows}
	}
	return nil
}

func (s *Shared) seal(datasets []*Dataset) error {
	for _, d := range datasets {
		info := s.dir.Datasets[d.name]
		sum, err := utils.ComputeBLAKE3Section(s.f, int64(info.Offset), int64(info.Size()))
		if err != nil {
			return fmt.Errorf("checksum %s: %w", d.name, err)
		}
		info.Blake3 = sum
		info.Complete = true
		info.Modified = time.Now().Unix()
		s.dir.Datasets[d.name] = info
		d.info = info
	}
	return s.persist()
}

// Close releases this rank's file handle. It is not collective.
func (s *Shared) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// localFirst prefers this rank's own failure over the group abort it caused.
func localFirst(local, group error) error {
	if local != nil {
		return local
	}
	return group
}

// Dataset is one rank's handle on a dataset being written collectively.
type Dataset struct {
	s    *Shared
	name string
	info DatasetInfo

	mu      sync.Mutex
	written []extent
}

// extent is a block of n rows starting at row.
type extent struct {
	row, n uint64
}

func (d *Dataset) Name() string { return d.name }

// Info returns the dataset's directory entry as of the last collective.
func (d *Dataset) Info() DatasetInfo { return d.info }

func (d *Dataset) Rows() uint64 { return d.info.Rows }
func (d *Dataset) Cols() int    { return int(d.info.Cols) }

// RowsWritten returns the rows this rank has written.
func (d *Dataset) RowsWritten() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n uint64
	for _, x := range d.written {
		n += x.n
	}
	return n
}

func (d *Dataset) extents() []extent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.written)
}

// WriteRows writes values, row-major, starting at row. It is independent:
// ranks call it without coordination on disjoint rows.
func (d *Dataset) WriteRows(row uint64, values []uint64) error {
	if d.s.closed {
		return common.ErrClosed
	}
	cols := uint64(d.info.Cols)
	if uint64(len(values))%cols != 0 {
		return fmt.Errorf("%w: %d values in %d columns", common.ErrShapeMismatch, len(values), cols)
	}
	n := uint64(len(values)) / cols
	if row > d.info.Rows || n > d.info.Rows-row {
		return fmt.Errorf("%w: rows %d..%d of %s[%d]", common.ErrInvalidOffset, row, row+n, d.name, d.info.Rows)
	}
	if n == 0 {
		return nil
	}
	off := int64(d.info.Offset + row*cols*rowWidth)
	if err := utils.WriteFullAt(d.s.f, encodeRows(values), off); err != nil {
		return fmt.Errorf("write %s rows %d..%d: %w", d.name, row, row+n, err)
	}
	d.mu.Lock()
	d.written = append(d.written, extent{row: row, n: n})
	d.mu.Unlock()
	return nil
}

// ReadRows reads n rows starting at row.
func (d *Dataset) ReadRows(row, n uint64) ([]uint64, error) {
	if d.s.closed {
		return nil, common.ErrClosed
	}
	if row > d.info.Rows || n > d.info.Rows-row {
		return nil, fmt.Errorf("%w: rows %d..%d of %s[%d]", common.ErrInvalidOffset, row, row+n, d.name, d.info.Rows)
	}
	cols := uint64(d.info.Cols)
	if n == 0 {
		return []uint64{}, nil
	}
	buf := make([]byte, n*cols*rowWidth)
	if _, err := d.s.f.ReadAt(buf, int64(d.info.Offset+row*cols*rowWidth)); err != nil {
		return nil, fmt.Errorf("read %s rows %d..%d: %w", d.name, row, row+n, err)
	}
	out := make([]uint64, n*cols)
	decodeRows(buf, out)
	return out, nil
}
