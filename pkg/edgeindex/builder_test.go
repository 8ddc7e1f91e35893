package edgeindex

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/collective"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/container"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func edgeFile(t *testing.T, sources, targets []uint64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.eidx")
	require.NoError(t, WriteEdgeList(path, common.DefaultGroup, sources, targets))
	return path
}

type indexArrays struct {
	ranges []uint64
	runs   []uint64
	raw    [2][]byte
}

func readArrays(t *testing.T, path string, d Direction) indexArrays {
	t.Helper()
	r, err := container.Open(path)
	require.NoError(t, err)
	defer r.Close()

	var out indexArrays
	for i, name := range []string{common.DatasetNodeToRanges, common.DatasetRangeToEdgeID} {
		v, err := r.Dataset(d.DatasetPath(common.DefaultGroup, name))
		require.NoError(t, err)
		vals, err := v.Slice(0, v.Rows())
		require.NoError(t, err)
		if i == 0 {
			out.ranges = vals
		} else {
			out.runs = vals
		}
		out.raw[i] = append([]byte(nil), v.Bytes()...)
	}
	return out
}

func pairs(ps ...[2]uint64) []uint64 {
	out := make([]uint64, 0, 2*len(ps))
	for _, p := range ps {
		out = append(out, p[0], p[1])
	}
	return out
}

func TestBuildBlockFixture(t *testing.T) {
	sources, targets := BlockEdges(10, 10, 90)

	var wantFwdRanges, wantFwdRuns, wantRevRanges, wantRevRuns []uint64
	for k := uint64(0); k < 100; k++ {
		if k < 90 {
			wantFwdRanges = append(wantFwdRanges, 0, 0)
		} else {
			wantFwdRanges = append(wantFwdRanges, k-90, k-89)
		}
	}
	for i := uint64(0); i < 10; i++ {
		wantFwdRuns = append(wantFwdRuns, 10*i, 10*(i+1))
		wantRevRanges = append(wantRevRanges, 10*i, 10*(i+1))
	}
	for i := uint64(0); i < 10; i++ {
		for j := uint64(0); j < 10; j++ {
			wantRevRuns = append(wantRevRuns, 10*j+i, 10*j+i+1)
		}
	}

	for _, ranks := range []int{1, 2, 3, 4, 7, 16} {
		path := edgeFile(t, sources, targets)
		stats, err := BuildLocal(testContext(t), path, ranks, 100, 10, &Options{Verify: true})
		require.NoError(t, err, "ranks=%d", ranks)
		require.Len(t, stats, ranks)

		fwd := readArrays(t, path, Forward)
		assert.Equal(t, wantFwdRanges, fwd.ranges, "ranks=%d", ranks)
		assert.Equal(t, wantFwdRuns, fwd.runs, "ranks=%d", ranks)

		rev := readArrays(t, path, Reverse)
		assert.Equal(t, wantRevRanges, rev.ranges, "ranks=%d", ranks)
		assert.Equal(t, wantRevRuns, rev.runs, "ranks=%d", ranks)

		for _, s := range stats {
			assert.Equal(t, uint64(100), s.Edges)
			assert.Equal(t, stats[0].BuildID, s.BuildID)
			assert.Equal(t, uint64(10), s.For(Forward).TotalRuns)
			assert.Equal(t, uint64(100), s.For(Reverse).TotalRuns)
			assert.Equal(t, uint64(10), s.For(Forward).NodesWithEdges)
			assert.Equal(t, uint64(10), s.For(Reverse).MaxDegree)
		}
	}
}

// randomEdges produces sources with long equal-key bands, so runs cross
// rank boundaries, and random targets.
func randomEdges(seed int64, n int, numSources, numTargets uint64) ([]uint64, []uint64) {
	rng := rand.New(rand.NewSource(seed))
	sources := make([]uint64, n)
	targets := make([]uint64, n)
	key := uint64(rng.Int63n(int64(numSources)))
	for i := 0; i < n; i++ {
		if rng.Intn(6) == 0 {
			key = uint64(rng.Int63n(int64(numSources)))
		}
		sources[i] = key
		targets[i] = uint64(rng.Int63n(int64(numTargets)))
	}
	return sources, targets
}

func TestBuildPartitionInvariance(t *testing.T) {
	sources, targets := randomEdges(7, 500, 40, 25)

	var base map[Direction]indexArrays
	for _, ranks := range []int{1, 2, 3, 5, 8, 13} {
		path := edgeFile(t, sources, targets)
		_, err := BuildLocal(testContext(t), path, ranks, 40, 25, &Options{Verify: true})
		require.NoError(t, err, "ranks=%d", ranks)

		got := map[Direction]indexArrays{}
		for _, d := range AllDirections {
			got[d] = readArrays(t, path, d)
		}
		if base == nil {
			base = got
			continue
		}
		for _, d := range AllDirections {
			assert.Equal(t, base[d].raw, got[d].raw, "%s ranks=%d", d, ranks)
		}
	}

	// every edge appears in exactly one run per direction
	for _, d := range AllDirections {
		seen := make([]int, len(sources))
		runs := base[d].runs
		for i := 0; i < len(runs); i += 2 {
			for e := runs[i]; e < runs[i+1]; e++ {
				seen[e]++
			}
		}
		for e, n := range seen {
			require.Equal(t, 1, n, "%s edge %d", d, e)
		}
	}
}

func TestBuildMoreRanksThanEdges(t *testing.T) {
	sources := []uint64{2, 2, 0, 2, 2}
	targets := []uint64{1, 1, 1, 0, 0}

	for _, ranks := range []int{1, 5, 8} {
		path := edgeFile(t, sources, targets)
		stats, err := BuildLocal(testContext(t), path, ranks, 3, 2, &Options{Verify: true})
		require.NoError(t, err, "ranks=%d", ranks)

		fwd := readArrays(t, path, Forward)
		assert.Equal(t, pairs([2]uint64{0, 1}, [2]uint64{1, 1}, [2]uint64{1, 3}), fwd.ranges)
		assert.Equal(t, pairs([2]uint64{2, 3}, [2]uint64{0, 2}, [2]uint64{3, 5}), fwd.runs)

		rev := readArrays(t, path, Reverse)
		assert.Equal(t, pairs([2]uint64{0, 1}, [2]uint64{1, 2}), rev.ranges)
		assert.Equal(t, pairs([2]uint64{3, 5}, [2]uint64{0, 3}), rev.runs)

		if ranks == 8 {
			assert.Equal(t, stats[7].ShardStart, stats[7].ShardEnd)
		}
	}
}

func TestBuildChainMergeAcrossRanks(t *testing.T) {
	sources := []uint64{1, 1, 1, 1, 1, 1, 1, 0}
	targets := []uint64{0, 1, 2, 3, 4, 5, 6, 7}
	path := edgeFile(t, sources, targets)

	stats, err := BuildLocal(testContext(t), path, 6, 2, 8, nil)
	require.NoError(t, err)

	fwd := readArrays(t, path, Forward)
	assert.Equal(t, pairs([2]uint64{0, 1}, [2]uint64{1, 2}), fwd.ranges)
	assert.Equal(t, pairs([2]uint64{7, 8}, [2]uint64{0, 7}), fwd.runs)

	// rank 0 owns the merged run; ranks 1..4 only hold its continuation
	assert.False(t, stats[0].For(Forward).MergedHead)
	for r := 1; r < 5; r++ {
		assert.True(t, stats[r].For(Forward).MergedHead, "rank %d", r)
	}
	assert.Equal(t, uint64(1), stats[0].For(Forward).LocalRuns)
	assert.Equal(t, uint64(1), stats[5].For(Forward).LocalRuns)
}

func TestBuildInterleavedRunsStaySeparate(t *testing.T) {
	sources := []uint64{0, 1, 0, 0, 1, 0}
	targets := []uint64{0, 0, 0, 0, 0, 0}

	for _, ranks := range []int{1, 2, 4} {
		path := edgeFile(t, sources, targets)
		_, err := BuildLocal(testContext(t), path, ranks, 2, 1, nil)
		require.NoError(t, err)

		fwd := readArrays(t, path, Forward)
		assert.Equal(t, pairs([2]uint64{0, 3}, [2]uint64{3, 5}), fwd.ranges, "ranks=%d", ranks)
		assert.Equal(t, pairs([2]uint64{0, 1}, [2]uint64{2, 4}, [2]uint64{5, 6}, [2]uint64{1, 2}, [2]uint64{4, 5}),
			fwd.runs, "ranks=%d", ranks)

		rev := readArrays(t, path, Reverse)
		assert.Equal(t, pairs([2]uint64{0, 1}), rev.ranges)
		assert.Equal(t, pairs([2]uint64{0, 6}), rev.runs)
	}
}

func TestBuildUnusedNodesHaveZeroWidthRanges(t *testing.T) {
	sources := []uint64{3, 3, 7}
	targets := []uint64{0, 2, 2}
	path := edgeFile(t, sources, targets)

	_, err := BuildLocal(testContext(t), path, 2, 10, 4, nil)
	require.NoError(t, err)

	fwd := readArrays(t, path, Forward)
	require.Len(t, fwd.ranges, 20)
	for k := 0; k < 10; k++ {
		lo, hi := fwd.ranges[2*k], fwd.ranges[2*k+1]
		switch k {
		case 3:
			assert.Equal(t, [2]uint64{0, 1}, [2]uint64{lo, hi})
		case 7:
			assert.Equal(t, [2]uint64{1, 2}, [2]uint64{lo, hi})
		default:
			assert.Equal(t, lo, hi, "node %d", k)
		}
	}

	rev := readArrays(t, path, Reverse)
	assert.Equal(t, pairs([2]uint64{0, 1}, [2]uint64{1, 1}, [2]uint64{1, 2}, [2]uint64{2, 2}), rev.ranges)
	assert.Equal(t, pairs([2]uint64{0, 1}, [2]uint64{1, 3}), rev.runs)
}

func TestBuildIsIdempotent(t *testing.T) {
	sources, targets := randomEdges(11, 200, 30, 30)
	path := edgeFile(t, sources, targets)

	first, err := BuildLocal(testContext(t), path, 3, 30, 30, nil)
	require.NoError(t, err)
	before := map[Direction]indexArrays{}
	for _, d := range AllDirections {
		before[d] = readArrays(t, path, d)
	}

	second, err := BuildLocal(testContext(t), path, 4, 30, 30, nil)
	require.NoError(t, err)
	for _, d := range AllDirections {
		assert.Equal(t, before[d].raw, readArrays(t, path, d).raw, "%s", d)
	}
	assert.NotEqual(t, first[0].BuildID, second[0].BuildID)

	ix, err := OpenIndex(path, common.DefaultGroup)
	require.NoError(t, err)
	defer ix.Close()
	assert.Equal(t, second[0].BuildID, ix.BuildID(Forward))
}

func TestBuildInvalidKeyFailsEveryRank(t *testing.T) {
	sources := []uint64{0, 1, 2, 3, 4, 50, 6, 7, 8}
	targets := make([]uint64, len(sources))
	path := edgeFile(t, sources, targets)

	g, err := collective.NewLocalGroup(3)
	require.NoError(t, err)
	ctx := testContext(t)
	errs := make([]error, 3)
	var eg errgroup.Group
	for r := 0; r < 3; r++ {
		r := r
		eg.Go(func() error {
			_, errs[r] = BuildIndex(ctx, g.Comm(r), path, 10, 1, nil)
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	var ike *InvalidKeyError
	require.ErrorAs(t, errs[1], &ike)
	assert.Equal(t, uint64(5), ike.Edge)
	assert.Equal(t, uint64(50), ike.Key)
	assert.Equal(t, Forward, ike.Direction)

	for _, r := range []int{0, 2} {
		var ae *collective.AbortError
		require.ErrorAs(t, errs[r], &ae, "rank %d", r)
		assert.Equal(t, 1, ae.Rank)
		assert.Contains(t, ae.Reason, "invalid key")
	}

	// nothing was written
	ix, err := OpenIndex(path, common.DefaultGroup)
	assert.ErrorIs(t, err, common.ErrDatasetNotFound)
	assert.Nil(t, ix)
}

func TestBuildLocalReportsRootCause(t *testing.T) {
	path := edgeFile(t, []uint64{0, 1}, []uint64{0, 9})

	_, err := BuildLocal(testContext(t), path, 2, 2, 4, nil)
	var ike *InvalidKeyError
	require.ErrorAs(t, err, &ike)
	assert.Equal(t, Reverse, ike.Direction)
	assert.Equal(t, uint64(1), ike.Edge)

	// forward index was committed before the reverse one failed
	ix, err := OpenIndex(path, common.DefaultGroup)
	require.NoError(t, err)
	defer ix.Close()
	assert.True(t, ix.Has(Forward))
	assert.False(t, ix.Has(Reverse))
}

func TestBuildMissingEdgeList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.eidx")
	_, err := BuildLocal(testContext(t), path, 2, 1, 1, nil)
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
}

func TestBuildSingleDirectionWithMetrics(t *testing.T) {
	sources, targets := BlockEdges(4, 3, 0)
	path := edgeFile(t, sources, targets)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	stats, err := BuildLocal(testContext(t), path, 2, 4, 3, &Options{Directions: []Direction{Forward}, Metrics: m})
	require.NoError(t, err)
	assert.Nil(t, stats[0].For(Reverse))
	assert.NotEmpty(t, stats[0].For(Forward).Phases)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Builds))
	assert.Equal(t, float64(12), testutil.ToFloat64(m.EdgesIndexed.WithLabelValues("forward")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.RunsWritten.WithLabelValues("forward")))

	ix, err := OpenIndex(path, common.DefaultGroup)
	require.NoError(t, err)
	defer ix.Close()
	assert.True(t, ix.Has(Forward))
	assert.False(t, ix.Has(Reverse))
}

func TestVerifyIndexDetectsWrongArrays(t *testing.T) {
	sources := []uint64{0, 0, 1}
	targets := []uint64{0, 0, 0}
	path := edgeFile(t, sources, targets)

	// hand-written forward index with a gap at edge 1
	w, err := container.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteDataset(container.Path(common.DefaultGroup, common.DatasetSourceNodeID), 1, sources))
	require.NoError(t, w.WriteDataset(container.Path(common.DefaultGroup, common.DatasetTargetNodeID), 1, targets))
	require.NoError(t, w.WriteDataset(Forward.DatasetPath(common.DefaultGroup, common.DatasetNodeToRanges), 2,
		pairs([2]uint64{0, 1}, [2]uint64{1, 2})))
	require.NoError(t, w.WriteDataset(Forward.DatasetPath(common.DefaultGroup, common.DatasetRangeToEdgeID), 2,
		pairs([2]uint64{0, 1}, [2]uint64{2, 3})))
	require.NoError(t, w.Close())

	err = VerifyIndex(path, common.DefaultGroup, []Direction{Forward}, 2, 1)
	require.ErrorIs(t, err, common.ErrCorrupt)

	_, err = BuildLocal(testContext(t), path, 2, 2, 1, nil)
	require.NoError(t, err)
	require.NoError(t, VerifyIndex(path, common.DefaultGroup, nil, 2, 1))
}
