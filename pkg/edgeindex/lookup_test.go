package edgeindex

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/container"
)

func TestIndexLookup(t *testing.T) {
	sources, targets := BlockEdges(10, 10, 90)
	path := edgeFile(t, sources, targets)
	_, err := BuildLocal(testContext(t), path, 3, 100, 10, nil)
	require.NoError(t, err)

	ix, err := OpenIndex(path, common.DefaultGroup)
	require.NoError(t, err)
	defer ix.Close()

	assert.Equal(t, uint64(100), ix.NumNodes(Forward))
	assert.Equal(t, uint64(10), ix.NumRuns(Forward))
	assert.Equal(t, uint64(10), ix.NumNodes(Reverse))
	assert.Equal(t, uint64(100), ix.NumRuns(Reverse))

	ids, err := ix.EdgeIDs(Forward, 93)
	require.NoError(t, err)
	assert.Equal(t, []uint64{30, 31, 32, 33, 34, 35, 36, 37, 38, 39}, ids)

	ids, err = ix.EdgeIDs(Forward, 12)
	require.NoError(t, err)
	assert.Empty(t, ids)

	lo, hi, err := ix.Ranges(Reverse, 2)
	require.NoError(t, err)
	assert.Equal(t, [2]uint64{20, 30}, [2]uint64{lo, hi})

	runs, err := ix.EdgeRuns(Reverse, 2)
	require.NoError(t, err)
	require.Len(t, runs, 10)
	assert.Equal(t, EdgeRun{Start: 2, End: 3}, runs[0])
	assert.Equal(t, EdgeRun{Start: 92, End: 93}, runs[9])
	assert.Equal(t, uint64(1), runs[0].Len())

	_, _, err = ix.Ranges(Reverse, 10)
	assert.ErrorIs(t, err, common.ErrInvalidOffset)
}

func TestIndexRejectsReversedRanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.eidx")
	w, err := container.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteDataset(container.Path(common.DefaultGroup, common.DatasetSourceNodeID), 1, []uint64{0, 1, 1}))
	require.NoError(t, w.WriteDataset(container.Path(common.DefaultGroup, common.DatasetTargetNodeID), 1, []uint64{0, 0, 0}))
	// node 1's range runs backwards; run 1 ends before it starts
	require.NoError(t, w.WriteDataset(Forward.DatasetPath(common.DefaultGroup, common.DatasetNodeToRanges), 2,
		pairs([2]uint64{0, 2}, [2]uint64{2, 1})))
	require.NoError(t, w.WriteDataset(Forward.DatasetPath(common.DefaultGroup, common.DatasetRangeToEdgeID), 2,
		pairs([2]uint64{0, 1}, [2]uint64{3, 1})))
	require.NoError(t, w.Close())

	ix, err := OpenIndex(path, common.DefaultGroup)
	require.NoError(t, err)
	defer ix.Close()

	_, _, err = ix.Ranges(Forward, 1)
	assert.ErrorIs(t, err, common.ErrCorrupt)
	_, err = ix.EdgeRuns(Forward, 1)
	assert.ErrorIs(t, err, common.ErrCorrupt)
	_, err = ix.EdgeIDs(Forward, 1)
	assert.ErrorIs(t, err, common.ErrCorrupt)

	_, err = ix.EdgeRuns(Forward, 0)
	assert.ErrorIs(t, err, common.ErrCorrupt)
}

func TestOpenIndexWithoutIndices(t *testing.T) {
	path := edgeFile(t, []uint64{0}, []uint64{0})
	_, err := OpenIndex(path, common.DefaultGroup)
	assert.ErrorIs(t, err, common.ErrDatasetNotFound)

	_, err = OpenIndex(filepath.Join(t.TempDir(), "none.eidx"), common.DefaultGroup)
	assert.Error(t, err)
}

func TestParseDirections(t *testing.T) {
	tests := []struct {
		in      []string
		want    []Direction
		wantErr bool
	}{
		{in: nil, want: []Direction{Forward, Reverse}},
		{in: []string{"both"}, want: []Direction{Forward, Reverse}},
		{in: []string{"reverse", "forward"}, want: []Direction{Forward, Reverse}},
		{in: []string{"target_to_source"}, want: []Direction{Reverse}},
		{in: []string{" FWD ", "fwd"}, want: []Direction{Forward}},
		{in: []string{"sideways"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDirections(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "%v", tt.in)
			continue
		}
		require.NoError(t, err, "%v", tt.in)
		assert.Equal(t, tt.want, got, "%v", tt.in)
	}

	assert.Equal(t, "data/indices/target_to_source/range_to_edge_id",
		Reverse.DatasetPath("data", common.DatasetRangeToEdgeID))
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := WithContext(NewLogger(&buf, common.LogLevelInfo), map[string]interface{}{"rank": 2})

	logger.Debug("hidden")
	logger.Info("shard loaded", "edges", 7)
	LogLatency(logger, "histogram", time.Now().Add(-time.Minute), "direction", "forward")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "shard loaded", entry["message"])
	assert.Equal(t, float64(2), entry["rank"])
	assert.Equal(t, float64(7), entry["edges"])

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &entry))
	assert.Contains(t, entry["message"], "slow phase")
	assert.Equal(t, "forward", entry["direction"])
}
