package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rc := NewRootCommand(strings.NewReader(""), &stdout, &stderr)
	rc.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := rc.ExecuteContext(ctx)
	return stdout.String(), err
}

func TestGenerateBuildLookupCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.eidx")

	out, err := execute(t, "generate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 100 edges")

	out, err = execute(t, "build", path, "--source-nodes", "100", "--target-nodes", "10",
		"--ranks", "3", "--verify", "--log-level", "error")
	require.NoError(t, err)
	var stats struct {
		Edges      uint64
		Directions []struct {
			Direction string
			TotalRuns uint64
		}
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, uint64(100), stats.Edges)
	require.Len(t, stats.Directions, 2)
	assert.Equal(t, "forward", stats.Directions[0].Direction)
	assert.Equal(t, uint64(10), stats.Directions[0].TotalRuns)
	assert.Equal(t, uint64(100), stats.Directions[1].TotalRuns)

	out, err = execute(t, "lookup", path, "--direction", "reverse", "--node", "4", "--ids")
	require.NoError(t, err)
	assert.Contains(t, out, "reverse node 4: rows [40, 50) of 100")
	assert.Contains(t, out, "  [4, 5)\n")
	assert.Contains(t, out, "edges: [4 14 24 34 44 54 64 74 84 94]")

	out, err = execute(t, "check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "data/indices/source_to_target/range_to_edge_id")
	assert.Contains(t, out, path+": OK")
}

func TestCheckReportsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.eidx")
	_, err := execute(t, "generate", path, "--sources", "2", "--targets", "2", "--source-offset", "0")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	// first dataset payload starts right after the 64-byte header
	data[64] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	out, err := execute(t, "check", path)
	require.Error(t, err)
	assert.Contains(t, out, "checksum mismatch")
	assert.Contains(t, out, "FAILED")
}

func TestBuildReadsConfigFileAndEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.eidx")
	_, err := execute(t, "generate", path, "--sources", "3", "--targets", "2", "--source-offset", "1")
	require.NoError(t, err)

	conf := filepath.Join(dir, "edgeindex.toml")
	require.NoError(t, os.WriteFile(conf, []byte(`
source-nodes = 4
target-nodes = 2
direction = ["forward"]
ranks = 2
`), 0o644))
	t.Setenv("EDGEINDEX_LOG_LEVEL", "error")
	t.Setenv("EDGEINDEX_RANKS", "3")

	out, err := execute(t, "build", path, "--config", conf)
	require.NoError(t, err)

	var stats struct {
		Size       int
		Directions []struct{ Direction string }
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 3, stats.Size)
	require.Len(t, stats.Directions, 1)
	assert.Equal(t, "forward", stats.Directions[0].Direction)

	_, err = execute(t, "build", path)
	assert.ErrorContains(t, err, "--source-nodes and --target-nodes are required")
}

func TestBuildOverTCP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.eidx")
	_, err := execute(t, "generate", path)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	const size = 3
	outs := make([]string, size)
	var g errgroup.Group
	for r := 0; r < size; r++ {
		r := r
		g.Go(func() error {
			var err error
			outs[r], err = execute(t, "build", path, "--source-nodes", "100", "--target-nodes", "10",
				"--coordinator", addr, "--rank", strconv.Itoa(r), "--size", strconv.Itoa(size), "--log-level", "error")
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Contains(t, outs[0], `"Size": 3`)
	assert.Empty(t, outs[1])
	assert.Empty(t, outs[2])

	out, err := execute(t, "lookup", path, "--node", "95")
	require.NoError(t, err)
	assert.Contains(t, out, "forward node 95: rows [5, 6) of 10")
	assert.Contains(t, out, "  [50, 60)\n")
}

func TestGenerateConfigRoundTrips(t *testing.T) {
	out, err := execute(t, "generate-config")
	require.NoError(t, err)
	assert.Contains(t, out, `group = "data"`)
	assert.Contains(t, out, "source-nodes = 0")

	dir := t.TempDir()
	conf := filepath.Join(dir, "edgeindex.toml")
	require.NoError(t, os.WriteFile(conf, []byte(out), 0o644))

	path := filepath.Join(dir, "graph.eidx")
	_, err = execute(t, "generate", path, "--sources", "2", "--targets", "2", "--source-offset", "0")
	require.NoError(t, err)
	_, err = execute(t, "build", path, "--config", conf, "--source-nodes", "2", "--target-nodes", "2", "--log-level", "error")
	require.NoError(t, err)
}
