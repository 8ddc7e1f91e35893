package edgeindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/collective"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/container"
)

// builder runs the phases of one build on one rank.
type builder struct {
	comm    collective.Comm
	opts    *Options
	logger  common.Logger
	metrics *Metrics
	failed  string
}

// BuildIndex builds the forward and reverse indices of the edge list in
// the container at path. It is collective: every rank of comm must call it
// with the same path, node counts and options. It returns once both
// indices are written and committed.
//
// Each phase ends with a barrier carrying the rank's status, so a failure
// on any rank fails the call on every rank. A rank that detected the
// failure returns its own typed error (*InvalidKeyError, *ShardRangeError,
// *BoundaryMismatchError, *WriteConflictError); the others return a
// *collective.AbortError naming it.
func BuildIndex(ctx context.Context, comm collective.Comm, path string, numSourceNodes, numTargetNodes uint64, opts *Options) (*BuildStats, error) {
	opts = opts.withDefaults()
	b := &builder{
		comm: comm,
		opts: opts,
		logger: WithContext(opts.Logger, map[string]interface{}{
			"rank": comm.Rank(),
			"size": comm.Size(),
		}),
		metrics: opts.Metrics,
	}
	b.metrics.recordBuild()

	stats, err := b.run(ctx, path, numSourceNodes, numTargetNodes)
	if err != nil {
		b.metrics.recordFailure(b.failed)
		var ae *collective.AbortError
		if errors.As(err, &ae) {
			b.logger.Debug("build aborted", "phase", b.failed, "cause_rank", ae.Rank, "reason", ae.Reason)
		} else {
			LogError(b.logger, "build failed", err, "phase", b.failed)
		}
		return nil, err
	}
	return stats, nil
}

// phase runs fn and closes it with a status-carrying barrier.
func (b *builder) phase(ctx context.Context, d, name string, took map[string]time.Duration, fn func() error) error {
	start := time.Now()
	err := fn()
	if berr := b.comm.Barrier(ctx, err); berr != nil && err == nil {
		err = berr
	}
	elapsed := time.Since(start)
	if took != nil {
		took[name] = elapsed
	}
	b.metrics.observePhase(d, name, elapsed)
	LogLatency(b.logger, name, start, "direction", d)
	if err != nil {
		b.failed = name
	}
	return err
}

func (b *builder) run(ctx context.Context, path string, numSourceNodes, numTargetNodes uint64) (*BuildStats, error) {
	start := time.Now()
	rank, size := b.comm.Rank(), b.comm.Size()
	stats := &BuildStats{Rank: rank, Size: size}

	var shard *EdgeShard
	err := b.phase(ctx, "", "load", nil, func() error {
		r, err := container.Open(path)
		if err != nil {
			return err
		}
		defer r.Close()
		shard, err = LoadEdgeShard(ctx, r, b.opts.Group, rank, size, b.opts.ReadBatchRows)
		return err
	})
	if err != nil {
		return nil, err
	}
	stats.Edges, stats.ShardStart, stats.ShardEnd = shard.Total(), shard.Start(), shard.End()
	stats.Load = time.Since(start)
	b.logger.Debug("shard loaded", "start", shard.Start(), "end", shard.End(), "edges", shard.Total())

	file, err := container.OpenShared(ctx, path, b.comm, b.logger)
	if err != nil {
		b.failed = "open"
		return nil, err
	}
	defer file.Close()
	stats.BuildID = file.BuildID()
	if rank == 0 {
		b.logger.Info("building index", "path", path, "edges", shard.Total(), "build_id", file.BuildID(),
			"source_nodes", numSourceNodes, "target_nodes", numTargetNodes)
	}

	w := NewParallelIndexWriter(file, b.comm, b.opts.Group, b.logger)
	for _, d := range b.opts.Directions {
		numNodes := numSourceNodes
		if d == Reverse {
			numNodes = numTargetNodes
		}
		ds, err := b.direction(ctx, shard, w, d, numNodes)
		if err != nil {
			return nil, err
		}
		stats.Directions = append(stats.Directions, *ds)
	}

	if b.opts.Verify {
		err := b.phase(ctx, "", "verify", nil, func() error {
			if rank != 0 {
				return nil
			}
			return VerifyIndex(path, b.opts.Group, b.opts.Directions, numSourceNodes, numTargetNodes)
		})
		if err != nil {
			return nil, err
		}
	}

	stats.Duration = time.Since(start)
	if rank == 0 {
		fields := []interface{}{"path", path, "duration_ms", stats.Duration.Milliseconds(), "build_id", stats.BuildID}
		for _, ds := range stats.Directions {
			fields = append(fields, ds.Direction.String()+"_runs", ds.TotalRuns)
		}
		b.logger.Info("index built", fields...)
	}
	return stats, nil
}

func (b *builder) direction(ctx context.Context, shard *EdgeShard, w *ParallelIndexWriter, d Direction, numNodes uint64) (*DirectionStats, error) {
	rank := b.comm.Rank()
	name := d.String()
	ds := &DirectionStats{Direction: d, NumNodes: numNodes, Phases: make(map[string]time.Duration)}

	var local, global []uint64
	err := b.phase(ctx, name, "histogram", ds.Phases, func() error {
		var err error
		local, err = LocalHistogram(shard, d, numNodes)
		g, gerr := GlobalHistogram(ctx, b.comm, local, err)
		if err != nil {
			return err
		}
		global = g
		return gerr
	})
	if err != nil {
		return nil, err
	}

	var totals *KeyTotals
	err = b.phase(ctx, name, "totals", ds.Phases, func() error {
		var err error
		totals, err = ResolveTotals(global, shard.Total())
		return err
	})
	if err != nil {
		return nil, err
	}
	ds.Edges = totals.Total
	ds.NodesWithEdges, ds.MaxDegree, ds.MaxDegreeNode = degreeStats(totals.Counts)

	var runs *LocalRuns
	err = b.phase(ctx, name, "encode", ds.Phases, func() error {
		var err error
		if runs, err = EncodeRuns(shard, d, numNodes); err != nil {
			return err
		}
		return runs.CheckCoverage(rank, local)
	})
	if err != nil {
		return nil, err
	}

	err = b.phase(ctx, name, "boundary", ds.Phases, func() error {
		return ReconcileBoundaries(ctx, b.comm, shard, runs)
	})
	if err != nil {
		return nil, err
	}
	ds.LocalRuns = uint64(runs.NumRuns())
	ds.MergedHead = runs.mergesWithPrev

	var layout *RunLayout
	err = b.phase(ctx, name, "layout", ds.Phases, func() error {
		var err error
		layout, err = ResolveRuns(ctx, b.comm, d, runs.Counts, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	ds.TotalRuns = layout.TotalRuns

	err = b.phase(ctx, name, "write", ds.Phases, func() error {
		res, err := w.Write(ctx, runs, layout)
		if err != nil {
			return err
		}
		ds.RowsWritten = res.NodeRows + res.RunRows
		ds.Writes = res.Writes
		return nil
	})
	if err != nil {
		return nil, err
	}

	b.metrics.recordDirection(d, uint64(shard.Len()), ds.LocalRuns)
	if rank == 0 {
		b.logger.Info("direction indexed", "direction", name, "nodes", numNodes, "runs", ds.TotalRuns,
			"nodes_with_edges", ds.NodesWithEdges, "max_degree", ds.MaxDegree)
	}
	return ds, nil
}

// BuildLocal runs BuildIndex on an in-process group of ranks goroutines
// and returns every rank's stats. On failure it returns the error of the
// rank that caused it in preference to the aborts of its peers.
func BuildLocal(ctx context.Context, path string, ranks int, numSourceNodes, numTargetNodes uint64, opts *Options) ([]*BuildStats, error) {
	g, err := collective.NewLocalGroup(ranks)
	if err != nil {
		return nil, err
	}
	stats := make([]*BuildStats, ranks)
	errs := make([]error, ranks)

	var eg errgroup.Group
	for r := 0; r < ranks; r++ {
		r := r
		eg.Go(func() error {
			comm := g.Comm(r)
			defer comm.Close()
			stats[r], errs[r] = BuildIndex(ctx, comm, path, numSourceNodes, numTargetNodes, opts)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := rootCause(errs); err != nil {
		return nil, err
	}
	return stats, nil
}

// rootCause picks the most specific error out of per-rank results.
func rootCause(errs []error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		var ae *collective.AbortError
		if !errors.As(err, &ae) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	if first != nil {
		return fmt.Errorf("index build: %w", first)
	}
	return nil
}
