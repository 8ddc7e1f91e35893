package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/collective"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/monitoring"
)

func newBuildCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	cfg := NewConfig()
	cmd := &cobra.Command{
		Use:   "build <path>",
		Short: "Build the forward and reverse indices of an edge list.",
		Long: `build reads <group>/source_node_id and <group>/target_node_id from the
container at <path> and writes <group>/indices/source_to_target and
<group>/indices/target_to_source into it.

With --ranks the build runs on that many goroutines. With --coordinator
every process of a TCP group runs build with its own --rank and the same
--size; rank 0 listens on the coordinator address.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(commandContext(cmd), cfg, args[0], stdout, stderr)
		},
	}
	cfg.addFlags(cmd.Flags())
	return cmd
}

func runBuild(ctx context.Context, cfg *Config, path string, stdout, stderr io.Writer) error {
	if cfg.SourceNodes == 0 && cfg.TargetNodes == 0 {
		return errors.New("--source-nodes and --target-nodes are required")
	}
	logger := edgeindex.NewLogger(stderr, common.ParseLogLevel(cfg.LogLevel))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := edgeindex.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		srv, err := monitoring.StartServer(cfg.MetricsAddr, reg, logger)
		if err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}
		defer srv.Stop(context.Background())
		logger.Info("serving metrics", "addr", srv.Addr())
	}

	opts, err := cfg.Options(logger, metrics)
	if err != nil {
		return err
	}

	var stats *edgeindex.BuildStats
	if cfg.Coordinator != "" {
		comm, err := joinGroup(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer comm.Close()
		stats, err = edgeindex.BuildIndex(ctx, comm, path, cfg.SourceNodes, cfg.TargetNodes, opts)
		if err != nil {
			return err
		}
	} else {
		all, err := edgeindex.BuildLocal(ctx, path, cfg.Ranks, cfg.SourceNodes, cfg.TargetNodes, opts)
		if err != nil {
			return err
		}
		stats = all[0]
	}

	if stats.Rank != 0 {
		return nil
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s\n", out)
	return nil
}

func joinGroup(ctx context.Context, cfg *Config, logger common.Logger) (collective.Comm, error) {
	logger = edgeindex.WithContext(logger, map[string]interface{}{"rank": cfg.Rank, "size": cfg.Size})
	if cfg.Rank == 0 {
		logger.Info("waiting for ranks", "addr", cfg.Coordinator)
		return collective.Listen(ctx, cfg.Coordinator, cfg.Size, logger)
	}
	return collective.Dial(ctx, cfg.Coordinator, cfg.Rank, cfg.Size, logger)
}
