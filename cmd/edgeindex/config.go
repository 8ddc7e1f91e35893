package main

import (
	"fmt"
	"io"

	"github.com/pelletier/go-toml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex"
)

// Config holds the build settings. The toml keys are the flag names, so a
// file written by generate-config can be passed back with --config.
type Config struct {
	Group         string   `toml:"group"`
	SourceNodes   uint64   `toml:"source-nodes"`
	TargetNodes   uint64   `toml:"target-nodes"`
	Directions    []string `toml:"direction"`
	Verify        bool     `toml:"verify"`
	ReadBatchRows int      `toml:"read-batch-rows"`

	// local group
	Ranks int `toml:"ranks"`

	// TCP group
	Rank        int    `toml:"rank"`
	Size        int    `toml:"size"`
	Coordinator string `toml:"coordinator"`

	MetricsAddr string `toml:"metrics-addr"`
	LogLevel    string `toml:"log-level"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Group:         common.DefaultGroup,
		Directions:    []string{"both"},
		ReadBatchRows: common.DefaultReadBatchRows,
		Ranks:         1,
		Size:          1,
		LogLevel:      "info",
	}
}

func (c *Config) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Group, "group", c.Group, "Container group holding source_node_id and target_node_id.")
	fs.Uint64Var(&c.SourceNodes, "source-nodes", c.SourceNodes, "Number of source node ids (forward index length).")
	fs.Uint64Var(&c.TargetNodes, "target-nodes", c.TargetNodes, "Number of target node ids (reverse index length).")
	fs.StringSliceVar(&c.Directions, "direction", c.Directions, "Directions to build: forward, reverse or both.")
	fs.BoolVar(&c.Verify, "verify", c.Verify, "Re-read and check the indices after building.")
	fs.IntVar(&c.ReadBatchRows, "read-batch-rows", c.ReadBatchRows, "Rows copied per step when loading a shard.")
	fs.IntVar(&c.Ranks, "ranks", c.Ranks, "Number of in-process ranks (ignored with --coordinator).")
	fs.IntVar(&c.Rank, "rank", c.Rank, "Rank of this process in a TCP group.")
	fs.IntVar(&c.Size, "size", c.Size, "Number of processes in a TCP group.")
	fs.StringVar(&c.Coordinator, "coordinator", c.Coordinator, "host:port rank 0 listens on; enables the TCP group.")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Serve /metrics and /debug/pprof on this address.")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn or error.")
}

// Options turns the configuration into build options.
func (c *Config) Options(logger common.Logger, metrics *edgeindex.Metrics) (*edgeindex.Options, error) {
	dirs, err := edgeindex.ParseDirections(c.Directions)
	if err != nil {
		return nil, err
	}
	if c.ReadBatchRows <= 0 {
		return nil, fmt.Errorf("read-batch-rows must be positive, got %d", c.ReadBatchRows)
	}
	return &edgeindex.Options{
		Group:         c.Group,
		Directions:    dirs,
		Verify:        c.Verify,
		ReadBatchRows: c.ReadBatchRows,
		Logger:        logger,
		Metrics:       metrics,
	}, nil
}

func newGenerateConfigCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config",
		Short: "Print the default configuration.",
		Long: `generate-config prints the default configuration to stdout
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ret, err := toml.Marshal(*NewConfig())
			if err != nil {
				return fmt.Errorf("marshalling default config: %w", err)
			}
			fmt.Fprintf(stdout, "%s\n", ret)
			return nil
		},
	}
}
