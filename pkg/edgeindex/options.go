package edgeindex

import (
	"github.com/CVDpl/go-edgeindex/internal/common"
)

// Options configures an index build. Every rank must use the same Group
// and Directions.
type Options struct {
	// Group is the container group holding source_node_id and
	// target_node_id. Indices are written under <Group>/indices.
	Group string

	// Directions selects which indices to build. Empty means both.
	Directions []Direction

	// Verify re-reads the written arrays on rank 0 after the build and
	// checks their structural properties. A failure fails every rank.
	Verify bool

	// ReadBatchRows bounds the rows copied per step when loading a shard.
	ReadBatchRows int

	// Logger provides structured logging.
	Logger common.Logger

	// Metrics receives phase timings and counters. May be nil.
	Metrics *Metrics
}

// DefaultOptions returns default build options.
func DefaultOptions() *Options {
	return &Options{
		Group:         common.DefaultGroup,
		Directions:    append([]Direction(nil), AllDirections...),
		ReadBatchRows: common.DefaultReadBatchRows,
		Logger:        NewDefaultLogger(),
	}
}

// withDefaults fills unset fields without modifying o.
func (o *Options) withDefaults() *Options {
	def := DefaultOptions()
	if o == nil {
		return def
	}
	out := *o
	if out.Group == "" {
		out.Group = def.Group
	}
	if len(out.Directions) == 0 {
		out.Directions = def.Directions
	}
	if out.ReadBatchRows <= 0 {
		out.ReadBatchRows = def.ReadBatchRows
	}
	if out.Logger == nil {
		out.Logger = common.NewNullLogger()
	}
	return &out
}
