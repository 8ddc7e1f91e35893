package edgeindex

import (
	"time"
)

// DirectionStats describes one direction of a build as seen by one rank.
// Global figures are identical on every rank.
type DirectionStats struct {
	Direction Direction
	NumNodes  uint64

	// global
	Edges          uint64
	TotalRuns      uint64
	NodesWithEdges uint64
	MaxDegree      uint64
	MaxDegreeNode  uint64

	// this rank
	LocalRuns   uint64
	MergedHead  bool
	RowsWritten uint64
	Writes      int

	Phases map[string]time.Duration
}

// BuildStats is returned by BuildIndex on every rank.
type BuildStats struct {
	BuildID    string
	Rank       int
	Size       int
	Edges      uint64
	ShardStart uint64
	ShardEnd   uint64
	Directions []DirectionStats
	Load       time.Duration
	Duration   time.Duration
}

// For returns the stats of direction d, or nil if it was not built.
func (s *BuildStats) For(d Direction) *DirectionStats {
	for i := range s.Directions {
		if s.Directions[i].Direction == d {
			return &s.Directions[i]
		}
	}
	return nil
}

func degreeStats(global []uint64) (withEdges, maxDegree, maxNode uint64) {
	for k, c := range global {
		if c == 0 {
			continue
		}
		withEdges++
		if c > maxDegree {
			maxDegree, maxNode = c, uint64(k)
		}
	}
	return withEdges, maxDegree, maxNode
}
