package edgeindex

import (
	"fmt"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/container"
)

// WriteEdgeList creates a container at path holding group/source_node_id
// and group/target_node_id. An existing file is replaced atomically.
func WriteEdgeList(path, group string, sources, targets []uint64) error {
	if len(sources) != len(targets) {
		return &ShardRangeError{Total: uint64(len(sources)),
			Reason: fmt.Sprintf("%d sources but %d targets", len(sources), len(targets))}
	}
	w, err := container.Create(path)
	if err != nil {
		return err
	}
	if err := w.WriteDataset(container.Path(group, common.DatasetSourceNodeID), 1, sources); err != nil {
		w.Abort()
		return err
	}
	if err := w.WriteDataset(container.Path(group, common.DatasetTargetNodeID), 1, targets); err != nil {
		w.Abort()
		return err
	}
	return w.Close()
}

// BlockEdges generates an edge list in which edge k runs from source node
// sourceOffset + k/fanout to target node k%fanout. Sources come in sorted
// bands of fanout edges; targets cycle.
func BlockEdges(numSources, fanout, sourceOffset uint64) (sources, targets []uint64) {
	n := numSources * fanout
	sources = make([]uint64, n)
	targets = make([]uint64, n)
	for k := uint64(0); k < n; k++ {
		sources[k] = sourceOffset + k/fanout
		targets[k] = k % fanout
	}
	return sources, targets
}
