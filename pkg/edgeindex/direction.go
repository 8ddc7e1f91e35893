package edgeindex

import (
	"fmt"
	"strings"

	"github.com/CVDpl/go-edgeindex/internal/common"
	"github.com/CVDpl/go-edgeindex/pkg/edgeindex/container"
)

// Direction selects which endpoint of an edge is the grouping key.
type Direction uint8

const (
	// Forward groups edges by source node.
	Forward Direction = iota
	// Reverse groups edges by target node.
	Reverse
)

// AllDirections lists the directions in build order.
var AllDirections = []Direction{Forward, Reverse}

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	v, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// IndexName is the namespace the direction's arrays are stored under.
func (d Direction) IndexName() string {
	if d == Reverse {
		return common.IndexTargetToSource
	}
	return common.IndexSourceToTarget
}

// KeyName names the endpoint used as key.
func (d Direction) KeyName() string {
	if d == Reverse {
		return "target"
	}
	return "source"
}

// DatasetPath returns the container path of one of the direction's arrays.
func (d Direction) DatasetPath(group, dataset string) string {
	return container.Path(group, common.GroupIndices, d.IndexName(), dataset)
}

// ParseDirection accepts "forward", "reverse" or an index name.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forward", "fwd", common.IndexSourceToTarget:
		return Forward, nil
	case "reverse", "rev", common.IndexTargetToSource:
		return Reverse, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// ParseDirections parses a list of directions. "both" or an empty list
// selects every direction. Duplicates are dropped; order follows
// AllDirections.
func ParseDirections(names []string) ([]Direction, error) {
	want := map[Direction]bool{}
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), "both") {
			want[Forward], want[Reverse] = true, true
			continue
		}
		d, err := ParseDirection(name)
		if err != nil {
			return nil, err
		}
		want[d] = true
	}
	if len(want) == 0 {
		return append([]Direction(nil), AllDirections...), nil
	}
	var out []Direction
	for _, d := range AllDirections {
		if want[d] {
			out = append(out, d)
		}
	}
	return out, nil
}
