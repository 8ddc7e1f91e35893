package encoding

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitVectorCoverage(t *testing.T) {
	bv := NewBitVector(130)
	require.Equal(t, uint64(0), bv.FirstClear())

	require.Equal(t, uint64(70), bv.SetRange(0, 70))
	require.Equal(t, uint64(70), bv.FirstClear())
	require.True(t, bv.Get(69))
	require.False(t, bv.Get(70))

	// overlap reports the first position already set
	require.Equal(t, uint64(65), bv.SetRange(65, 80))
	require.Equal(t, uint64(80), bv.FirstClear())

	bv.Set(129)
	require.Equal(t, uint64(129), bv.SetRange(80, 129))
	require.Equal(t, uint64(130), bv.FirstClear())
	require.Equal(t, uint64(130), bv.PopCount())
	require.Equal(t, uint64(130), bv.Length())

	// out of range is ignored
	bv.Set(500)
	require.False(t, bv.Get(500))
}
