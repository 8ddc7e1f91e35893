package encoding

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackUvarintsSmallCountsAreCompact(t *testing.T) {
	vals := make([]uint64, 100)
	vals[90] = 10
	packed := PackUvarints(vals)
	require.Len(t, packed, 101)

	got, err := UnpackUvarints(packed)
	require.NoError(t, err)
	require.Equal(t, vals, got)
}

func TestUnpackUvarintsLargeValues(t *testing.T) {
	vals := []uint64{0, 1 << 7, 1 << 35, ^uint64(0)}
	got, err := UnpackUvarints(PackUvarints(vals))
	require.NoError(t, err)
	require.Equal(t, vals, got)
}

func TestUnpackUvarintsRejectsTruncation(t *testing.T) {
	packed := PackUvarints([]uint64{1, 300, 5})
	_, err := UnpackUvarints(packed[:len(packed)-2])
	require.ErrorIs(t, err, ErrTruncated)

	_, err = UnpackUvarints(nil)
	require.ErrorIs(t, err, ErrTruncated)

	_, err = UnpackUvarints(append(packed, 0))
	require.Error(t, err)
}

func TestSizeUvarint(t *testing.T) {
	require.Equal(t, 1, SizeUvarint(0))
	require.Equal(t, 1, SizeUvarint(127))
	require.Equal(t, 2, SizeUvarint(128))
	require.Equal(t, 10, SizeUvarint(^uint64(0)))
}
