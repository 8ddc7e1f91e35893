package utils

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignTo(t *testing.T) {
	assert.Equal(t, int64(0), AlignTo(0, 64))
	assert.Equal(t, int64(64), AlignTo(1, 64))
	assert.Equal(t, int64(128), AlignTo(128, 64))
	assert.Equal(t, int64(7), AlignTo(7, 0))
}

func TestSplitCRC32C(t *testing.T) {
	body := []byte("edge frame")
	data := binary.LittleEndian.AppendUint32(append([]byte(nil), body...), ComputeCRC32C(body))

	got, ok := SplitCRC32C(data)
	require.True(t, ok)
	assert.Equal(t, body, got)

	data[0] ^= 1
	_, ok = SplitCRC32C(data)
	assert.False(t, ok)

	_, ok = SplitCRC32C([]byte{1, 2})
	assert.False(t, ok)
}

func TestBLAKE3Section(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), 100)
	sum, err := ComputeBLAKE3Section(bytes.NewReader(data), 10, 500)
	require.NoError(t, err)
	assert.Equal(t, ComputeBLAKE3(data[10:510]), sum)
}

func TestAtomicFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "file.bin")

	af, err := NewAtomicFile(path)
	require.NoError(t, err)
	require.NoError(t, WriteFullAt(af, []byte("world"), 6))
	_, err = af.WriteAt([]byte("hello "), 0)
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, af.Commit())
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	af, err = NewAtomicFile(path)
	require.NoError(t, err)
	_, err = af.Write([]byte("discarded"))
	require.NoError(t, err)
	require.NoError(t, af.Close())
	got, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}
