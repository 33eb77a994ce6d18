package logpipe

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSink_WriteFlushReadAll(t *testing.T) {
	dir := t.TempDir()
	sink, err := OpenTruncate(dir, "item-1-run1.log")
	require.NoError(t, err)

	_, err = sink.Write([]byte("PASS addition\n"))
	require.NoError(t, err)
	require.NoError(t, sink.Flush())

	data, err := ReadAll(sink.Path())
	require.NoError(t, err)
	require.Equal(t, "PASS addition\n", string(data))
	require.NoError(t, sink.Close())
}

func TestOpenTruncate_ReopeningDropsPriorContents(t *testing.T) {
	dir := t.TempDir()

	sink, err := OpenTruncate(dir, "setup-Fixtures.log")
	require.NoError(t, err)
	_, err = sink.Write([]byte("first attempt"))
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	sink2, err := OpenTruncate(dir, "setup-Fixtures.log")
	require.NoError(t, err)
	_, err = sink2.Write([]byte("second attempt"))
	require.NoError(t, err)
	require.NoError(t, sink2.Close())

	data, err := ReadAll(filepath.Join(dir, "setup-Fixtures.log"))
	require.NoError(t, err)
	require.Equal(t, "second attempt", string(data))
}

func TestReadAll_MissingFileReturnsNilNoError(t *testing.T) {
	data, err := ReadAll(filepath.Join(t.TempDir(), "never-written.log"))
	require.NoError(t, err)
	require.Nil(t, data)
}
