package outlog

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmallOutputPassesThrough(t *testing.T) {
	log := New()
	_, err := log.Write([]byte("hello\n"))
	require.NoError(t, err)

	out := log.Finalize()
	assert.Equal(t, []byte("hello\n"), out)
	assert.False(t, log.HasNonUTF8())
}

func TestHeadAndTailTruncation(t *testing.T) {
	log := New()
	chunk := bytes.Repeat([]byte("a"), 64*1024)
	for i := 0; i < 10; i++ { // 640 KiB total
		_, err := log.Write(chunk)
		require.NoError(t, err)
	}
	_, err := log.Write([]byte("the very end"))
	require.NoError(t, err)

	out := log.Finalize()
	assert.Contains(t, string(out), "Data was removed due to excessive length")
	assert.True(t, bytes.HasSuffix(out, []byte("the very end")))
	assert.LessOrEqual(t, len(out), MaxHead+TailLength+1024)
}

func TestCapturedBytesAreBounded(t *testing.T) {
	log := New()
	chunk := bytes.Repeat([]byte("b"), 4096)
	for i := 0; i < 1024; i++ { // 4 MiB total
		_, err := log.Write(chunk)
		require.NoError(t, err)
	}
	log.mu.Lock()
	captured := len(log.head) + len(log.tail)
	log.mu.Unlock()
	assert.LessOrEqual(t, captured, MaxHead+2*TailLength)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	log := New()
	_, err := log.Write(bytes.Repeat([]byte("c"), MaxHead+TailLength))
	require.NoError(t, err)

	first := log.Finalize()
	second := log.Finalize()
	assert.Equal(t, first, second)
}

func TestNonUTF8IsRewritten(t *testing.T) {
	log := New()
	_, err := log.Write([]byte{'o', 'k', 0xff, 0xfe})
	require.NoError(t, err)

	out := log.Finalize()
	assert.True(t, log.HasNonUTF8())
	assert.True(t, utf8.Valid(out))
	assert.Contains(t, string(out), "contained non-UTF8 formatted data")
}

func TestFileLogTeesToDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := NewFile(path)
	require.NoError(t, err)

	_, err = log.Write([]byte("teed"))
	require.NoError(t, err)
	require.NoError(t, log.Close())
	require.NoError(t, log.Close()) // close is safe to repeat

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("teed"), data)
	assert.Equal(t, []byte("teed"), log.Finalize())
}
