package checksum

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashIsPureAndDeterministic(t *testing.T) {
	buf := []byte("Hello, World!")
	h1 := Hash(buf)
	h2 := Hash(buf)
	require.Equal(t, h1, h2)
	require.Len(t, h1, 64)
}

func TestHashKnownVector(t *testing.T) {
	// sha256("Hello, World!")
	require.Equal(t, "dffd6021bb2bd5b0af676290809ec3a53191dd81c7f70a4b28688a362182986f", Hash([]byte("Hello, World!")))
}

func TestHashFileMatchesHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.txt")
	data := []byte("the quick brown fox jumps over the lazy dog")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	fileHash, err := HashFile(path)
	require.NoError(t, err)
	require.Equal(t, Hash(data), fileHash)
}

func TestHashFileMissing(t *testing.T) {
	_, err := HashFile(filepath.Join(t.TempDir(), "missing.bin"))
	require.Error(t, err)
}

func TestVerify(t *testing.T) {
	buf := []byte("chunk-data")
	require.True(t, Verify(buf, Hash(buf)))
	require.False(t, Verify(buf, "0000000000000000000000000000000000000000000000000000000000000"))
}
