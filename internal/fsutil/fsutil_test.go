package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "state.yaml")

	require.NoError(t, WriteAtomic(path, []byte("one"), 0600))
	require.NoError(t, WriteAtomic(path, []byte("two"), 0600))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(b))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestExpandHome(t *testing.T) {
	assert.Equal(t, "/etc/vula", ExpandHome("/etc/vula"))
	assert.False(t, strings.HasPrefix(ExpandHome("~/x"), "~"))
}
