package bundle

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_123)
	assert.Equal(t, "encrypted_bundle_1700000000123.zip", Name(ts))
}

func TestCreateAndExtract(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o600))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub", "deep"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "deep", "b.txt"), []byte("beta"), 0o600))

	out := t.TempDir()
	archive, err := Create(context.Background(), out, []string{
		filepath.Join(src, "a.txt"),
		filepath.Join(src, "sub"),
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(archive), "encrypted_bundle_"))
	assert.True(t, strings.HasSuffix(archive, ".zip"))

	restored := t.TempDir()
	require.NoError(t, Extract(context.Background(), archive, restored))

	a, err := os.ReadFile(filepath.Join(restored, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), a)

	b, err := os.ReadFile(filepath.Join(restored, "sub", "deep", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("beta"), b)
}

func TestCreateRejectsEmptyInput(t *testing.T) {
	_, err := Create(context.Background(), t.TempDir(), nil)
	assert.Error(t, err)
}

func TestCreateCancelled(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := t.TempDir()
	_, err := Create(ctx, out, []string{filepath.Join(src, "a.txt")})
	require.Error(t, err)

	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries, "cancelled bundling leaves no partial archive")
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")

	f, err := os.Create(archive)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("../escape.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	dest := filepath.Join(dir, "dest")
	err = Extract(context.Background(), archive, dest)
	assert.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}
