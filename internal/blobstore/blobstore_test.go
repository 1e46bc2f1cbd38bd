package blobstore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/corvidai/assistant-backend/internal/blobstore"
)

func writeTempFile(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "src.txt")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestPutIsIdempotentAndShardsPaths(t *testing.T) {
	root := t.TempDir()
	src := t.TempDir()

	store, err := blobstore.New(root)
	require.NoError(t, err)

	srcPath := writeTempFile(t, src, "hello world")
	fp, err := blobstore.Fingerprint(srcPath)
	require.NoError(t, err)
	require.Len(t, fp, 64)

	require.NoError(t, store.Put(srcPath, fp))
	require.True(t, store.Exists(fp))

	want := filepath.Join(root, fp[0:2], fp[2:4], fp)
	require.Equal(t, want, store.PathFor(fp))

	got, err := os.ReadFile(store.PathFor(fp))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	// Putting again (simulating a second ingest of identical content) must
	// not error and must not disturb the existing blob.
	require.NoError(t, store.Put(srcPath, fp))
}

func TestFingerprintMatchesSHA256(t *testing.T) {
	dir := t.TempDir()
	p := writeTempFile(t, dir, "abc")
	fp, err := blobstore.Fingerprint(p)
	require.NoError(t, err)
	// sha256("abc") is a well-known test vector.
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", fp)
}

func TestDeleteIsBestEffort(t *testing.T) {
	// Deleting a nonexistent path must not panic or be observable as an error.
	blobstore.Delete(filepath.Join(t.TempDir(), "missing"))
}
