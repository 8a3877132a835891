package storage_test

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"objcache/internal/storage"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeTemp(t *testing.T, dir string, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp(dir, "upload-*")
	require.NoError(t, err, "create temp file")
	_, err = f.Write(data)
	require.NoError(t, err, "write temp file")
	require.NoError(t, f.Close(), "close temp file")
	return f.Name()
}

func TestLocalFileStoragePutAndOpen(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	engine := storage.NewLocalFileStorage(dataDir)

	payload := []byte("hello cold tier")
	hashHex := hashOf(payload)
	tmp := writeTemp(t, t.TempDir(), payload)

	require.NoError(t, engine.PutFile("archive", hashHex, tmp), "PutFile error")

	_, err := os.Stat(tmp)
	require.True(t, os.IsNotExist(err), "temp file should have been moved")

	objPath := filepath.Join(dataDir, "archive", hashHex[:2], hashHex)
	info, err := os.Stat(objPath)
	require.NoError(t, err, "expected payload file to exist")
	require.False(t, info.IsDir(), "payload path should be a file")

	f, err := engine.Open("archive", hashHex)
	require.NoError(t, err, "Open error")
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err, "read payload")
	require.Equal(t, payload, got, "payload mismatch")
}

func TestLocalFileStorageSharesIdenticalPayloads(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	engine := storage.NewLocalFileStorage(dataDir)

	payload := []byte("deduplicated payload")
	hashHex := hashOf(payload)

	require.NoError(t, engine.PutFile("one", hashHex, writeTemp(t, t.TempDir(), payload)), "first PutFile")
	require.NoError(t, engine.PutFile("two", hashHex, writeTemp(t, t.TempDir(), payload)), "second PutFile")

	first, err := os.Stat(filepath.Join(dataDir, "one", hashHex[:2], hashHex))
	require.NoError(t, err, "stat first")
	second, err := os.Stat(filepath.Join(dataDir, "two", hashHex[:2], hashHex))
	require.NoError(t, err, "stat second")
	require.True(t, os.SameFile(first, second), "identical payloads should be hard linked")

	require.NoError(t, engine.Delete("one", hashHex), "Delete")
	f, err := engine.Open("two", hashHex)
	require.NoError(t, err, "other bucket keeps its link")
	_ = f.Close()

	require.NoError(t, engine.Delete("one", hashHex), "deleting twice is not an error")
}

func TestLocalFileStorageInvalidHash(t *testing.T) {
	t.Parallel()

	engine := storage.NewLocalFileStorage(t.TempDir())

	err := engine.PutFile("bucket", "a", "/does/not/matter")
	require.ErrorIs(t, err, storage.ErrInvalidHash, "too-short hash on PutFile")

	_, err = engine.Open("bucket", "a")
	require.ErrorIs(t, err, storage.ErrInvalidHash, "too-short hash on Open")
}

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "object")

	require.NoError(t, storage.WriteFileAtomic(path, []byte("first"), 0o644), "first write")
	require.NoError(t, storage.WriteFileAtomic(path, []byte("second"), 0o644), "overwrite")

	got, err := os.ReadFile(path)
	require.NoError(t, err, "read back")
	require.Equal(t, "second", string(got), "content replaced")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err, "list dir")
	require.Len(t, entries, 1, "no temporary files left behind")

	size, err := storage.DirSize(filepath.Dir(path))
	require.NoError(t, err, "DirSize")
	require.EqualValues(t, len("second"), size, "DirSize counts regular files")
}

func TestMoveFileAndCopyOrLink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644), "write src")

	linked := filepath.Join(dir, "linked")
	require.NoError(t, storage.CopyOrLinkFile(src, linked), "CopyOrLinkFile")
	require.NoError(t, storage.CopyOrLinkFile(src, src), "linking a file to itself is a no-op")

	moved := filepath.Join(dir, "moved")
	require.NoError(t, storage.MoveFile(src, moved), "MoveFile")

	_, err := os.Stat(src)
	require.True(t, os.IsNotExist(err), "source removed after move")

	got, err := os.ReadFile(moved)
	require.NoError(t, err, "read moved")
	require.Equal(t, "payload", string(got), "moved content")

	got, err = os.ReadFile(linked)
	require.NoError(t, err, "read linked")
	require.Equal(t, "payload", string(got), "linked content")
}
