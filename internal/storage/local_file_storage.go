package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrInvalidHash is returned for content hashes too short to shard.
var ErrInvalidHash = errors.New("invalid content hash")

// LocalFileStorage stores immutable payloads on the local filesystem under a
// content-addressed layout rooted at dataDir: each bucket gets its own
// subdirectory and payloads are addressed by their SHA-256 hex hash, with the
// first two characters used as a shard directory. Identical payloads in
// different buckets share an inode where the filesystem allows it.
type LocalFileStorage struct {
	dataDir string
}

func NewLocalFileStorage(dataDir string) *LocalFileStorage {
	return &LocalFileStorage{dataDir: dataDir}
}

// PayloadPath computes the filesystem path for a payload within a bucket.
func PayloadPath(directory string, bucket string, hashHex string) (string, error) {
	if len(hashHex) < 2 {
		return "", fmt.Errorf("%w: length %d", ErrInvalidHash, len(hashHex))
	}
	return filepath.Join(directory, bucket, hashHex[:2], hashHex), nil
}

// findDuplicate returns an existing payload with the same hash and size in
// any bucket, or "" when there is none.
func (s *LocalFileStorage) findDuplicate(target string, hashHex string, size int64) string {
	matches, _ := filepath.Glob(filepath.Join(s.dataDir, "*", hashHex[:2], hashHex))
	for _, existing := range matches {
		if existing == target {
			continue
		}
		info, err := os.Stat(existing)
		if err != nil || !info.Mode().IsRegular() || info.Size() != size {
			continue
		}
		return existing
	}
	return ""
}

// PutFile moves the finished file at tempPath into place for hashHex.
func (s *LocalFileStorage) PutFile(bucket string, hashHex string, tempPath string) error {
	objPath, err := PayloadPath(s.dataDir, bucket, hashHex)
	if err != nil {
		return err
	}

	info, err := os.Stat(tempPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(objPath), 0o755); err != nil {
		return err
	}

	if existing := s.findDuplicate(objPath, hashHex, info.Size()); existing != "" {
		if err := CopyOrLinkFile(existing, objPath); err == nil {
			return os.Remove(tempPath)
		}
	}

	return MoveFile(tempPath, objPath)
}

// Open returns the payload file for reading. The caller closes it.
func (s *LocalFileStorage) Open(bucket string, hashHex string) (*os.File, error) {
	objPath, err := PayloadPath(s.dataDir, bucket, hashHex)
	if err != nil {
		return nil, err
	}
	return os.Open(objPath)
}

// Delete removes one bucket's link to a payload. Missing payloads are not an
// error.
func (s *LocalFileStorage) Delete(bucket string, hashHex string) error {
	objPath, err := PayloadPath(s.dataDir, bucket, hashHex)
	if err != nil {
		return err
	}
	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeleteBucket removes every payload stored for bucket.
func (s *LocalFileStorage) DeleteBucket(bucket string) error {
	return os.RemoveAll(filepath.Join(s.dataDir, bucket))
}
