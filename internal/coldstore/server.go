// Package coldstore is a small S3-compatible object store backed by SQLite
// metadata and content-addressed files. It serves as the cold tier when no
// external object store is configured, and as a test double for the real
// clients.
package coldstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"objcache/internal/storage"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	//go:embed migrations
	migrationsFS embed.FS

	// Regex for validating S3 bucket names.
	// matches lowercase letters, digits, dots, and hyphens,
	// must start and end with a letter or digit, and must be between 3 and 63 characters long.
	bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
)

// Server provides the subset of the S3 API used by the cold tier: buckets,
// objects, ListObjectsV2 and multipart uploads.
type Server struct {
	dataDir string
	region  string
	db      *sql.DB
	engine  *storage.LocalFileStorage

	// mu serializes payload placement with the metadata rows referencing
	// it, so garbage collection never removes a payload being written.
	mu sync.Mutex
}

type Option func(*Server)

// WithRegion sets the region reported by GetBucketLocation.
func WithRegion(region string) Option {
	return func(s *Server) {
		s.region = region
	}
}

// initSchema initializes the metadata database schema by applying all
// SQL files in the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running cold store migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// New opens (creating if needed) a store rooted at dataDir.
func New(ctx context.Context, dataDir string, opts ...Option) (*Server, error) {
	if dataDir == "" {
		return nil, errors.New("cold store data dir must not be empty")
	}

	for _, dir := range []string{dataDir, filepath.Join(dataDir, "objects"), filepath.Join(dataDir, "uploads")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", filepath.Join(dataDir, "metadata.sqlite"))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &Server{
		dataDir: dataDir,
		region:  "us-east-1",
		db:      db,
		engine:  storage.NewLocalFileStorage(filepath.Join(dataDir, "objects")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	return s.db.Close()
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("error executing transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// bucketExists checks whether a bucket with the given name exists.
func (s *Server) bucketExists(ctx context.Context, bucket string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buckets WHERE name = ?`, bucket).Scan(&count); err != nil {
		return false, err
	}

	return count > 0, nil
}

// requireBucket writes NoSuchBucket (or InternalError) and returns false when
// bucket cannot be used.
func (s *Server) requireBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) bool {
	exists, err := s.bucketExists(ctx, bucket)
	if err != nil {
		slog.Error("Lookup bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return false
	}
	if !exists {
		writeNoSuchBucketError(w, r)
		return false
	}
	return true
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

// writeInternalError writes a generic S3 InternalError response.
func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
}

// writeNoSuchBucketError writes a generic S3 NoSuchBucket error response.
func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
}

// writeNoSuchKeyError writes a generic S3 NoSuchKey error response.
func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeNoSuchUploadError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchUpload", "The specified multipart upload does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeNotImplemented(w http.ResponseWriter, r *http.Request, op string) {
	writeS3Error(w, "NotImplemented", op+" is not implemented.", r.URL.Path, http.StatusNotImplemented)
}

// isValidBucketName implements the standard S3 bucket naming rules for
// "virtual hosted-style" buckets.
func isValidBucketName(name string) bool {
	if !bucketNamePattern.MatchString(name) {
		return false
	}

	// Disallow patterns like "..", ".-", "-.".
	if strings.Contains(name, "..") {
		return false
	}

	for i := 1; i < len(name); i++ {
		if (name[i-1] == '.' && name[i] == '-') || (name[i-1] == '-' && name[i] == '.') {
			return false
		}
	}

	// Bucket name must not be formatted as an IPv4 address.
	return net.ParseIP(name) == nil
}

// isValidObjectKey enforces basic S3 object key constraints: non-empty,
// at most 1024 bytes, and no control characters.
func isValidObjectKey(key string) bool {
	if len(key) == 0 || len(key) > 1024 {
		return false
	}

	return !strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	})
}

func validateBucketNameOrError(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !isValidBucketName(bucket) {
		writeS3Error(w, "InvalidBucketName", "The specified bucket is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

func validateObjectKeyOrError(w http.ResponseWriter, r *http.Request, key string) bool {
	if !isValidObjectKey(key) {
		writeS3Error(w, "InvalidObjectName", "The specified key is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(v)
}

// createETag formats a hash hex string as an ETag value.
func createETag(hashHex string) string {
	return fmt.Sprintf("\"%s\"", hashHex)
}

// objectMetadata is the metadata row of a stored object.
type objectMetadata struct {
	hash        string
	size        int64
	contentType sql.NullString
	modifiedAt  time.Time
}

// lookupObjectMetadata loads basic metadata for the given object key.
func (s *Server) lookupObjectMetadata(ctx context.Context, bucket, key string) (objectMetadata, error) {
	var meta objectMetadata
	err := s.db.QueryRowContext(ctx,
		`SELECT hash, size, content_type, modified_at FROM objects WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&meta.hash, &meta.size, &meta.contentType, &meta.modifiedAt)
	return meta, err
}

// storeObject places the payload at tempPath and points bucket/key at it,
// releasing the payload it replaces when nothing else references it.
func (s *Server) storeObject(ctx context.Context, bucket, key, hashHex, tempPath string, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.engine.PutFile(bucket, hashHex, tempPath); err != nil {
		return fmt.Errorf("store payload: %w", err)
	}

	var previous string
	now := time.Now().UTC()
	err := withTransaction(ctx, s.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT hash FROM objects WHERE bucket = ? AND key = ?`, bucket, key).Scan(&previous)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO objects(bucket, key, hash, size, content_type, created_at, modified_at)
			 VALUES(?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(bucket, key) DO UPDATE SET
			 	hash=excluded.hash,
			 	size=excluded.size,
			 	content_type=excluded.content_type,
			 	modified_at=excluded.modified_at`,
			bucket, key, hashHex, size, contentType, now, now,
		)
		return err
	})
	if err != nil {
		return err
	}

	if previous != "" && previous != hashHex {
		s.releasePayloadLocked(ctx, bucket, previous)
	}
	return nil
}

// deleteObject removes bucket/key. It reports whether the object existed.
func (s *Server) deleteObject(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hashHex string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM objects WHERE bucket = ? AND key = ?`, bucket, key).Scan(&hashHex)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return false, err
	}

	s.releasePayloadLocked(ctx, bucket, hashHex)
	return true, nil
}

// releasePayloadLocked removes a payload once no object in bucket refers to
// it. Failures only leak disk space and are logged.
func (s *Server) releasePayloadLocked(ctx context.Context, bucket, hashHex string) {
	var refs int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ? AND hash = ?`, bucket, hashHex).Scan(&refs); err != nil {
		slog.Warn("Count payload references", "bucket", bucket, "hash", hashHex, "err", err)
		return
	}
	if refs > 0 {
		return
	}
	if err := s.engine.Delete(bucket, hashHex); err != nil {
		slog.Warn("Remove unreferenced payload", "bucket", bucket, "hash", hashHex, "err", err)
	}
}

// tempFile creates a scratch file on the same filesystem as the payloads.
func (s *Server) tempFile(pattern string) (*os.File, error) {
	return os.CreateTemp(filepath.Join(s.dataDir, "uploads"), pattern)
}

// discardTemp closes and removes a scratch file. The storage engine may have
// already moved it into place.
func discardTemp(f *os.File) {
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		slog.Debug("Failed to close temp file", "path", f.Name(), "err", err)
	}
	if err := os.Remove(f.Name()); err != nil && !os.IsNotExist(err) {
		slog.Debug("Failed to remove temp file", "path", f.Name(), "err", err)
	}
}
