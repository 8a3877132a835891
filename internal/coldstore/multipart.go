package coldstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// uploadDir holds the part files of an in-progress multipart upload.
func (s *Server) uploadDir(uploadID string) string {
	return filepath.Join(s.dataDir, "uploads", uploadID)
}

func partPath(dir string, partNumber int) string {
	return filepath.Join(dir, fmt.Sprintf("part-%06d", partNumber))
}

// lookupUpload reports whether uploadID is an in-progress upload for
// bucket/key, returning its content type.
func (s *Server) lookupUpload(ctx context.Context, bucket, key, uploadID string) (sql.NullString, bool, error) {
	var contentType sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT content_type FROM uploads WHERE id = ? AND bucket = ? AND key = ?`,
		uploadID, bucket, key,
	).Scan(&contentType)
	if errors.Is(err, sql.ErrNoRows) {
		return contentType, false, nil
	}
	return contentType, err == nil, err
}

// handleCreateMultipartUpload implements CreateMultipartUpload
// (InitiateMultipartUpload): POST /bucket/key?uploads
func (s *Server) handleCreateMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	uploadID := uuid.NewString()
	dir := s.uploadDir(uploadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("Create multipart upload dir", "path", dir, "err", err)
		writeInternalError(w, r)
		return
	}

	contentType := sql.NullString{String: r.Header.Get("Content-Type"), Valid: r.Header.Get("Content-Type") != ""}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads(id, bucket, key, content_type, created_at) VALUES(?, ?, ?, ?, ?)`,
		uploadID, bucket, key, contentType, time.Now().UTC(),
	); err != nil {
		slog.Error("Record multipart upload", "bucket", bucket, "key", key, "err", err)
		_ = os.RemoveAll(dir)
		writeInternalError(w, r)
		return
	}

	resp := InitiateMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode create multipart upload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// handleUploadPart implements UploadPart: PUT /bucket/key?partNumber=N&uploadId=ID
// Re-sending a part number replaces the earlier part.
func (s *Server) handleUploadPart(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string, partNumber int) {
	if _, ok, err := s.lookupUpload(ctx, bucket, key, uploadID); err != nil {
		slog.Error("Lookup multipart upload", "upload_id", uploadID, "err", err)
		writeInternalError(w, r)
		return
	} else if !ok {
		writeNoSuchUploadError(w, r)
		return
	}

	dir := s.uploadDir(uploadID)
	tmp, err := os.CreateTemp(dir, "incoming-*")
	if err != nil {
		slog.Error("Create upload part file", "path", dir, "err", err)
		writeInternalError(w, r)
		return
	}
	defer discardTemp(tmp)

	size, hashHex, err := receivePayload(tmp, r)
	if err != nil {
		slog.Warn("Receive upload part", "bucket", bucket, "key", key, "part", partNumber, "err", err)
		writeS3Error(w, "IncompleteBody", "Failed to read the request body.", r.URL.Path, http.StatusBadRequest)
		return
	}
	if err := tmp.Close(); err != nil {
		slog.Error("Close upload part file", "path", tmp.Name(), "err", err)
		writeInternalError(w, r)
		return
	}
	if err := os.Rename(tmp.Name(), partPath(dir, partNumber)); err != nil {
		slog.Error("Place upload part file", "path", tmp.Name(), "err", err)
		writeInternalError(w, r)
		return
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO parts(upload_id, part_number, etag, size) VALUES(?, ?, ?, ?)
		 ON CONFLICT(upload_id, part_number) DO UPDATE SET etag=excluded.etag, size=excluded.size`,
		uploadID, partNumber, hashHex, size,
	); err != nil {
		slog.Error("Record upload part", "upload_id", uploadID, "part", partNumber, "err", err)
		writeInternalError(w, r)
		return
	}

	w.Header().Set("ETag", createETag(hashHex))
	w.WriteHeader(http.StatusOK)
}

// handleCompleteMultipartUpload implements CompleteMultipartUpload:
// POST /bucket/key?uploadId=ID
func (s *Server) handleCompleteMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	contentType, ok, err := s.lookupUpload(ctx, bucket, key, uploadID)
	if err != nil {
		slog.Error("Lookup multipart upload", "upload_id", uploadID, "err", err)
		writeInternalError(w, r)
		return
	} else if !ok {
		writeNoSuchUploadError(w, r)
		return
	}

	defer r.Body.Close()
	var req CompleteMultipartUpload
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Decode complete multipart upload XML", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.", r.URL.Path, http.StatusBadRequest)
		return
	}

	if len(req.Parts) == 0 {
		writeS3Error(w, "MalformedXML", "You must specify at least one part.", r.URL.Path, http.StatusBadRequest)
		return
	}
	for i, part := range req.Parts {
		if i > 0 && part.PartNumber <= req.Parts[i-1].PartNumber {
			writeS3Error(w, "InvalidPartOrder", "The list of parts was not in ascending order.", r.URL.Path, http.StatusBadRequest)
			return
		}
	}

	recorded := make(map[int]string)
	rows, err := s.db.QueryContext(ctx, `SELECT part_number, etag FROM parts WHERE upload_id = ?`, uploadID)
	if err != nil {
		slog.Error("List upload parts", "upload_id", uploadID, "err", err)
		writeInternalError(w, r)
		return
	}
	for rows.Next() {
		var (
			number int
			etag   string
		)
		if err := rows.Scan(&number, &etag); err != nil {
			rows.Close()
			slog.Error("Scan upload part", "upload_id", uploadID, "err", err)
			writeInternalError(w, r)
			return
		}
		recorded[number] = etag
	}
	rows.Close()

	for _, part := range req.Parts {
		etag, ok := recorded[part.PartNumber]
		if !ok || etag != strings.Trim(part.ETag, `"`) {
			writeS3Error(w, "InvalidPart", "One or more of the specified parts could not be found.", r.URL.Path, http.StatusBadRequest)
			return
		}
	}

	final, err := s.tempFile("multipart-final-*")
	if err != nil {
		slog.Error("Create final multipart temp file", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	defer discardTemp(final)

	h := sha256.New()
	var totalSize int64
	dir := s.uploadDir(uploadID)
	for _, part := range req.Parts {
		n, err := appendPart(io.MultiWriter(final, h), partPath(dir, part.PartNumber))
		if err != nil {
			slog.Error("Stream upload part into final file", "bucket", bucket, "key", key, "part", part.PartNumber, "err", err)
			writeInternalError(w, r)
			return
		}
		totalSize += n
	}
	if err := final.Close(); err != nil {
		slog.Error("Close final multipart file", "path", final.Name(), "err", err)
		writeInternalError(w, r)
		return
	}

	hashHex := hex.EncodeToString(h.Sum(nil))
	if err := s.storeObject(ctx, bucket, key, hashHex, final.Name(), totalSize, contentType.String); err != nil {
		slog.Error("Store completed multipart object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	s.dropUpload(ctx, uploadID)

	resp := CompleteMultipartUploadResult{
		XMLNS:    s3XMLNamespace,
		Location: fmt.Sprintf("/%s/%s", bucket, key),
		Bucket:   bucket,
		Key:      key,
		ETag:     createETag(hashHex),
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode complete multipart upload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// appendPart copies one part file into w.
func appendPart(w io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}

// handleAbortMultipartUpload implements AbortMultipartUpload:
// DELETE /bucket/key?uploadId=ID
func (s *Server) handleAbortMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	if _, ok, err := s.lookupUpload(ctx, bucket, key, uploadID); err != nil {
		slog.Error("Lookup multipart upload", "upload_id", uploadID, "err", err)
		writeInternalError(w, r)
		return
	} else if !ok {
		writeNoSuchUploadError(w, r)
		return
	}

	s.dropUpload(ctx, uploadID)
	w.WriteHeader(http.StatusNoContent)
}

// dropUpload forgets an upload and its parts.
func (s *Server) dropUpload(ctx context.Context, uploadID string) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, uploadID); err != nil {
		slog.Warn("Delete multipart upload metadata", "upload_id", uploadID, "err", err)
	}
	if err := os.RemoveAll(s.uploadDir(uploadID)); err != nil {
		slog.Debug("Failed to remove multipart upload dir", "upload_id", uploadID, "err", err)
	}
}
