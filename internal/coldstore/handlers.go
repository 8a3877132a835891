package coldstore

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ------ Bucket-level HTTP handlers ------

// handleBucketPut implements CreateBucket. Bucket configuration
// subresources are not supported.
func (s *Server) handleBucketPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if len(r.URL.RawQuery) > 0 {
		writeNotImplemented(w, r, "PutBucketConfiguration")
		return
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO buckets(name, created_at) VALUES(?, ?)`,
		bucket, time.Now().UTC(),
	)
	if err != nil {
		slog.Error("Create bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}

	if rows, err := res.RowsAffected(); err != nil {
		slog.Error("Create bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	} else if rows == 0 {
		writeS3Error(w, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", r.URL.Path, http.StatusConflict)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// handleBucketGet dispatches GET /bucket between GetBucketLocation and
// ListObjectsV2.
func (s *Server) handleBucketGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("location"):
		resp := LocationConstraint{XMLNS: s3XMLNamespace, Region: s.region}
		if err := writeXMLResponse(w, resp); err != nil {
			slog.Error("Encode location XML", "bucket", bucket, "err", err)
		}
	case q.Get("list-type") == "2":
		s.handleListObjectsV2(ctx, w, r, bucket)
	default:
		writeNotImplemented(w, r, "ListObjects")
	}
}

// handleBucketHead implements HEAD /bucket.
func (s *Server) handleBucketHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	if exists, err := s.bucketExists(ctx, bucket); err != nil {
		slog.Error("Bucket head", "bucket", bucket, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	} else if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("X-Amz-Bucket-Region", s.region)
	w.WriteHeader(http.StatusOK)
}

// handleBucketDelete implements DELETE /bucket. Only empty buckets can be
// removed.
func (s *Server) handleBucketDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE bucket = ?`, bucket).Scan(&count); err != nil {
		slog.Error("Count bucket objects", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	if count > 0 {
		writeS3Error(w, "BucketNotEmpty", "The bucket you tried to delete is not empty.", r.URL.Path, http.StatusConflict)
		return
	}

	// Foreign-key cascade removes pending uploads.
	if _, err := s.db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, bucket); err != nil {
		slog.Error("Delete bucket metadata", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	if err := s.engine.DeleteBucket(bucket); err != nil {
		slog.Warn("Delete bucket payloads", "bucket", bucket, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleListObjectsV2 implements a flat ListObjectsV2 with optional
// delimiter grouping.
func (s *Server) handleListObjectsV2(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	prefix := q.Get("prefix")
	delimiter := q.Get("delimiter")
	continuationToken := q.Get("continuation-token")
	startAfter := ""
	if continuationToken == "" {
		startAfter = q.Get("start-after")
	}

	maxKeys := 1000
	if raw := q.Get("max-keys"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v < maxKeys {
			maxKeys = v
		}
	}

	args := []any{bucket}
	query := `SELECT key, hash, size, modified_at FROM objects WHERE bucket = ?`
	if prefix != "" {
		// Keys sharing a prefix are contiguous in key order.
		query += ` AND key >= ?`
		args = append(args, prefix)
	}
	if marker := max(continuationToken, startAfter); marker != "" {
		query += ` AND key > ?`
		args = append(args, marker)
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("List objects v2", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}
	defer rows.Close()

	var (
		summaries      []ObjectSummary
		commonPrefixes []CommonPrefix
		seenPrefixes   = make(map[string]struct{})
		isTruncated    bool
		lastKey        string
	)

	for rows.Next() {
		var (
			key        string
			hashHex    string
			size       int64
			modifiedAt time.Time
		)
		if err := rows.Scan(&key, &hashHex, &size, &modifiedAt); err != nil {
			slog.Error("Scan object (v2)", "bucket", bucket, "err", err)
			writeInternalError(w, r)
			return
		}
		if !strings.HasPrefix(key, prefix) {
			break
		}

		if delimiter != "" {
			rel := strings.TrimPrefix(key, prefix)
			if idx := strings.Index(rel, delimiter); idx != -1 {
				cp := prefix + rel[:idx+len(delimiter)]
				if _, ok := seenPrefixes[cp]; ok {
					lastKey = key
					continue
				}
				if len(summaries)+len(commonPrefixes) == maxKeys {
					isTruncated = true
					break
				}
				seenPrefixes[cp] = struct{}{}
				commonPrefixes = append(commonPrefixes, CommonPrefix{Prefix: cp})
				lastKey = key
				continue
			}
		}

		if len(summaries)+len(commonPrefixes) == maxKeys {
			isTruncated = true
			break
		}
		summaries = append(summaries, ObjectSummary{
			Key:          key,
			LastModified: modifiedAt.UTC().Format(time.RFC3339),
			ETag:         createETag(hashHex),
			Size:         size,
			StorageClass: "STANDARD",
		})
		lastKey = key
	}
	if err := rows.Err(); err != nil {
		slog.Error("List objects v2", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return
	}

	resp := ListBucketResultV2{
		XMLNS:             s3XMLNamespace,
		Name:              bucket,
		Prefix:            prefix,
		Delimiter:         delimiter,
		KeyCount:          len(summaries) + len(commonPrefixes),
		MaxKeys:           maxKeys,
		IsTruncated:       isTruncated,
		ContinuationToken: continuationToken,
		StartAfter:        startAfter,
		Contents:          summaries,
		CommonPrefixes:    commonPrefixes,
	}
	if isTruncated {
		resp.NextContinuationToken = lastKey
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects v2 XML", "bucket", bucket, "err", err)
	}
}

// ------ Object-level HTTP handlers ------

// handleObjectPut dispatches PUT /bucket/key between PutObject and
// UploadPart.
func (s *Server) handleObjectPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) || !validateObjectKeyOrError(w, r, key) {
		return
	}
	if r.Header.Get("x-amz-copy-source") != "" {
		writeNotImplemented(w, r, "CopyObject")
		return
	}

	q := r.URL.Query()
	if uploadID := q.Get("uploadId"); uploadID != "" {
		partNum, err := strconv.Atoi(q.Get("partNumber"))
		if err != nil || partNum < 1 || partNum > 10000 {
			writeS3Error(w, "InvalidArgument", "Invalid part number.", r.URL.Path, http.StatusBadRequest)
			return
		}
		s.handleUploadPart(ctx, w, r, bucket, key, uploadID, partNum)
		return
	}
	if hasSubresource(q) {
		writeNotImplemented(w, r, "PutObjectSubresource")
		return
	}

	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	tmp, err := s.tempFile("object-*")
	if err != nil {
		slog.Error("Create temp file for put object", "err", err)
		writeInternalError(w, r)
		return
	}
	defer discardTemp(tmp)

	size, hashHex, err := receivePayload(tmp, r)
	if err != nil {
		slog.Warn("Receive object payload", "bucket", bucket, "key", key, "err", err)
		writeS3Error(w, "IncompleteBody", "Failed to read the request body.", r.URL.Path, http.StatusBadRequest)
		return
	}
	if err := tmp.Close(); err != nil {
		slog.Error("Close temp object payload", "path", tmp.Name(), "err", err)
		writeInternalError(w, r)
		return
	}

	if err := s.storeObject(ctx, bucket, key, hashHex, tmp.Name(), size, r.Header.Get("Content-Type")); err != nil {
		slog.Error("Store object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	w.Header().Set("ETag", createETag(hashHex))
	w.WriteHeader(http.StatusOK)
}

// hasSubresource reports whether q selects an object subresource this store
// does not implement.
func hasSubresource(q url.Values) bool {
	for _, name := range []string{"acl", "tagging", "attributes", "retention", "legal-hold", "torrent"} {
		if q.Has(name) {
			return true
		}
	}
	return false
}

// writeObjectHeaders sets the metadata headers shared by GET and HEAD.
func writeObjectHeaders(w http.ResponseWriter, meta objectMetadata) {
	if meta.contentType.Valid {
		w.Header().Set("Content-Type", meta.contentType.String)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("ETag", createETag(meta.hash))
	w.Header().Set("Accept-Ranges", "bytes")
}

// handleObjectGet implements GetObject, including Range requests.
func (s *Server) handleObjectGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) || !validateObjectKeyOrError(w, r, key) {
		return
	}
	if q := r.URL.Query(); hasSubresource(q) || q.Has("uploadId") {
		writeNotImplemented(w, r, "GetObjectSubresource")
		return
	}
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	meta, err := s.lookupObjectMetadata(ctx, bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		writeNoSuchKeyError(w, r)
		return
	}
	if err != nil {
		slog.Error("Lookup object metadata", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}

	f, err := s.engine.Open(bucket, meta.hash)
	if err != nil {
		slog.Error("Open object payload", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil || info.Size() != meta.size {
		slog.Error("Object size mismatch", "bucket", bucket, "key", key, "expected", meta.size, "err", err)
		writeInternalError(w, r)
		return
	}

	writeObjectHeaders(w, meta)
	http.ServeContent(w, r, key, meta.modifiedAt, f)
}

// handleObjectHead implements HEAD /bucket/key, returning metadata headers
// compatible with S3 but without a response body.
func (s *Server) handleObjectHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !isValidBucketName(bucket) || !isValidObjectKey(key) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	meta, err := s.lookupObjectMetadata(ctx, bucket, key)
	if errors.Is(err, sql.ErrNoRows) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Lookup object metadata (HEAD)", "bucket", bucket, "key", key, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeObjectHeaders(w, meta)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.size, 10))
	w.Header().Set("Last-Modified", meta.modifiedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
}

// handleObjectDelete dispatches DELETE /bucket/key between DeleteObject and
// AbortMultipartUpload.
func (s *Server) handleObjectDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) || !validateObjectKeyOrError(w, r, key) {
		return
	}

	if uploadID := r.URL.Query().Get("uploadId"); uploadID != "" {
		s.handleAbortMultipartUpload(ctx, w, r, bucket, key, uploadID)
		return
	}
	if !s.requireBucket(ctx, w, r, bucket) {
		return
	}

	// S3 answers 204 whether or not the key existed.
	if _, err := s.deleteObject(ctx, bucket, key); err != nil {
		slog.Error("Delete object", "bucket", bucket, "key", key, "err", err)
		writeInternalError(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleObjectPost dispatches POST /bucket/key between the multipart
// operations.
func (s *Server) handleObjectPost(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) || !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.handleCreateMultipartUpload(ctx, w, r, bucket, key)
	case q.Get("uploadId") != "":
		s.handleCompleteMultipartUpload(ctx, w, r, bucket, key, q.Get("uploadId"))
	default:
		writeNotImplemented(w, r, "ObjectPost")
	}
}
