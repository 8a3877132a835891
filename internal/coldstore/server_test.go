package coldstore_test

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"objcache/internal/coldstore"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := coldstore.New(t.Context(), t.TempDir())
	require.NoError(t, err, "open cold store")
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(store.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body io.Reader, header map[string]string) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, url, body)
	require.NoError(t, err, "build request")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "send request")
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "read response")
	return resp, data
}

func s3Code(t *testing.T, body []byte) string {
	t.Helper()
	var e coldstore.S3Error
	require.NoError(t, xml.Unmarshal(body, &e), "decode error body: %s", body)
	return e.Code
}

// chunked encodes data as an aws-chunked body with fake signatures.
func chunked(data []byte, chunkSize int) []byte {
	var buf bytes.Buffer
	for len(data) > 0 {
		n := min(chunkSize, len(data))
		fmt.Fprintf(&buf, "%x;chunk-signature=%s\r\n", n, strings.Repeat("0", 64))
		buf.Write(data[:n])
		buf.WriteString("\r\n")
		data = data[n:]
	}
	fmt.Fprintf(&buf, "0;chunk-signature=%s\r\n\r\n", strings.Repeat("0", 64))
	return buf.Bytes()
}

func TestBucketLifecycle(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	resp, _ := do(t, http.MethodHead, srv.URL+"/archive", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "missing bucket")

	resp, _ = do(t, http.MethodPut, srv.URL+"/archive", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "create bucket")

	resp, body := do(t, http.MethodPut, srv.URL+"/archive", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode, "duplicate bucket")
	require.Equal(t, "BucketAlreadyOwnedByYou", s3Code(t, body), "error code")

	resp, _ = do(t, http.MethodHead, srv.URL+"/archive", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket exists")

	resp, body = do(t, http.MethodPut, srv.URL+"/Not_Valid", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "invalid name")
	require.Equal(t, "InvalidBucketName", s3Code(t, body), "error code")

	resp, _ = do(t, http.MethodPut, srv.URL+"/archive/obj", strings.NewReader("x"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "put object")

	resp, body = do(t, http.MethodDelete, srv.URL+"/archive", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode, "non-empty bucket")
	require.Equal(t, "BucketNotEmpty", s3Code(t, body), "error code")

	resp, _ = do(t, http.MethodDelete, srv.URL+"/archive/obj", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "delete object")

	resp, _ = do(t, http.MethodDelete, srv.URL+"/archive", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "delete empty bucket")
}

func TestObjectPutGetRange(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	do(t, http.MethodPut, srv.URL+"/archive", nil, nil)

	resp, body := do(t, http.MethodPut, srv.URL+"/missing/obj", strings.NewReader("x"), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "missing bucket")
	require.Equal(t, "NoSuchBucket", s3Code(t, body), "error code")

	resp, _ = do(t, http.MethodPut, srv.URL+"/archive/logs-1-2024-01-01", strings.NewReader("0123456789"), map[string]string{"Content-Type": "application/zstd"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "put")
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag, "etag returned")

	resp, body = do(t, http.MethodGet, srv.URL+"/archive/logs-1-2024-01-01", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "get")
	require.Equal(t, "0123456789", string(body), "whole object")
	require.Equal(t, "application/zstd", resp.Header.Get("Content-Type"), "content type kept")
	require.Equal(t, etag, resp.Header.Get("ETag"), "same etag")

	resp, body = do(t, http.MethodGet, srv.URL+"/archive/logs-1-2024-01-01", nil, map[string]string{"Range": "bytes=2-5"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode, "range get")
	require.Equal(t, "2345", string(body), "inclusive range")

	resp, _ = do(t, http.MethodHead, srv.URL+"/archive/logs-1-2024-01-01", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "head")
	require.Equal(t, "10", resp.Header.Get("Content-Length"), "size")

	resp, body = do(t, http.MethodGet, srv.URL+"/archive/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "missing key")
	require.Equal(t, "NoSuchKey", s3Code(t, body), "error code")
}

func TestStreamingPayloadIsDecoded(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	do(t, http.MethodPut, srv.URL+"/archive", nil, nil)

	data := bytes.Repeat([]byte("abcdefgh"), 1000)
	header := map[string]string{
		"X-Amz-Content-Sha256":         "STREAMING-AWS4-HMAC-SHA256-PAYLOAD",
		"X-Amz-Decoded-Content-Length": fmt.Sprint(len(data)),
	}

	resp, _ := do(t, http.MethodPut, srv.URL+"/archive/obj", bytes.NewReader(chunked(data, 1500)), header)
	require.Equal(t, http.StatusOK, resp.StatusCode, "streaming put")

	_, body := do(t, http.MethodGet, srv.URL+"/archive/obj", nil, nil)
	require.Equal(t, data, body, "decoded payload stored")

	header["X-Amz-Decoded-Content-Length"] = fmt.Sprint(len(data) + 1)
	resp, body = do(t, http.MethodPut, srv.URL+"/archive/obj2", bytes.NewReader(chunked(data, 1500)), header)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "length mismatch rejected")
	require.Equal(t, "IncompleteBody", s3Code(t, body), "error code")
}

func TestListObjectsV2(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	do(t, http.MethodPut, srv.URL+"/archive", nil, nil)

	for _, key := range []string{"logs-1", "logs-2", "logs-3", "logs_x", "metrics-1"} {
		resp, _ := do(t, http.MethodPut, srv.URL+"/archive/"+key, strings.NewReader(key), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "put %s", key)
	}

	list := func(query string) coldstore.ListBucketResultV2 {
		resp, body := do(t, http.MethodGet, srv.URL+"/archive?list-type=2&"+query, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "list %s", query)
		var out coldstore.ListBucketResultV2
		require.NoError(t, xml.Unmarshal(body, &out), "decode list")
		return out
	}

	keys := func(res coldstore.ListBucketResultV2) []string {
		var out []string
		for _, c := range res.Contents {
			out = append(out, c.Key)
		}
		return out
	}

	page := list("prefix=logs-&max-keys=2")
	require.Equal(t, []string{"logs-1", "logs-2"}, keys(page), "first page")
	require.True(t, page.IsTruncated, "more to come")

	page = list("prefix=logs-&max-keys=2&continuation-token=" + page.NextContinuationToken)
	require.Equal(t, []string{"logs-3"}, keys(page), "second page")
	require.False(t, page.IsTruncated, "done")

	page = list("delimiter=-")
	require.Equal(t, []string{"logs_x"}, keys(page), "ungrouped keys")
	require.Len(t, page.CommonPrefixes, 2, "logs- and metrics-")
}

func TestMultipartUpload(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	do(t, http.MethodPut, srv.URL+"/archive", nil, nil)

	resp, body := do(t, http.MethodPost, srv.URL+"/archive/seg?uploads", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "initiate")
	var initiated coldstore.InitiateMultipartUploadResult
	require.NoError(t, xml.Unmarshal(body, &initiated), "decode initiate")
	require.NotEmpty(t, initiated.UploadID, "upload id")

	base := srv.URL + "/archive/seg?uploadId=" + initiated.UploadID
	etags := make(map[int]string)
	for n, part := range map[int]string{1: "hello ", 2: "cold ", 3: "world"} {
		resp, _ := do(t, http.MethodPut, fmt.Sprintf("%s&partNumber=%d", base, n), strings.NewReader(part), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "part %d", n)
		etags[n] = resp.Header.Get("ETag")
	}

	complete := func(parts ...int) (*http.Response, []byte) {
		req := coldstore.CompleteMultipartUpload{}
		for _, n := range parts {
			req.Parts = append(req.Parts, coldstore.CompletePart{PartNumber: n, ETag: etags[n]})
		}
		payload, err := xml.Marshal(req)
		require.NoError(t, err, "encode complete")
		return do(t, http.MethodPost, base, bytes.NewReader(payload), nil)
	}

	resp, body = complete(2, 1, 3)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "unordered parts")
	require.Equal(t, "InvalidPartOrder", s3Code(t, body), "error code")

	resp, body = complete()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "no parts")
	require.Equal(t, "MalformedXML", s3Code(t, body), "error code")

	resp, _ = complete(1, 2, 3)
	require.Equal(t, http.StatusOK, resp.StatusCode, "complete")

	_, body = do(t, http.MethodGet, srv.URL+"/archive/seg", nil, nil)
	require.Equal(t, "hello cold world", string(body), "parts concatenated in order")

	resp, body = do(t, http.MethodPut, base+"&partNumber=4", strings.NewReader("late"), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "completed upload is gone")
	require.Equal(t, "NoSuchUpload", s3Code(t, body), "error code")
}

func TestAbortMultipartUpload(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	do(t, http.MethodPut, srv.URL+"/archive", nil, nil)

	_, body := do(t, http.MethodPost, srv.URL+"/archive/seg?uploads", nil, nil)
	var initiated coldstore.InitiateMultipartUploadResult
	require.NoError(t, xml.Unmarshal(body, &initiated), "decode initiate")

	base := srv.URL + "/archive/seg?uploadId=" + initiated.UploadID
	resp, _ := do(t, http.MethodPut, base+"&partNumber=1", strings.NewReader("data"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "part")

	resp, _ = do(t, http.MethodDelete, base, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "abort")

	resp, body = do(t, http.MethodDelete, base, nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "second abort")
	require.Equal(t, "NoSuchUpload", s3Code(t, body), "error code")

	resp, _ = do(t, http.MethodGet, srv.URL+"/archive/seg", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "no object created")
}

func TestOverwriteKeepsSharedPayload(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	do(t, http.MethodPut, srv.URL+"/archive", nil, nil)

	do(t, http.MethodPut, srv.URL+"/archive/a", strings.NewReader("same"), nil)
	do(t, http.MethodPut, srv.URL+"/archive/b", strings.NewReader("same"), nil)

	// Replacing a releases nothing b still needs.
	do(t, http.MethodPut, srv.URL+"/archive/a", strings.NewReader("different"), nil)
	resp, body := do(t, http.MethodGet, srv.URL+"/archive/b", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "b readable")
	require.Equal(t, "same", string(body), "b intact")

	_, body = do(t, http.MethodGet, srv.URL+"/archive/a", nil, nil)
	require.Equal(t, "different", string(body), "a replaced")
}
