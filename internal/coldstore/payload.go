package coldstore

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

var errDecodedLength = errors.New("decoded length mismatch")

// isStreamingPayload reports whether the request body uses the aws-chunked
// encoding of Signature Version 4 streaming uploads, signed or not, with or
// without trailers.
func isStreamingPayload(r *http.Request) bool {
	return strings.HasPrefix(strings.ToUpper(r.Header.Get("X-Amz-Content-Sha256")), "STREAMING-")
}

// decodeStreamingPayload decodes an aws-chunked body into dst and returns the
// number of payload bytes written. Chunk signatures and trailers are not
// verified.
func decodeStreamingPayload(dst io.Writer, body io.Reader) (int64, error) {
	br := bufio.NewReader(body)

	var written int64
	buf := make([]byte, 32*1024)

	for {
		// Each chunk begins with: <size-hex>[;extensions]\r\n
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, errors.New("unexpected EOF while reading chunk header")
			}
			return 0, fmt.Errorf("read chunk header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		// Strip any chunk extensions (e.g. ";chunk-signature=...").
		if idx := strings.IndexByte(line, ';'); idx != -1 {
			line = line[:idx]
		}

		sizeHex := strings.TrimSpace(line)
		size, err := strconv.ParseInt(sizeHex, 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parse chunk size %q: %w", sizeHex, err)
		}
		if size < 0 {
			return 0, fmt.Errorf("negative chunk size %d", size)
		}

		if size == 0 {
			// Trailers, if any, follow the final chunk and are ignored.
			break
		}

		limited := &io.LimitedReader{R: br, N: size}
		n, err := io.CopyBuffer(dst, limited, buf)
		if err != nil {
			return 0, fmt.Errorf("read chunk body: %w", err)
		}
		if n != size {
			return 0, fmt.Errorf("short read while reading chunk body: expected %d bytes, got %d", size, n)
		}
		written += n

		// Consume the trailing CRLF after the chunk body.
		if b, err := br.ReadByte(); err != nil || b != '\r' {
			if err == nil {
				return 0, fmt.Errorf("expected CR after chunk, got %q", b)
			}
			return 0, fmt.Errorf("read CR after chunk: %w", err)
		}
		if b, err := br.ReadByte(); err != nil || b != '\n' {
			if err == nil {
				return 0, fmt.Errorf("expected LF after chunk, got %q", b)
			}
			return 0, fmt.Errorf("read LF after chunk: %w", err)
		}
	}

	return written, nil
}

// receivePayload copies the request body into dst, decoding aws-chunked
// bodies, and returns the payload size and SHA-256 hex digest.
func receivePayload(dst io.Writer, r *http.Request) (int64, string, error) {
	h := sha256.New()
	w := io.MultiWriter(dst, h)

	if !isStreamingPayload(r) {
		n, err := io.Copy(w, r.Body)
		if err != nil {
			return 0, "", fmt.Errorf("read request body: %w", err)
		}
		return n, hex.EncodeToString(h.Sum(nil)), nil
	}

	n, err := decodeStreamingPayload(w, r.Body)
	if err != nil {
		return 0, "", err
	}

	if raw := r.Header.Get("X-Amz-Decoded-Content-Length"); raw != "" {
		expected, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || expected < 0 {
			return 0, "", fmt.Errorf("invalid X-Amz-Decoded-Content-Length %q", raw)
		}
		if expected != n {
			return 0, "", fmt.Errorf("%w: expected %d bytes, got %d", errDecodedLength, expected, n)
		}
	}

	return n, hex.EncodeToString(h.Sum(nil)), nil
}
