// Package coldtier moves finished segments into S3-compatible object
// storage and reads them back. Uploads always go through the multipart API
// with per-part retries; a session that cannot finish is aborted so no
// partial object is left behind.
package coldtier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

const (
	MaxAttempts        = 5
	DefaultConcurrency = 4
	DefaultBaseDelay   = time.Second

	abortTimeout = 30 * time.Second
)

// Part is one uploaded chunk of a session.
type Part struct {
	Number int
	ETag   string
	Size   int64
}

// MultipartClient is the multipart upload API of an object store.
type MultipartClient interface {
	CreateSession(ctx context.Context, bucket, key string) (string, error)
	UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error)
	CompleteSession(ctx context.Context, bucket, key, uploadID string, parts []Part) error
	AbortSession(ctx context.Context, bucket, key, uploadID string) error
}

type State int

const (
	Created State = iota
	UploadingParts
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case UploadingParts:
		return "uploading_parts"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Session tracks one multipart upload.
type Session struct {
	UploadID string
	Bucket   string
	Key      string
	State    State
	Parts    []Part
}

// Observer is notified of retries and aborts.
type Observer interface {
	UploadRetried()
	UploadAborted()
}

type UploaderOption func(*Uploader)

func WithConcurrency(n int) UploaderOption {
	return func(u *Uploader) {
		if n > 0 {
			u.concurrency = n
		}
	}
}

// WithBaseDelay sets the wait before the first retry; it doubles on each
// further attempt.
func WithBaseDelay(d time.Duration) UploaderOption {
	return func(u *Uploader) {
		u.baseDelay = d
	}
}

func WithObserver(o Observer) UploaderOption {
	return func(u *Uploader) {
		u.observer = o
	}
}

type Uploader struct {
	client      MultipartClient
	concurrency int
	baseDelay   time.Duration
	observer    Observer
}

func NewUploader(client MultipartClient, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		client:      client,
		concurrency: DefaultConcurrency,
		baseDelay:   DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// policy waits baseDelay * 2^(attempt-1) between attempts, up to MaxAttempts
// attempts in total.
func (u *Uploader) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = u.baseDelay << MaxAttempts
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(b, MaxAttempts-1), ctx)
}

// retry runs op under the retry policy and reports how many attempts ran.
func retry[T any](ctx context.Context, u *Uploader, log *slog.Logger, op func(ctx context.Context) (T, error)) (T, int, error) {
	attempts := 0
	res, err := backoff.RetryNotifyWithData(func() (T, error) {
		attempts++
		v, err := op(ctx)
		if err != nil {
			return v, fmt.Errorf("%w: attempt %d: %w", ErrUpload, attempts, err)
		}
		return v, nil
	}, u.policy(ctx), func(err error, wait time.Duration) {
		log.Warn("Retrying upload", "attempt", attempts, "wait", wait, "err", err)
		if u.observer != nil {
			u.observer.UploadRetried()
		}
	})
	return res, attempts, err
}

func (u *Uploader) abort(ctx context.Context, sess *Session, log *slog.Logger) {
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
	defer cancel()

	if err := u.client.AbortSession(abortCtx, sess.Bucket, sess.Key, sess.UploadID); err != nil {
		log.Error("Failed to abort upload", "err", err)
	} else {
		log.Warn("Aborted upload")
	}
	sess.State = Aborted
	if u.observer != nil {
		u.observer.UploadAborted()
	}
}

// Upload copies size bytes from src to bucket/key in parts of partSize
// bytes. A non-positive partSize selects PartSize(size).
func (u *Uploader) Upload(ctx context.Context, bucket, key string, src io.ReaderAt, size, partSize int64) (*Session, error) {
	if size < 0 {
		return nil, fmt.Errorf("upload %s: negative size %d", key, size)
	}
	if partSize <= 0 {
		partSize = PartSize(size)
	}

	log := slog.With("bucket", bucket, "key", key)

	uploadID, attempts, err := retry(ctx, u, log, func(ctx context.Context) (string, error) {
		return u.client.CreateSession(ctx, bucket, key)
	})
	if err != nil {
		return nil, &FatalUploadError{Key: key, Attempts: attempts, Err: err}
	}

	sess := &Session{UploadID: uploadID, Bucket: bucket, Key: key, State: Created}
	log = log.With("upload_id", uploadID)
	log.Debug("Started multipart upload", "size", size, "part_size", partSize)

	sess.State = UploadingParts
	count := partCount(size, partSize)
	parts := make([]Part, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)

	for i := range count {
		number := i + 1
		offset := int64(i) * partSize
		length := min(partSize, size-offset)

		g.Go(func() error {
			etag, attempts, err := retry(gctx, u, log.With("part", number), func(ctx context.Context) (string, error) {
				return u.client.UploadPart(ctx, bucket, key, uploadID, number, io.NewSectionReader(src, offset, length), length)
			})
			if err != nil {
				return &FatalUploadError{Key: key, UploadID: uploadID, Part: number, Attempts: attempts, Err: err}
			}
			parts[i] = Part{Number: number, ETag: etag, Size: length}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// Parts that stopped because a sibling failed report the
		// cancellation; the caller's context error takes precedence over
		// the sibling's.
		if ctxErr := ctx.Err(); ctxErr != nil {
			var fatal *FatalUploadError
			if errors.As(err, &fatal) {
				fatal.Err = ctxErr
			}
		}
		u.abort(ctx, sess, log)
		return sess, err
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })

	_, attempts, err = retry(ctx, u, log, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, u.client.CompleteSession(ctx, bucket, key, uploadID, parts)
	})
	if err != nil {
		u.abort(ctx, sess, log)
		return sess, &FatalUploadError{Key: key, UploadID: uploadID, Attempts: attempts, Err: err}
	}

	sess.Parts = parts
	sess.State = Completed
	log.Info("Completed multipart upload", "parts", len(parts), "size", size)
	return sess, nil
}

// UploadFile uploads the file at path using the default part size policy.
func (u *Uploader) UploadFile(ctx context.Context, bucket, key, path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return u.Upload(ctx, bucket, key, f, info.Size(), PartSize(info.Size()))
}
