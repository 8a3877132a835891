package coldtier_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"objcache/internal/coldtier"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeMultipart is an in-memory multipart backend. failures maps a part
// number to how many attempts should fail before one succeeds.
type fakeMultipart struct {
	mu        sync.Mutex
	nextID    int
	parts     map[string]map[int][]byte
	objects   map[string][]byte
	failures  map[int]int
	completed [][]coldtier.Part
	aborted   []string
	attempts  map[int]int
	calledAt  map[int][]time.Time

	// block, if set, is closed by the test to release UploadPart calls.
	block chan struct{}
}

func newFakeMultipart() *fakeMultipart {
	return &fakeMultipart{
		parts:    make(map[string]map[int][]byte),
		objects:  make(map[string][]byte),
		failures: make(map[int]int),
		attempts: make(map[int]int),
		calledAt: make(map[int][]time.Time),
	}
}

func (f *fakeMultipart) CreateSession(ctx context.Context, bucket, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.parts[id] = make(map[int][]byte)
	return id, nil
}

func (f *fakeMultipart) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int, r io.Reader, size int64) (string, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if int64(len(data)) != size {
		return "", fmt.Errorf("part %d: read %d bytes, want %d", partNumber, len(data), size)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[partNumber]++
	f.calledAt[partNumber] = append(f.calledAt[partNumber], time.Now())
	if f.failures[partNumber] > 0 {
		f.failures[partNumber]--
		return "", errors.New("connection reset by peer")
	}
	f.parts[uploadID][partNumber] = data
	return fmt.Sprintf("\"etag-%d\"", partNumber), nil
}

func (f *fakeMultipart) CompleteSession(ctx context.Context, bucket, key, uploadID string, parts []coldtier.Part) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 && parts[i-1].Number >= p.Number {
			return errors.New("parts out of order")
		}
		buf.Write(f.parts[uploadID][p.Number])
	}
	f.objects[bucket+"/"+key] = buf.Bytes()
	f.completed = append(f.completed, parts)
	delete(f.parts, uploadID)
	return nil
}

func (f *fakeMultipart) AbortSession(ctx context.Context, bucket, key, uploadID string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, uploadID)
	delete(f.parts, uploadID)
	return nil
}

type countingObserver struct {
	retries atomic.Int64
	aborts  atomic.Int64
}

func (o *countingObserver) UploadRetried() { o.retries.Add(1) }
func (o *countingObserver) UploadAborted() { o.aborts.Add(1) }

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func TestUploadSplitsIntoOrderedParts(t *testing.T) {
	t.Parallel()

	client := newFakeMultipart()
	uploader := coldtier.NewUploader(client, coldtier.WithBaseDelay(time.Millisecond), coldtier.WithConcurrency(3))

	data := payload(1050)
	sess, err := uploader.Upload(t.Context(), "archive", "logs-1-2024-01-01", bytes.NewReader(data), int64(len(data)), 100)
	require.NoError(t, err, "upload")
	require.Equal(t, coldtier.Completed, sess.State, "session completed")
	require.Len(t, sess.Parts, 11, "ceil(1050/100) parts")

	for i, p := range sess.Parts {
		require.Equalf(t, i+1, p.Number, "part %d number", i)
	}
	require.EqualValues(t, 50, sess.Parts[10].Size, "last part holds the remainder")
	require.Equal(t, data, client.objects["archive/logs-1-2024-01-01"], "object reassembled")
}

func TestUploadRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	client := newFakeMultipart()
	client.failures[2] = 3
	observer := &countingObserver{}
	uploader := coldtier.NewUploader(client, coldtier.WithBaseDelay(time.Millisecond), coldtier.WithObserver(observer))

	data := payload(300)
	sess, err := uploader.Upload(t.Context(), "archive", "key", bytes.NewReader(data), int64(len(data)), 100)
	require.NoError(t, err, "upload succeeds once retries land")
	require.Equal(t, coldtier.Completed, sess.State, "completed")
	require.Equal(t, 4, client.attempts[2], "three failures and one success")
	require.EqualValues(t, 3, observer.retries.Load(), "retries observed")
	require.Empty(t, client.aborted, "nothing aborted")
	require.Equal(t, data, client.objects["archive/key"], "object intact")
}

func TestUploadAbortsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	client := newFakeMultipart()
	client.failures[1] = 100
	observer := &countingObserver{}
	uploader := coldtier.NewUploader(client, coldtier.WithBaseDelay(time.Millisecond), coldtier.WithObserver(observer))

	sess, err := uploader.Upload(t.Context(), "archive", "key", bytes.NewReader(payload(10)), 10, 100)
	require.Error(t, err, "upload must fail")
	require.ErrorIs(t, err, coldtier.ErrFatalUpload, "fatal error kind")
	require.ErrorIs(t, err, coldtier.ErrUpload, "last attempt error is wrapped")

	var fatal *coldtier.FatalUploadError
	require.ErrorAs(t, err, &fatal, "typed error")
	require.Equal(t, coldtier.MaxAttempts, fatal.Attempts, "all attempts used")
	require.Equal(t, 1, fatal.Part, "failing part reported")
	require.Equal(t, "key", fatal.Key, "key reported")
	require.NotEmpty(t, fatal.UploadID, "upload id reported")

	require.Equal(t, coldtier.Aborted, sess.State, "session aborted")
	require.Equal(t, []string{fatal.UploadID}, client.aborted, "abort issued once")
	require.EqualValues(t, 1, observer.aborts.Load(), "abort observed")
	require.Equal(t, coldtier.MaxAttempts, client.attempts[1], "exactly MaxAttempts tries")
	require.Empty(t, client.objects, "no object created")
}

func TestUploadRetryDelaysDouble(t *testing.T) {
	t.Parallel()

	const base = 20 * time.Millisecond

	client := newFakeMultipart()
	client.failures[1] = coldtier.MaxAttempts
	observer := &countingObserver{}
	uploader := coldtier.NewUploader(client, coldtier.WithBaseDelay(base), coldtier.WithObserver(observer))

	data := payload(10)
	_, err := uploader.Upload(t.Context(), "archive", "k", bytes.NewReader(data), int64(len(data)), 10)

	var fatal *coldtier.FatalUploadError
	require.ErrorAs(t, err, &fatal, "exhausted retries are fatal")
	require.Equal(t, coldtier.MaxAttempts, fatal.Attempts, "attempts reported")
	require.Len(t, client.aborted, 1, "session aborted")
	require.Empty(t, client.objects, "no object left behind")
	require.EqualValues(t, coldtier.MaxAttempts-1, observer.retries.Load(), "one notification per retry")

	calls := client.calledAt[1]
	require.Len(t, calls, coldtier.MaxAttempts, "attempt times")
	for i := 1; i < len(calls); i++ {
		want := base << (i - 1)
		gap := calls[i].Sub(calls[i-1])
		require.GreaterOrEqualf(t, gap, want, "wait before attempt %d", i+1)
		require.Lessf(t, gap, 2*want+100*time.Millisecond, "wait before attempt %d does not skip a step", i+1)
	}
}

func TestUploadAbortsOnCancellation(t *testing.T) {
	t.Parallel()

	client := newFakeMultipart()
	client.block = make(chan struct{})
	uploader := coldtier.NewUploader(client, coldtier.WithBaseDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(20*time.Millisecond, cancel)

	sess, err := uploader.Upload(ctx, "archive", "key", bytes.NewReader(payload(500)), 500, 100)
	require.ErrorIs(t, err, context.Canceled, "cancellation surfaces")
	require.ErrorIs(t, err, coldtier.ErrFatalUpload, "as a fatal upload error")
	require.Equal(t, coldtier.Aborted, sess.State, "session aborted")
	require.Len(t, client.aborted, 1, "abort ran on a detached context")
}

func TestUploadEmptyObject(t *testing.T) {
	t.Parallel()

	client := newFakeMultipart()
	uploader := coldtier.NewUploader(client, coldtier.WithBaseDelay(time.Millisecond))

	sess, err := uploader.Upload(t.Context(), "archive", "empty", bytes.NewReader(nil), 0, 0)
	require.NoError(t, err, "upload")
	require.Len(t, sess.Parts, 1, "one empty part")
	require.EqualValues(t, 0, sess.Parts[0].Size, "empty part")

	obj, ok := client.objects["archive/empty"]
	require.True(t, ok, "object created")
	require.Empty(t, obj, "object is empty")
}

func TestPartSizePolicy(t *testing.T) {
	t.Parallel()

	require.Equal(t, int64(8_000_000), coldtier.PartSize(0), "small object")
	require.Equal(t, int64(8_000_000), coldtier.PartSize(100_000_000), "boundary is exclusive")
	require.Equal(t, int64(10_000_000), coldtier.PartSize(100_000_001), "large object")
	require.Equal(t, int64(10_000_000), coldtier.PartSize(5_000_000_000_000), "boundary is exclusive")
	require.Equal(t, int64(100_000_000), coldtier.PartSize(5_000_000_000_001), "huge object")
}

func TestFatalUploadErrorMessage(t *testing.T) {
	t.Parallel()

	err := &coldtier.FatalUploadError{Key: "k", UploadID: "u", Part: 3, Attempts: 5, Err: errors.New("boom")}
	require.Equal(t, `upload k (id "u") part 3 failed after 5 attempts: boom`, err.Error(), "message")
	require.True(t, errors.Is(err, coldtier.ErrFatalUpload), "matches sentinel")
}
