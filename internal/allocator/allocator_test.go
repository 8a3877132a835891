package allocator_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"objcache/internal/allocator"
	"objcache/internal/types"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/gomodule/redigo/redis"
	"github.com/stretchr/testify/require"
)

// requireGapless checks that ranges are pairwise disjoint and cover
// [0, total) exactly.
func requireGapless(t *testing.T, ranges []types.Range, total int64) {
	t.Helper()

	sorted := append([]types.Range(nil), ranges...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start == sorted[j].Start {
			return sorted[i].End < sorted[j].End
		}
		return sorted[i].Start < sorted[j].Start
	})

	var next int64
	for _, r := range sorted {
		require.Equalf(t, next, r.Start, "range %s does not start where the previous one ended", r)
		require.GreaterOrEqualf(t, r.End, r.Start, "range %s is inverted", r)
		next = r.End
	}
	require.Equal(t, total, next, "union of ranges must end at the sum of lengths")
}

// allocateConcurrently runs n allocations of random non-zero length and
// returns the ranges together with the sum of the lengths.
func allocateConcurrently(t *testing.T, alloc allocator.Allocator, collection string, n int) ([]types.Range, int64) {
	t.Helper()

	rng := rand.New(rand.NewSource(int64(n)))
	lengths := make([]int64, n)
	var total int64
	for i := range lengths {
		lengths[i] = int64(rng.Intn(4096) + 1)
		total += lengths[i]
	}

	ranges := make([]types.Range, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := alloc.Allocate(context.Background(), collection, lengths[i])
			ranges[i] = r
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoErrorf(t, err, "allocation %d", i)
		require.Equalf(t, lengths[i], ranges[i].Len(), "allocation %d length", i)
	}

	return ranges, total
}

func fixedClock(day string) func() time.Time {
	ts, err := time.Parse(types.DayLayout, day)
	if err != nil {
		panic(err)
	}
	return func() time.Time { return ts.Add(13 * time.Hour) }
}

func newSQLite(t *testing.T, opts ...allocator.Option) *allocator.SQLite {
	t.Helper()

	alloc, err := allocator.NewSQLite(t.Context(), filepath.Join(t.TempDir(), "offsets.sqlite"), opts...)
	require.NoError(t, err, "NewSQLite")
	t.Cleanup(func() { _ = alloc.Close() })
	return alloc
}

func TestSQLiteSequentialAllocation(t *testing.T) {
	t.Parallel()

	alloc := newSQLite(t)

	first, err := alloc.Allocate(t.Context(), "logs", 100)
	require.NoError(t, err, "first allocation")
	require.Equal(t, types.Range{Start: 0, End: 100}, first, "first range starts at zero")

	second, err := alloc.Allocate(t.Context(), "logs", 50)
	require.NoError(t, err, "second allocation")
	require.Equal(t, types.Range{Start: 100, End: 150}, second, "second range follows the first")

	other, err := alloc.Allocate(t.Context(), "metrics", 10)
	require.NoError(t, err, "other collection")
	require.Equal(t, types.Range{Start: 0, End: 10}, other, "collections have independent counters")
}

func TestSQLiteConcurrentAllocationIsGapless(t *testing.T) {
	t.Parallel()

	alloc := newSQLite(t)
	ranges, total := allocateConcurrently(t, alloc, "events", 64)
	requireGapless(t, ranges, total)
}

func TestSQLiteSharedFileAcrossInstances(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "shared.sqlite")
	a, err := allocator.NewSQLite(t.Context(), path)
	require.NoError(t, err, "first instance")
	defer a.Close()
	b, err := allocator.NewSQLite(t.Context(), path)
	require.NoError(t, err, "second instance")
	defer b.Close()

	const n = 40
	var (
		ranges = make([]types.Range, n)
		errs   = make([]error, n)
		total  int64
		wg     sync.WaitGroup
	)
	for i := range n {
		total += int64(i + 1)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			alloc := a
			if i%2 == 1 {
				alloc = b
			}
			ranges[i], errs[i] = alloc.Allocate(context.Background(), "shared", int64(i+1))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoErrorf(t, err, "allocation %d on shared file", i)
	}
	requireGapless(t, ranges, total)
}

func TestSQLiteCounterIsPerDay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "days.sqlite")

	monday, err := allocator.NewSQLite(t.Context(), path, allocator.WithClock(fixedClock("2024-05-06")))
	require.NoError(t, err, "monday allocator")
	defer monday.Close()

	r, err := monday.Allocate(t.Context(), "logs", 30)
	require.NoError(t, err, "monday allocation")
	require.Equal(t, types.Range{Start: 0, End: 30}, r, "monday range")

	tuesday, err := allocator.NewSQLite(t.Context(), path, allocator.WithClock(fixedClock("2024-05-07")))
	require.NoError(t, err, "tuesday allocator")
	defer tuesday.Close()

	r, err = tuesday.Allocate(t.Context(), "logs", 5)
	require.NoError(t, err, "tuesday allocation")
	require.Equal(t, types.Range{Start: 0, End: 5}, r, "a new day restarts at zero")

	total, err := tuesday.Total(t.Context(), "logs", "2024-05-06")
	require.NoError(t, err, "Total")
	require.EqualValues(t, 30, total, "monday counter untouched")
}

func TestAllocateOnUsesGivenDay(t *testing.T) {
	t.Parallel()

	alloc := newSQLite(t, allocator.WithClock(fixedClock("2024-05-07")))

	lastSecond := time.Date(2024, 5, 6, 23, 59, 59, 0, time.UTC)
	r, err := alloc.AllocateOn(t.Context(), "logs", lastSecond, 8)
	require.NoError(t, err, "allocate on monday")
	require.Equal(t, types.Range{Start: 0, End: 8}, r, "monday range")

	r, err = alloc.Allocate(t.Context(), "logs", 8)
	require.NoError(t, err, "allocate by clock")
	require.Equal(t, types.Range{Start: 0, End: 8}, r, "the clock's day has its own counter")

	monday, err := alloc.Total(t.Context(), "logs", "2024-05-06")
	require.NoError(t, err, "monday total")
	require.EqualValues(t, 8, monday, "given day charged")

	tuesday, err := alloc.Total(t.Context(), "logs", "2024-05-07")
	require.NoError(t, err, "tuesday total")
	require.EqualValues(t, 8, tuesday, "clock day charged")
}

func TestAllocateRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	alloc := newSQLite(t)

	_, err := alloc.Allocate(t.Context(), "logs", -1)
	require.ErrorIs(t, err, allocator.ErrInvalidLength, "negative length")

	_, err = alloc.Allocate(t.Context(), "../escape", 1)
	require.ErrorIs(t, err, types.ErrInvalidCollection, "invalid collection")
}

func TestSQLiteClosedStoreIsUnavailable(t *testing.T) {
	t.Parallel()

	alloc, err := allocator.NewSQLite(t.Context(), filepath.Join(t.TempDir(), "closed.sqlite"))
	require.NoError(t, err, "NewSQLite")
	require.NoError(t, alloc.Close(), "Close")

	_, err = alloc.Allocate(t.Context(), "logs", 1)
	require.ErrorIs(t, err, allocator.ErrUnavailable, "closed database must surface as unavailable")
}

// fakeRedis is an in-memory INCRBY server shared by all fake connections.
type fakeRedis struct {
	mu       sync.Mutex
	counters map[string]int64
	failing  bool
}

type fakeRedisConn struct {
	srv *fakeRedis
}

func (c *fakeRedisConn) Close() error { return nil }
func (c *fakeRedisConn) Err() error   { return nil }

func (c *fakeRedisConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	switch cmd {
	case "":
		return nil, nil
	case "PING":
		return "PONG", nil
	case "INCRBY":
		c.srv.mu.Lock()
		defer c.srv.mu.Unlock()
		if c.srv.failing {
			return nil, errors.New("connection reset by peer")
		}
		key := args[0].(string)
		c.srv.counters[key] += args[1].(int64)
		return c.srv.counters[key], nil
	}
	return nil, fmt.Errorf("unsupported command %q", cmd)
}

func (c *fakeRedisConn) Send(cmd string, args ...interface{}) error { return nil }
func (c *fakeRedisConn) Flush() error                               { return nil }
func (c *fakeRedisConn) Receive() (interface{}, error)              { return nil, nil }

func newFakeRedisPool(srv *fakeRedis) *redis.Pool {
	return &redis.Pool{
		Dial: func() (redis.Conn, error) {
			return &fakeRedisConn{srv: srv}, nil
		},
		MaxIdle: 4,
	}
}

func TestRedisConcurrentAllocationIsGapless(t *testing.T) {
	t.Parallel()

	srv := &fakeRedis{counters: make(map[string]int64)}
	alloc := allocator.NewRedis(newFakeRedisPool(srv), allocator.WithClock(fixedClock("2024-01-02")))
	defer alloc.Close()

	ranges, total := allocateConcurrently(t, alloc, "clicks", 48)
	requireGapless(t, ranges, total)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Equal(t, total, srv.counters["objcache:offset:clicks:2024-01-02"], "counter key carries collection and day")
}

func TestRedisFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	srv := &fakeRedis{counters: make(map[string]int64), failing: true}
	alloc := allocator.NewRedis(newFakeRedisPool(srv))
	defer alloc.Close()

	_, err := alloc.Allocate(t.Context(), "clicks", 10)
	require.ErrorIs(t, err, allocator.ErrUnavailable, "failed INCRBY")

	pool := &redis.Pool{Dial: func() (redis.Conn, error) { return nil, errors.New("dial tcp: refused") }}
	_, err = allocator.NewRedis(pool).Allocate(t.Context(), "clicks", 10)
	require.ErrorIs(t, err, allocator.ErrUnavailable, "failed dial")
}

// fakeDynamo applies ADD updates to an in-memory table.
type fakeDynamo struct {
	mu      sync.Mutex
	items   map[string]int64
	failErr error
}

func (f *fakeDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failErr != nil {
		return nil, f.failErr
	}
	if *params.UpdateExpression != "ADD #total :len" {
		return nil, fmt.Errorf("unexpected update expression %q", *params.UpdateExpression)
	}

	key := params.Key["counter"].(*dtypes.AttributeValueMemberS).Value
	n, err := strconv.ParseInt(params.ExpressionAttributeValues[":len"].(*dtypes.AttributeValueMemberN).Value, 10, 64)
	if err != nil {
		return nil, err
	}
	f.items[key] += n

	return &dynamodb.UpdateItemOutput{
		Attributes: map[string]dtypes.AttributeValue{
			"total": &dtypes.AttributeValueMemberN{Value: strconv.FormatInt(f.items[key], 10)},
		},
	}, nil
}

func TestDynamoConcurrentAllocationIsGapless(t *testing.T) {
	t.Parallel()

	client := &fakeDynamo{items: make(map[string]int64)}
	alloc := allocator.NewDynamo(client, "objcache-offsets", allocator.WithClock(fixedClock("2024-02-29")))

	ranges, total := allocateConcurrently(t, alloc, "orders", 32)
	requireGapless(t, ranges, total)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Equal(t, total, client.items["orders#2024-02-29"], "counter item key")
}

func TestDynamoErrors(t *testing.T) {
	t.Parallel()

	client := &fakeDynamo{items: make(map[string]int64), failErr: errors.New("throttled")}
	alloc := allocator.NewDynamo(client, "objcache-offsets")

	_, err := alloc.Allocate(t.Context(), "orders", 1)
	require.ErrorIs(t, err, allocator.ErrUnavailable, "transport failure")

	client.failErr = &dtypes.ConditionalCheckFailedException{}
	_, err = alloc.Allocate(t.Context(), "orders", 1)
	require.ErrorIs(t, err, allocator.ErrConflict, "conditional check failure")
}
