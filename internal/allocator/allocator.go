// Package allocator hands out gapless, non-overlapping byte ranges per
// (collection, UTC day). Every backend performs a single atomic
// add-and-return against a durable counter; the range is derived from the
// returned total, so no locking happens in this process.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"objcache/internal/types"
	"time"
)

var (
	// ErrUnavailable means the counter store could not be reached. Callers
	// may retry; no range has been reserved.
	ErrUnavailable = errors.New("allocator store unavailable")

	// ErrConflict means the store rejected the update.
	ErrConflict = errors.New("allocator store conflict")

	ErrInvalidLength = errors.New("allocation length must not be negative")
)

// Allocator reserves ranges for writes. AllocateOn draws from the counter of
// the UTC day containing day, so a caller can pin a write's range and its
// segment to the same day; Allocate uses the allocator's clock.
type Allocator interface {
	Allocate(ctx context.Context, collection string, length int64) (types.Range, error)
	AllocateOn(ctx context.Context, collection string, day time.Time, length int64) (types.Range, error)
	Close() error
}

// Option configures the shared allocator settings.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces the clock used to derive the day component of the key.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func dayKey(day time.Time) string {
	return day.UTC().Format(types.DayLayout)
}

// rangeFromTotal converts the post-increment total into the reserved range.
func rangeFromTotal(total, length int64) (types.Range, error) {
	r := types.Range{Start: total - length, End: total}
	if !r.Valid() {
		return types.Range{}, fmt.Errorf("%w: store returned total %d for length %d", ErrConflict, total, length)
	}
	return r, nil
}

func validate(collection string, length int64) error {
	if err := types.ValidateCollection(collection); err != nil {
		return err
	}
	if length < 0 {
		return ErrInvalidLength
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
