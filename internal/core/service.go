// Package core ties the allocator, segment store, local cache and cold tier
// together into the object cache's write and read paths.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"objcache/internal/codec"
	"objcache/internal/coldtier"
	"objcache/internal/metrics"
	"objcache/internal/segment"
	"objcache/internal/types"
)

const DefaultContentType = "application/octet-stream"

var (
	// ErrNotFound is returned by Read when no tier holds the range.
	ErrNotFound = errors.New("range not found")

	// ErrMisconfigured is returned by New when a required component is missing.
	ErrMisconfigured = errors.New("service misconfigured")
)

// Object is a stored blob as read back. Data stays compressed.
type Object struct {
	Data        []byte
	Compression string
	ContentType string

	// Tier is the metrics tier that served the read.
	Tier string
}

type Service struct {
	cfg Config
}

func New(opts ...Option) (*Service, error) {
	cfg := NewConfig(opts...)

	var missing []error
	if cfg.Allocator == nil {
		missing = append(missing, fmt.Errorf("%w: no allocator", ErrMisconfigured))
	}
	if cfg.Segments == nil {
		missing = append(missing, fmt.Errorf("%w: no segment store", ErrMisconfigured))
	}
	if cfg.Cache == nil {
		missing = append(missing, fmt.Errorf("%w: no cache", ErrMisconfigured))
	}
	if cfg.Codec == nil {
		missing = append(missing, fmt.Errorf("%w: no codec", ErrMisconfigured))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}

	return &Service{cfg: cfg}, nil
}

// Write stores data with the default content type.
func (s *Service) Write(ctx context.Context, collection string, data []byte) (string, error) {
	return s.WriteContent(ctx, collection, DefaultContentType, data)
}

// WriteContent compresses data, reserves its logical range, appends it to
// the collection's segment and returns the pointer to it.
func (s *Service) WriteContent(ctx context.Context, collection, contentType string, data []byte) (string, error) {
	if err := types.ValidateCollection(collection); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = DefaultContentType
	}

	compressed, err := s.cfg.Codec.Compress(data)
	if err != nil {
		s.cfg.Metrics.WriteFailed("compress")
		return "", err
	}

	// One clock reading picks the day for both the counter and the segment.
	now := s.cfg.Now()

	logical, err := s.cfg.Allocator.AllocateOn(ctx, collection, now, int64(len(compressed)))
	if err != nil {
		s.cfg.Metrics.WriteFailed("allocate")
		return "", fmt.Errorf("allocate %d bytes in %s: %w", len(compressed), collection, err)
	}

	entry := types.ManifestEntry{
		CreationDate: types.FormatCreationDate(now),
		ContentType:  contentType,
		Compression:  s.cfg.Codec.Name(),
		Start:        logical.Start,
		End:          logical.End,
	}
	loc, err := s.cfg.Segments.AppendEntry(ctx, collection, now, compressed, entry)
	if err != nil {
		// The logical range stays reserved and unreadable.
		s.cfg.Metrics.WriteFailed("append")
		slog.Error("Failed to append to segment", "collection", collection, "range", logical, "err", err)
		return "", err
	}

	s.remember(collection, logical, compressed)
	s.cfg.Metrics.ObjectWritten(len(compressed))

	slog.Debug("Object written", "collection", collection, "range", logical, "segment", loc.Segment, "offset", loc.Entry.SegmentOffset)
	return types.Pointer(collection, logical), nil
}

// remember puts a payload in the local cache. Failures only cost a later
// segment read, so they are logged and dropped.
func (s *Service) remember(collection string, rng types.Range, data []byte) {
	uid := types.CacheUID(collection, rng)
	if _, err := s.cfg.Cache.Write(uid, data); err != nil {
		slog.Warn("Failed to cache object", "uid", uid, "err", err)
		return
	}
	s.cfg.Metrics.CacheUsed(s.cfg.Cache.Used())
}

// Read returns the compressed bytes stored at rng, looking in the local
// cache, then the segment store, then the cold tier.
func (s *Service) Read(ctx context.Context, collection string, rng types.Range) (Object, error) {
	if err := types.ValidateCollection(collection); err != nil {
		return Object{}, err
	}
	if !rng.Valid() {
		return Object{}, fmt.Errorf("%w: %s", types.ErrInvalidRange, rng)
	}

	if data, ok := s.cfg.Cache.Read(types.CacheUID(collection, rng)); ok {
		s.cfg.Metrics.ObjectRead(metrics.TierCache)
		// The cache keeps bytes only; they were written with this codec.
		return Object{Data: data, Compression: s.cfg.Codec.Name(), Tier: metrics.TierCache}, nil
	}

	obj, err := s.readSegment(ctx, collection, rng)
	if err == nil {
		return s.served(collection, rng, obj), nil
	}
	if !errors.Is(err, segment.ErrNotFound) {
		return Object{}, err
	}

	if s.cfg.Cold != nil {
		data, entry, err := s.cfg.Cold.Fetch(ctx, collection, rng)
		switch {
		case err == nil:
			return s.served(collection, rng, Object{
				Data:        data,
				Compression: entry.Compression,
				ContentType: entry.ContentType,
				Tier:        metrics.TierCold,
			}), nil
		case !errors.Is(err, coldtier.ErrObjectNotFound):
			return Object{}, fmt.Errorf("cold tier read %s %s: %w", collection, rng, err)
		}
	}

	s.cfg.Metrics.ObjectRead(metrics.TierMiss)
	return Object{}, fmt.Errorf("%w: %s %s", ErrNotFound, collection, rng)
}

func (s *Service) readSegment(ctx context.Context, collection string, rng types.Range) (Object, error) {
	loc, err := s.cfg.Segments.Locate(ctx, collection, rng)
	if err != nil {
		return Object{}, err
	}

	data, err := s.cfg.Segments.Read(ctx, collection, loc.Segment, loc.Physical())
	if err != nil {
		return Object{}, err
	}
	return Object{
		Data:        data,
		Compression: loc.Entry.Compression,
		ContentType: loc.Entry.ContentType,
		Tier:        metrics.TierSegment,
	}, nil
}

func (s *Service) served(collection string, rng types.Range, obj Object) Object {
	s.cfg.Metrics.ObjectRead(obj.Tier)
	s.remember(collection, rng, obj.Data)
	return obj
}

// Decode returns the uncompressed payload of obj.
func (s *Service) Decode(obj Object) ([]byte, error) {
	if obj.Compression == s.cfg.Codec.Name() {
		return s.cfg.Codec.Decompress(obj.Data)
	}
	c, err := codec.Lookup(obj.Compression)
	if err != nil {
		return nil, err
	}
	return c.Decompress(obj.Data)
}
