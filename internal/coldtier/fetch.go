package coldtier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"objcache/internal/types"
	"sort"
)

// Fetcher resolves logical ranges against archived segments: it finds the
// merged manifest listing the range and reads the bytes from the segment
// object.
type Fetcher struct {
	reader ObjectReader
	bucket string
}

func NewFetcher(reader ObjectReader, bucket string) *Fetcher {
	return &Fetcher{reader: reader, bucket: bucket}
}

// Manifest downloads and decodes the merged manifest of an archived segment.
func (f *Fetcher) Manifest(ctx context.Context, id types.SegmentID) ([]types.ManifestEntry, error) {
	raw, err := f.reader.Get(ctx, f.bucket, id.ManifestKey())
	if err != nil {
		return nil, err
	}

	var entries []types.ManifestEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", id.ManifestKey(), err)
	}
	return entries, nil
}

// segments lists archived segment ids of collection, newest day first.
func (f *Fetcher) segments(ctx context.Context, collection string) ([]types.SegmentID, error) {
	keys, err := f.reader.List(ctx, f.bucket, collection+"-")
	if err != nil {
		return nil, err
	}

	type candidate struct {
		id   types.SegmentID
		info types.SegmentInfo
	}
	var found []candidate
	for _, key := range keys {
		id, ok := types.SegmentIDFromManifestKey(key)
		if !ok {
			continue
		}
		info, err := id.Parse()
		if err != nil || info.Collection != collection {
			continue
		}
		found = append(found, candidate{id: id, info: info})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if !found[i].info.Day.Equal(found[j].info.Day) {
			return found[i].info.Day.After(found[j].info.Day)
		}
		return found[i].info.PID > found[j].info.PID
	})

	ids := make([]types.SegmentID, len(found))
	for i, c := range found {
		ids[i] = c.id
	}
	return ids, nil
}

// Fetch returns the bytes and manifest entry of collection's range rng.
func (f *Fetcher) Fetch(ctx context.Context, collection string, rng types.Range) ([]byte, types.ManifestEntry, error) {
	ids, err := f.segments(ctx, collection)
	if err != nil {
		return nil, types.ManifestEntry{}, err
	}

	for _, id := range ids {
		entries, err := f.Manifest(ctx, id)
		if errors.Is(err, ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, types.ManifestEntry{}, err
		}

		for _, entry := range entries {
			if entry.Start != rng.Start || entry.End != rng.End {
				continue
			}

			physical := types.Range{Start: entry.SegmentOffset, End: entry.SegmentOffset + entry.Len()}
			data, err := f.reader.GetRange(ctx, f.bucket, string(id), physical)
			if err != nil {
				return nil, types.ManifestEntry{}, err
			}
			slog.Debug("Fetched range from cold tier", "segment", id, "range", rng)
			return data, entry, nil
		}
	}
	return nil, types.ManifestEntry{}, fmt.Errorf("%w: %s %s", ErrObjectNotFound, collection, rng)
}
