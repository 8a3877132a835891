// Package archive moves finalized segments to the cold tier. A segment is
// renamed into the staging area, its manifest fragments are merged, the data
// and merged manifest are uploaded, and only then is the local copy removed.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"objcache/internal/coldtier"
	"objcache/internal/segment"
	"objcache/internal/types"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrDirectoryBusy is returned for segments that may still receive writes.
	ErrDirectoryBusy = errors.New("segment is still being written")
	// ErrNotFound is returned when a segment is neither active nor staged.
	ErrNotFound = errors.New("segment not found")
)

// DefaultConcurrency bounds how many segments ArchiveFinalized uploads at
// once.
const DefaultConcurrency = 2

// Uploader stores one object in the cold tier.
type Uploader interface {
	Upload(ctx context.Context, bucket, key string, src io.ReaderAt, size int64, partSize int64) (*coldtier.Session, error)
}

// Observer is told about each archive outcome.
type Observer interface {
	SegmentArchived(bytes int64)
	ArchiveFailed()
}

type Option func(*Archiver)

func WithClock(now func() time.Time) Option {
	return func(a *Archiver) {
		a.now = now
	}
}

func WithConcurrency(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

func WithObserver(o Observer) Option {
	return func(a *Archiver) {
		a.observer = o
	}
}

type Archiver struct {
	store       *segment.Store
	uploader    Uploader
	bucket      string
	now         func() time.Time
	concurrency int
	observer    Observer
}

func New(store *segment.Store, uploader Uploader, bucket string, opts ...Option) *Archiver {
	a := &Archiver{
		store:       store,
		uploader:    uploader,
		bucket:      bucket,
		now:         time.Now,
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Report summarizes one ArchiveFinalized pass.
type Report struct {
	Archived []types.SegmentID `json:"archived"`
	Busy     []types.SegmentID `json:"busy"`
	Failed   []types.SegmentID `json:"failed"`
}

// busy reports whether id belongs to the current UTC day.
func (a *Archiver) busy(info types.SegmentInfo) bool {
	return info.Day.Format(types.DayLayout) == a.now().UTC().Format(types.DayLayout)
}

// stage moves the segment into the staging area and returns its staging
// directory. A staging directory left by an earlier attempt is reused.
func (a *Archiver) stage(id types.SegmentID) (string, error) {
	staging := a.store.StagingPath(id)

	if err := a.store.Seal(id); err != nil {
		slog.Warn("Seal segment before archiving", "segment", id, "err", err)
	}

	if info, err := os.Stat(staging); err == nil && info.IsDir() {
		if _, err := os.Stat(a.store.Dir(id)); err == nil {
			return "", fmt.Errorf("segment %s is both active and staged", id)
		}
		slog.Info("Resuming staged segment", "segment", id)
		return staging, nil
	}

	if err := os.Rename(a.store.Dir(id), staging); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("stage segment %s: %w", id, err)
	}
	return staging, nil
}

// collect partitions a staging directory into its data file (empty when
// there is none) and manifest fragments.
func collect(dir string) (string, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", nil, fmt.Errorf("read staging dir: %w", err)
	}

	var (
		data      string
		fragments []string
	)
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if strings.HasSuffix(entry.Name(), types.ManifestSuffix) {
			fragments = append(fragments, path)
			continue
		}
		if data != "" {
			return "", nil, fmt.Errorf("staging dir %s holds more than one data file", dir)
		}
		data = path
	}
	return data, fragments, nil
}

// MergeManifests parses every fragment and returns the entries sorted by
// start, encoded as an indented JSON array.
func MergeManifests(fragments []string) ([]types.ManifestEntry, []byte, error) {
	entries := []types.ManifestEntry{}
	for _, path := range fragments {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open manifest: %w", err)
		}
		parsed, err := segment.ParseManifest(f)
		f.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("parse manifest %s: %w", filepath.Base(path), err)
		}
		entries = append(entries, parsed...)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Start < entries[j].Start
	})

	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode manifest: %w", err)
	}
	return entries, raw, nil
}

// Archive uploads one finalized segment and removes it locally once both
// objects are stored.
func (a *Archiver) Archive(ctx context.Context, id types.SegmentID) (err error) {
	info, err := id.Parse()
	if err != nil {
		return err
	}
	if a.busy(info) {
		return fmt.Errorf("%w: %s", ErrDirectoryBusy, id)
	}

	defer func() {
		if err != nil && !errors.Is(err, ErrNotFound) && a.observer != nil {
			a.observer.ArchiveFailed()
		}
	}()

	staging, err := a.stage(id)
	if err != nil {
		return err
	}

	dataPath, fragments, err := collect(staging)
	if err != nil {
		return err
	}

	entries, manifest, err := MergeManifests(fragments)
	if err != nil {
		return err
	}

	var data *os.File
	var size int64
	if dataPath != "" {
		data, err = os.Open(dataPath)
		if err != nil {
			return fmt.Errorf("open segment data: %w", err)
		}
		defer data.Close()

		stat, err := data.Stat()
		if err != nil {
			return fmt.Errorf("stat segment data: %w", err)
		}
		size = stat.Size()
	}
	checkCoverage(id, entries, size)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var src io.ReaderAt = bytes.NewReader(nil)
		if data != nil {
			src = data
		}
		_, err := a.uploader.Upload(gctx, a.bucket, string(id), src, size, coldtier.PartSize(size))
		return err
	})
	g.Go(func() error {
		size := int64(len(manifest))
		_, err := a.uploader.Upload(gctx, a.bucket, id.ManifestKey(), bytes.NewReader(manifest), size, coldtier.PartSize(size))
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("archive %s: %w", id, err)
	}

	if data != nil {
		_ = data.Close()
	}
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("remove staged segment %s: %w", id, err)
	}

	slog.Info("Archived segment", "segment", id, "bytes", size, "entries", len(entries))
	if a.observer != nil {
		a.observer.SegmentArchived(size)
	}
	return nil
}

// checkCoverage warns when manifest entries point past the data file, which
// happens if a write was cut short.
func checkCoverage(id types.SegmentID, entries []types.ManifestEntry, size int64) {
	for _, e := range entries {
		if e.SegmentOffset+e.Len() > size {
			slog.Warn("Manifest entry beyond segment data", "segment", id, "range", e.Range(), "size", size)
		}
	}
}

// ArchiveFinalized archives every segment of a past day together with any
// staging leftovers. Failures of individual segments are joined.
func (a *Archiver) ArchiveFinalized(ctx context.Context) (Report, error) {
	active, err := a.store.Segments("")
	if err != nil {
		return Report{}, err
	}
	staged, err := a.store.Staged("")
	if err != nil {
		return Report{}, err
	}

	seen := make(map[types.SegmentID]struct{})
	var candidates []types.SegmentID
	for _, id := range append(staged, active...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		candidates = append(candidates, id)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		report Report
		errs   []error
	)
	sem := semaphore.NewWeighted(int64(a.concurrency))

	for _, id := range candidates {
		info, err := id.Parse()
		if err != nil {
			continue
		}
		if a.busy(info) {
			report.Busy = append(report.Busy, id)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			errs = append(errs, err)
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			err := a.Archive(ctx, id)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Archived = append(report.Archived, id)
			case errors.Is(err, ErrNotFound):
				// Archived concurrently by someone else.
			default:
				report.Failed = append(report.Failed, id)
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	sort.Slice(report.Archived, func(i, j int) bool { return report.Archived[i] < report.Archived[j] })
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i] < report.Failed[j] })
	return report, errors.Join(errs...)
}

// Run archives finalized segments every interval until ctx ends.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := a.ArchiveFinalized(ctx)
			if err != nil {
				slog.Error("Archive pass failed", "failed", len(report.Failed), "err", err)
			} else if len(report.Archived) > 0 {
				slog.Info("Archive pass complete", "archived", len(report.Archived), "busy", len(report.Busy))
			}
		}
	}
}
