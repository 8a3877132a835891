// Package segment owns the on-disk layout of the write path. Every
// (collection, process, UTC day) gets a directory under the base holding one
// append-only data file and a manifest log of JSON lines describing each
// write. Finalized directories are moved under the staging directory by the
// archival pipeline; reads consult both places.
package segment

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"objcache/internal/types"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// StagingDir is the directory under the base that holds segments awaiting
// upload.
const StagingDir = ".staging"

var (
	ErrNotFound = errors.New("segment not found")
	ErrIO       = errors.New("segment io failure")
	ErrSealed   = errors.New("segment sealed")
	ErrClosed   = errors.New("segment store closed")
)

func ioError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// Location identifies the manifest entry describing a logical range.
type Location struct {
	Segment types.SegmentID
	Entry   types.ManifestEntry
}

// Physical is the byte range of the entry inside the segment data file.
func (l Location) Physical() types.Range {
	return types.Range{Start: l.Entry.SegmentOffset, End: l.Entry.SegmentOffset + l.Entry.Len()}
}

type Option func(*Store)

// WithPID overrides the process id used in segment names.
func WithPID(pid int) Option {
	return func(s *Store) {
		s.pid = pid
	}
}

// WithClock replaces the clock that decides which day a write belongs to.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithExtension sets the data file extension, normally the codec's.
func WithExtension(ext string) Option {
	return func(s *Store) {
		s.ext = ext
	}
}

type segment struct {
	mu       sync.Mutex
	data     *os.File
	manifest *os.File
	sealed   bool
}

func (g *segment) closeFiles() error {
	var errs []error
	if g.data != nil {
		errs = append(errs, g.data.Close())
		g.data = nil
	}
	if g.manifest != nil {
		errs = append(errs, g.manifest.Close())
		g.manifest = nil
	}
	return errors.Join(errs...)
}

// Store appends to and reads from segment directories under base.
type Store struct {
	base string
	pid  int
	ext  string
	now  func() time.Time

	mu       sync.Mutex
	segments map[types.SegmentID]*segment
	closed   bool
}

func New(base string, opts ...Option) (*Store, error) {
	s := &Store{
		base:     base,
		pid:      os.Getpid(),
		ext:      ".bin",
		now:      time.Now,
		segments: make(map[types.SegmentID]*segment),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Join(base, StagingDir), 0o755); err != nil {
		return nil, ioError("create base", err)
	}
	return s, nil
}

func (s *Store) Base() string {
	return s.base
}

// Dir is the active directory of a segment.
func (s *Store) Dir(id types.SegmentID) string {
	return filepath.Join(s.base, string(id))
}

// StagingPath is the directory a segment occupies while being archived.
func (s *Store) StagingPath(id types.SegmentID) string {
	return filepath.Join(s.base, StagingDir, string(id))
}

// Current is the segment a write to collection would go to right now.
func (s *Store) Current(collection string) types.SegmentID {
	return types.NewSegmentID(collection, s.pid, s.now())
}

func (s *Store) acquire(id types.SegmentID) (*segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	g, ok := s.segments[id]
	if !ok {
		g = &segment{}
		s.segments[id] = g
	}
	return g, nil
}

// open lazily creates the segment directory and its two files. Callers hold
// g.mu.
func (s *Store) open(id types.SegmentID, g *segment) error {
	if g.data != nil && g.manifest != nil {
		return nil
	}

	dir := s.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioError("create segment dir", err)
	}

	if g.data == nil {
		f, err := os.OpenFile(filepath.Join(dir, id.DataFile(s.ext)), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return ioError("open data file", err)
		}
		g.data = f
	}
	if g.manifest == nil {
		f, err := os.OpenFile(filepath.Join(dir, id.ManifestFile()), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return ioError("open manifest", err)
		}
		g.manifest = f
	}
	return nil
}

// Append writes data to the end of collection's current segment and returns
// the physical range it now occupies.
func (s *Store) Append(ctx context.Context, collection string, data []byte) (types.SegmentID, types.Range, error) {
	if err := types.ValidateCollection(collection); err != nil {
		return "", types.Range{}, err
	}

	// A seal racing with the day rollover leaves a sealed entry behind; the
	// second resolution lands on the new day.
	for range 2 {
		if err := ctx.Err(); err != nil {
			return "", types.Range{}, err
		}

		id := s.Current(collection)
		g, err := s.acquire(id)
		if err != nil {
			return "", types.Range{}, err
		}

		rng, err := s.appendLocked(id, g, data)
		if errors.Is(err, ErrSealed) {
			continue
		}
		return id, rng, err
	}
	return "", types.Range{}, ioError("append", ErrSealed)
}

func (s *Store) appendLocked(id types.SegmentID, g *segment, data []byte) (types.Range, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return types.Range{}, ErrSealed
	}
	return s.writeData(id, g, data)
}

// writeData appends data to the segment's data file. Callers hold g.mu.
func (s *Store) writeData(id types.SegmentID, g *segment, data []byte) (types.Range, error) {
	if err := s.open(id, g); err != nil {
		return types.Range{}, err
	}

	before, err := g.data.Seek(0, io.SeekEnd)
	if err != nil {
		return types.Range{}, ioError("seek data file", err)
	}

	n, err := g.data.Write(data)
	if err != nil {
		// Leave the file as long as the bytes that did land so the next
		// append starts after them instead of overlapping.
		return types.Range{}, ioError("write data file", err)
	}

	return types.Range{Start: before, End: before + int64(n)}, nil
}

// writeEntry appends one line to the segment's manifest. Callers hold g.mu.
func (s *Store) writeEntry(id types.SegmentID, g *segment, entry types.ManifestEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode manifest entry: %w", err)
	}
	line = append(line, '\n')

	if err := s.open(id, g); err != nil {
		return err
	}
	if _, err := g.manifest.Write(line); err != nil {
		return ioError("write manifest", err)
	}
	return nil
}

// AppendEntry appends data to collection's segment for day and records entry
// for it while still holding the segment, so a concurrent Seal sees either
// both or neither. SegmentOffset and Source are filled in from the append.
func (s *Store) AppendEntry(ctx context.Context, collection string, day time.Time, data []byte, entry types.ManifestEntry) (Location, error) {
	if err := types.ValidateCollection(collection); err != nil {
		return Location{}, err
	}
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}

	id := types.NewSegmentID(collection, s.pid, day)
	g, err := s.acquire(id)
	if err != nil {
		return Location{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// The directory may already be on its way to the cold tier.
	if g.sealed {
		return Location{}, ioError("append", fmt.Errorf("%w: %s", ErrSealed, id))
	}

	physical, err := s.writeData(id, g, data)
	if err != nil {
		return Location{}, err
	}

	entry.SegmentOffset = physical.Start
	entry.Source = id.DataFile(s.ext)
	if err := s.writeEntry(id, g, entry); err != nil {
		return Location{}, err
	}
	return Location{Segment: id, Entry: entry}, nil
}

// WriteManifest appends one entry to the segment's manifest log.
func (s *Store) WriteManifest(ctx context.Context, id types.SegmentID, entry types.ManifestEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Only segments appended to by this store take manifest lines, so a
	// sealed segment's directory is never recreated.
	s.mu.Lock()
	g, ok := s.segments[id]
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return ioError("write manifest", fmt.Errorf("%w: %s", ErrSealed, id))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sealed {
		return ioError("write manifest", ErrSealed)
	}
	return s.writeEntry(id, g, entry)
}

// resolve returns the directory currently holding id: the active one, or the
// staging one once archival has started.
func (s *Store) resolve(id types.SegmentID) (string, error) {
	for _, dir := range []string{s.Dir(id), s.StagingPath(id)} {
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			return dir, nil
		}
		if err != nil && !os.IsNotExist(err) {
			return "", ioError("stat segment", err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, id)
}

// DataFile finds the data file inside a segment directory.
func DataFile(dir string, id types.SegmentID) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", ioError("list segment", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasSuffix(name, types.ManifestSuffix) {
			continue
		}
		if strings.HasPrefix(name, string(id)) {
			return filepath.Join(dir, name), nil
		}
	}
	return "", fmt.Errorf("%w: no data file in %s", ErrNotFound, id)
}

// Read returns bytes [rng.Start, rng.End) of the segment's data file.
func (s *Store) Read(ctx context.Context, collection string, id types.SegmentID, rng types.Range) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !rng.Valid() {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidRange, rng)
	}

	info, err := id.Parse()
	if err != nil {
		return nil, err
	}
	if info.Collection != collection {
		return nil, fmt.Errorf("%w: %s does not belong to %q", ErrNotFound, id, collection)
	}

	dir, err := s.resolve(id)
	if err != nil {
		return nil, err
	}
	path, err := DataFile(dir, id)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, ioError("open data file", err)
	}
	defer f.Close()

	buf := make([]byte, rng.Len())
	n, err := f.ReadAt(buf, rng.Start)
	if err == io.EOF && int64(n) < rng.Len() {
		err = io.ErrUnexpectedEOF
	}
	if err != nil && err != io.EOF {
		return nil, ioError("read data file", err)
	}
	return buf, nil
}

// ParseManifest decodes a manifest log. A torn final line, left by a crash
// mid-append, is skipped.
func ParseManifest(r io.Reader) ([]types.ManifestEntry, error) {
	var entries []types.ManifestEntry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var pending error
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if pending != nil {
			return nil, pending
		}

		var entry types.ManifestEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			pending = fmt.Errorf("decode manifest line: %w", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if pending != nil {
		slog.Warn("Skipping torn manifest line", "err", pending)
	}
	return entries, nil
}

// Manifest returns the entries recorded for a segment.
func (s *Store) Manifest(ctx context.Context, id types.SegmentID) ([]types.ManifestEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := s.resolve(id)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(dir, id.ManifestFile()))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioError("open manifest", err)
	}
	defer f.Close()

	entries, err := ParseManifest(f)
	if err != nil {
		return nil, ioError("read manifest", err)
	}
	return entries, nil
}

// Locate finds the entry for rng among collection's segments, newest day
// first.
func (s *Store) Locate(ctx context.Context, collection string, rng types.Range) (Location, error) {
	active, err := s.Segments(collection)
	if err != nil {
		return Location{}, err
	}
	staged, err := s.Staged(collection)
	if err != nil {
		return Location{}, err
	}

	ids := append(active, staged...)
	sortNewestFirst(ids)

	for _, id := range ids {
		entries, err := s.Manifest(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Moved or uploaded since listing.
			continue
		}
		if err != nil {
			return Location{}, err
		}
		for _, entry := range entries {
			if entry.Start == rng.Start && entry.End == rng.End {
				return Location{Segment: id, Entry: entry}, nil
			}
		}
	}
	return Location{}, fmt.Errorf("%w: %s %s", ErrNotFound, collection, rng)
}

func sortNewestFirst(ids []types.SegmentID) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, errA := ids[i].Parse()
		b, errB := ids[j].Parse()
		if errA != nil || errB != nil {
			return ids[i] > ids[j]
		}
		if !a.Day.Equal(b.Day) {
			return a.Day.After(b.Day)
		}
		return a.PID > b.PID
	})
}

func listSegments(dir string, collection string) ([]types.SegmentID, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioError("list segments", err)
	}

	var ids []types.SegmentID
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		id := types.SegmentID(entry.Name())
		info, err := id.Parse()
		if err != nil {
			continue
		}
		if collection != "" && info.Collection != collection {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Segments lists active segment ids, restricted to collection unless it is
// empty.
func (s *Store) Segments(collection string) ([]types.SegmentID, error) {
	return listSegments(s.base, collection)
}

// Staged lists segments under the staging directory.
func (s *Store) Staged(collection string) ([]types.SegmentID, error) {
	return listSegments(filepath.Join(s.base, StagingDir), collection)
}

// Seal closes the segment's handles and forgets it, so its directory can be
// renamed. Writes that still resolve to it fail with ErrSealed.
func (s *Store) Seal(id types.SegmentID) error {
	s.mu.Lock()
	g, ok := s.segments[id]
	delete(s.segments, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.sealed = true
	if err := g.closeFiles(); err != nil {
		return ioError("close segment", err)
	}
	return nil
}

// Close releases every cached handle.
func (s *Store) Close() error {
	s.mu.Lock()
	segments := s.segments
	s.segments = make(map[types.SegmentID]*segment)
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for _, g := range segments {
		g.mu.Lock()
		g.sealed = true
		errs = append(errs, g.closeFiles())
		g.mu.Unlock()
	}
	return errors.Join(errs...)
}
