package types

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// DayLayout is the date format used in segment names and allocator keys.
	DayLayout = "2006-01-02"

	// CreationDateLayout is the format of ManifestEntry.CreationDate.
	CreationDateLayout = "2006-01-02 15:04:05 UTC"

	// ManifestSuffix is appended to a segment id to name its manifest log.
	ManifestSuffix = ".manifest"
)

var (
	ErrInvalidCollection = errors.New("invalid collection name")
	ErrInvalidRange      = errors.New("invalid range")
	ErrInvalidSegmentID  = errors.New("invalid segment id")

	// Collection names double as directory names and object key prefixes.
	collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// ValidateCollection reports whether name can be used as a collection name.
func ValidateCollection(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}

// Range is a half-open byte interval [Start, End).
type Range struct {
	Start int64
	End   int64
}

func (r Range) Len() int64 {
	return r.End - r.Start
}

func (r Range) Valid() bool {
	return r.Start >= 0 && r.Start <= r.End
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// CacheUID returns the cache key for a range of the given archive.
func CacheUID(archive string, r Range) string {
	return archive + "#" + r.String()
}

// ParseCacheUID splits a cache key back into its archive name and range.
func ParseCacheUID(uid string) (string, Range, error) {
	archive, rest, ok := strings.Cut(uid, "#")
	if !ok || archive == "" {
		return "", Range{}, fmt.Errorf("%w: cache uid %q", ErrInvalidRange, uid)
	}

	rng, err := ParseRange(rest)
	if err != nil {
		return "", Range{}, err
	}
	return archive, rng, nil
}

// ParseRange parses the "{start}-{end}" form produced by Range.String.
func ParseRange(s string) (Range, error) {
	start, end, ok := strings.Cut(s, "-")
	if !ok {
		return Range{}, fmt.Errorf("%w: %q", ErrInvalidRange, s)
	}

	return NewRange(start, end)
}

// NewRange parses decimal start and end bounds and validates the result.
func NewRange(start, end string) (Range, error) {
	s, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: start %q", ErrInvalidRange, start)
	}
	e, err := strconv.ParseInt(end, 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: end %q", ErrInvalidRange, end)
	}

	r := Range{Start: s, End: e}
	if !r.Valid() {
		return Range{}, fmt.Errorf("%w: [%d,%d)", ErrInvalidRange, s, e)
	}
	return r, nil
}

// Pointer formats the string handed back to clients after a write.
func Pointer(collection string, r Range) string {
	return fmt.Sprintf("%s?start=%d&end=%d", collection, r.Start, r.End)
}

// ParsePointer is the inverse of Pointer.
func ParsePointer(p string) (string, Range, error) {
	collection, query, ok := strings.Cut(p, "?")
	if !ok {
		return "", Range{}, fmt.Errorf("%w: pointer %q", ErrInvalidRange, p)
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return "", Range{}, fmt.Errorf("%w: pointer %q", ErrInvalidRange, p)
	}

	rng, err := NewRange(values.Get("start"), values.Get("end"))
	if err != nil {
		return "", Range{}, err
	}
	return collection, rng, nil
}

// ManifestEntry describes one write appended to a segment.
type ManifestEntry struct {
	CreationDate  string `json:"creation_date"`
	ContentType   string `json:"content_type"`
	Compression   string `json:"compression"`
	Source        string `json:"source"`
	Start         int64  `json:"start"`
	End           int64  `json:"end"`
	SegmentOffset int64  `json:"segment_offset"`
}

func (e ManifestEntry) Range() Range {
	return Range{Start: e.Start, End: e.End}
}

func (e ManifestEntry) Len() int64 {
	return e.End - e.Start
}

// FormatCreationDate renders t the way manifest entries record it.
func FormatCreationDate(t time.Time) string {
	return t.UTC().Format(CreationDateLayout)
}
