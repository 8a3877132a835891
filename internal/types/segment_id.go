package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SegmentID names the backing file of one collection's writes for one
// process and one UTC day: "{collection}-{pid}-{YYYY-MM-DD}".
type SegmentID string

func NewSegmentID(collection string, pid int, day time.Time) SegmentID {
	return SegmentID(fmt.Sprintf("%s-%d-%s", collection, pid, day.UTC().Format(DayLayout)))
}

func (id SegmentID) String() string {
	return string(id)
}

// ManifestFile is the name of the segment's manifest log.
func (id SegmentID) ManifestFile() string {
	return string(id) + ManifestSuffix
}

// DataFile is the name of the segment's data file for a codec extension.
func (id SegmentID) DataFile(ext string) string {
	return string(id) + ext
}

// ManifestKey is the cold-tier key of the merged manifest document.
func (id SegmentID) ManifestKey() string {
	return string(id) + "-manifest.json"
}

// SegmentInfo is the decoded form of a SegmentID.
type SegmentInfo struct {
	Collection string
	PID        int
	Day        time.Time
}

// Parse splits the id from the right so collection names may contain '-'.
func (id SegmentID) Parse() (SegmentInfo, error) {
	s := string(id)
	if len(s) < len(DayLayout)+4 {
		return SegmentInfo{}, fmt.Errorf("%w: %q", ErrInvalidSegmentID, s)
	}

	datePart := s[len(s)-len(DayLayout):]
	day, err := time.Parse(DayLayout, datePart)
	if err != nil || s[len(s)-len(DayLayout)-1] != '-' {
		return SegmentInfo{}, fmt.Errorf("%w: %q", ErrInvalidSegmentID, s)
	}

	head := s[:len(s)-len(DayLayout)-1]
	idx := strings.LastIndexByte(head, '-')
	if idx <= 0 {
		return SegmentInfo{}, fmt.Errorf("%w: %q", ErrInvalidSegmentID, s)
	}

	pid, err := strconv.Atoi(head[idx+1:])
	if err != nil || pid < 0 {
		return SegmentInfo{}, fmt.Errorf("%w: %q", ErrInvalidSegmentID, s)
	}

	if err := ValidateCollection(head[:idx]); err != nil {
		return SegmentInfo{}, fmt.Errorf("%w: %q", ErrInvalidSegmentID, s)
	}

	return SegmentInfo{
		Collection: head[:idx],
		PID:        pid,
		Day:        day,
	}, nil
}

// SegmentIDFromManifestKey recovers the segment id from a cold-tier
// manifest key, reporting false for any other key.
func SegmentIDFromManifestKey(key string) (SegmentID, bool) {
	id, ok := strings.CutSuffix(key, "-manifest.json")
	if !ok || id == "" {
		return "", false
	}
	return SegmentID(id), true
}
