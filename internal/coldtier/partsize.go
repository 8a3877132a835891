package coldtier

// Part sizes use decimal units.
const (
	DefaultPartSize int64 = 8_000_000
	LargePartSize   int64 = 10_000_000
	HugePartSize    int64 = 100_000_000

	largeObjectSize int64 = 100_000_000
	hugeObjectSize  int64 = 5_000_000_000_000
)

// PartSize picks the multipart chunk size for an object of the given size.
func PartSize(size int64) int64 {
	switch {
	case size > hugeObjectSize:
		return HugePartSize
	case size > largeObjectSize:
		return LargePartSize
	default:
		return DefaultPartSize
	}
}

// partCount is the number of parts an upload of size bytes is split into.
// An empty object still takes one (empty) part.
func partCount(size, partSize int64) int {
	if size <= 0 {
		return 1
	}
	return int((size + partSize - 1) / partSize)
}
