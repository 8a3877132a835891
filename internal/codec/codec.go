// Package codec provides the reversible byte-compression codecs applied to
// every blob before it is allocated a range and appended to a segment.
package codec

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrCompression is returned when a payload cannot be compressed or
	// decompressed.
	ErrCompression = errors.New("compression error")

	// ErrUnknownCodec is returned by Lookup for unregistered names.
	ErrUnknownCodec = errors.New("unknown codec")
)

// Codec compresses and decompresses whole payloads.
type Codec interface {
	// Name is recorded in the compression field of manifest entries.
	Name() string

	// Extension is the suffix of segment data files written with this codec.
	Extension() string

	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

var registry = map[string]func() Codec{
	"gzip": func() Codec { return NewGzip() },
	"zstd": func() Codec { return NewZstd() },
	"lz4":  func() Codec { return NewLZ4() },
}

// Lookup returns a new codec for the given name.
func Lookup(name string) (Codec, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return ctor(), nil
}

// Names lists the registered codec names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func compressionError(codec string, op string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrCompression, codec, op, err)
}
