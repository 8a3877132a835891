package codec_test

import (
	"bytes"
	"math/rand"
	"objcache/internal/codec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecsRoundTrip(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	random := make([]byte, 64*1024)
	rng.Read(random)

	payloads := map[string][]byte{
		"single byte": {0x42},
		"text":        []byte("the quick brown fox jumps over the lazy dog"),
		"repetitive":  bytes.Repeat([]byte("abcd"), 10_000),
		"random":      random,
	}

	for _, name := range codec.Names() {
		c, err := codec.Lookup(name)
		require.NoErrorf(t, err, "Lookup(%q)", name)
		require.Equal(t, name, c.Name(), "codec name")
		require.NotEmpty(t, c.Extension(), "codec extension")

		for label, payload := range payloads {
			compressed, err := c.Compress(payload)
			require.NoErrorf(t, err, "%s compress %s", name, label)

			restored, err := c.Decompress(compressed)
			require.NoErrorf(t, err, "%s decompress %s", name, label)
			require.Truef(t, bytes.Equal(payload, restored), "%s round trip of %s", name, label)
		}
	}
}

func TestGzipDecompressGarbage(t *testing.T) {
	t.Parallel()

	_, err := codec.NewGzip().Decompress([]byte("definitely not gzip"))
	require.ErrorIs(t, err, codec.ErrCompression, "garbage input must be a compression error")
}

func TestZstdDecompressGarbage(t *testing.T) {
	t.Parallel()

	_, err := codec.NewZstd().Decompress([]byte("definitely not zstd"))
	require.ErrorIs(t, err, codec.ErrCompression, "garbage input must be a compression error")
}

func TestLookupUnknown(t *testing.T) {
	t.Parallel()

	_, err := codec.Lookup("brotli")
	require.ErrorIs(t, err, codec.ErrUnknownCodec, "unknown codec name")
	require.Equal(t, []string{"gzip", "lz4", "zstd"}, codec.Names(), "registered codecs")
}
