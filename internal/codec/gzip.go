package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Gzip is the default codec.
type Gzip struct {
	level int
}

func NewGzip() *Gzip {
	return &Gzip{level: gzip.DefaultCompression}
}

// NewGzipLevel returns a gzip codec with an explicit compression level.
func NewGzipLevel(level int) *Gzip {
	return &Gzip{level: level}
}

func (g *Gzip) Name() string      { return "gzip" }
func (g *Gzip) Extension() string { return ".gzip" }

func (g *Gzip) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, compressionError(g.Name(), "compress", err)
	}
	if _, err := gw.Write(data); err != nil {
		return nil, compressionError(g.Name(), "compress", err)
	}
	if err := gw.Close(); err != nil {
		return nil, compressionError(g.Name(), "compress", err)
	}
	return buf.Bytes(), nil
}

func (g *Gzip) Decompress(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, compressionError(g.Name(), "decompress", err)
	}
	defer gr.Close()

	out, err := io.ReadAll(gr)
	if err != nil {
		return nil, compressionError(g.Name(), "decompress", err)
	}
	return out, nil
}
