package codec

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
)

type LZ4 struct{}

func NewLZ4() *LZ4 {
	return &LZ4{}
}

func (l *LZ4) Name() string      { return "lz4" }
func (l *LZ4) Extension() string { return ".lz4" }

func (l *LZ4) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, compressionError(l.Name(), "compress", err)
	}
	if err := zw.Close(); err != nil {
		return nil, compressionError(l.Name(), "compress", err)
	}
	return buf.Bytes(), nil
}

func (l *LZ4) Decompress(data []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, compressionError(l.Name(), "decompress", err)
	}
	return out, nil
}
