package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Zstd shares one encoder and one decoder; EncodeAll and DecodeAll are safe
// for concurrent use.
type Zstd struct {
	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

func NewZstd() *Zstd {
	return &Zstd{}
}

func (z *Zstd) Name() string      { return "zstd" }
func (z *Zstd) Extension() string { return ".zst" }

func (z *Zstd) init() error {
	z.once.Do(func() {
		z.encoder, z.initErr = zstd.NewWriter(nil)
		if z.initErr != nil {
			return
		}
		z.decoder, z.initErr = zstd.NewReader(nil)
	})
	return z.initErr
}

func (z *Zstd) Compress(data []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, compressionError(z.Name(), "compress", err)
	}
	return z.encoder.EncodeAll(data, nil), nil
}

func (z *Zstd) Decompress(data []byte) ([]byte, error) {
	if err := z.init(); err != nil {
		return nil, compressionError(z.Name(), "decompress", err)
	}
	out, err := z.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, compressionError(z.Name(), "decompress", err)
	}
	return out, nil
}
