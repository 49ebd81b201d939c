// Package codec serializes columns and subtars. Columns are encoded as
// single-field Arrow IPC streams; subtars add a JSON header describing
// their axes and wrap everything in an optionally compressed frame.
package codec

import (
	"fmt"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the frame compression.
type Compression byte

const (
	CompressionNone Compression = iota
	CompressionSnappy
	CompressionZstd
)

// ParseCompression converts a compression name to Compression.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "snappy":
		return CompressionSnappy, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("codec: unknown compression %q", name)
	}
}

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// zstdCodecs returns the shared encoder and decoder; EncodeAll and
// DecodeAll are safe for concurrent use.
func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(3)))
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

func compress(c Compression, raw []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return raw, nil
	case CompressionSnappy:
		return snappy.Encode(nil, raw), nil
	case CompressionZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("codec: zstd encoder: %w", err)
		}
		return enc.EncodeAll(raw, nil), nil
	default:
		return nil, fmt.Errorf("codec: unknown compression %d", byte(c))
	}
}

func decompress(c Compression, data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionSnappy:
		raw, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("codec: snappy decompress failed: %w", err)
		}
		return raw, nil
	case CompressionZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, fmt.Errorf("codec: zstd decoder: %w", err)
		}
		raw, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("codec: zstd decompress failed: %w", err)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("codec: unknown compression %d", byte(c))
	}
}
