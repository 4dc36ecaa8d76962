// Package compression compresses stored log item values.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type string

const (
	// TypeNone stores values as-is.
	TypeNone Type = "none"
	// TypeZstd is Zstandard, the default for stored values.
	TypeZstd Type = "zstd"
	// TypeGzip is gzip.
	TypeGzip Type = "gzip"
	// TypeLZ4 is the LZ4 frame format.
	TypeLZ4 Type = "lz4"
)

// ParseType parses a compression type string. Empty means none.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "zstd":
		return TypeZstd, nil
	case "gzip":
		return TypeGzip, nil
	case "lz4":
		return TypeLZ4, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// Tag is the one-byte marker written in front of compressed values so a
// reader can tell how a value was stored.
func (t Type) Tag() byte {
	switch t {
	case TypeZstd:
		return 1
	case TypeGzip:
		return 2
	case TypeLZ4:
		return 3
	default:
		return 0
	}
}

// TypeFromTag is the inverse of Tag.
func TypeFromTag(tag byte) (Type, error) {
	switch tag {
	case 0:
		return TypeNone, nil
	case 1:
		return TypeZstd, nil
	case 2:
		return TypeGzip, nil
	case 3:
		return TypeLZ4, nil
	default:
		return TypeNone, fmt.Errorf("unknown compression tag %d", tag)
	}
}

var (
	zstdEncoders = sync.Pool{New: func() any {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic("compression: zstd encoder initialization failed: " + err.Error())
		}
		return enc
	}}
	zstdDecoders = sync.Pool{New: func() any {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic("compression: zstd decoder initialization failed: " + err.Error())
		}
		return dec
	}}
)

// Compress compresses data with t.
func Compress(data []byte, t Type) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch t {
	case TypeNone, "":
		return data, nil
	case TypeZstd:
		enc := zstdEncoders.Get().(*zstd.Encoder)
		out = enc.EncodeAll(data, make([]byte, 0, len(data)/2+64))
		zstdEncoders.Put(enc)
	case TypeGzip:
		out, err = compressStream(data, func(w io.Writer) io.WriteCloser { return gzip.NewWriter(w) })
	case TypeLZ4:
		out, err = compressStream(data, func(w io.Writer) io.WriteCloser { return lz4.NewWriter(w) })
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	if err != nil {
		return nil, err
	}
	observe(t, len(data), len(out))
	return out, nil
}

// Decompress reverses Compress.
func Decompress(data []byte, t Type) ([]byte, error) {
	switch t {
	case TypeNone, "":
		return data, nil
	case TypeZstd:
		dec := zstdDecoders.Get().(*zstd.Decoder)
		defer zstdDecoders.Put(dec)
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decode zstd data: %w", err)
		}
		return out, nil
	case TypeGzip:
		gr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gr.Close()
		return io.ReadAll(gr)
	case TypeLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

func compressStream(data []byte, newWriter func(io.Writer) io.WriteCloser) ([]byte, error) {
	var buf bytes.Buffer
	w := newWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write compressed data: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close compressor: %w", err)
	}
	return buf.Bytes(), nil
}
