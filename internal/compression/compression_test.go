package compression

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		input   string
		want    Type
		wantErr bool
	}{
		{"", TypeNone, false},
		{"none", TypeNone, false},
		{"zstd", TypeZstd, false},
		{" ZSTD ", TypeZstd, false},
		{"gzip", TypeGzip, false},
		{"lz4", TypeLZ4, false},
		{"snappy", TypeNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseType(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestCompressDecompress(t *testing.T) {
	data := []byte(strings.Repeat("error - connection reset by peer\n", 500))

	for _, typ := range []Type{TypeNone, TypeZstd, TypeGzip, TypeLZ4} {
		t.Run(string(typ), func(t *testing.T) {
			compressed, err := Compress(data, typ)
			if err != nil {
				t.Fatalf("Compress() error = %v", err)
			}
			if typ != TypeNone && len(compressed) >= len(data) {
				t.Errorf("repetitive input did not shrink: %d >= %d", len(compressed), len(data))
			}

			got, err := Decompress(compressed, typ)
			if err != nil {
				t.Fatalf("Decompress() error = %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Error("data mismatch after decompression")
			}
		})
	}
}

func TestCompressEmpty(t *testing.T) {
	for _, typ := range []Type{TypeZstd, TypeGzip, TypeLZ4} {
		compressed, err := Compress(nil, typ)
		if err != nil {
			t.Fatalf("%s: Compress(nil) error = %v", typ, err)
		}
		got, err := Decompress(compressed, typ)
		if err != nil {
			t.Fatalf("%s: Decompress() error = %v", typ, err)
		}
		if len(got) != 0 {
			t.Errorf("%s: expected empty output, got %d bytes", typ, len(got))
		}
	}
}

func TestUnsupportedType(t *testing.T) {
	if _, err := Compress([]byte("x"), Type("brotli")); err == nil {
		t.Error("expected an error compressing with an unknown type")
	}
	if _, err := Decompress([]byte("x"), Type("brotli")); err == nil {
		t.Error("expected an error decompressing with an unknown type")
	}
}

func TestDecompressCorrupt(t *testing.T) {
	for _, typ := range []Type{TypeZstd, TypeGzip} {
		if _, err := Decompress([]byte("definitely not compressed"), typ); err == nil {
			t.Errorf("%s: expected an error for corrupt input", typ)
		}
	}
}

func TestTagRoundTrip(t *testing.T) {
	for _, typ := range []Type{TypeNone, TypeZstd, TypeGzip, TypeLZ4} {
		got, err := TypeFromTag(typ.Tag())
		if err != nil || got != typ {
			t.Errorf("TypeFromTag(%d) = %s, %v; want %s", typ.Tag(), got, err, typ)
		}
	}
	if _, err := TypeFromTag(42); err == nil {
		t.Error("expected an error for an unknown tag")
	}
}

func TestCompressionMetrics(t *testing.T) {
	before := testutil.ToFloat64(bytesInTotal.WithLabelValues("zstd"))
	if _, err := Compress(make([]byte, 1000), TypeZstd); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(bytesInTotal.WithLabelValues("zstd")) - before; got != 1000 {
		t.Errorf("bytes in delta = %v, want 1000", got)
	}
}
