// Package transform rewrites asset content before upload. Transformers are
// pure: they never touch the network and their output depends only on the
// content they are given.
package transform

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Transformer turns asset content into the upload payload and reports the
// response headers the payload needs (Content-Encoding, for instance).
type Transformer interface {
	Transform(content string) ([]byte, http.Header, error)
}

// Name identifies a transformer in configuration.
type Name string

const (
	None Name = "none"
	Gzip Name = "gzip"
	Zstd Name = "zstd"
)

// Parse returns the transformer registered under name. "none" and the empty
// string return a nil Transformer, meaning content is uploaded as-is.
func Parse(name string) (Transformer, error) {
	switch Name(name) {
	case "", None:
		return nil, nil
	case Gzip:
		return GzipTransformer{Level: gzip.BestCompression}, nil
	case Zstd:
		return ZstdTransformer{Level: zstd.SpeedBestCompression}, nil
	default:
		return nil, fmt.Errorf("unknown transformer: %q", name)
	}
}

// Raw returns content as UTF-8 bytes. It is what the renderer uploads when no
// transformer is configured.
func Raw(content string) []byte {
	return []byte(content)
}

// GzipTransformer compresses content with gzip.
type GzipTransformer struct {
	// Level is a gzip compression level; zero means gzip.DefaultCompression.
	Level int
}

func (g GzipTransformer) Transform(content string) ([]byte, http.Header, error) {
	level := g.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := zw.Write([]byte(content)); err != nil {
		return nil, nil, fmt.Errorf("gzip compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, nil, fmt.Errorf("gzip compress: %w", err)
	}

	return buf.Bytes(), encodingHeader("gzip"), nil
}

// ZstdTransformer compresses content with zstd.
type ZstdTransformer struct {
	// Level defaults to zstd.SpeedDefault.
	Level zstd.EncoderLevel
}

func (z ZstdTransformer) Transform(content string) ([]byte, http.Header, error) {
	level := z.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, nil, fmt.Errorf("zstd encoder: %w", err)
	}
	defer encoder.Close()

	return encoder.EncodeAll([]byte(content), nil), encodingHeader("zstd"), nil
}

func encodingHeader(encoding string) http.Header {
	h := make(http.Header)
	h.Set("Content-Encoding", encoding)
	return h
}
