// Package blobcodec decodes the transport encoding used for cloud cache blobs:
// standard base64 wrapping a zlib (deflate) stream.
package blobcodec

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// MinEncodedLen is the shortest encoded payload considered plausible.
// Anything shorter is rejected before decoding.
const MinEncodedLen = 10

// MaxDecodedSize bounds decompressed output.
const MaxDecodedSize = 256 << 20

var (
	ErrPayloadTooShort = errors.New("payload too short")
	ErrPayloadTooLarge = errors.New("decoded payload exceeds size limit")
)

// Decode reverses Encode: base64 → zlib inflate.
func Decode(payload []byte) ([]byte, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) < MinEncodedLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooShort, len(payload))
	}

	compressed := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(compressed, payload)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}

	zr, err := zlib.NewReader(bytes.NewReader(compressed[:n]))
	if err != nil {
		return nil, fmt.Errorf("zlib header: %w", err)
	}
	defer zr.Close()

	var out bytes.Buffer
	written, err := io.Copy(&out, io.LimitReader(zr, MaxDecodedSize+1))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if written > MaxDecodedSize {
		return nil, ErrPayloadTooLarge
	}
	return out.Bytes(), nil
}

// Encode compresses raw with zlib and wraps it in standard base64.
func Encode(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("deflate: %w", err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(buf.Len()))
	base64.StdEncoding.Encode(out, buf.Bytes())
	return out, nil
}
