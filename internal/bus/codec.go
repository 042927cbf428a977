package bus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Encode serializes v to gzip-compressed JSON and enforces maxBytes on the
// compressed result. A non-positive maxBytes disables the bound.
func Encode(v interface{}, maxBytes int) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress payload: %w", err)
	}

	if maxBytes > 0 && buf.Len() > maxBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrMessageTooLarge, buf.Len(), maxBytes)
	}
	return buf.Bytes(), nil
}

// Decompress returns the JSON document carried by an encoded payload.
func Decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
