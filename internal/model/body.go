package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrBodyTooLarge is returned when an inbound body exceeds the configured limit.
var ErrBodyTooLarge = errors.New("request body too large")

// BufferedBody holds an inbound request body read exactly once, so it can be
// sent again on every redirect hop. The bytes are never modified after capture.
type BufferedBody struct {
	data []byte
}

// ReadBody captures r for methods that carry a body. GET and HEAD never do and
// yield a nil *BufferedBody without touching r. A limit <= 0 means unbounded.
func ReadBody(method string, r io.Reader, limit int64) (*BufferedBody, error) {
	if !HasBody(method) || r == nil {
		return nil, nil
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, ErrBodyTooLarge
	}
	return &BufferedBody{data: data}, nil
}

// HasBody reports whether requests with method get their body forwarded.
func HasBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

// Len returns the number of buffered bytes. It is safe on a nil receiver.
func (b *BufferedBody) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// NewReader returns an independent reader over the buffered bytes.
// Each call starts from the beginning.
func (b *BufferedBody) NewReader() io.ReadCloser {
	if b.Len() == 0 {
		return http.NoBody
	}
	return io.NopCloser(bytes.NewReader(b.data))
}
