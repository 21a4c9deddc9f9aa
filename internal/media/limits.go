package media

import (
	"fmt"
	"io"
	"time"

	"github.com/memohai/imbridge/internal/fault"
)

const (
	// DefaultMaxBytes is the fetch budget used when none is configured.
	DefaultMaxBytes int64 = 20 * 1024 * 1024
	// DefaultTimeout is the fetch and upload budget used when none is configured.
	DefaultTimeout = 30 * time.Second
)

// ReadAllWithLimit reads from reader and rejects payloads larger than
// maxBytes. It stops after maxBytes+1 bytes so an oversized stream is never
// read to the end.
func ReadAllWithLimit(reader io.Reader, maxBytes int64) ([]byte, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max bytes must be greater than 0")
	}
	limited := &io.LimitedReader{
		R: reader,
		N: maxBytes + 1,
	}
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fault.FileSizeLimit(maxBytes)
	}
	return data, nil
}
