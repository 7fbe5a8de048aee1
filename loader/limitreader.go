package loader

import (
	"errors"
	"fmt"
	"io"
)

// limitedReader wraps an io.Reader with a maximum size limit.
// Reading exactly limit bytes succeeds; one byte more fails.
type limitedReader struct {
	r     io.Reader
	n     int64 // max bytes remaining
	limit int64
	read  int64
	eof   bool
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, n: limit, limit: limit}
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.eof {
		return 0, io.EOF
	}
	if l.n <= 0 {
		// Probe for one more byte to tell "exactly at limit" from "over".
		var buf [1]byte
		extra, err := l.r.Read(buf[:])
		if extra > 0 {
			return 0, &SizeLimitExceededError{Limit: l.limit, Read: l.read + int64(extra)}
		}
		if err == io.EOF {
			l.eof = true
		}
		return 0, err
	}

	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	l.read += int64(n)
	if err == io.EOF {
		l.eof = true
	}
	return n, err
}

// SizeLimitExceededError is returned when a module is larger than allowed.
type SizeLimitExceededError struct {
	Limit int64
	Read  int64
}

func (e *SizeLimitExceededError) Error() string {
	return fmt.Sprintf("size limit exceeded: read %d bytes, limit is %s", e.Read, FormatSize(e.Limit))
}

// IsSizeLimitExceededError returns true if err is a SizeLimitExceededError.
func IsSizeLimitExceededError(err error) bool {
	var sizeLimitErr *SizeLimitExceededError
	return errors.As(err, &sizeLimitErr)
}

// FormatSize returns a human-readable size string.
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
