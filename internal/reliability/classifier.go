package reliability

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"syscall"
	"time"
)

// IsRetryableIOError classifies transient filesystem errors worth a second
// attempt. Missing or malformed resources are permanent and retried never.
func IsRetryableIOError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch {
		case errors.Is(pathErr.Err, syscall.EINTR),
			errors.Is(pathErr.Err, syscall.EAGAIN),
			errors.Is(pathErr.Err, syscall.EBUSY):
			return true
		}
	}
	return false
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
