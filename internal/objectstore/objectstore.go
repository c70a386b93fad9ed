// Package objectstore reads source audio and writes transcript artifacts.
// Backends: local filesystem, S3 through pre-signed URLs, Google Drive.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Errors shared by all backends
var (
	ErrNotFound   = errors.New("object not found")
	ErrPermanent  = errors.New("permanent storage error")
	ErrInvalidRef = errors.New("invalid object reference")
)

// Object is an open source object
type Object struct {
	Body io.ReadCloser
	// Size is -1 when unknown
	Size int64
}

// Store is the storage collaborator of the execution pipeline
type Store interface {
	// Fetch opens the object behind ref for reading
	Fetch(ctx context.Context, ref string) (*Object, error)
	// Put writes an artifact under key and returns its durable reference
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
}

// Signer is implemented by stores that can hand out time-limited URLs, so a
// remote worker can read sources directly
type Signer interface {
	SignGet(ctx context.Context, ref string, ttl time.Duration) (string, error)
}

// StatusError is an unexpected HTTP status from a storage endpoint
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Code, e.Body)
}

// IsTransient reports whether retrying the operation may succeed
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPermanent) || errors.Is(err, ErrInvalidRef) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return retryableStatus(se.Code)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// statusError maps an HTTP status to the package errors
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	se := &StatusError{Op: op, Code: resp.StatusCode, Body: string(body)}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, se)
	}
	return se
}
