// Copyright 2024-2026 Aiku AI

package gchat

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors classifying remote failures. Callers branch on these
// with errors.Is; everything else from the client is treated as
// transient.
var (
	// ErrAuthExpired means the credential was revoked or the refresh
	// token no longer works. Automatic retry must stop until a human
	// re-authenticates.
	ErrAuthExpired = errors.New("googlechat: authentication expired")
	// ErrNotFound means the referenced entity does not exist remotely.
	ErrNotFound = errors.New("googlechat: not found")
	// ErrFileTooLarge means an attachment exceeded the upload limit.
	ErrFileTooLarge = errors.New("googlechat: file too large")
	// ErrNotConnected means the call was made without a live session.
	ErrNotConnected = errors.New("googlechat: not connected")
)

// RateLimitError is a transient throttling failure. RetryAfter is zero
// when the server did not provide a delay hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("googlechat: rate limited, retry after %s", e.RetryAfter)
	}
	return "googlechat: rate limited"
}

// IsTransient reports whether err is worth retrying with backoff.
// Auth expiry and not-found are terminal for the operation.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	return !errors.Is(err, ErrAuthExpired) && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrFileTooLarge)
}
