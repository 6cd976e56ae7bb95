package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAccountNotFound = errors.New("mailbox account not found")
	ErrAccountDisabled = errors.New("mailbox account is disabled")
	// ErrReauthRequired means the owner must complete the authorization flow again
	ErrReauthRequired = errors.New("mailbox re-authorization required")
	// ErrRefreshRejected is returned by the provider client when the refresh token is refused
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrUnauthorized is returned by the provider client when an access token is refused
	ErrUnauthorized = errors.New("access token rejected")
	ErrThrottled    = errors.New("mailbox provider throttled the request")
)

// ThrottleError carries the provider's retry hint. RetryAfter is zero when none was given.
type ThrottleError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ThrottleError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("throttled (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("throttled: %v", e.Err)
}

func (e *ThrottleError) Unwrap() error {
	return e.Err
}

func (e *ThrottleError) Is(target error) bool {
	return target == ErrThrottled
}
