package domain

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotFound          = errors.New("model not found")
	ErrInsufficientPermission = errors.New("insufficient permissions to access the model")
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrNoCandidates           = errors.New("no candidates available")
	ErrRouterNotFound         = errors.New("router not found")
	ErrUserNotFound           = errors.New("user not found")
	ErrRoleNotFound           = errors.New("role not found")
)

// RateLimitError reports an exhausted quota. Remaining is best effort and may be nil.
type RateLimitError struct {
	Type      LimitType
	Limit     int64
	Remaining *int64
}

func (e *RateLimitError) Error() string {
	remaining := "unknown"
	if e.Remaining != nil {
		remaining = fmt.Sprintf("%d", *e.Remaining)
	}
	return fmt.Sprintf("%d %s exceeded (remaining: %s).", e.Limit, e.Type.Describe(), remaining)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}
