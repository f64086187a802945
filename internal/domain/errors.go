package domain

import "errors"

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrPublish            = errors.New("publish failed")
	// ErrTopology marks a broker topology declaration failure. It is the only
	// error allowed to abort process startup.
	ErrTopology = errors.New("broker topology declaration failed")
)
