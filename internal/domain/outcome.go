package domain

import (
	"errors"
	"net/http"
)

// Outcome tags the terminal state of a submission or status lookup.
type Outcome string

const (
	OutcomeQueued             Outcome = "queued"
	OutcomeReplayed           Outcome = "replayed"
	OutcomeValidationError    Outcome = "validation_error"
	OutcomeRateLimited        Outcome = "rate_limit_exceeded"
	OutcomeServiceUnavailable Outcome = "service_unavailable"
	OutcomePublishError       Outcome = "queue_error"
	OutcomeNotFound           Outcome = "not_found"
)

func (o Outcome) String() string { return string(o) }

func (o Outcome) IsSuccess() bool {
	return o == OutcomeQueued || o == OutcomeReplayed
}

// HTTPStatus maps the outcome to its response status. A replay answers with the
// status of the original success.
func (o Outcome) HTTPStatus() int {
	switch o {
	case OutcomeQueued, OutcomeReplayed:
		return http.StatusAccepted
	case OutcomeValidationError:
		return http.StatusBadRequest
	case OutcomeRateLimited:
		return http.StatusTooManyRequests
	case OutcomeServiceUnavailable:
		return http.StatusServiceUnavailable
	case OutcomeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode is the wire error code for failure outcomes, empty for success.
func (o Outcome) ErrorCode() string {
	if o.IsSuccess() {
		return ""
	}
	return string(o)
}

// OutcomeFromError classifies an error produced by the gateway core.
func OutcomeFromError(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeQueued
	case errors.Is(err, ErrValidation):
		return OutcomeValidationError
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, ErrServiceUnavailable):
		return OutcomeServiceUnavailable
	case errors.Is(err, ErrNotFound):
		return OutcomeNotFound
	default:
		return OutcomePublishError
	}
}
