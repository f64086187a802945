package transport

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-gateway/internal/domain"
	"go.uber.org/zap"
)

// Wire error codes for failures raised outside the orchestrator.
const (
	CodeMissingAPIKey      = "missing_api_key"
	CodeInvalidAPIKey      = "invalid_api_key"
	CodeConfigurationError = "configuration_error"
	CodeInternalError      = "internal_error"
	CodeNotFound           = "not_found"
	CodeMethodNotAllowed   = "method_not_allowed"
)

// APIError is a failure with an explicit wire code.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string { return e.Message }

func NewAPIError(status int, code, message string) *APIError {
	return &APIError{Status: status, Code: code, Message: message}
}

// ErrorHandler renders any error escaping a handler as the standard failure
// envelope.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(c *fiber.Ctx, err error) error {
		status, code, message := classify(err)

		fields := []zap.Field{
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.String("error_code", code),
			zap.Error(err),
		}
		if status >= fiber.StatusInternalServerError {
			logger.Error("request error", fields...)
		} else {
			logger.Debug("request rejected", fields...)
		}

		return c.Status(status).JSON(Failure(code, message, nil))
	}
}

func classify(err error) (int, string, string) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status, apiErr.Code, apiErr.Message
	}

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code, codeForStatus(fiberErr.Code), fiberErr.Message
	}

	outcome := domain.OutcomeFromError(err)
	if outcome == domain.OutcomePublishError && !errors.Is(err, domain.ErrPublish) {
		return fiber.StatusInternalServerError, CodeInternalError, "internal server error"
	}
	if outcome == domain.OutcomeValidationError {
		return outcome.HTTPStatus(), outcome.ErrorCode(), ValidationMessage(err)
	}
	return outcome.HTTPStatus(), outcome.ErrorCode(), err.Error()
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
		return domain.OutcomeValidationError.ErrorCode()
	case fiber.StatusNotFound:
		return CodeNotFound
	case fiber.StatusMethodNotAllowed:
		return CodeMethodNotAllowed
	case fiber.StatusTooManyRequests:
		return domain.OutcomeRateLimited.ErrorCode()
	case fiber.StatusServiceUnavailable:
		return domain.OutcomeServiceUnavailable.ErrorCode()
	default:
		return CodeInternalError
	}
}
