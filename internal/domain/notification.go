package domain

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// NotificationType selects the delivery queue of a notification.
type NotificationType string

const (
	TypeEmail NotificationType = "email"
	TypePush  NotificationType = "push"
)

func (t NotificationType) String() string { return string(t) }

func (t NotificationType) IsValid() bool {
	switch t {
	case TypeEmail, TypePush:
		return true
	}
	return false
}

// SupportedTypes lists every notification type with its own broker queue.
func SupportedTypes() []NotificationType {
	return []NotificationType{TypeEmail, TypePush}
}

func ParseNotificationType(s string) (NotificationType, error) {
	t := NotificationType(strings.ToLower(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid notification type %q", ErrValidation, s)
	}
	return t, nil
}

// Status represents the lifecycle state of a notification. The gateway only
// writes StatusQueued; later states come from downstream workers.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusDelivered  Status = "delivered"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusSent, StatusFailed, StatusDelivered:
		return true
	}
	return false
}

// Estimated delivery offsets per type. Advisory only.
const (
	EmailDeliveryEstimate = 2 * time.Minute
	PushDeliveryEstimate  = time.Minute
)

func EstimatedDelivery(t NotificationType, now time.Time) time.Time {
	if t == TypePush {
		return now.Add(PushDeliveryEstimate)
	}
	return now.Add(EmailDeliveryEstimate)
}

// NotificationRequest is a validated submission coming from the HTTP layer.
type NotificationRequest struct {
	Type           NotificationType  `json:"type" validate:"required,oneof=email push"`
	UserID         string            `json:"user_id" validate:"required,max=255"`
	TemplateID     string            `json:"template_id" validate:"required,max=255"`
	Variables      map[string]string `json:"variables,omitempty" validate:"omitempty,max=100,dive,keys,required,max=128,endkeys,max=4096"`
	IdempotencyKey string            `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
}

// Normalize trims identifiers and sanitizes template variables in place.
func (r *NotificationRequest) Normalize() error {
	r.Type = NotificationType(strings.ToLower(strings.TrimSpace(r.Type.String())))
	r.UserID = strings.TrimSpace(r.UserID)
	r.TemplateID = strings.TrimSpace(r.TemplateID)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)

	vars, err := SanitizeVariables(r.Variables)
	if err != nil {
		return err
	}
	r.Variables = vars
	return nil
}

func (r *NotificationRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: request body is required", ErrValidation)
	}

	err := validate.Struct(r)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describeFieldError(fe))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(msgs, ", "))
}

var scriptTagPattern = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)

// SanitizeVariables trims keys and values and strips inline script blocks.
// Two keys that are equal once trimmed are a validation error.
func SanitizeVariables(vars map[string]string) (map[string]string, error) {
	if len(vars) == 0 {
		return map[string]string{}, nil
	}

	out := make(map[string]string, len(vars))
	var dup []string
	for k, v := range vars {
		key := strings.TrimSpace(k)
		if _, ok := out[key]; ok {
			dup = append(dup, key)
		}
		out[key] = strings.TrimSpace(scriptTagPattern.ReplaceAllString(v, ""))
	}
	if len(dup) > 0 {
		slices.Sort(dup)
		return nil, fmt.Errorf("%w: duplicate variable keys after trimming: %s", ErrValidation, strings.Join(slices.Compact(dup), ", "))
	}
	return out, nil
}

// StatusRecord is the cache-resident status of a submitted notification.
type StatusRecord struct {
	NotificationID string           `json:"notification_id"`
	Type           NotificationType `json:"type"`
	Status         Status           `json:"status"`
	UserID         string           `json:"user_id"`
	TemplateID     string           `json:"template_id"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// RateLimitInfo describes the caller's position in the current window.
type RateLimitInfo struct {
	Limit          int64 `json:"limit"`
	Remaining      int64 `json:"remaining"`
	ResetInSeconds int64 `json:"reset_in_seconds"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("missing required field: %s", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s exceeds maximum of %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
