package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/notification-gateway/internal/domain"
	"github.com/kursadbilgin/notification-gateway/internal/observability"
	"github.com/kursadbilgin/notification-gateway/internal/ratelimit"
	"github.com/kursadbilgin/notification-gateway/internal/service"
	"github.com/kursadbilgin/notification-gateway/internal/store"
	"github.com/redis/go-redis/v9"
)

const testAPIKey = "key-1"

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		keys       []string
		header     string
		wantStatus int
		wantCode   string
	}{
		{name: "missing header", keys: []string{"key-1"}, wantStatus: 401, wantCode: "missing_api_key"},
		{name: "no keys configured", keys: nil, header: "key-1", wantStatus: 500, wantCode: "configuration_error"},
		{name: "unknown key", keys: []string{"key-1"}, header: "key-2", wantStatus: 401, wantCode: "invalid_api_key"},
		{name: "valid key reaches handler", keys: []string{"key-0", "key-1"}, header: "key-1", wantStatus: 404, wantCode: "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app := newTestApp(t, &stubService{}, &stubLimiter{}, tt.keys)

			resp, body := performRequest(t, app, http.MethodGet, "/v1/notifications/status/"+testID, "", tt.header)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.wantStatus, body)
			}
			assertErrorCode(t, body, tt.wantCode)
		})
	}
}

func TestSubmitRoutes(t *testing.T) {
	t.Parallel()

	var got []domain.NotificationRequest
	var mu sync.Mutex
	svc := &stubService{
		submitFn: func(ctx context.Context, req domain.NotificationRequest, rl *domain.RateLimitInfo) service.Result {
			mu.Lock()
			got = append(got, req)
			mu.Unlock()
			return service.Result{
				Outcome:        domain.OutcomeQueued,
				NotificationID: "n1",
				Body:           []byte(`{"success":true,"data":{"notification_id":"n1"}}`),
			}
		},
	}
	app := newTestApp(t, svc, &stubLimiter{}, []string{testAPIKey})

	tests := []struct {
		path     string
		body     string
		wantType domain.NotificationType
	}{
		{path: "/v1/notifications", body: `{"type":"push","user_id":"u1","template_id":"t1"}`, wantType: domain.TypePush},
		{path: "/v1/notifications/email", body: `{"user_id":"u1","template_id":"t1"}`, wantType: domain.TypeEmail},
		{path: "/v1/notifications/push", body: `{"type":"PUSH","user_id":"u1","template_id":"t1","idempotency_key":"k1"}`, wantType: domain.TypePush},
	}

	for i, tt := range tests {
		resp, body := performRequest(t, app, http.MethodPost, tt.path, tt.body, testAPIKey)
		if resp.StatusCode != fiber.StatusAccepted {
			t.Fatalf("%s: status = %d, want 202, body=%s", tt.path, resp.StatusCode, body)
		}
		if string(body) != `{"success":true,"data":{"notification_id":"n1"}}` {
			t.Fatalf("%s: body = %s, want stored bytes", tt.path, body)
		}
		if got[i].Type != tt.wantType {
			t.Fatalf("%s: type = %s, want %s", tt.path, got[i].Type, tt.wantType)
		}
	}
	if got[2].IdempotencyKey != "k1" {
		t.Fatalf("idempotency key = %q, want k1", got[2].IdempotencyKey)
	}
}

func TestSubmitRejectsBadBodies(t *testing.T) {
	t.Parallel()

	svc := &stubService{
		submitFn: func(context.Context, domain.NotificationRequest, *domain.RateLimitInfo) service.Result {
			t.Fatal("service must not be called for a malformed body")
			return service.Result{}
		},
	}
	app := newTestApp(t, svc, &stubLimiter{}, []string{testAPIKey})

	bodies := map[string]string{
		"/v1/notifications/email": `{"type":"push","user_id":"u1","template_id":"t1"}`,
		"/v1/notifications":       `{"type":"email","user_id":"u1","template_id":"t1","variables":{"n":1}}`,
		"/v1/notifications/push":  `not-json`,
	}
	for path, body := range bodies {
		resp, raw := performRequest(t, app, http.MethodPost, path, body, testAPIKey)
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400, body=%s", path, resp.StatusCode, raw)
		}
		assertErrorCode(t, raw, "validation_error")

		var parsed struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			t.Fatalf("json unmarshal error = %v", err)
		}
		if !strings.HasPrefix(parsed.Message, "Validation failed: ") {
			t.Fatalf("%s: message = %q, want the shared validation wording", path, parsed.Message)
		}
	}
}

func TestSubmitFailureOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		result     service.Result
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "validation",
			result:     service.Result{Outcome: domain.OutcomeValidationError, Err: fmt.Errorf("%w: missing required field: template_id", domain.ErrValidation)},
			wantStatus: 400,
			wantCode:   "validation_error",
			wantMsg:    "Validation failed: missing required field: template_id",
		},
		{
			name:       "unavailable",
			result:     service.Result{Outcome: domain.OutcomeServiceUnavailable, Err: domain.ErrServiceUnavailable},
			wantStatus: 503,
			wantCode:   "service_unavailable",
			wantMsg:    "Notification service is temporarily unavailable",
		},
		{
			name:       "publish",
			result:     service.Result{Outcome: domain.OutcomePublishError, Err: fmt.Errorf("%w: amqp: channel closed", domain.ErrPublish)},
			wantStatus: 500,
			wantCode:   "queue_error",
			wantMsg:    "Failed to queue notification",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := &stubService{
				submitFn: func(context.Context, domain.NotificationRequest, *domain.RateLimitInfo) service.Result {
					return tt.result
				},
			}
			app := newTestApp(t, svc, &stubLimiter{}, []string{testAPIKey})

			resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications/email", `{"user_id":"u1"}`, testAPIKey)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body=%s", resp.StatusCode, tt.wantStatus, body)
			}

			var parsed map[string]any
			if err := json.Unmarshal(body, &parsed); err != nil {
				t.Fatalf("json unmarshal error = %v", err)
			}
			if parsed["success"] != false || parsed["error"] != tt.wantCode || parsed["message"] != tt.wantMsg {
				t.Fatalf("body = %s", body)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{
		checkFn: func(ctx context.Context, identifier string) (ratelimit.Decision, error) {
			if identifier != testAPIKey {
				t.Fatalf("identifier = %q, want the API key", identifier)
			}
			return ratelimit.Decision{Info: domain.RateLimitInfo{Limit: 100, Remaining: 0, ResetInSeconds: 42}},
				fmt.Errorf("%w: 101 requests", domain.ErrRateLimited)
		},
	}
	svc := &stubService{
		submitFn: func(context.Context, domain.NotificationRequest, *domain.RateLimitInfo) service.Result {
			t.Fatal("service must not be called when rate limited")
			return service.Result{}
		},
	}
	app := newTestApp(t, svc, limiter, []string{testAPIKey})

	resp, body := performRequest(t, app, http.MethodPost, "/v1/notifications/email", `{"user_id":"u1","template_id":"t1"}`, testAPIKey)
	if resp.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429, body=%s", resp.StatusCode, body)
	}
	if resp.Header.Get("Retry-After") != "42" {
		t.Fatalf("Retry-After = %q, want 42", resp.Header.Get("Retry-After"))
	}
	if resp.Header.Get(HeaderRateLimitRemaining) != "0" || resp.Header.Get(HeaderRateLimitLimit) != "100" {
		t.Fatalf("rate limit headers = %v", resp.Header)
	}

	var parsed struct {
		Error string `json:"error"`
		Meta  struct {
			RateLimit *domain.RateLimitInfo `json:"rate_limit"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Error != "rate_limit_exceeded" || parsed.Meta.RateLimit == nil || parsed.Meta.RateLimit.ResetInSeconds != 42 {
		t.Fatalf("body = %s", body)
	}
}

func TestRateLimitRunsAfterAuth(t *testing.T) {
	t.Parallel()

	limiter := &stubLimiter{
		checkFn: func(context.Context, string) (ratelimit.Decision, error) {
			t.Fatal("unauthenticated requests must not consume rate limit quota")
			return ratelimit.Decision{}, nil
		},
	}
	app := newTestApp(t, &stubService{}, limiter, []string{testAPIKey})

	resp, _ := performRequest(t, app, http.MethodPost, "/v1/notifications/email", `{}`, "")
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGetStatusRoutes(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := &stubService{
		getStatusFn: func(ctx context.Context, id string) (*domain.StatusRecord, error) {
			switch id {
			case testID:
				return &domain.StatusRecord{
					NotificationID: testID,
					Type:           domain.TypeEmail,
					Status:         domain.StatusQueued,
					UserID:         "u1",
					TemplateID:     "t1",
					CreatedAt:      now,
					UpdatedAt:      now,
				}, nil
			case "bad":
				return nil, fmt.Errorf("%w: invalid notification id", domain.ErrValidation)
			default:
				return nil, domain.ErrNotFound
			}
		},
	}
	app := newTestApp(t, svc, &stubLimiter{}, []string{testAPIKey})

	for _, path := range []string{"/v1/notifications/status/" + testID, "/v1/notifications/" + testID} {
		resp, body := performRequest(t, app, http.MethodGet, path, "", testAPIKey)
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s: status = %d, want 200, body=%s", path, resp.StatusCode, body)
		}

		var parsed struct {
			Success bool `json:"success"`
			Data    struct {
				NotificationID string `json:"notification_id"`
				Status         string `json:"status"`
				DeliveryInfo   struct {
					Type       string `json:"type"`
					UserID     string `json:"user_id"`
					TemplateID string `json:"template_id"`
				} `json:"delivery_info"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Fatalf("json unmarshal error = %v", err)
		}
		if !parsed.Success || parsed.Data.Status != "queued" || parsed.Data.DeliveryInfo.UserID != "u1" || parsed.Data.DeliveryInfo.Type != "email" {
			t.Fatalf("%s: body = %s", path, body)
		}
	}

	resp, body := performRequest(t, app, http.MethodGet, "/v1/notifications/status/bad", "", testAPIKey)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	assertErrorCode(t, body, "validation_error")

	resp, body = performRequest(t, app, http.MethodGet, "/v1/notifications/status/0b6f2d7e-2f7a-4b8c-9d5e-1a2b3c4d5e6f", "", testAPIKey)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	assertErrorCode(t, body, "not_found")
}

func TestHealthRoutes(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := newTestAppWithHealth(t, &stubPinger{}, &stubBroker{connected: true})
		resp, body := performRequest(t, app, http.MethodGet, "/livez", "", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, body)
		}
	})

	t.Run("readyz returns 200 when dependencies healthy", func(t *testing.T) {
		t.Parallel()

		app := newTestAppWithHealth(t, &stubPinger{}, &stubBroker{connected: true})
		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, body)
		}
	})

	t.Run("readyz returns 503 when broker down", func(t *testing.T) {
		t.Parallel()

		app := newTestAppWithHealth(t, &stubPinger{}, &stubBroker{})
		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, body)
		}
		if !strings.Contains(string(body), `"rabbitmq":"down"`) {
			t.Fatalf("body = %s", body)
		}
	})

	t.Run("service health reports degraded without auth", func(t *testing.T) {
		t.Parallel()

		app := newTestAppWithHealth(t, &stubPinger{err: errors.New("redis down")}, &stubBroker{connected: true})
		resp, body := performRequest(t, app, http.MethodGet, "/v1/notifications/health", "", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, body)
		}

		var parsed struct {
			Data struct {
				Status   string          `json:"status"`
				Services map[string]bool `json:"services"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Fatalf("json unmarshal error = %v", err)
		}
		if parsed.Data.Status != "degraded" || parsed.Data.Services["redis"] || !parsed.Data.Services["rabbitmq"] {
			t.Fatalf("body = %s", body)
		}
	})

	t.Run("metrics endpoint is public", func(t *testing.T) {
		t.Parallel()

		app := newTestAppWithHealth(t, &stubPinger{}, &stubBroker{connected: true})
		resp, body := performRequest(t, app, http.MethodGet, "/metrics", "", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if !strings.Contains(string(body), "go_goroutines") {
			t.Fatalf("metrics body missing runtime collectors")
		}
	})
}

func TestGatewayEndToEnd(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	metrics := observability.NewMetrics()
	st, err := store.NewRedisStore(client, store.Options{}, nil, metrics)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	guard, err := ratelimit.NewGuard(st, 2, time.Minute, nil, metrics)
	if err != nil {
		t.Fatalf("NewGuard() error = %v", err)
	}
	pub := &recordingPublisher{}
	svc, err := service.NewNotificationService(pub, st, metrics, nil)
	if err != nil {
		t.Fatalf("NewNotificationService() error = %v", err)
	}

	app, err := NewApp(Dependencies{
		Service: svc,
		Limiter: guard,
		Cache:   st,
		Broker:  pub,
		Metrics: metrics,
		APIKeys: []string{testAPIKey},
	})
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}

	payload := `{"user_id":"u1","template_id":"t1","idempotency_key":"k1","variables":{"name":"Ada"}}`
	first, firstBody := performRequest(t, app, http.MethodPost, "/v1/notifications/email", payload, testAPIKey)
	if first.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", first.StatusCode, firstBody)
	}
	if first.Header.Get(HeaderRateLimitRemaining) != "1" {
		t.Fatalf("remaining = %q, want 1", first.Header.Get(HeaderRateLimitRemaining))
	}

	second, secondBody := performRequest(t, app, http.MethodPost, "/v1/notifications/email", payload, testAPIKey)
	if second.StatusCode != fiber.StatusAccepted {
		t.Fatalf("replay status = %d, want 202", second.StatusCode)
	}
	if !bytes.Equal(firstBody, secondBody) {
		t.Fatalf("replay body differs:\n%s\n%s", firstBody, secondBody)
	}
	if pub.count() != 1 {
		t.Fatalf("published %d, want 1", pub.count())
	}

	var accepted struct {
		Data struct {
			NotificationID string `json:"notification_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(firstBody, &accepted); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}

	third, body := performRequest(t, app, http.MethodGet, "/v1/notifications/status/"+accepted.Data.NotificationID, "", testAPIKey)
	if third.StatusCode != fiber.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429, body=%s", third.StatusCode, body)
	}

	mr.FastForward(61 * time.Second)

	status, body := performRequest(t, app, http.MethodGet, "/v1/notifications/status/"+accepted.Data.NotificationID, "", testAPIKey)
	if status.StatusCode != fiber.StatusOK {
		t.Fatalf("status lookup = %d, want 200, body=%s", status.StatusCode, body)
	}
	if !strings.Contains(string(body), `"status":"queued"`) {
		t.Fatalf("body = %s", body)
	}
}

const testID = "8d7c9a2e-8a51-4a0b-9c55-0f7f5b0c1f11"

func newTestApp(t *testing.T, svc NotificationService, limiter RateLimiter, keys []string) *fiber.App {
	t.Helper()

	app, err := NewApp(Dependencies{
		Service: svc,
		Limiter: limiter,
		Cache:   &stubPinger{},
		Broker:  &stubBroker{connected: true},
		APIKeys: keys,
	})
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	return app
}

func newTestAppWithHealth(t *testing.T, cache CachePinger, broker BrokerStatus) *fiber.App {
	t.Helper()

	app, err := NewApp(Dependencies{
		Service: &stubService{},
		Limiter: &stubLimiter{},
		Cache:   cache,
		Broker:  broker,
		Metrics: observability.NewMetrics(),
		APIKeys: []string{testAPIKey},
	})
	if err != nil {
		t.Fatalf("NewApp() error = %v", err)
	}
	return app
}

func performRequest(t *testing.T, app *fiber.App, method, path, body, apiKey string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set(HeaderAPIKey, apiKey)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body error = %v", err)
	}
	return resp, raw
}

func assertErrorCode(t *testing.T, body []byte, want string) {
	t.Helper()

	var parsed struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v, body=%s", err, body)
	}
	if parsed.Success || parsed.Error != want {
		t.Fatalf("error = %q, want %q, body=%s", parsed.Error, want, body)
	}
}

type stubService struct {
	submitFn    func(ctx context.Context, req domain.NotificationRequest, rl *domain.RateLimitInfo) service.Result
	getStatusFn func(ctx context.Context, id string) (*domain.StatusRecord, error)
}

func (s *stubService) Submit(ctx context.Context, req domain.NotificationRequest, rl *domain.RateLimitInfo) service.Result {
	if s.submitFn != nil {
		return s.submitFn(ctx, req, rl)
	}
	return service.Result{Outcome: domain.OutcomePublishError, Err: errors.New("not implemented")}
}

func (s *stubService) GetStatus(ctx context.Context, id string) (*domain.StatusRecord, error) {
	if s.getStatusFn != nil {
		return s.getStatusFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

type stubLimiter struct {
	checkFn func(ctx context.Context, identifier string) (ratelimit.Decision, error)
}

func (s *stubLimiter) Check(ctx context.Context, identifier string) (ratelimit.Decision, error) {
	if s.checkFn != nil {
		return s.checkFn(ctx, identifier)
	}
	return ratelimit.Decision{Allowed: true, Info: domain.RateLimitInfo{Limit: 100, Remaining: 99, ResetInSeconds: 60}}, nil
}

type stubPinger struct {
	err error
}

func (s *stubPinger) Ping(context.Context) error { return s.err }

type stubBroker struct {
	connected bool
}

func (s *stubBroker) IsConnected() bool { return s.connected }

type recordingPublisher struct {
	mu        sync.Mutex
	envelopes []domain.Envelope
}

func (p *recordingPublisher) Publish(ctx context.Context, env domain.Envelope) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
	return env.NotificationID, nil
}

func (p *recordingPublisher) IsConnected() bool               { return true }
func (p *recordingPublisher) Reconnect(context.Context) error { return nil }
func (p *recordingPublisher) Close() error                    { return nil }

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.envelopes)
}
