package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tradewind/inference-gateway/internal/breaker"
	"github.com/tradewind/inference-gateway/internal/config"
	"github.com/tradewind/inference-gateway/internal/gateway"
	"github.com/tradewind/inference-gateway/internal/health"
	"github.com/tradewind/inference-gateway/internal/ratelimit"
	"github.com/tradewind/inference-gateway/internal/registry"
	"github.com/tradewind/inference-gateway/internal/router"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedTransport answers every attempt against a provider with the
// same scripted result.
type scriptedTransport struct {
	results map[string]func() (*gateway.Result, error)
}

func (s *scriptedTransport) Invoke(ctx context.Context, prov *registry.Provider, key *registry.Key, payload json.RawMessage) (*gateway.Result, error) {
	fn, ok := s.results[prov.ID]
	if !ok {
		return nil, &gateway.TransportError{Class: gateway.ClassServerError, Err: errors.New("unscripted provider")}
	}
	return fn()
}

func succeed(tokens int) func() (*gateway.Result, error) {
	return func() (*gateway.Result, error) {
		return &gateway.Result{Body: json.RawMessage(`{"ok":true}`), TokensUsed: tokens}, nil
	}
}

func failWith(class gateway.Class, status int) func() (*gateway.Result, error) {
	return func() (*gateway.Result, error) {
		return nil, &gateway.TransportError{Class: class, Status: status, Err: errors.New("scripted failure")}
	}
}

func testMux(t *testing.T, tr gateway.Transport, rlCfg config.RateLimitConfig) *http.ServeMux {
	t.Helper()
	logger := discardLogger()

	reg := registry.New([]config.ProviderConfig{
		{ID: "a", Priority: 1, Weight: 1, BaseURL: "https://a.test", Model: "m", TimeoutMs: 5000, Keys: []string{"ka"}},
		{ID: "b", Priority: 2, Weight: 1, BaseURL: "https://b.test", Model: "m", TimeoutMs: 5000, Keys: []string{"kb"}},
	}, breaker.Config{FailureThreshold: 10}, logger)

	strategy, err := router.NewStrategy("priority_failover")
	if err != nil {
		t.Fatal(err)
	}
	rt := router.New(reg, strategy, logger)
	gw := gateway.New(rt, tr, health.New(reg, logger), logger)

	if rlCfg.RequestsPerSecond == 0 {
		rlCfg = config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 1000}
	}
	limiter := ratelimit.New(rlCfg, logger)
	t.Cleanup(limiter.Stop)

	mux := http.NewServeMux()
	New(gw, limiter, logger).RegisterRoutes(mux)
	return mux
}

func post(mux *http.ServeMux, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/v1/execute", strings.NewReader(body))
	req.RemoteAddr = "203.0.113.7:4242"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

const validBody = `{"capability":"chat","payload":{"messages":[]},"estimated_tokens":50}`

func TestExecuteSuccess(t *testing.T) {
	mux := testMux(t, &scriptedTransport{results: map[string]func() (*gateway.Result, error){
		"a": succeed(75),
	}}, config.RateLimitConfig{})

	rec := post(mux, validBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp ExecuteResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ProviderID != "a" {
		t.Errorf("provider = %q, want a", resp.ProviderID)
	}
	if resp.TokensUsed != 75 {
		t.Errorf("tokens = %d, want 75", resp.TokensUsed)
	}
	if resp.KeyFingerprint == "" || strings.Contains(resp.KeyFingerprint, "ka") {
		t.Errorf("fingerprint = %q", resp.KeyFingerprint)
	}
}

func TestExecuteFailoverReported(t *testing.T) {
	mux := testMux(t, &scriptedTransport{results: map[string]func() (*gateway.Result, error){
		"a": failWith(gateway.ClassServerError, 500),
		"b": succeed(10),
	}}, config.RateLimitConfig{})

	rec := post(mux, validBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp ExecuteResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.ProviderID != "b" || resp.Failovers != 1 {
		t.Errorf("provider = %q failovers = %d, want b/1", resp.ProviderID, resp.Failovers)
	}
}

func TestExecuteValidation(t *testing.T) {
	mux := testMux(t, &scriptedTransport{}, config.RateLimitConfig{})

	cases := []struct {
		name string
		body string
	}{
		{"malformed json", `{not json`},
		{"missing capability", `{"payload":{}}`},
		{"missing payload", `{"capability":"chat"}`},
		{"negative estimate", `{"capability":"chat","payload":{},"estimated_tokens":-1}`},
		{"timeout out of range", `{"capability":"chat","payload":{},"timeout_ms":999999999}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(mux, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), "GATEWAY_INVALID_REQUEST") {
				t.Errorf("body = %s", rec.Body.String())
			}
		})
	}
}

func TestExecuteMethodNotAllowed(t *testing.T) {
	mux := testMux(t, &scriptedTransport{}, config.RateLimitConfig{})

	req := httptest.NewRequest("GET", "/v1/execute", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestExecuteExhaustedMapsTo503(t *testing.T) {
	mux := testMux(t, &scriptedTransport{results: map[string]func() (*gateway.Result, error){
		"a": failWith(gateway.ClassServerError, 500),
		"b": failWith(gateway.ClassTimeout, 0),
	}}, config.RateLimitConfig{})

	rec := post(mux, validBody)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GATEWAY_PROVIDERS_EXHAUSTED") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestExecuteDeadlineMidFailoverMapsTo504(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mux := testMux(t, &scriptedTransport{results: map[string]func() (*gateway.Result, error){
		"a": func() (*gateway.Result, error) {
			cancel() // caller gives up while the failover is in flight
			return nil, &gateway.TransportError{Class: gateway.ClassServerError, Status: 500, Err: errors.New("scripted failure")}
		},
		"b": succeed(1),
	}}, config.RateLimitConfig{})

	req := httptest.NewRequest("POST", "/v1/execute", strings.NewReader(validBody)).WithContext(ctx)
	req.RemoteAddr = "203.0.113.7:4242"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GATEWAY_DEADLINE_EXCEEDED") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestExecuteRejectionMapsTo502(t *testing.T) {
	mux := testMux(t, &scriptedTransport{results: map[string]func() (*gateway.Result, error){
		"a": failWith(gateway.ClassClientError, 422),
	}}, config.RateLimitConfig{})

	rec := post(mux, validBody)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GATEWAY_UPSTREAM_REJECTED") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestExecuteRateLimited(t *testing.T) {
	mux := testMux(t, &scriptedTransport{results: map[string]func() (*gateway.Result, error){
		"a": succeed(1),
	}}, config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	if rec := post(mux, validBody); rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d", rec.Code)
	}

	rec := post(mux, validBody)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}
