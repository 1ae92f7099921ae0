// Package server implements the caller-facing execution endpoint. It
// decodes inbound requests, applies per-caller rate limiting, hands the
// request to the gateway core, and maps gateway errors onto stable API
// error codes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/tradewind/inference-gateway/internal/apierror"
	"github.com/tradewind/inference-gateway/internal/auth"
	"github.com/tradewind/inference-gateway/internal/gateway"
	"github.com/tradewind/inference-gateway/internal/ratelimit"
)

// maxTimeoutMs caps the caller-supplied per-request deadline.
const maxTimeoutMs = 300_000

// ExecuteRequest is the inbound body for POST /v1/execute.
type ExecuteRequest struct {
	Capability      string          `json:"capability"`
	Payload         json.RawMessage `json:"payload"`
	EstimatedTokens int             `json:"estimated_tokens"`
	TimeoutMs       int             `json:"timeout_ms"`
}

// ExecuteResponse is the success body for POST /v1/execute.
type ExecuteResponse struct {
	ProviderID     string          `json:"provider_id"`
	KeyFingerprint string          `json:"key_fingerprint"`
	Body           json.RawMessage `json:"body"`
	TokensUsed     int             `json:"tokens_used"`
	DurationMs     int64           `json:"duration_ms"`
	Failovers      int             `json:"failovers"`
}

// Handler serves the execution surface.
type Handler struct {
	gw      *gateway.Gateway
	limiter *ratelimit.Limiter
	logger  *slog.Logger
}

// New creates the execution handler.
func New(gw *gateway.Gateway, limiter *ratelimit.Limiter, logger *slog.Logger) *Handler {
	return &Handler{gw: gw, limiter: limiter, logger: logger}
}

// RegisterRoutes adds the execution routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/execute", h.executeHandler)
}

func (h *Handler) executeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "only POST is supported")
		return
	}

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierror.WriteJSON(w, r, http.StatusRequestEntityTooLarge, apierror.BodyTooLarge, "request body exceeds maximum allowed size")
			return
		}
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "malformed JSON body")
		return
	}

	if req.Capability == "" {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "capability is required")
		return
	}
	if len(req.Payload) == 0 {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "payload is required")
		return
	}
	if req.EstimatedTokens < 0 {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "estimated_tokens must be non-negative")
		return
	}
	if req.TimeoutMs < 0 || req.TimeoutMs > maxTimeoutMs {
		apierror.WriteJSON(w, r, http.StatusBadRequest, apierror.InvalidRequest, "timeout_ms out of range")
		return
	}

	caller := callerIdentity(r)
	if !h.limiter.Allow(caller, req.Capability) {
		w.Header().Set("Retry-After", retryAfter(h.limiter, req.Capability))
		apierror.WriteJSON(w, r, http.StatusTooManyRequests, apierror.RateLimitExceeded, "rate limit exceeded, retry later")
		return
	}

	ctx := r.Context()
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	resp, err := h.gw.Execute(ctx, gateway.Request{
		Capability:      req.Capability,
		Payload:         req.Payload,
		EstimatedTokens: req.EstimatedTokens,
	})
	if err != nil {
		h.writeExecuteError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(ExecuteResponse{ //nolint:errcheck
		ProviderID:     resp.ProviderID,
		KeyFingerprint: resp.KeyFingerprint,
		Body:           resp.Body,
		TokensUsed:     resp.TokensUsed,
		DurationMs:     resp.Duration.Milliseconds(),
		Failovers:      resp.Failovers,
	})
}

func (h *Handler) writeExecuteError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *gateway.RejectedError
	if errors.As(err, &rejected) {
		apierror.WriteJSON(w, r, http.StatusBadGateway, apierror.UpstreamRejected, rejected.Error())
		return
	}

	var exhausted *gateway.ExhaustedError
	if errors.As(err, &exhausted) {
		if exhausted.CallerCause != nil {
			apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "request deadline exceeded")
			return
		}
		apierror.WriteJSON(w, r, http.StatusServiceUnavailable, apierror.ProvidersExhausted, "all providers exhausted, retry later")
		return
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		apierror.WriteJSON(w, r, http.StatusGatewayTimeout, apierror.DeadlineExceeded, "request deadline exceeded")
		return
	}

	h.logger.Error("execute failed", "error", err)
	apierror.WriteJSON(w, r, http.StatusInternalServerError, apierror.InternalError, "an unexpected error occurred")
}

// callerIdentity returns the authenticated subject when present, else the
// client IP. Rate limit buckets key on this value.
func callerIdentity(r *http.Request) string {
	if claims := auth.FromContext(r.Context()); claims != nil && claims.Subject != "" {
		return claims.Subject
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfter(l *ratelimit.Limiter, capability string) string {
	secs := int(math.Ceil(l.RetryAfterSeconds(capability)))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
