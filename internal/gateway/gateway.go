// Package gateway implements the resilient execution core: one inbound
// request is tried against an ordered candidate list of provider+key
// pairs, with quota reservation, breaker admission, outcome
// classification, and failover on transient faults.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tradewind/inference-gateway/internal/health"
	"github.com/tradewind/inference-gateway/internal/metrics"
	"github.com/tradewind/inference-gateway/internal/quota"
	"github.com/tradewind/inference-gateway/internal/registry"
	"github.com/tradewind/inference-gateway/internal/router"
)

// Transport performs one upstream call against a provider with a specific
// key. Failures are reported as *TransportError so the gateway can
// classify them without knowing the wire protocol.
type Transport interface {
	Invoke(ctx context.Context, prov *registry.Provider, key *registry.Key, payload json.RawMessage) (*Result, error)
}

// Result is a successful upstream response.
type Result struct {
	Body       json.RawMessage
	TokensUsed int
}

// Request is one inbound execution request.
type Request struct {
	Capability      string
	Payload         json.RawMessage
	EstimatedTokens int
}

// Response is the outcome of a successful execution.
type Response struct {
	ProviderID     string
	KeyFingerprint string
	Body           json.RawMessage
	TokensUsed     int
	Duration       time.Duration
	Failovers      int
}

// Attempt is one entry in the per-request trail, kept for the exhausted
// error and debug logging. Key material never appears here.
type Attempt struct {
	Provider       string
	KeyFingerprint string
	Outcome        string
	Status         int
	Detail         string
	Duration       time.Duration
}

// ExhaustedError is the aggregate failure returned when no candidate
// succeeded: either every candidate was tried or denied, or the caller's
// deadline cut the loop short.
type ExhaustedError struct {
	Capability     string
	Attempts       []Attempt
	ProvidersTried int
	LastCause      error

	// CallerCause is the caller's context error when the deadline or a
	// cancellation ended the loop before the candidates ran out; nil on
	// plain exhaustion.
	CallerCause error
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	if e.CallerCause != nil {
		fmt.Fprintf(&b, "deadline reached for capability %q after %d attempts", e.Capability, len(e.Attempts))
	} else {
		fmt.Fprintf(&b, "all providers exhausted for capability %q after %d attempts", e.Capability, len(e.Attempts))
	}
	if e.LastCause != nil {
		fmt.Fprintf(&b, ": last error: %v", e.LastCause)
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() []error {
	var errs []error
	if e.LastCause != nil {
		errs = append(errs, e.LastCause)
	}
	if e.CallerCause != nil {
		errs = append(errs, e.CallerCause)
	}
	return errs
}

// RejectedError is returned when an upstream classified the request itself
// as invalid. Failover stops immediately: the same request would be
// rejected everywhere.
type RejectedError struct {
	Provider string
	Status   int
	Cause    error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider %s rejected request (status %d): %v", e.Provider, e.Status, e.Cause)
}

func (e *RejectedError) Unwrap() error { return e.Cause }

// Gateway executes requests with failover across the provider pool.
type Gateway struct {
	router    *router.Router
	transport Transport
	reporter  *health.Reporter
	logger    *slog.Logger
}

// New creates a Gateway.
func New(rt *router.Router, transport Transport, reporter *health.Reporter, logger *slog.Logger) *Gateway {
	return &Gateway{router: rt, transport: transport, reporter: reporter, logger: logger}
}

// Execute runs one request against the candidate list until a provider
// succeeds, a provider permanently rejects the request, the candidates
// run out, or the caller's deadline expires.
//
// Per admitted attempt the breaker receives exactly one of RecordSuccess,
// RecordFailure, or Release, and the quota reservation is either
// committed or cancelled. Local denials (quota, breaker admission) never
// count against the breaker.
func (g *Gateway) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	candidates := g.router.SelectCandidates(req.Capability, req.EstimatedTokens, nil)
	if len(candidates) == 0 {
		metrics.RequestsTotal.WithLabelValues(req.Capability, "exhausted").Inc()
		return nil, &ExhaustedError{Capability: req.Capability}
	}

	var (
		trail     []Attempt
		tried     = map[string]bool{}
		lastCause error
		failovers int
	)

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			metrics.RequestsTotal.WithLabelValues(req.Capability, "deadline").Inc()
			return nil, &ExhaustedError{
				Capability:     req.Capability,
				Attempts:       trail,
				ProvidersTried: len(tried),
				LastCause:      lastCause,
				CallerCause:    err,
			}
		}

		prov, key := c.Provider, c.Key

		// Reserve quota before asking the breaker for admission, so a
		// quota denial cannot strand a half-open probe slot.
		res, err := key.Quota.Reserve(req.EstimatedTokens)
		if err != nil {
			var denied *quota.DeniedError
			if errors.As(err, &denied) {
				metrics.QuotaDenials.WithLabelValues(prov.ID, string(denied.Reason)).Inc()
				trail = append(trail, Attempt{
					Provider:       prov.ID,
					KeyFingerprint: key.Fingerprint(),
					Outcome:        "quota_denied",
					Detail:         denied.Error(),
				})
			}
			continue
		}

		if !prov.Breaker.Allow() {
			res.Cancel()
			trail = append(trail, Attempt{
				Provider:       prov.ID,
				KeyFingerprint: key.Fingerprint(),
				Outcome:        "breaker_denied",
			})
			continue
		}

		tried[prov.ID] = true

		result, elapsed, err := g.invoke(ctx, prov, key, req.Payload)
		class := Classify(err)

		prov.Latency.Record(elapsed)
		metrics.AttemptsTotal.WithLabelValues(prov.ID, class.String()).Inc()
		metrics.AttemptDuration.WithLabelValues(prov.ID).Observe(elapsed.Seconds())

		attempt := Attempt{
			Provider:       prov.ID,
			KeyFingerprint: key.Fingerprint(),
			Outcome:        class.String(),
			Duration:       elapsed,
		}
		var te *TransportError
		if errors.As(err, &te) {
			attempt.Status = te.Status
		}
		if err != nil {
			attempt.Detail = err.Error()
		}
		trail = append(trail, attempt)

		switch {
		case class == ClassSuccess:
			prov.Breaker.RecordSuccess()
			res.Commit(result.TokensUsed)
			g.reporter.RecordSuccess(prov.ID)
			metrics.RequestsTotal.WithLabelValues(req.Capability, "success").Inc()

			g.logger.Info("request served",
				"capability", req.Capability,
				"provider", prov.ID,
				"key", key.Fingerprint(),
				"tokens", result.TokensUsed,
				"duration_ms", elapsed.Milliseconds(),
				"failovers", failovers,
			)
			return &Response{
				ProviderID:     prov.ID,
				KeyFingerprint: key.Fingerprint(),
				Body:           result.Body,
				TokensUsed:     result.TokensUsed,
				Duration:       time.Since(start),
				Failovers:      failovers,
			}, nil

		case class.Transient():
			prov.Breaker.RecordFailure()
			res.Cancel()
			g.reporter.RecordFailure(prov.ID, err.Error())
			lastCause = err
			failovers++
			metrics.FailoversTotal.WithLabelValues(prov.ID).Inc()

			g.logger.Warn("attempt failed, failing over",
				"capability", req.Capability,
				"provider", prov.ID,
				"key", key.Fingerprint(),
				"outcome", class.String(),
				"error", err,
			)

		default:
			// The request itself is bad. The probe slot is released
			// without an outcome; provider health is not implicated.
			prov.Breaker.Release()
			res.Cancel()
			g.reporter.RecordRejection(prov.ID, err.Error())

			g.logger.Warn("request rejected by provider",
				"capability", req.Capability,
				"provider", prov.ID,
				"status", attempt.Status,
				"error", err,
			)
			metrics.RequestsTotal.WithLabelValues(req.Capability, "rejected").Inc()
			return nil, &RejectedError{Provider: prov.ID, Status: attempt.Status, Cause: err}
		}
	}

	metrics.RequestsTotal.WithLabelValues(req.Capability, "exhausted").Inc()
	g.logger.Error("all providers exhausted",
		"capability", req.Capability,
		"attempts", len(trail),
		"providers_tried", len(tried),
	)
	return nil, &ExhaustedError{
		Capability:     req.Capability,
		Attempts:       trail,
		ProvidersTried: len(tried),
		LastCause:      lastCause,
	}
}

// invoke runs a single upstream call under the provider's timeout, capped
// by whatever remains of the caller's deadline.
func (g *Gateway) invoke(ctx context.Context, prov *registry.Provider, key *registry.Key, payload json.RawMessage) (*Result, time.Duration, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, prov.Timeout)
	defer cancel()

	started := time.Now()
	result, err := g.transport.Invoke(attemptCtx, prov, key, payload)
	elapsed := time.Since(started)

	if err == nil && result == nil {
		err = &TransportError{Class: ClassServerError, Err: errors.New("transport returned no result")}
	}
	return result, elapsed, err
}
