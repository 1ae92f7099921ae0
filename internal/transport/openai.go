// Package transport adapts the gateway's attempt interface onto
// OpenAI-compatible chat completion APIs. Every configured provider is
// reached through its base URL with an OpenAI-shaped wire format, which
// is the de facto interchange format for inference services.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"github.com/tradewind/inference-gateway/internal/gateway"
	"github.com/tradewind/inference-gateway/internal/registry"
)

// OpenAI invokes chat completions against OpenAI-compatible endpoints.
// Clients are built lazily per provider+key and cached; go-openai clients
// are safe for concurrent use.
type OpenAI struct {
	mu      sync.Mutex
	clients map[clientKey]*openai.Client
}

type clientKey struct {
	providerID string
	keyIndex   int
}

// NewOpenAI creates the transport.
func NewOpenAI() *OpenAI {
	return &OpenAI{clients: make(map[clientKey]*openai.Client)}
}

// Invoke runs one chat completion attempt. The payload is an OpenAI-style
// chat completion request; the provider's configured model fills in when
// the payload names none.
func (t *OpenAI) Invoke(ctx context.Context, prov *registry.Provider, key *registry.Key, payload json.RawMessage) (*gateway.Result, error) {
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &gateway.TransportError{
			Class: gateway.ClassClientError,
			Err:   fmt.Errorf("malformed chat completion payload: %w", err),
		}
	}
	if req.Model == "" {
		req.Model = prov.Model
	}

	resp, err := t.client(prov, key).CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify(ctx, err)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return nil, &gateway.TransportError{
			Class: gateway.ClassServerError,
			Err:   fmt.Errorf("encoding provider response: %w", err),
		}
	}

	return &gateway.Result{Body: body, TokensUsed: resp.Usage.TotalTokens}, nil
}

func (t *OpenAI) client(prov *registry.Provider, key *registry.Key) *openai.Client {
	ck := clientKey{providerID: prov.ID, keyIndex: key.Index}

	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.clients[ck]; ok {
		return c
	}

	cfg := openai.DefaultConfig(key.Material())
	if prov.BaseURL != "" {
		cfg.BaseURL = prov.BaseURL
	}
	c := openai.NewClientWithConfig(cfg)
	t.clients[ck] = c
	return c
}

// classify maps go-openai errors to outcome classes. Upstream status
// codes decide: 429 is a provider rate limit, 5xx is a provider fault,
// and 4xx means the request itself is bad. Everything without a status
// is a timeout when the context expired, otherwise a transport-level
// provider fault.
func classify(ctx context.Context, err error) *gateway.TransportError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &gateway.TransportError{
			Class:  classForStatus(apiErr.HTTPStatusCode),
			Status: apiErr.HTTPStatusCode,
			Err:    err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &gateway.TransportError{
			Class:  classForStatus(reqErr.HTTPStatusCode),
			Status: reqErr.HTTPStatusCode,
			Err:    err,
		}
	}

	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &gateway.TransportError{Class: gateway.ClassTimeout, Err: err}
	}

	return &gateway.TransportError{Class: gateway.ClassServerError, Err: err}
}

func classForStatus(status int) gateway.Class {
	switch {
	case status == http.StatusTooManyRequests:
		return gateway.ClassRateLimited
	case status >= 500:
		return gateway.ClassServerError
	case status >= 400:
		return gateway.ClassClientError
	default:
		return gateway.ClassServerError
	}
}
