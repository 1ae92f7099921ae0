// Package main provides an OpenAI-compatible mock provider for testing
// the gateway. It serves /v1/chat/completions with configurable failure
// injection, useful for exercising failover, breaker trips, and quota
// behavior without real provider accounts.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

var requestCount atomic.Int64

func main() {
	port := flag.Int("port", 3001, "port to listen on")
	name := flag.String("name", "mock", "provider name reported in responses")
	failRate := flag.Float64("fail-rate", 0, "fraction of requests answered with 500")
	rateLimitEvery := flag.Int("rate-limit-every", 0, "answer every Nth request with 429 (0 = never)")
	delay := flag.Duration("delay", 0, "fixed response delay")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}

	// /__status/{code} returns an arbitrary HTTP status code in OpenAI
	// error shape. Example: POST /__status/503 → 503.
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		code, err := strconv.Atoi(r.URL.Path[len("/__status/"):])
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		writeError(w, code, http.StatusText(code))
	})

	http.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		n := requestCount.Add(1)

		if *delay > 0 {
			time.Sleep(*delay)
		}

		if *rateLimitEvery > 0 && n%int64(*rateLimitEvery) == 0 {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if *failRate > 0 && rand.Float64() < *failRate {
			writeError(w, http.StatusInternalServerError, "injected provider fault")
			return
		}

		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}

		promptTokens := 0
		for _, m := range req.Messages {
			promptTokens += len(m.Content) / 4
		}
		completion := fmt.Sprintf("response %d from %s", n, *name)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      fmt.Sprintf("chatcmpl-mock-%d", n),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]interface{}{
				{
					"index":         0,
					"message":       map[string]string{"role": "assistant", "content": completion},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     promptTokens,
				"completion_tokens": len(completion) / 4,
				"total_tokens":      promptTokens + len(completion)/4,
			},
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (fail-rate=%.2f rate-limit-every=%d delay=%s)",
		*name, addr, *failRate, *rateLimitEvery, *delay)
	log.Fatal(http.ListenAndServe(addr, nil))
}

// writeError emits an OpenAI-shaped error body so go-openai clients parse
// the status and message.
func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "mock_error",
			"code":    code,
		},
	})
}
