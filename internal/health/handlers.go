package health

import (
	"encoding/json"
	"net/http"

	"github.com/tradewind/inference-gateway/internal/breaker"
)

// LivenessHandler reports process liveness. Always 200 once the server is
// accepting connections.
func (r *Reporter) LivenessHandler(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}` + "\n")) //nolint:errcheck
}

// ReadinessHandler reports routing readiness: 200 when at least one
// provider's breaker admits traffic, 503 when every breaker is open.
func (r *Reporter) ReadinessHandler(w http.ResponseWriter, req *http.Request) {
	ready := false
	for _, p := range r.reg.Providers() {
		if p.Breaker.State() != breaker.StateOpen {
			ready = true
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "unavailable",
			"reason": "all provider circuits open",
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}` + "\n")) //nolint:errcheck
}
