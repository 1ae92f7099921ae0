// Package admin provides the operational API for runtime inspection and
// provider resets. All endpoints are protected by IP allowlist.
package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/tradewind/inference-gateway/internal/config"
	"github.com/tradewind/inference-gateway/internal/health"
)

// Handler provides admin API endpoints.
type Handler struct {
	reloader    ConfigProvider
	reporter    *health.Reporter
	allowedNets []*net.IPNet
	logger      *slog.Logger
}

// ConfigProvider abstracts config access for testability.
type ConfigProvider interface {
	Current() *config.Config
}

// New creates an admin Handler. The allowlist CIDRs must be pre-validated
// (config validation ensures this).
func New(reloader ConfigProvider, reporter *health.Reporter, allowlist []string, logger *slog.Logger) *Handler {
	nets := make([]*net.IPNet, 0, len(allowlist))
	for _, cidr := range allowlist {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue // already validated by config
		}
		nets = append(nets, ipNet)
	}
	return &Handler{
		reloader:    reloader,
		reporter:    reporter,
		allowedNets: nets,
		logger:      logger,
	}
}

// RegisterRoutes adds admin routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/admin/providers", h.guard(http.MethodGet, h.providersHandler))
	mux.HandleFunc("/admin/providers/", h.guard(http.MethodPost, h.resetHandler))
	mux.HandleFunc("/admin/config", h.guard(http.MethodGet, h.configHandler))
}

// guard wraps a handler with method and IP allowlist checking.
func (h *Handler) guard(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
				"error": "Method Not Allowed",
			})
			return
		}

		ip := extractIP(r.RemoteAddr)
		if !h.isAllowed(ip) {
			h.logger.Warn("admin access denied", "client_ip", ip, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error": "Forbidden",
			})
			return
		}
		next(w, r)
	}
}

func (h *Handler) isAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range h.allowedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (h *Handler) providersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.reporter.SnapshotAll(),
	})
}

// resetHandler handles POST /admin/providers/{id}/reset.
func (h *Handler) resetHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/providers/")
	id, action, found := strings.Cut(rest, "/")
	if !found || action != "reset" || id == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "Not Found",
		})
		return
	}

	if !h.reporter.Reset(id) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   "Not Found",
			"message": "unknown provider: " + id,
		})
		return
	}

	h.logger.Info("admin reset", "provider", id, "client_ip", extractIP(r.RemoteAddr))
	snap, _ := h.reporter.Snapshot(id)
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) configHandler(w http.ResponseWriter, r *http.Request) {
	cfg := h.reloader.Current()

	// Shallow copy and redact sensitive fields. Provider keys carry
	// `json:"-"` so they never serialize.
	redacted := *cfg
	if redacted.Auth.JWTSecret != "" {
		redacted.Auth.JWTSecret = "***"
	}

	writeJSON(w, http.StatusOK, redacted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
