// Package registry holds the provider and key catalog built once from
// configuration. Provider identity, priority, weight, and key ordering are
// immutable after load; the mutable resilience state (quota windows,
// breaker, latency ring) hangs off each record and is guarded
// independently, so contention on one provider or key never blocks
// another.
package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/tradewind/inference-gateway/internal/breaker"
	"github.com/tradewind/inference-gateway/internal/config"
	"github.com/tradewind/inference-gateway/internal/latency"
	"github.com/tradewind/inference-gateway/internal/quota"
)

// Provider is one external inference service reachable through one or
// more keys.
type Provider struct {
	ID           string
	DisplayName  string
	Priority     int // lower = tried first
	Weight       int
	Capabilities []string // empty = serves any capability
	BaseURL      string
	Model        string
	Timeout      time.Duration

	Keys []*Key

	// Breaker and Latency are owned by this provider; all keys share
	// one breaker because provider health is a provider-level concern,
	// while quota is tracked per key.
	Breaker *breaker.Breaker
	Latency *latency.Ring
}

// HasCapability reports whether the provider serves the given capability.
// A provider with no declared capabilities serves all of them.
func (p *Provider) HasCapability(capability string) bool {
	if len(p.Capabilities) == 0 {
		return true
	}
	for _, c := range p.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Key is one credential belonging to exactly one provider. The raw
// material is unexported; logs and snapshots use Fingerprint.
type Key struct {
	ProviderID string
	Index      int

	// Quota is owned by this key.
	Quota *quota.Tracker

	material    string
	fingerprint string
}

// Material returns the raw credential for use by the transport. Never log
// the returned value.
func (k *Key) Material() string { return k.material }

// Fingerprint returns a short stable identifier safe for logs and health
// snapshots.
func (k *Key) Fingerprint() string { return k.fingerprint }

// Registry is the immutable provider catalog.
type Registry struct {
	providers []*Provider
	byID      map[string]*Provider
}

// New builds the registry from provider configs. Providers without any
// usable key are skipped (a config warning covers this case). Order is
// preserved from the configuration.
func New(cfgs []config.ProviderConfig, bcfg breaker.Config, logger *slog.Logger) *Registry {
	r := &Registry{byID: make(map[string]*Provider, len(cfgs))}

	for _, pc := range cfgs {
		keys := pc.UsableKeys()
		if len(keys) == 0 {
			logger.Warn("provider has no usable keys, excluded from routing", "provider", pc.ID)
			continue
		}

		p := &Provider{
			ID:           pc.ID,
			DisplayName:  pc.DisplayName,
			Priority:     pc.Priority,
			Weight:       pc.Weight,
			Capabilities: pc.Capabilities,
			BaseURL:      pc.BaseURL,
			Model:        pc.Model,
			Timeout:      pc.Timeout(),
			Breaker:      breaker.New(pc.ID, bcfg, logger),
			Latency:      latency.New(latency.DefaultCapacity),
		}

		for i, material := range keys {
			p.Keys = append(p.Keys, &Key{
				ProviderID:  pc.ID,
				Index:       i,
				Quota:       quota.New(pc.RPMLimit, pc.TPMLimit),
				material:    material,
				fingerprint: fingerprint(material),
			})
		}

		r.providers = append(r.providers, p)
		r.byID[p.ID] = p

		logger.Info("provider registered",
			"provider", p.ID,
			"priority", p.Priority,
			"weight", p.Weight,
			"keys", len(p.Keys),
			"rpm_limit", pc.RPMLimit,
			"tpm_limit", pc.TPMLimit,
		)
	}

	return r
}

// Provider returns the provider with the given id.
func (r *Registry) Provider(id string) (*Provider, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Providers returns all registered providers in configuration order.
// The returned slice must not be modified.
func (r *Registry) Providers() []*Provider {
	return r.providers
}

// ProvidersFor returns the providers serving the given capability, in
// configuration order.
func (r *Registry) ProvidersFor(capability string) []*Provider {
	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if p.HasCapability(capability) {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int { return len(r.providers) }

// fingerprint derives a short identifier from key material. SHA-256 so
// the raw credential cannot be recovered from logs.
func fingerprint(material string) string {
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:4])
}
