package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
providers:
  - id: primary
    base_url: https://api.example.com/v1
    model: test-model
    keys: [sk-test]
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.WriteTimeout != 2*time.Minute {
		t.Errorf("write timeout = %v, want 2m", cfg.Server.WriteTimeout)
	}
	if cfg.Routing.Strategy != "priority_failover" {
		t.Errorf("strategy = %q, want priority_failover", cfg.Routing.Strategy)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("failure threshold = %d, want 5", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.Cooldown != 30*time.Second {
		t.Errorf("cooldown = %v, want 30s", cfg.Breaker.Cooldown)
	}
	if !cfg.Metrics.IsEnabled() {
		t.Error("metrics not enabled by default")
	}

	p := cfg.Providers[0]
	if p.DisplayName != "primary" {
		t.Errorf("display name = %q, want id fallback", p.DisplayName)
	}
	if p.Priority != 10 {
		t.Errorf("priority = %d, want 10", p.Priority)
	}
	if p.Timeout() != 60*time.Second {
		t.Errorf("timeout = %v, want 60s", p.Timeout())
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_GW_KEY", "sk-from-env")

	cfg, err := LoadFromBytes([]byte(`
providers:
  - id: primary
    base_url: https://api.example.com/v1
    model: test-model
    keys: ["${TEST_GW_KEY}"]
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Providers[0].Keys[0]; got != "sk-from-env" {
		t.Errorf("key = %q, want expanded env value", got)
	}
}

func TestUnresolvedEnvVarWarns(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
providers:
  - id: primary
    base_url: https://api.example.com/v1
    model: test-model
    keys: ["${DEFINITELY_NOT_SET_GW}"]
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "unresolved environment variable") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want unresolved env var warning", cfg.Warnings)
	}
}

func TestProviderWithoutKeysWarns(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
providers:
  - id: keyed
    base_url: https://api.example.com/v1
    model: test-model
    keys: [sk-test]
  - id: keyless
    base_url: https://api2.example.com/v1
    model: test-model
    keys: ["  "]
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, `"keyless"`) && strings.Contains(w, "no usable keys") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want keyless provider warning", cfg.Warnings)
	}
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no providers",
			yaml:    `server: {port: 8080}`,
			wantErr: "at least one provider",
		},
		{
			name: "duplicate provider id",
			yaml: `
providers:
  - {id: a, base_url: "https://x.test", model: m, keys: [k]}
  - {id: a, base_url: "https://y.test", model: m, keys: [k]}
`,
			wantErr: "duplicate provider id",
		},
		{
			name: "missing base_url",
			yaml: `
providers:
  - {id: a, model: m, keys: [k]}
`,
			wantErr: "base_url",
		},
		{
			name: "bad scheme",
			yaml: `
providers:
  - {id: a, base_url: "ftp://x.test", model: m, keys: [k]}
`,
			wantErr: "scheme",
		},
		{
			name: "missing model",
			yaml: `
providers:
  - {id: a, base_url: "https://x.test", keys: [k]}
`,
			wantErr: "model",
		},
		{
			name: "negative rpm",
			yaml: `
providers:
  - {id: a, base_url: "https://x.test", model: m, keys: [k], rpm_limit: -1}
`,
			wantErr: "rpm_limit",
		},
		{
			name: "unknown strategy",
			yaml: `
routing: {strategy: fastest_first}
providers:
  - {id: a, base_url: "https://x.test", model: m, keys: [k]}
`,
			wantErr: "routing.strategy",
		},
		{
			name: "cooldown max below cooldown",
			yaml: `
circuit_breaker: {cooldown: 1m, cooldown_max: 10s}
providers:
  - {id: a, base_url: "https://x.test", model: m, keys: [k]}
`,
			wantErr: "cooldown_max",
		},
		{
			name: "auth enabled without secret",
			yaml: `
auth: {enabled: true, issuer: iss, audience: aud}
providers:
  - {id: a, base_url: "https://x.test", model: m, keys: [k]}
`,
			wantErr: "jwt_secret",
		},
		{
			name: "admin without allowlist",
			yaml: `
admin: {enabled: true}
providers:
  - {id: a, base_url: "https://x.test", model: m, keys: [k]}
`,
			wantErr: "ip_allowlist",
		},
		{
			name: "bad override",
			yaml: `
rate_limit:
  overrides:
    chat: {requests_per_second: -5, burst_size: 1}
providers:
  - {id: a, base_url: "https://x.test", model: m, keys: [k]}
`,
			wantErr: "overrides",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(minimalConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Providers) != 1 {
		t.Errorf("providers = %d, want 1", len(cfg.Providers))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestGlobalTimeout(t *testing.T) {
	s := ServerConfig{}
	if got := s.GlobalTimeout(); got != 0 {
		t.Errorf("GlobalTimeout = %v, want 0 (disabled)", got)
	}
	s.GlobalTimeoutMs = 1500
	if got := s.GlobalTimeout(); got != 1500*time.Millisecond {
		t.Errorf("GlobalTimeout = %v, want 1.5s", got)
	}
}

func TestKeysNeverSerialize(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(minimalConfig))
	if err != nil {
		t.Fatal(err)
	}
	// ProviderConfig.Keys carries json:"-"; admin config dumps rely on it.
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "sk-test") {
		t.Error("serialized config leaks key material")
	}
}
