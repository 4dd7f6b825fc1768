package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeTempConfig creates a minimal configuration file required for
// LoadConfig and returns its path.
func writeTempConfig(t *testing.T) string {
	t.Helper()
	content := `gammaflow:
  name: "TestApp"
  version: "1.0"
channels:
  event_buffer: 1024
  snapshot_buffer: 16
feed:
  url: "ws://localhost:9000/feed"
  subscribe_chunk_size: 90
  unsubscribe_chunk_size: 90
  heartbeat_interval: 5s
  heartbeat_check_interval: 10s
  stale_multiplier: 3
  reconnect_interval: 15s
chains:
  - symbol: "SPY"
    expiry: "2025-06-20"
    strike_range: 50
    spacing: 5
aggregator:
  refresh_interval: 10s
greeks:
  risk_free_rate: 0.045
store:
  quotes:
    path: "/tmp/gammaflow/quotes"
    max_bytes: 104857600
  retained:
    path: "/tmp/gammaflow/retained"
    retention: 24h
    cleanup_interval: 1h
orchestrator:
  max_workers: 4
  async_task_timeout: 30s
alert:
  enabled: false
writer:
  enabled: false
`
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Gammaflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Gammaflow.Name)
	}
	if cfg.Feed.SubscribeChunkSize != 90 {
		t.Errorf("unexpected chunk size: %d", cfg.Feed.SubscribeChunkSize)
	}
	if len(cfg.Chains) != 1 || cfg.Chains[0].Symbol != "SPY" {
		t.Errorf("unexpected chains: %+v", cfg.Chains)
	}
	expiry, err := cfg.Chains[0].ExpiryDate()
	if err != nil {
		t.Fatalf("expiry: %v", err)
	}
	if expiry.Year() != 2025 || expiry.Month() != 6 || expiry.Day() != 20 {
		t.Errorf("unexpected expiry: %v", expiry)
	}
}

func TestLoadConfigRejectsMissingChain(t *testing.T) {
	content := strings.Replace(readFile(t, writeTempConfig(t)),
		`chains:
  - symbol: "SPY"
    expiry: "2025-06-20"
    strike_range: 50
    spacing: 5
`, "", 1)
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error without chains")
	}
}

func TestLoadConfigRejectsBadExpiry(t *testing.T) {
	content := strings.Replace(readFile(t, writeTempConfig(t)), "2025-06-20", "June 20", 1)
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for bad expiry")
	}
}

func TestAlertRequiresWebhookWhenEnabled(t *testing.T) {
	content := strings.Replace(readFile(t, writeTempConfig(t)),
		"alert:\n  enabled: false", "alert:\n  enabled: true", 1)
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for enabled alerting without webhook")
	}
}

func TestWebhookEnvOverride(t *testing.T) {
	t.Setenv("GAMMAFLOW_WEBHOOK_URL", "https://hooks.example.com/T000/B000")
	cfg, err := LoadConfig(writeTempConfig(t))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Alert.WebhookURL != "https://hooks.example.com/T000/B000" {
		t.Errorf("webhook override not applied: %s", cfg.Alert.WebhookURL)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
