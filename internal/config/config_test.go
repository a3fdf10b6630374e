package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvShodanAPIKey, "")
	t.Setenv(EnvDBPath, "")
	t.Setenv(EnvGeoIPPath, "")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultConfig()
	if cfg.DatabasePath != def.DatabasePath || cfg.Workers != 50 || cfg.Port != 11434 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.MetadataTimeout() != 1500*time.Millisecond || cfg.InferenceTimeout() != 40*time.Second || cfg.ProbeTimeout() != 3*time.Second {
		t.Errorf("timeouts: %v %v %v", cfg.MetadataTimeout(), cfg.InferenceTimeout(), cfg.ProbeTimeout())
	}
	if cfg.MonitorInterval() != 0 {
		t.Errorf("monitor should be disabled by default")
	}
}

func TestLoadFileAndDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database_path: /tmp/custom.db
workers: 8
discovery:
  query: "port:11434"
  limit: 20
verify:
  metadata_timeout_ms: 500
monitor:
  interval_minutes: 15
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabasePath != "/tmp/custom.db" || cfg.Workers != 8 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Discovery.Query != "port:11434" || cfg.Discovery.Limit != 20 {
		t.Errorf("discovery: %+v", cfg.Discovery)
	}
	if cfg.Discovery.BaseURL != "https://api.shodan.io" {
		t.Errorf("base url default lost: %q", cfg.Discovery.BaseURL)
	}
	if cfg.MetadataTimeout() != 500*time.Millisecond || cfg.InferenceTimeout() != 40*time.Second {
		t.Errorf("verify timeouts: %+v", cfg.Verify)
	}
	if cfg.MonitorInterval() != 15*time.Minute {
		t.Errorf("monitor interval: %v", cfg.MonitorInterval())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvShodanAPIKey, "secret")
	t.Setenv(EnvDBPath, "/var/lib/darn.db")
	t.Setenv(EnvGeoIPPath, "/opt/geo.mmdb")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Discovery.APIKey != "secret" || cfg.DatabasePath != "/var/lib/darn.db" || cfg.GeoIPDBPath != "/opt/geo.mmdb" {
		t.Errorf("env not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)
	cases := map[string]string{
		"bad yaml":       "workers: [",
		"port range":     "port: 70000",
		"negative limit": "discovery:\n  limit: -1\n",
		"negative tick":  "monitor:\n  interval_minutes: -5\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}
