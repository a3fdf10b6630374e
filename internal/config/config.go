package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted by Load after the file is parsed.
const (
	EnvShodanAPIKey = "SHODAN_API_KEY"
	EnvDBPath       = "DARN_DB_PATH"
	EnvGeoIPPath    = "GEOIP_DB_PATH"
)

// Config represents configuration data for the pipeline and its API.
type Config struct {
	DatabasePath string    `yaml:"database_path"`
	CSVPath      string    `yaml:"csv_path"`
	GeoIPDBPath  string    `yaml:"geoip_db_path"`
	LogLevel     string    `yaml:"log_level"`
	Workers      int       `yaml:"workers"`
	Port         int       `yaml:"port"`
	ListenAddr   string    `yaml:"listen_addr"`
	Discovery    Discovery `yaml:"discovery"`
	Verify       Verify    `yaml:"verify"`
	Probe        Probe     `yaml:"probe"`
	Monitor      Monitor   `yaml:"monitor"`
	Preflight    Preflight `yaml:"preflight"`
	NATS         NATS      `yaml:"nats"`
	CORSOrigins  []string  `yaml:"cors_origins"`
}

// Discovery configures the candidate search provider.
type Discovery struct {
	Query   string `yaml:"query"`
	Limit   int    `yaml:"limit"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Verify holds the two verification timeouts.
type Verify struct {
	MetadataTimeoutMs  int `yaml:"metadata_timeout_ms"`
	InferenceTimeoutMs int `yaml:"inference_timeout_ms"`
}

// Probe holds the ping timeout.
type Probe struct {
	TimeoutMs int `yaml:"timeout_ms"`
}

// Monitor configures periodic re-probing in serve mode. Zero disables it.
type Monitor struct {
	IntervalMinutes int `yaml:"interval_minutes"`
}

// Preflight configures the uplink check run before each batch. An empty
// target disables it.
type Preflight struct {
	Target         string `yaml:"target"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// NATS configures the optional event publisher. An empty url disables it.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfig returns sensible defaults in case no configuration file is provided.
func DefaultConfig() Config {
	return Config{
		DatabasePath: filepath.Join("data", "darn.db"),
		CSVPath:      "verifications.csv",
		GeoIPDBPath:  "GeoLite2-City.mmdb",
		LogLevel:     "info",
		Workers:      50,
		Port:         11434,
		ListenAddr:   ":8000",
		Discovery: Discovery{
			Query:   "ollama is running",
			Limit:   500,
			BaseURL: "https://api.shodan.io",
		},
		Verify: Verify{
			MetadataTimeoutMs:  1500,
			InferenceTimeoutMs: 40000,
		},
		Probe:     Probe{TimeoutMs: 3000},
		Monitor:   Monitor{IntervalMinutes: 0},
		Preflight: Preflight{TimeoutSeconds: 4},
		NATS:      NATS{SubjectPrefix: "darn"},
		CORSOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
	}
}

// Load reads configuration from yaml file. Missing files fall back to defaults.
// Environment overrides are applied in both cases.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvShodanAPIKey)); v != "" {
		cfg.Discovery.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDBPath)); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvGeoIPPath)); v != "" {
		cfg.GeoIPDBPath = v
	}
}

func normalize(cfg *Config) error {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		cfg.DatabasePath = def.DatabasePath
	}
	if strings.TrimSpace(cfg.CSVPath) == "" {
		cfg.CSVPath = def.CSVPath
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.Discovery.Query == "" {
		cfg.Discovery.Query = def.Discovery.Query
	}
	if cfg.Discovery.BaseURL == "" {
		cfg.Discovery.BaseURL = def.Discovery.BaseURL
	}
	if cfg.Verify.MetadataTimeoutMs <= 0 {
		cfg.Verify.MetadataTimeoutMs = def.Verify.MetadataTimeoutMs
	}
	if cfg.Verify.InferenceTimeoutMs <= 0 {
		cfg.Verify.InferenceTimeoutMs = def.Verify.InferenceTimeoutMs
	}
	if cfg.Probe.TimeoutMs <= 0 {
		cfg.Probe.TimeoutMs = def.Probe.TimeoutMs
	}
	if cfg.Preflight.TimeoutSeconds <= 0 {
		cfg.Preflight.TimeoutSeconds = def.Preflight.TimeoutSeconds
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = def.NATS.SubjectPrefix
	}

	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.Discovery.Limit < 0 {
		return errors.New("discovery.limit must not be negative")
	}
	if cfg.Monitor.IntervalMinutes < 0 {
		return errors.New("monitor.interval_minutes must not be negative")
	}
	return nil
}

// MetadataTimeout returns the /api/tags timeout.
func (c Config) MetadataTimeout() time.Duration {
	return time.Duration(c.Verify.MetadataTimeoutMs) * time.Millisecond
}

// InferenceTimeout returns the sanity chat timeout.
func (c Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Verify.InferenceTimeoutMs) * time.Millisecond
}

// ProbeTimeout returns the ping timeout.
func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutMs) * time.Millisecond
}

// MonitorInterval returns the re-probe interval, zero when disabled.
func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalMinutes) * time.Minute
}

// PreflightTimeout returns the uplink dial timeout.
func (c Config) PreflightTimeout() time.Duration {
	return time.Duration(c.Preflight.TimeoutSeconds) * time.Second
}
