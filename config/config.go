// Package config holds the TOML-backed server configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Billing   BillingConfig   `toml:"billing"`
	Providers ProvidersConfig `toml:"providers"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LedgerConfig selects the ledger backend. When RemoteURL is empty the
// embedded SQLite store at Path is authoritative; otherwise balance
// adjustments go to the remote ledger service.
type LedgerConfig struct {
	Path      string `toml:"path"`
	RemoteURL string `toml:"remote_url"`
}

// BillingConfig holds the metering constants.
type BillingConfig struct {
	// Quantum is the billed time slice per credit, e.g. "2s".
	Quantum string `toml:"quantum"`
}

// QuantumDuration parses the quantum, falling back to the default on bad or
// missing input.
func (b BillingConfig) QuantumDuration() time.Duration {
	d, err := time.ParseDuration(b.Quantum)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// ProvidersConfig configures the speech providers and which one serves each
// language. Only the provider selected for a session's language is
// constructed.
type ProvidersConfig struct {
	DeepgramAPIKey  string            `toml:"deepgram_api_key"`
	GoogleEnabled   bool              `toml:"google_enabled"`
	DefaultLanguage string            `toml:"default_language"`
	SampleRate      int               `toml:"sample_rate"`
	Languages       map[string]string `toml:"languages"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8081,
		},
		Ledger: LedgerConfig{
			Path: "likhon.db",
		},
		Billing: BillingConfig{
			Quantum: "2s",
		},
		Providers: ProvidersConfig{
			DefaultLanguage: "en-US",
			SampleRate:      16000,
			Languages: map[string]string{
				"en-US": "deepgram",
				"bn-BD": "google",
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Load reads the TOML file at path over the defaults, then applies
// environment overrides. A missing file is not an error; the defaults plus
// environment apply.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides secrets and deployment knobs from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("DEEPGRAM_API_KEY"); v != "" {
		c.Providers.DeepgramAPIKey = v
	}
	if v := os.Getenv("LIKHON_DB"); v != "" {
		c.Ledger.Path = v
	}
	if v := os.Getenv("LIKHON_LEDGER_URL"); v != "" {
		c.Ledger.RemoteURL = v
	}
}
