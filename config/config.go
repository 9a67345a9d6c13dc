// Package config loads the connection configuration (endpoint mode,
// URLs, model name, sample rate, credential name) from a YAML file under
// the XDG config home, overridable by environment variables. Adapted
// from the teacher's local_config.go/state_home.go pair.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EndpointMode selects which URL-building and header scheme the
// transport uses.
type EndpointMode string

const (
	ModeDirect     EndpointMode = "direct"
	ModeEnterprise EndpointMode = "enterprise"
)

// Config is the resolved connection configuration.
type Config struct {
	EndpointMode     EndpointMode `koanf:"endpoint_mode"`
	BaseURL          string       `koanf:"base_url"`
	Model            string       `koanf:"model"`
	Deployment       string       `koanf:"deployment"`   // enterprise mode only
	APIVersion       string       `koanf:"api_version"`  // enterprise mode only
	CredentialName   string       `koanf:"credential_name"`
	SampleRate       int          `koanf:"sample_rate"`
	EventIDPrefix    string       `koanf:"event_id_prefix"`
}

// Default returns the zero configuration with the module's defaults
// filled in, before any file or environment overlay is applied.
func Default() Config {
	return Config{
		EndpointMode:   ModeDirect,
		BaseURL:        "wss://api.example.com/v1/realtime",
		SampleRate:     24000,
		EventIDPrefix:  "evt_",
		CredentialName: "api-key",
	}
}

// configPath returns the YAML config file path under the XDG config
// home, creating the containing directory if needed.
func configPath() (string, error) {
	dir := filepath.Join(xdg.ConfigHome, "realtime")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the YAML config file (if present) over the module
// defaults, then applies REALTIME_-prefixed environment overrides.
func Load() (Config, error) {
	cfg := Default()

	k := koanf.New(".")
	defaults := map[string]interface{}{
		"endpoint_mode":   string(cfg.EndpointMode),
		"base_url":        cfg.BaseURL,
		"model":           cfg.Model,
		"deployment":      cfg.Deployment,
		"api_version":     cfg.APIVersion,
		"credential_name": cfg.CredentialName,
		"sample_rate":     cfg.SampleRate,
		"event_id_prefix": cfg.EventIDPrefix,
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return cfg, fmt.Errorf("loading defaults: %w", err)
	}

	path, err := configPath()
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg, k)

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, k *koanf.Koanf) {
	overrides := map[string]string{
		"endpoint_mode":   "REALTIME_ENDPOINT_MODE",
		"base_url":        "REALTIME_BASE_URL",
		"model":           "REALTIME_MODEL",
		"deployment":      "REALTIME_DEPLOYMENT",
		"api_version":     "REALTIME_API_VERSION",
		"credential_name": "REALTIME_CREDENTIAL_NAME",
	}
	for key, env := range overrides {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			k.Set(key, v)
		}
	}
}
