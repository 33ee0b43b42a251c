// Package config loads and watches the daemon configuration.
//
// Files may be JSON or YAML. YAML is converted to JSON so both formats go
// through the same strict decoder (unknown fields are rejected). All
// durations are Go duration strings (e.g. "500ms", "2s", "720h").
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Storage  StorageConfig  `json:"storage"`
	API      APIConfig      `json:"api,omitempty"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	Audience AudienceConfig `json:"audience,omitempty"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and provided via
	// MEGAPHONE_BOT_TOKEN instead (tokens do not belong in config files).
	Token       string `json:"token,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8090"
	// AccessKey guards the mutating endpoints. Empty disables auth; only do
	// that on a loopback bind. May also come from MEGAPHONE_API_KEY.
	AccessKey string `json:"access_key,omitempty"`
}

// DispatchConfig tunes the per-job dispatch loop. All fields are
// hot-reloadable; a running worker picks them up before its next send.
//
// Defaults (when omitted/zero):
//   - pace_delay: "2s" (stay under the platform's ~30 msg/min ceiling)
//   - flush_every: 10
//   - send_timeout: "30s"
type DispatchConfig struct {
	PaceDelay   string `json:"pace_delay,omitempty"`
	FlushEvery  int    `json:"flush_every,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// AudienceConfig tunes audience resolution.
//
// ActiveWindow is the recency window for the "active" audience; a recipient
// counts as active if seen within it. Default "720h" (30 days).
type AudienceConfig struct {
	ActiveWindow string `json:"active_window,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console,omitempty"`
}

// Load reads and strictly decodes the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes config bytes; path is only used to pick the format.
func Parse(path string, data []byte) (Config, error) {
	jsonBytes, format, err := coerceToJSONBytes(path, data)
	if err != nil {
		return Config{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config (%s): %w", format, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks fields that cannot be defaulted away.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	// Durations must at least parse; zero values fall back to defaults later.
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.pace_delay", c.Dispatch.PaceDelay},
		{"dispatch.send_timeout", c.Dispatch.SendTimeout},
		{"audience.active_window", c.Audience.ActiveWindow},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Dispatch.FlushEvery < 0 {
		return errors.New("dispatch.flush_every must be >= 0")
	}
	return nil
}

// PaceDelay returns the parsed pacing delay, defaulted.
func (c DispatchConfig) PaceDelayDuration() time.Duration {
	d, _ := ParseDurationOrDefault("dispatch.pace_delay", c.PaceDelay, 2*time.Second)
	return d
}

// SendTimeoutDuration returns the parsed per-send timeout, defaulted.
func (c DispatchConfig) SendTimeoutDuration() time.Duration {
	d, _ := ParseDurationOrDefault("dispatch.send_timeout", c.SendTimeout, 30*time.Second)
	return d
}

// ActiveWindowDuration returns the parsed recency window, defaulted.
func (c AudienceConfig) ActiveWindowDuration() time.Duration {
	d, _ := ParseDurationOrDefault("audience.active_window", c.ActiveWindow, 30*24*time.Hour)
	return d
}

// coerceToJSONBytes converts YAML config to JSON bytes so the strict JSON
// decoder (DisallowUnknownFields) serves both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, "json", nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, "yaml", fmt.Errorf("yaml unmarshal: %w", err)
	}
	v = normalizeYAML(v)
	j, err := json.Marshal(v)
	if err != nil {
		return nil, "yaml", fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, "yaml", nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}
