package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"scmesh.dev/transport/internal/transport/ble"
)

// Config holds the multiplexer's tunables, loaded with koanf the way
// pobradovic08-route-beacon-ri loads its ingester config. The three enable
// flags and MetricsAddr are read by cmd/transportd. The three timing fields
// are loaded and defaulted but no bearer reads them: the BLE components use
// the ble package's constants directly.
type Config struct {
	BLEEnabled    bool `koanf:"ble.enabled"`
	AwareEnabled  bool `koanf:"wifi_aware.enabled"`
	DirectEnabled bool `koanf:"wifi_direct.enabled"`

	PrivacyRotationInterval time.Duration `koanf:"ble.privacy_rotation_interval"`
	ScanWindow              time.Duration `koanf:"ble.scan_window"`
	ScanInterval            time.Duration `koanf:"ble.scan_interval"`

	MetricsAddr string `koanf:"metrics.addr"`
}

// LoadConfig reads path (if non-empty) as YAML, overlays SCMESH_*
// environment variables, and unmarshals both onto a struct literal
// already seeded with SPEC_FULL.md §4.2.1's bit-exact constants —
// following pobradovic08-route-beacon-ri's config.Load shape: defaults in
// the Go literal, file and env layered on top via koanf, no separate
// "defaults provider". A missing path is not an error; env and defaults
// alone are a valid configuration for the demo binary.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("transport: load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("SCMESH_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "SCMESH_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("transport: load env overrides: %w", err)
	}

	cfg := &Config{
		BLEEnabled:              true,
		AwareEnabled:            true,
		DirectEnabled:           true,
		PrivacyRotationInterval: ble.DefaultPrivacyRotationInterval,
		ScanWindow:              ble.ScanWindowForeground,
		ScanInterval:            ble.ScanIntervalForeground,
		MetricsAddr:             ":9090",
	}

	// The struct tags are dotted paths ("ble.enabled"), so unmarshal against
	// koanf's flattened key space rather than its nested maps.
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{FlatPaths: true}); err != nil {
		return nil, fmt.Errorf("transport: unmarshal config: %w", err)
	}
	return cfg, nil
}
