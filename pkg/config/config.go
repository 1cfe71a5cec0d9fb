// Package config loads the YAML configuration consumed by the Turms
// facade: the discovery relay URL and the ICE servers used to bootstrap
// WebRTC peer connections.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// IceServer mirrors one entry of a WebRTC RTCConfiguration.iceServers list.
type IceServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Config is the top-level document a caller hands to the facade. TurmsURL
// is optional: its absence selects offline/manual-signalling mode, where
// the facade never dials a discovery relay and peer offers/answers must be
// exchanged out of band.
type Config struct {
	TurmsURL string      `yaml:"turms_url"`
	RTC      []IceServer `yaml:"rtc"`
}

// Offline reports whether this configuration selects manual-signalling mode.
func (c Config) Offline() bool { return c.TurmsURL == "" }

// FromFile reads and parses a YAML config document from path.
func FromFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return FromText(raw)
}

// FromText parses a YAML config document already held in memory.
func FromText(raw []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Config{}, fmt.Errorf("config: parsing config: %w", err)
	}
	return c, nil
}
