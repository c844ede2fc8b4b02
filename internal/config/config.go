// Package config holds the relay's runtime configuration. Values resolve in
// precedence order: explicit flags, then environment variables, then the
// YAML config file, then defaults.
package config

import "time"

// Config is the full relay configuration.
type Config struct {
	// Port is the HTTP listen port for /ws, /federation, /health, /stats
	// and /info.
	Port int `yaml:"port"`

	// Region and Location describe where this relay runs, reported on
	// /info for client relay selection.
	Region   string `yaml:"region"`
	Location string `yaml:"location"`

	// MaxOfflineMessages caps the per-recipient offline queue.
	MaxOfflineMessages int `yaml:"max_offline_messages"`

	// OfflineTTLDays bounds how long an undelivered message is kept.
	OfflineTTLDays int `yaml:"offline_ttl_days"`

	// SessionTTLSecs bounds how long an unjoined signaling session lives.
	SessionTTLSecs int `yaml:"session_ttl_secs"`

	// CleanupIntervalSecs is the period of the expiry sweep.
	CleanupIntervalSecs int `yaml:"cleanup_interval_secs"`

	// RelayID names this relay in the federation mesh. Generated when
	// empty.
	RelayID string `yaml:"relay_id"`

	// PublicURL is the client-facing WebSocket URL announced to peers.
	PublicURL string `yaml:"public_url"`

	// Peers lists the relay URLs to federate with. Empty disables
	// federation.
	Peers []string `yaml:"peers"`

	// PresenceHeartbeatSecs is the period of the full presence re-sync
	// sent to peers.
	PresenceHeartbeatSecs int `yaml:"presence_heartbeat_secs"`
}

// Default returns the standalone single-relay configuration.
func Default() Config {
	return Config{
		Port:                  8080,
		Region:                "US East",
		Location:              "New York",
		MaxOfflineMessages:    1000,
		OfflineTTLDays:        7,
		SessionTTLSecs:        3600,
		CleanupIntervalSecs:   300,
		PresenceHeartbeatSecs: 30,
	}
}

// OfflineTTL returns the offline message TTL as a duration.
func (c Config) OfflineTTL() time.Duration {
	return time.Duration(c.OfflineTTLDays) * 24 * time.Hour
}

// SessionTTL returns the signaling session TTL as a duration.
func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSecs) * time.Second
}

// CleanupInterval returns the sweep period as a duration.
func (c Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSecs) * time.Second
}

// PresenceHeartbeat returns the presence re-sync period as a duration.
func (c Config) PresenceHeartbeat() time.Duration {
	return time.Duration(c.PresenceHeartbeatSecs) * time.Second
}
