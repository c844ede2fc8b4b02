package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for values the relay cannot run with.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxOfflineMessages < 1 {
		return fmt.Errorf("max_offline_messages must be positive, got %d", c.MaxOfflineMessages)
	}
	if c.OfflineTTLDays < 1 {
		return fmt.Errorf("offline_ttl_days must be positive, got %d", c.OfflineTTLDays)
	}
	if c.SessionTTLSecs < 1 {
		return fmt.Errorf("session_ttl_secs must be positive, got %d", c.SessionTTLSecs)
	}
	if c.CleanupIntervalSecs < 1 {
		return fmt.Errorf("cleanup_interval_secs must be positive, got %d", c.CleanupIntervalSecs)
	}
	if c.PresenceHeartbeatSecs < 1 {
		return fmt.Errorf("presence_heartbeat_secs must be positive, got %d", c.PresenceHeartbeatSecs)
	}

	for _, peer := range c.Peers {
		if !strings.HasPrefix(peer, "http://") && !strings.HasPrefix(peer, "https://") &&
			!strings.HasPrefix(peer, "ws://") && !strings.HasPrefix(peer, "wss://") {
			return fmt.Errorf("peer URL %q must start with http(s):// or ws(s)://", peer)
		}
	}

	if len(c.Peers) > 0 && c.PublicURL == "" {
		return fmt.Errorf("public_url is required when peers are configured")
	}

	return nil
}
