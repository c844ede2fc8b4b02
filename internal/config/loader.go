package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file over the defaults. Environment variable
// references in the file (${VAR} or $VAR) are expanded before parsing.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables onto the config. Unset or
// malformed values leave the current value in place.
func (c *Config) ApplyEnv() {
	envInt("RELAY_PORT", &c.Port)
	envString("RELAY_REGION", &c.Region)
	envString("RELAY_LOCATION", &c.Location)
	envInt("MAX_OFFLINE_MESSAGES", &c.MaxOfflineMessages)
	envInt("OFFLINE_TTL_DAYS", &c.OfflineTTLDays)
	envInt("SESSION_TTL_SECS", &c.SessionTTLSecs)
	envInt("CLEANUP_INTERVAL_SECS", &c.CleanupIntervalSecs)
	envString("RELAY_ID", &c.RelayID)
	envString("RELAY_PUBLIC_URL", &c.PublicURL)
	envInt("PRESENCE_HEARTBEAT_SECS", &c.PresenceHeartbeatSecs)

	if v := os.Getenv("RELAY_PEERS"); v != "" {
		peers := make([]string, 0)
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				peers = append(peers, p)
			}
		}
		c.Peers = peers
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}
