package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Local status API
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`

	// Remote dashboard server endpoints
	DashboardWS  string `yaml:"dashboard_ws"`
	ControlPlane string `yaml:"control_plane"`

	// Transport retry policy (connection-level; requests never retry)
	ReconnectAttempts int `yaml:"reconnect_attempts"`
	ReconnectDelayMs  int `yaml:"reconnect_delay_ms"`
	DialTimeoutMs     int `yaml:"dial_timeout_ms"`

	// Chat
	SelfName string `yaml:"self_name"`

	// Notices
	NoticeTTLMs int `yaml:"notice_ttl_ms"`

	// Local chat archive
	ArchivePath string `yaml:"archive_path"`
	ArchiveKeep int    `yaml:"archive_keep"`

	// Cron schedules
	ProxyPollSchedule    string `yaml:"proxy_poll_schedule"`
	ArchivePruneSchedule string `yaml:"archive_prune_schedule"`
}

func FromEnv() Config {
	return Config{
		Addr:                 getEnv("ADDR", ":9080"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DashboardWS:          getEnv("DASHBOARD_WS", "ws://localhost:3001/ws"),
		ControlPlane:         getEnv("CONTROL_PLANE", "http://localhost:3001"),
		ReconnectAttempts:    getEnvInt("RECONNECT_ATTEMPTS", 5),
		ReconnectDelayMs:     getEnvInt("RECONNECT_DELAY_MS", 2000),
		DialTimeoutMs:        getEnvInt("DIAL_TIMEOUT_MS", 10000),
		SelfName:             getEnv("SELF_NAME", "You"),
		NoticeTTLMs:          getEnvInt("NOTICE_TTL_MS", 6000),
		ArchivePath:          getEnv("ARCHIVE_PATH", "chat-archive.db"),
		ArchiveKeep:          getEnvInt("ARCHIVE_KEEP", 500),
		ProxyPollSchedule:    getEnv("PROXY_POLL_SCHEDULE", "@every 1m"),
		ArchivePruneSchedule: getEnv("ARCHIVE_PRUNE_SCHEDULE", "@every 6h"),
	}
}

// LoadFile overlays values from a yaml config file onto cfg. Keys absent from
// the file keep their env/default values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

func (c Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}

func (c Config) NoticeTTL() time.Duration {
	return time.Duration(c.NoticeTTLMs) * time.Millisecond
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
