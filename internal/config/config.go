package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Device is a statically configured zone player.
type Device struct {
	Host string `yaml:"host"`
	// ID, when set, must match the player found at Host.
	ID string `yaml:"id"`
}

// Config holds the daemon configuration. Values come from an optional YAML
// file named by SONOS_ZP_CONFIG and are overridden by environment variables.
type Config struct {
	ListenHost       string   `yaml:"listen_host"`
	ListenPort       int      `yaml:"listen_port"`
	AdvertiseAddress string   `yaml:"advertise_address"`
	Devices          []Device `yaml:"devices"`
	// Subscriptions are event paths subscribed on every device, e.g.
	// /MediaRenderer/AVTransport/Event.
	Subscriptions []string `yaml:"subscriptions"`

	RequestTimeoutMs       int `yaml:"request_timeout_ms"`
	SubscriptionTimeoutSec int `yaml:"subscription_timeout_sec"`
	TopologyTimeoutMs      int `yaml:"topology_timeout_ms"`
	RenewalRetryDelayMs    int `yaml:"renewal_retry_delay_ms"`
	MessageBuffer          int `yaml:"message_buffer"`
	MaxNotifyBodyBytes     int `yaml:"max_notify_body_bytes"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaults() Config {
	return Config{
		ListenPort: 3400,
		Subscriptions: []string{
			"/MediaRenderer/AVTransport/Event",
			"/MediaRenderer/RenderingControl/Event",
			"/ZoneGroupTopology/Event",
		},
		RequestTimeoutMs:       10000,
		SubscriptionTimeoutSec: 1800,
		TopologyTimeoutMs:      15000,
		RenewalRetryDelayMs:    5000,
		MessageBuffer:          64,
		MaxNotifyBodyBytes:     1 << 20,
		LogLevel:               "info",
		LogFormat:              "auto",
	}
}

// Load reads the optional config file and then environment variables.
func Load() (Config, error) {
	cfg := defaults()

	if path := envString("SONOS_ZP_CONFIG", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.ListenHost = envString("SONOS_ZP_LISTEN_HOST", cfg.ListenHost)
	cfg.ListenPort = envInt("SONOS_ZP_LISTEN_PORT", cfg.ListenPort)
	cfg.AdvertiseAddress = envString("SONOS_ZP_ADVERTISE_ADDRESS", cfg.AdvertiseAddress)
	if devices := envCSV("SONOS_ZP_DEVICES"); len(devices) > 0 {
		cfg.Devices = parseDevices(devices)
	}
	if subs := envCSV("SONOS_ZP_SUBSCRIPTIONS"); len(subs) > 0 {
		cfg.Subscriptions = subs
	}
	cfg.RequestTimeoutMs = envInt("SONOS_ZP_REQUEST_TIMEOUT_MS", cfg.RequestTimeoutMs)
	cfg.SubscriptionTimeoutSec = envInt("SONOS_ZP_SUBSCRIPTION_TIMEOUT_SEC", cfg.SubscriptionTimeoutSec)
	cfg.TopologyTimeoutMs = envInt("SONOS_ZP_TOPOLOGY_TIMEOUT_MS", cfg.TopologyTimeoutMs)
	cfg.RenewalRetryDelayMs = envInt("SONOS_ZP_RENEWAL_RETRY_DELAY_MS", cfg.RenewalRetryDelayMs)
	cfg.MessageBuffer = envInt("SONOS_ZP_MESSAGE_BUFFER", cfg.MessageBuffer)
	cfg.MaxNotifyBodyBytes = envInt("SONOS_ZP_MAX_NOTIFY_BODY_BYTES", cfg.MaxNotifyBodyBytes)
	cfg.LogLevel = envString("SONOS_ZP_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envString("SONOS_ZP_LOG_FORMAT", cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse overlays YAML data onto cfg. Keys missing from data keep their
// current values.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Validate checks ranges and required fields.
func (c Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen port %d out of range", c.ListenPort)
	}
	if c.SubscriptionTimeoutSec < 60 {
		return fmt.Errorf("subscription timeout must be at least 60 seconds, got %d", c.SubscriptionTimeoutSec)
	}
	for i, d := range c.Devices {
		if strings.TrimSpace(d.Host) == "" {
			return fmt.Errorf("device %d has no host", i)
		}
	}
	for _, path := range c.Subscriptions {
		if !strings.HasPrefix(path, "/") || !strings.HasSuffix(path, "/Event") {
			return fmt.Errorf("invalid subscription path %q", path)
		}
	}
	return nil
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c Config) SubscriptionTimeout() time.Duration {
	return time.Duration(c.SubscriptionTimeoutSec) * time.Second
}

func (c Config) TopologyTimeout() time.Duration {
	return time.Duration(c.TopologyTimeoutMs) * time.Millisecond
}

func (c Config) RenewalRetryDelay() time.Duration {
	return time.Duration(c.RenewalRetryDelayMs) * time.Millisecond
}

// parseDevices reads "host" or "host=RINCON_ID" entries.
func parseDevices(entries []string) []Device {
	devices := make([]Device, 0, len(entries))
	for _, entry := range entries {
		host, id, _ := strings.Cut(entry, "=")
		devices = append(devices, Device{Host: strings.TrimSpace(host), ID: strings.TrimSpace(id)})
	}
	return devices
}

func envString(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func envInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func envCSV(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return []string{}
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		result = append(result, trimmed)
	}
	return result
}
