package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds all ReadyStackGo configuration from environment variables.
type Config struct {
	// Storage
	DBPath string

	// Secrets at rest (hex-encoded 32-byte key)
	SecretKey string

	// Bootstrap environment
	LocalDockerSock string

	// Docker TLS for tcp:// environments
	DockerTLSCA   string
	DockerTLSCert string
	DockerTLSKey  string

	// Deployment engine
	PullParallelism     int
	PullTimeout         time.Duration // budget for the whole PullingImages phase
	InitTimeout         time.Duration // budget for the whole init phase
	ServiceStartTimeout time.Duration // per service
	StopGrace           time.Duration // stop before kill on remove
	SnapshotKeep        int
	VolumeAllowList     []string // host path prefixes allowed for bind mounts

	// Health monitor
	HealthInterval     time.Duration
	HealthCycleTimeout time.Duration
	HealthHistorySize  int

	// Stack sources
	SourceSyncTimeout time.Duration // budget for one source sync

	// Progress bus
	ProgressRetention time.Duration // how long terminal events stay observable

	// Notifications
	MQTTBroker     string
	MQTTTopic      string
	MQTTClientID   string
	MQTTUsername   string
	MQTTPassword   string
	MQTTQoS        int
	WebhookURL     string
	WebhookHeaders string // comma-separated "Key:Value" pairs

	// Metrics
	MetricsTextfile string // path for node_exporter textfile export; empty disables
	MetricsInterval time.Duration

	// Logging
	LogJSON  bool
	LogLevel string
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DBPath:              envStr("RSGO_DB_PATH", "/data/rsgo.db"),
		SecretKey:           envStr("RSGO_SECRET_KEY", ""),
		LocalDockerSock:     envStr("RSGO_DOCKER_SOCK", DefaultDockerSock()),
		DockerTLSCA:         envStr("RSGO_DOCKER_TLS_CA", ""),
		DockerTLSCert:       envStr("RSGO_DOCKER_TLS_CERT", ""),
		DockerTLSKey:        envStr("RSGO_DOCKER_TLS_KEY", ""),
		PullParallelism:     envInt("RSGO_PULL_PARALLELISM", 4),
		PullTimeout:         envDuration("RSGO_PULL_TIMEOUT", 15*time.Minute),
		InitTimeout:         envDuration("RSGO_INIT_TIMEOUT", 10*time.Minute),
		ServiceStartTimeout: envDuration("RSGO_START_TIMEOUT", 120*time.Second),
		StopGrace:           envDuration("RSGO_STOP_GRACE", 10*time.Second),
		SnapshotKeep:        envInt("RSGO_SNAPSHOT_KEEP", 5),
		VolumeAllowList:     envStrList("RSGO_VOLUME_ALLOWLIST"),
		HealthInterval:      envDuration("RSGO_HEALTH_INTERVAL", 10*time.Second),
		HealthCycleTimeout:  envDuration("RSGO_HEALTH_CYCLE_TIMEOUT", 30*time.Second),
		HealthHistorySize:   envInt("RSGO_HEALTH_HISTORY", 288),
		SourceSyncTimeout:   envDuration("RSGO_SOURCE_SYNC_TIMEOUT", 2*time.Minute),
		ProgressRetention:   envDuration("RSGO_PROGRESS_RETAIN", 5*time.Minute),
		MQTTBroker:          envStr("RSGO_MQTT_BROKER", ""),
		MQTTTopic:           envStr("RSGO_MQTT_TOPIC", "readystackgo/events"),
		MQTTClientID:        envStr("RSGO_MQTT_CLIENT_ID", "readystackgo"),
		MQTTUsername:        envStr("RSGO_MQTT_USERNAME", ""),
		MQTTPassword:        envStr("RSGO_MQTT_PASSWORD", ""),
		MQTTQoS:             envInt("RSGO_MQTT_QOS", 0),
		WebhookURL:          envStr("RSGO_WEBHOOK_URL", ""),
		WebhookHeaders:      envStr("RSGO_WEBHOOK_HEADERS", ""),
		MetricsTextfile:     envStr("RSGO_METRICS_TEXTFILE", ""),
		MetricsInterval:     envDuration("RSGO_METRICS_INTERVAL", 60*time.Second),
		LogJSON:             envBool("RSGO_LOG_JSON", true),
		LogLevel:            envStr("RSGO_LOG_LEVEL", "info"),
	}
}

// DefaultDockerSock returns the platform default Docker endpoint.
func DefaultDockerSock() string {
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "/var/run/docker.sock"
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.SecretKey == "" {
		errs = append(errs, fmt.Errorf("RSGO_SECRET_KEY is required (hex-encoded 32-byte key)"))
	} else if key, err := hex.DecodeString(c.SecretKey); err != nil || len(key) != 32 {
		errs = append(errs, fmt.Errorf("RSGO_SECRET_KEY must be 64 hex characters"))
	}
	if c.PullParallelism < 1 {
		errs = append(errs, fmt.Errorf("RSGO_PULL_PARALLELISM must be >= 1, got %d", c.PullParallelism))
	}
	if c.ServiceStartTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RSGO_START_TIMEOUT must be > 0, got %s", c.ServiceStartTimeout))
	}
	if c.PullTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RSGO_PULL_TIMEOUT must be > 0, got %s", c.PullTimeout))
	}
	if c.InitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RSGO_INIT_TIMEOUT must be > 0, got %s", c.InitTimeout))
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, fmt.Errorf("RSGO_HEALTH_INTERVAL must be > 0, got %s", c.HealthInterval))
	}
	if c.HealthHistorySize < 1 {
		errs = append(errs, fmt.Errorf("RSGO_HEALTH_HISTORY must be >= 1, got %d", c.HealthHistorySize))
	}
	if c.SnapshotKeep < 1 {
		errs = append(errs, fmt.Errorf("RSGO_SNAPSHOT_KEEP must be >= 1, got %d", c.SnapshotKeep))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("RSGO_MQTT_QOS must be 0, 1, or 2, got %d", c.MQTTQoS))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("RSGO_LOG_LEVEL must be debug, info, warn, or error, got %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// SecretKeyBytes decodes the configured secret key. Call after Validate.
func (c *Config) SecretKeyBytes() []byte {
	key, _ := hex.DecodeString(c.SecretKey)
	return key
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envStrList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
