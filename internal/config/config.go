// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported OTLP protocols for crash report transmission.
const (
	ProtocolHTTPJSON     = "http/json"
	ProtocolHTTPProtobuf = "http/protobuf"
	ProtocolGRPC         = "grpc"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// CrashReport is the opt-out switch; "0" disables crash report creation. Any other value (or unset) enables it.
	CrashReport string `mapstructure:"CORTEX_CRASH_REPORT"`
	// CollectorEndpoint is the OTLP collector that receives crash reports in addition to the telemetry server. Empty disables it.
	CollectorEndpoint string `mapstructure:"CORTEX_EXPORTER_OLTP_ENDPOINT"`
	// CollectorProtocol is how crash reports reach the collector: http/json, http/protobuf or grpc.
	CollectorProtocol string `mapstructure:"CORTEX_EXPORTER_OTLP_PROTOCOL"`
	// TelemetryServerURL is the primary telemetry server.
	TelemetryServerURL string `mapstructure:"CORTEX_TELEMETRY_SERVER_URL"`
	// TelemetryServerProtocol is how crash reports reach the telemetry server.
	TelemetryServerProtocol string `mapstructure:"CORTEX_TELEMETRY_SERVER_PROTOCOL"`
	// SendTimeout bounds a single transmission (e.g. "10s"). "0" means no timeout.
	SendTimeout string `mapstructure:"CORTEX_TELEMETRY_SEND_TIMEOUT"`

	// DatabaseURL is postgres://... for the server or sqlite://path for a local store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// GRPCAddr is the address the OTLP gRPC receiver listens on.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// HTTPAddr is the address the OTLP HTTP receiver listens on.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`

	// OTLPEndpoint is where the binaries export their own traces, metrics and logs. Empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext for https OTLP endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName overrides the OTel service.name of the running binary.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// LogLevel is the zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is json or console.
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// Crash event stream (optional). When brokers are set, the server forwards stored crash reports to Kafka.
	// TelemetryKafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	TelemetryKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// TelemetryKafkaTopic is the Kafka topic for crash events.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the worker to push crash events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("CORTEX_CRASH_REPORT", "")
	v.SetDefault("CORTEX_EXPORTER_OLTP_ENDPOINT", "")
	v.SetDefault("CORTEX_EXPORTER_OTLP_PROTOCOL", ProtocolHTTPJSON)
	v.SetDefault("CORTEX_TELEMETRY_SERVER_URL", "https://telemetry.jan.ai")
	v.SetDefault("CORTEX_TELEMETRY_SERVER_PROTOCOL", ProtocolHTTPJSON)
	v.SetDefault("CORTEX_TELEMETRY_SEND_TIMEOUT", "10s")
	v.SetDefault("DATABASE_URL", defaultDatabaseURL())
	v.SetDefault("GRPC_ADDR", ":4317")
	v.SetDefault("HTTP_ADDR", ":4318")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "cortex-crash-reports")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "cortex-crash-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if !validProtocol(c.CollectorProtocol) {
		return fmt.Errorf("config: CORTEX_EXPORTER_OTLP_PROTOCOL must be one of http/json, http/protobuf, grpc, got %q", c.CollectorProtocol)
	}
	if !validProtocol(c.TelemetryServerProtocol) {
		return fmt.Errorf("config: CORTEX_TELEMETRY_SERVER_PROTOCOL must be one of http/json, http/protobuf, grpc, got %q", c.TelemetryServerProtocol)
	}
	if c.SendTimeout != "" && c.SendTimeout != "0" {
		d, err := time.ParseDuration(c.SendTimeout)
		if err != nil || d < 0 {
			return fmt.Errorf("config: CORTEX_TELEMETRY_SEND_TIMEOUT must be a non-negative duration, got %q", c.SendTimeout)
		}
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

func validProtocol(p string) bool {
	switch p {
	case ProtocolHTTPJSON, ProtocolHTTPProtobuf, ProtocolGRPC:
		return true
	}
	return false
}

// defaultDatabaseURL is a sqlite file under the user config dir, falling back to the working directory.
func defaultDatabaseURL() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "sqlite://cortex-telemetry.db"
	}
	return "sqlite://" + filepath.Join(dir, "cortex", "telemetry.db")
}

// SendTimeoutDuration parses SendTimeout. Returns 0 (no timeout) for "0", and 10s if unset or invalid.
func (c *Config) SendTimeoutDuration() time.Duration {
	if c.SendTimeout == "0" {
		return 0
	}
	d, err := time.ParseDuration(c.SendTimeout)
	if err != nil || d < 0 {
		return 10 * time.Second
	}
	return d
}

// TelemetryKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if the crash event stream is enabled (non-empty list) and to create the producer.
func (c *Config) TelemetryKafkaBrokersList() []string {
	if c == nil || c.TelemetryKafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.TelemetryKafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ServiceNameOr returns ServiceName, or fallback when it is unset.
func (c *Config) ServiceNameOr(fallback string) string {
	if c == nil || strings.TrimSpace(c.ServiceName) == "" {
		return fallback
	}
	return c.ServiceName
}
