// Package config manages hub configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type fanoutWorkerKind int

const (
	fanoutWorkerUnset fanoutWorkerKind = iota
	fanoutWorkerExplicit
	fanoutWorkerAuto
	fanoutWorkerDefault
)

// FanoutWorkerSetting encapsulates the fan-out worker configuration allowing
// both numeric and symbolic values.
type FanoutWorkerSetting struct {
	kind  fanoutWorkerKind
	value int
}

// UnmarshalYAML supports integer, "auto", and "default" values for fanout workers.
func (s *FanoutWorkerSetting) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = FanoutWorkerSetting{kind: fanoutWorkerUnset, value: 0}
		return nil
	}

	text := strings.TrimSpace(node.Value)
	if text == "" {
		s.kind = fanoutWorkerUnset
		s.value = 0
		return nil
	}

	switch strings.ToLower(text) {
	case "auto":
		s.kind = fanoutWorkerAuto
		s.value = 0
		return nil
	case "default":
		s.kind = fanoutWorkerDefault
		s.value = 0
		return nil
	}

	val, err := strconv.Atoi(text)
	if err != nil {
		return fmt.Errorf("fanoutWorkers: invalid value %q", node.Value)
	}
	if val <= 0 {
		return fmt.Errorf("fanoutWorkers: numeric value must be > 0")
	}
	s.kind = fanoutWorkerExplicit
	s.value = val
	return nil
}

// resolve returns the effective worker count. Zero delegates the choice to the
// hub's built-in default.
func (s FanoutWorkerSetting) resolve() int {
	switch s.kind {
	case fanoutWorkerExplicit:
		return s.value
	case fanoutWorkerAuto:
		if cores := runtime.NumCPU(); cores > 0 {
			return cores
		}
		return 0
	default:
		return 0
	}
}

// WebhookConfig bounds outbound webhook delivery attempts. Zero values
// delegate to the hub's built-in defaults.
type WebhookConfig struct {
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
	RatePerSecond  float64       `yaml:"ratePerSecond"`
	RateBurst      int           `yaml:"rateBurst"`
}

func (c WebhookConfig) validate() error {
	if c.AttemptTimeout < 0 {
		return fmt.Errorf("attemptTimeout must be >=0")
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("ratePerSecond must be >=0")
	}
	if c.RateBurst < 0 {
		return fmt.Errorf("rateBurst must be >=0")
	}
	return nil
}

// SocketConfig tunes live agent socket connections.
type SocketConfig struct {
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// HubConfig sizes the in-memory stores and the delivery pipeline. Zero values
// delegate to the hub's built-in defaults.
type HubConfig struct {
	HistoryLimit    int                 `yaml:"historyLimit"`
	QueueLimit      int                 `yaml:"queueLimit"`
	QueueTTL        time.Duration       `yaml:"queueTtl"`
	HistoryTTL      time.Duration       `yaml:"historyTtl"`
	SubscriptionTTL time.Duration       `yaml:"subscriptionTtl"`
	SweepInterval   time.Duration       `yaml:"sweepInterval"`
	FanoutWorkers   FanoutWorkerSetting `yaml:"fanoutWorkers"`
	DropLogSize     int                 `yaml:"dropLogSize"`
	Webhook         WebhookConfig       `yaml:"webhook"`
	Socket          SocketConfig        `yaml:"socket"`
}

// FanoutWorkerCount returns the resolved worker count for use by runtime components.
func (c HubConfig) FanoutWorkerCount() int {
	return c.FanoutWorkers.resolve()
}

func (c HubConfig) validate() error {
	if c.HistoryLimit < 0 {
		return fmt.Errorf("historyLimit must be >=0")
	}
	if c.QueueLimit < 0 {
		return fmt.Errorf("queueLimit must be >=0")
	}
	if c.QueueTTL < 0 {
		return fmt.Errorf("queueTtl must be >=0")
	}
	if c.HistoryTTL < 0 {
		return fmt.Errorf("historyTtl must be >=0")
	}
	if c.SubscriptionTTL < 0 {
		return fmt.Errorf("subscriptionTtl must be >=0")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("sweepInterval must be >=0")
	}
	if c.DropLogSize < 0 {
		return fmt.Errorf("dropLogSize must be >=0")
	}
	if err := c.Webhook.validate(); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	if c.Socket.WriteTimeout < 0 {
		return fmt.Errorf("socket: writeTimeout must be >=0")
	}
	return nil
}

// ServerConfig configures the hub's HTTP control surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
}

func (c *ServerConfig) applyDefaults() {
	c.Addr = strings.TrimSpace(c.Addr)
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, origin := range c.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		origins = append(origins, trimmed)
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c.AllowedOrigins = origins
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr required")
	}
	return nil
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

func (c *TelemetryConfig) applyDefaults() {
	c.OTLPEndpoint = strings.TrimSpace(c.OTLPEndpoint)
	c.ServiceName = strings.TrimSpace(c.ServiceName)
	if c.ServiceName == "" {
		c.ServiceName = "agenthub"
	}
}

func (c TelemetryConfig) validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("serviceName required")
	}
	return nil
}

// AppConfig is the unified hub application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Hub         HubConfig       `yaml:"hub"`
	Server      ServerConfig    `yaml:"server"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Server.applyDefaults()
	c.Telemetry.applyDefaults()
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if err := c.Hub.validate(); err != nil {
		return fmt.Errorf("hub: %w", err)
	}
	if err := c.Server.validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Telemetry.validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

// ResolvePath picks the configuration file for this invocation: the explicit
// flag value, then the HUB_CONFIG environment variable, then the committed
// defaults.
func ResolvePath(flagValue string) string {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv("HUB_CONFIG")); v != "" {
		return v
	}
	for _, candidate := range []string{"config/hub.yaml", "config/hub.example.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "config/hub.example.yaml"
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
