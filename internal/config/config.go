package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "UNSAID"

const (
	DispatchManual = "manual"
	DispatchAuto   = "auto"
)

// Config models unsaid.yml.
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Database    DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Auth        AuthConfig        `yaml:"auth" mapstructure:"auth"`
	Entitlement EntitlementConfig `yaml:"entitlement" mapstructure:"entitlement"`
	Dispatch    DispatchConfig    `yaml:"dispatch" mapstructure:"dispatch"`
	Reveal      RevealConfig      `yaml:"reveal" mapstructure:"reveal"`
	Channels    ChannelsConfig    `yaml:"channels" mapstructure:"channels"`
	Payment     PaymentConfig     `yaml:"payment" mapstructure:"payment"`
	Encryption  struct {
		Secret string `yaml:"secret" mapstructure:"secret"`
	} `yaml:"encryption" mapstructure:"encryption"`
	Webhooks []WebhookConfig `yaml:"webhooks" mapstructure:"webhooks"`
	Logging  struct {
		Level  string `yaml:"level" mapstructure:"level"`
		Format string `yaml:"format" mapstructure:"format"`
	} `yaml:"logging" mapstructure:"logging"`
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	BasePath        string        `yaml:"base_path" mapstructure:"base_path"`
	CORSOrigins     []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn" mapstructure:"dsn"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	TokenTTL      time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
	IdentityKey   string        `yaml:"identity_key" mapstructure:"identity_key"`
	AllowDevLogin bool          `yaml:"allow_dev_login" mapstructure:"allow_dev_login"`
}

type EntitlementConfig struct {
	FreeQuota            int  `yaml:"free_quota" mapstructure:"free_quota"`
	FreePerDevice        bool `yaml:"free_per_device" mapstructure:"free_per_device"`
	DeveloperModeEnabled bool `yaml:"developer_mode_enabled" mapstructure:"developer_mode_enabled"`
}

type DispatchConfig struct {
	Mode       string        `yaml:"mode" mapstructure:"mode"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	LeaseTTL   time.Duration `yaml:"lease_ttl" mapstructure:"lease_ttl"`
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	Workers    int           `yaml:"workers" mapstructure:"workers"`
	QueueSize  int           `yaml:"queue_size" mapstructure:"queue_size"`
	Backoff    struct {
		InitialDelay time.Duration `yaml:"initial_delay" mapstructure:"initial_delay"`
		MaxDelay     time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
		Multiplier   float64       `yaml:"multiplier" mapstructure:"multiplier"`
		MaxAttempts  int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	} `yaml:"backoff" mapstructure:"backoff"`
	Breaker struct {
		MaxFailures  int           `yaml:"max_failures" mapstructure:"max_failures"`
		ResetTimeout time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	} `yaml:"breaker" mapstructure:"breaker"`
}

type RevealConfig struct {
	Delay           time.Duration `yaml:"delay" mapstructure:"delay"`
	SweepInterval   time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	BatchSize       int           `yaml:"batch_size" mapstructure:"batch_size"`
	NotifyRecipient bool          `yaml:"notify_recipient" mapstructure:"notify_recipient"`
}

type ChannelsConfig struct {
	Email struct {
		Host     string `yaml:"host" mapstructure:"host"`
		Port     int    `yaml:"port" mapstructure:"port"`
		Username string `yaml:"username" mapstructure:"username"`
		Password string `yaml:"password" mapstructure:"password"`
		From     string `yaml:"from" mapstructure:"from"`
	} `yaml:"email" mapstructure:"email"`
	WhatsApp struct {
		BaseURL string `yaml:"base_url" mapstructure:"base_url"`
		APIKey  string `yaml:"api_key" mapstructure:"api_key"`
		Session string `yaml:"session" mapstructure:"session"`
	} `yaml:"whatsapp" mapstructure:"whatsapp"`
	FallbackLog bool `yaml:"fallback_log" mapstructure:"fallback_log"`
}

type PaymentConfig struct {
	BaseURL       string                `yaml:"base_url" mapstructure:"base_url"`
	KeyID         string                `yaml:"key_id" mapstructure:"key_id"`
	KeySecret     string                `yaml:"key_secret" mapstructure:"key_secret"`
	WebhookSecret string                `yaml:"webhook_secret" mapstructure:"webhook_secret"`
	Currency      string                `yaml:"currency" mapstructure:"currency"`
	Plans         map[string]PlanConfig `yaml:"plans" mapstructure:"plans"`
}

type PlanConfig struct {
	Amount      int64         `yaml:"amount" mapstructure:"amount"`
	Duration    time.Duration `yaml:"duration" mapstructure:"duration"`
	Description string        `yaml:"description" mapstructure:"description"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" mapstructure:"url"`
	Secret         string   `yaml:"secret" mapstructure:"secret"`
	Events         []string `yaml:"events" mapstructure:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled" mapstructure:"enabled"`
}

func (w WebhookConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Exporter    string  `yaml:"exporter" mapstructure:"exporter"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config.auth.jwt_secret is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("config.auth.token_ttl must be positive")
	}
	if c.Entitlement.FreeQuota < 0 {
		return fmt.Errorf("config.entitlement.free_quota must not be negative")
	}
	switch c.Dispatch.Mode {
	case DispatchManual, DispatchAuto:
	default:
		return fmt.Errorf("config.dispatch.mode must be %q or %q, got %q", DispatchManual, DispatchAuto, c.Dispatch.Mode)
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("config.dispatch.timeout must be positive")
	}
	if c.Dispatch.LeaseTTL <= c.Dispatch.Timeout {
		return fmt.Errorf("config.dispatch.lease_ttl must exceed config.dispatch.timeout")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("config.dispatch.max_retries must not be negative")
	}
	if c.Dispatch.Workers < 1 || c.Dispatch.QueueSize < 1 {
		return fmt.Errorf("config.dispatch.workers and queue_size must be at least 1")
	}
	if c.Reveal.Delay <= 0 {
		return fmt.Errorf("config.reveal.delay must be positive")
	}
	if c.Reveal.SweepInterval <= 0 {
		return fmt.Errorf("config.reveal.sweep_interval must be positive")
	}
	for name, plan := range c.Payment.Plans {
		if plan.Amount <= 0 {
			return fmt.Errorf("payment plan %s must have a positive amount", name)
		}
		if plan.Duration < 0 {
			return fmt.Errorf("payment plan %s has a negative duration", name)
		}
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "otlp":
	default:
		return fmt.Errorf("config.tracing.exporter must be stdout or otlp")
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes layered over the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load layers the defaults, the optional file at path and UNSAID_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBufferString(defaultTemplate)); err != nil {
		return nil, fmt.Errorf("read default config: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("invalid config yaml %s: %w", path, err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `server:
  addr: "127.0.0.1:8000"
  base_path: /api
  cors_origins: []
  shutdown_timeout: 10s

database:
  dsn: ./data/unsaid.db

auth:
  jwt_secret: change-me
  token_ttl: 720h
  identity_key: ""
  allow_dev_login: false

entitlement:
  free_quota: 1
  free_per_device: true
  developer_mode_enabled: false

dispatch:
  mode: manual
  timeout: 15s
  lease_ttl: 2m
  max_retries: 0
  workers: 2
  queue_size: 256
  backoff:
    initial_delay: 500ms
    max_delay: 5s
    multiplier: 2
    max_attempts: 3
  breaker:
    max_failures: 5
    reset_timeout: 30s

reveal:
  delay: 168h
  sweep_interval: 5m
  batch_size: 100
  notify_recipient: false

channels:
  email:
    host: ""
    port: 587
    username: ""
    password: ""
    from: "UnSaid <no-reply@unsaid.app>"
  whatsapp:
    base_url: ""
    api_key: ""
    session: default
  fallback_log: true

payment:
  base_url: https://api.razorpay.com
  key_id: ""
  key_secret: ""
  webhook_secret: ""
  currency: INR
  plans:
    lifetime:
      amount: 49900
      duration: 0s
      description: "Unlimited confessions, forever"
    premium:
      amount: 99900
      duration: 8760h
      description: "Unlimited confessions for one year"

encryption:
  secret: ""

webhooks: []

logging:
  level: info
  format: json

tracing:
  enabled: false
  exporter: stdout
  endpoint: ""
  sample_rate: 1
  service_name: unsaid
`
