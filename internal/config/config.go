// Package config provides environment-variable-first configuration loading
// with an optional YAML file and .env file underneath.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Provider names accepted by notify.provider. The empty string selects a
// provider from whichever backend is configured.
const (
	ProviderAuto   = ""
	ProviderSES    = "ses"
	ProviderRelay  = "relay"
	ProviderStdout = "stdout"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
	Storage StorageConfig `yaml:"storage"`
	Notify  NotifyConfig  `yaml:"notify"`
	SES     SESConfig     `yaml:"ses"`
	Relay   RelayConfig   `yaml:"relay"`
	DKIM    DKIMConfig    `yaml:"dkim"`
	Metrics MetricsConfig `yaml:"metrics"`
	Redis   RedisConfig   `yaml:"redis"`
	IMAP    IMAPConfig    `yaml:"imap"`
}

// SMTPConfig holds the inbound listener configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// TLSConfig holds STARTTLS settings. Without files a self-signed
// certificate is generated for smtp.hostname.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// StorageConfig selects the SQL driver and data source.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// NotifyConfig holds notification dispatch settings.
type NotifyConfig struct {
	Provider string        `yaml:"provider"`
	Sender   string        `yaml:"sender"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of the provider.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// SESConfig holds AWS SES credentials. Empty keys fall back to the default
// AWS credential chain.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	// Endpoint overrides the SES API endpoint URL.
	Endpoint string `yaml:"endpoint"`
}

// RelayConfig holds the SMTP submission relay settings.
type RelayConfig struct {
	Addr               string        `yaml:"addr"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	StartTLS           bool          `yaml:"starttls"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Helo               string        `yaml:"helo"`
	Timeout            time.Duration `yaml:"timeout"`
}

// DKIMConfig enables DKIM signing of relayed notices.
type DKIMConfig struct {
	Selector string `yaml:"selector"`
	Domain   string `yaml:"domain"`
	KeyFile  string `yaml:"key_file"`
}

// MetricsConfig holds the ops HTTP listener address. Empty disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// RedisConfig enables the live activity feed when URL is set.
type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// IMAPConfig controls the remote mailbox poller. Connection details live in
// the settings row, not here.
type IMAPConfig struct {
	Enabled            bool          `yaml:"enabled"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads variables from a .env file into the process
// environment. Variables already set are kept. A missing file is not an
// error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("storage.driver: unsupported driver %q", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}

	switch c.Notify.Provider {
	case ProviderAuto, ProviderStdout:
	case ProviderSES:
		if c.SES.Region == "" {
			return fmt.Errorf("notify.provider ses requires ses.region")
		}
	case ProviderRelay:
		if c.Relay.Addr == "" {
			return fmt.Errorf("notify.provider relay requires relay.addr")
		}
	default:
		return fmt.Errorf("notify.provider: unknown provider %q", c.Notify.Provider)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}

	if c.SMTP.MaxMessageSize <= 0 {
		return fmt.Errorf("smtp.max_message_size must be positive")
	}
	if c.IMAP.Enabled && c.IMAP.PollInterval <= 0 {
		return fmt.Errorf("imap.poll_interval must be positive")
	}
	return nil
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// SESConfigured returns true if SES can send: a region and a sender.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.Notify.Sender != ""
}

// RelayConfigured returns true if a relay address and a sender are set.
func (c *Config) RelayConfigured() bool {
	return c.Relay.Addr != "" && c.Notify.Sender != ""
}

// ProviderName resolves the notification provider. An explicit
// notify.provider wins; otherwise SES, then the relay, then stdout.
func (c *Config) ProviderName() string {
	if c.Notify.Provider != ProviderAuto {
		return c.Notify.Provider
	}
	switch {
	case c.SESConfigured():
		return ProviderSES
	case c.RelayConfigured():
		return ProviderRelay
	default:
		return ProviderStdout
	}
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.TLS.Enabled = true
	c.Logging.Level = "info"
	c.Storage.Driver = "sqlite3"
	c.Storage.DSN = "data/bouncebox.db"
	c.Notify.Breaker.MaxFailures = 5
	c.Notify.Breaker.OpenTimeout = 30 * time.Second
	c.Relay.Timeout = 30 * time.Second
	c.Metrics.Listen = ":9090"
	c.Redis.Channel = "bouncebox:activity"
	c.IMAP.PollInterval = 60 * time.Second
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; values
// that fail to parse are ignored.
func (c *Config) applyEnvVars() {
	envString("SMTP_LISTEN", &c.SMTP.Listen)
	envString("SMTP_HOSTNAME", &c.SMTP.Hostname)
	envString("SMTP_USERNAME", &c.SMTP.Username)
	envString("SMTP_PASSWORD", &c.SMTP.Password)
	envInt64("SMTP_MAX_MESSAGE_SIZE", &c.SMTP.MaxMessageSize)

	envBool("TLS_ENABLED", &c.TLS.Enabled)
	envString("TLS_CERT_FILE", &c.TLS.CertFile)
	envString("TLS_KEY_FILE", &c.TLS.KeyFile)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	envString("STORAGE_DRIVER", &c.Storage.Driver)
	envString("STORAGE_DSN", &c.Storage.DSN)

	if v := os.Getenv("NOTIFY_PROVIDER"); v != "" {
		c.Notify.Provider = strings.ToLower(v)
	}
	envString("NOTIFY_SENDER", &c.Notify.Sender)
	if v := os.Getenv("NOTIFY_BREAKER_MAX_FAILURES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.Notify.Breaker.MaxFailures = uint32(n)
		}
	}
	envDuration("NOTIFY_BREAKER_OPEN_TIMEOUT", &c.Notify.Breaker.OpenTimeout)

	envString("SES_REGION", &c.SES.Region)
	envString("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	envString("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	envString("SES_ENDPOINT", &c.SES.Endpoint)

	envString("RELAY_ADDR", &c.Relay.Addr)
	envString("RELAY_USERNAME", &c.Relay.Username)
	envString("RELAY_PASSWORD", &c.Relay.Password)
	envBool("RELAY_STARTTLS", &c.Relay.StartTLS)
	envBool("RELAY_INSECURE_SKIP_VERIFY", &c.Relay.InsecureSkipVerify)
	envString("RELAY_HELO", &c.Relay.Helo)
	envDuration("RELAY_TIMEOUT", &c.Relay.Timeout)

	envString("DKIM_SELECTOR", &c.DKIM.Selector)
	envString("DKIM_DOMAIN", &c.DKIM.Domain)
	envString("DKIM_KEY_FILE", &c.DKIM.KeyFile)

	envString("METRICS_LISTEN", &c.Metrics.Listen)

	envString("REDIS_URL", &c.Redis.URL)
	envString("REDIS_CHANNEL", &c.Redis.Channel)

	envBool("IMAP_POLL_ENABLED", &c.IMAP.Enabled)
	envDuration("IMAP_POLL_INTERVAL", &c.IMAP.PollInterval)
	envBool("IMAP_INSECURE_SKIP_VERIFY", &c.IMAP.InsecureSkipVerify)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
