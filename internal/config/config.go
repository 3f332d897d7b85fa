package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Transport TransportConfig `yaml:"transport"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	SES       SESConfig       `yaml:"ses"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Worker    WorkerConfig    `yaml:"worker"`
	Directory DirectoryConfig `yaml:"directory"`
}

// ServerConfig holds admin API server settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TrackingConfig holds the public tracking server settings.
// PublicURL is the externally reachable base URL embedded in emails
// (pixel, click redirects, unsubscribe links). SigningSecret is the
// HMAC key for unsubscribe tokens.
type TrackingConfig struct {
	Port          int    `yaml:"port"`
	PublicURL     string `yaml:"public_url"`
	SigningSecret string `yaml:"signing_secret"`
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis settings. Redis is optional; when Addr is empty
// the dispatcher falls back to Postgres advisory locks for coordination.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TransportConfig selects the outbound mail transport
type TransportConfig struct {
	Type           string `yaml:"type"` // "smtp" or "ses"
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SMTPConfig holds SMTP relay settings
type SMTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	FromAddress string `yaml:"from_address"`
	FromName    string `yaml:"from_name"`
}

// SESConfig holds AWS SES credentials
type SESConfig struct {
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	Region      string `yaml:"region"`
	FromAddress string `yaml:"from_address"`
	FromName    string `yaml:"from_name"`
}

// DispatchConfig holds pacing parameters. The steady-state rate is capped at
// 3600/base_delay_seconds emails per hour; the random component only spreads
// sends out further, it never raises the average rate.
type DispatchConfig struct {
	BaseDelaySeconds   int    `yaml:"base_delay_seconds"`
	RandomDelaySeconds int    `yaml:"random_delay_seconds"`
	SiteName           string `yaml:"site_name"`
	SiteURL            string `yaml:"site_url"`
	LogoURL            string `yaml:"logo_url"`
	TenantID           string `yaml:"tenant_id"`
}

// RenderVars builds the template substitution set shared by dispatch,
// previews and test sends. Empty recipient fields fall back to demo
// values so every path renders a complete message.
func (d DispatchConfig) RenderVars(name, email, unsubURL string) map[string]string {
	if name == "" {
		name = "there"
	}
	if email == "" {
		email = "jane@example.com"
	}
	if unsubURL == "" {
		unsubURL = d.SiteURL
	}
	return map[string]string{
		"name":            name,
		"email":           email,
		"site_name":       d.SiteName,
		"site_url":        d.SiteURL,
		"logo_url":        d.LogoURL,
		"unsubscribe_url": unsubURL,
	}
}

// WorkerConfig holds send worker pool settings
type WorkerConfig struct {
	NumWorkers          int `yaml:"num_workers"`
	BatchSize           int `yaml:"batch_size"`
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// DirectoryConfig maps the recipient directory onto an existing table.
// InvalidColumn and BouncedAtColumn are optional; when empty the directory
// reports no invalid flag and every recipient is assumed deliverable.
type DirectoryConfig struct {
	Table           string `yaml:"table"`
	IDColumn        string `yaml:"id_column"`
	EmailColumn     string `yaml:"email_column"`
	NameColumn      string `yaml:"name_column"`
	InvalidColumn   string `yaml:"invalid_column"`
	BouncedAtColumn string `yaml:"bounced_at_column"`
}

// BaseDelay returns the configured base delay as a duration
func (d DispatchConfig) BaseDelay() time.Duration {
	return time.Duration(d.BaseDelaySeconds) * time.Second
}

// RandomDelay returns the configured random delay range as a duration
func (d DispatchConfig) RandomDelay() time.Duration {
	return time.Duration(d.RandomDelaySeconds) * time.Second
}

// HourlyCeiling returns the maximum average sends per hour the
// configured delays allow.
func (d DispatchConfig) HourlyCeiling() float64 {
	if d.BaseDelaySeconds <= 0 {
		return 0
	}
	return 3600.0 / float64(d.BaseDelaySeconds)
}

// Timeout returns the transport send timeout
func (t TransportConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// PollInterval returns the worker poll interval
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// Configured reports whether the SMTP relay has the minimum settings to send
func (s SMTPConfig) Configured() bool {
	return s.Host != "" && s.Port != 0 && s.FromAddress != ""
}

// Configured reports whether SES has the minimum settings to send
func (s SESConfig) Configured() bool {
	return s.AccessKey != "" && s.SecretKey != "" && s.Region != "" && s.FromAddress != ""
}

// Load reads configuration from a YAML file and applies defaults
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromEnv loads the YAML config then overrides secrets and connection
// settings from the environment (a .env file is honored if present).
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = "config.yaml"
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if secret := os.Getenv("TRACKING_SIGNING_SECRET"); secret != "" {
		cfg.Tracking.SigningSecret = secret
	}
	if url := os.Getenv("TRACKING_PUBLIC_URL"); url != "" {
		cfg.Tracking.PublicURL = url
	}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		cfg.SMTP.Host = host
	}
	if port := os.Getenv("SMTP_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.SMTP.Port = p
		}
	}
	if user := os.Getenv("SMTP_USERNAME"); user != "" {
		cfg.SMTP.Username = user
	}
	if pass := os.Getenv("SMTP_PASSWORD"); pass != "" {
		cfg.SMTP.Password = pass
	}
	if from := os.Getenv("SMTP_FROM_ADDRESS"); from != "" {
		cfg.SMTP.FromAddress = from
	}
	if name := os.Getenv("SMTP_FROM_NAME"); name != "" {
		cfg.SMTP.FromName = name
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.SES.Region = region
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Tracking.Port == 0 {
		c.Tracking.Port = 8081
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5
	}
	if c.Transport.Type == "" {
		c.Transport.Type = "smtp"
	}
	if c.Transport.TimeoutSeconds == 0 {
		c.Transport.TimeoutSeconds = 30
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}
	if c.SES.Region == "" {
		c.SES.Region = "us-west-2"
	}
	// 360s base + 0-120s jitter caps the rate at 10 emails/hour
	if c.Dispatch.BaseDelaySeconds == 0 {
		c.Dispatch.BaseDelaySeconds = 360
	}
	if c.Dispatch.RandomDelaySeconds == 0 {
		c.Dispatch.RandomDelaySeconds = 120
	}
	if c.Worker.NumWorkers == 0 {
		c.Worker.NumWorkers = 4
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 20
	}
	if c.Worker.PollIntervalSeconds == 0 {
		c.Worker.PollIntervalSeconds = 5
	}
	if c.Directory.IDColumn == "" {
		c.Directory.IDColumn = "id"
	}
	if c.Directory.EmailColumn == "" {
		c.Directory.EmailColumn = "email"
	}
	if c.Directory.NameColumn == "" {
		c.Directory.NameColumn = c.Directory.EmailColumn
	}
}

func (c *Config) validate() error {
	switch c.Transport.Type {
	case "smtp", "ses":
	default:
		return fmt.Errorf("unknown transport type %q", c.Transport.Type)
	}
	if c.Dispatch.BaseDelaySeconds < 0 || c.Dispatch.RandomDelaySeconds < 0 {
		return fmt.Errorf("dispatch delays must not be negative")
	}
	return nil
}
