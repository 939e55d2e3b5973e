package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the daemon configuration. Values are read from a YAML file and
// may be overridden through ENRICHFLOW_* environment variables.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Provider   ProviderConfig   `yaml:"provider"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Redis      RedisConfig      `yaml:"redis"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type ProviderConfig struct {
	BaseURL    string  `yaml:"baseUrl"`
	APIKey     string  `yaml:"apiKey"`
	WebhookURL string  `yaml:"webhookUrl"`
	BatchSize  int     `yaml:"batchSize"`
	RateLimit  float64 `yaml:"rateLimit"`
}

type WebhookConfig struct {
	Secret string `yaml:"secret"`
}

// RedisConfig selects the redis-backed stores. When Addr is empty the daemon
// runs with in-memory stores.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type EnrichmentConfig struct {
	MaxRetries      int           `yaml:"maxRetries"`
	StaleAfter      time.Duration `yaml:"staleAfter"`
	CycleInterval   time.Duration `yaml:"cycleInterval"`
	CallbackTimeout time.Duration `yaml:"callbackTimeout"`
}

// TracingConfig selects the span exporter. Supported exporters are "none",
// "stdout" and "otlp"; Endpoint applies to "otlp" only.
type TracingConfig struct {
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns a configuration with working defaults for everything that
// has a sensible one. Provider credentials and the webhook secret have no
// default and must be provided.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8090",
		},
		Provider: ProviderConfig{
			BatchSize: 100,
			RateLimit: 10,
		},
		Enrichment: EnrichmentConfig{
			MaxRetries:      3,
			StaleAfter:      24 * time.Hour,
			CycleInterval:   time.Minute,
			CallbackTimeout: 30 * time.Minute,
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
	}
}

// Load reads the configuration from path, applies environment overrides and
// validates the result. An empty path skips the file and uses defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.HTTP.Addr, "ENRICHFLOW_HTTP_ADDR")
	setString(&c.Provider.BaseURL, "ENRICHFLOW_PROVIDER_BASE_URL")
	setString(&c.Provider.APIKey, "ENRICHFLOW_PROVIDER_API_KEY")
	setString(&c.Provider.WebhookURL, "ENRICHFLOW_PROVIDER_WEBHOOK_URL")
	setString(&c.Webhook.Secret, "ENRICHFLOW_WEBHOOK_SECRET")
	setString(&c.Redis.Addr, "ENRICHFLOW_REDIS_ADDR")
	setString(&c.Redis.Password, "ENRICHFLOW_REDIS_PASSWORD")
	setString(&c.Tracing.Exporter, "ENRICHFLOW_TRACING_EXPORTER")
	setString(&c.Tracing.Endpoint, "ENRICHFLOW_TRACING_ENDPOINT")

	if err := setInt(&c.Provider.BatchSize, "ENRICHFLOW_PROVIDER_BATCH_SIZE"); err != nil {
		return err
	}

	if err := setInt(&c.Redis.DB, "ENRICHFLOW_REDIS_DB"); err != nil {
		return err
	}

	if err := setInt(&c.Enrichment.MaxRetries, "ENRICHFLOW_ENRICHMENT_MAX_RETRIES"); err != nil {
		return err
	}

	if err := setDuration(&c.Enrichment.StaleAfter, "ENRICHFLOW_ENRICHMENT_STALE_AFTER"); err != nil {
		return err
	}

	if err := setDuration(&c.Enrichment.CycleInterval, "ENRICHFLOW_ENRICHMENT_CYCLE_INTERVAL"); err != nil {
		return err
	}

	if err := setDuration(&c.Enrichment.CallbackTimeout, "ENRICHFLOW_ENRICHMENT_CALLBACK_TIMEOUT"); err != nil {
		return err
	}

	return nil
}

func (c *Config) validate() error {
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.baseUrl is required")
	}

	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.apiKey is required")
	}

	if c.Provider.WebhookURL == "" {
		return fmt.Errorf("provider.webhookUrl is required")
	}

	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required")
	}

	if c.Provider.BatchSize < 1 {
		return fmt.Errorf("provider.batchSize must be positive, got %d", c.Provider.BatchSize)
	}

	if c.Enrichment.MaxRetries < 1 {
		return fmt.Errorf("enrichment.maxRetries must be positive, got %d", c.Enrichment.MaxRetries)
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be one of none, stdout, otlp, got %q", c.Tracing.Exporter)
	}

	return nil
}

func setString(target *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*target = v
	}
}

func setInt(target *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	*target = n

	return nil
}

func setDuration(target *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	*target = d

	return nil
}
