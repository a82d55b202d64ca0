// Package config loads process settings from the environment.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServiceName string `mapstructure:"SERVICE_NAME"`
	Env         string `mapstructure:"ENV"`
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFile     string `mapstructure:"LOG_FILE"`

	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`
	KafkaBrokers  string `mapstructure:"KAFKA_BROKERS"`
	KafkaGroupID  string `mapstructure:"KAFKA_GROUP_ID"`

	OtelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	StripeSecretKey        string        `mapstructure:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret    string        `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	StripeWebhookTolerance time.Duration `mapstructure:"STRIPE_WEBHOOK_TOLERANCE"`
	CheckoutSuccessURL     string        `mapstructure:"CHECKOUT_SUCCESS_URL"`
	CheckoutCancelURL      string        `mapstructure:"CHECKOUT_CANCEL_URL"`

	IdempotencyTTL            time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	PaymentExpirationWindow   time.Duration `mapstructure:"PAYMENT_EXPIRATION_WINDOW"`
	PaymentExpirationInterval time.Duration `mapstructure:"PAYMENT_EXPIRATION_INTERVAL"`
	EventMaxAttempts          int           `mapstructure:"EVENT_MAX_ATTEMPTS"`
	InventoryLockTimeout      time.Duration `mapstructure:"INVENTORY_LOCK_TIMEOUT"`

	BreakerWindowSize    int           `mapstructure:"BREAKER_WINDOW_SIZE"`
	BreakerMinimumCalls  int           `mapstructure:"BREAKER_MINIMUM_CALLS"`
	BreakerFailureRate   float64       `mapstructure:"BREAKER_FAILURE_RATE"`
	BreakerOpenWait      time.Duration `mapstructure:"BREAKER_OPEN_WAIT"`
	BreakerHalfOpenCalls int           `mapstructure:"BREAKER_HALF_OPEN_CALLS"`
	BreakerTimeout       time.Duration `mapstructure:"BREAKER_TIMEOUT"`

	InventoryBreakerWindowSize    int           `mapstructure:"BREAKER_INVENTORY_WINDOW_SIZE"`
	InventoryBreakerMinimumCalls  int           `mapstructure:"BREAKER_INVENTORY_MINIMUM_CALLS"`
	InventoryBreakerFailureRate   float64       `mapstructure:"BREAKER_INVENTORY_FAILURE_RATE"`
	InventoryBreakerOpenWait      time.Duration `mapstructure:"BREAKER_INVENTORY_OPEN_WAIT"`
	InventoryBreakerHalfOpenCalls int           `mapstructure:"BREAKER_INVENTORY_HALF_OPEN_CALLS"`
	InventoryBreakerTimeout       time.Duration `mapstructure:"BREAKER_INVENTORY_TIMEOUT"`
}

var defaults = map[string]any{
	"SERVICE_NAME":                "minishop",
	"ENV":                         "dev",
	"HTTP_ADDR":                   ":8080",
	"LOG_LEVEL":                   "info",
	"REDIS_DB":                    0,
	"KAFKA_GROUP_ID":              "minishop",
	"STRIPE_WEBHOOK_TOLERANCE":    "300s",
	"CHECKOUT_SUCCESS_URL":        "http://localhost:8080/checkout/success",
	"CHECKOUT_CANCEL_URL":         "http://localhost:8080/checkout/cancel",
	"IDEMPOTENCY_TTL":             "24h",
	"PAYMENT_EXPIRATION_WINDOW":   "5m",
	"PAYMENT_EXPIRATION_INTERVAL": "60s",
	"EVENT_MAX_ATTEMPTS":          4,
	"INVENTORY_LOCK_TIMEOUT":      "3s",

	"BREAKER_WINDOW_SIZE":     10,
	"BREAKER_MINIMUM_CALLS":   5,
	"BREAKER_FAILURE_RATE":    0.5,
	"BREAKER_OPEN_WAIT":       "30s",
	"BREAKER_HALF_OPEN_CALLS": 3,
	"BREAKER_TIMEOUT":         "5s",

	"BREAKER_INVENTORY_WINDOW_SIZE":     5,
	"BREAKER_INVENTORY_MINIMUM_CALLS":   3,
	"BREAKER_INVENTORY_FAILURE_RATE":    0.5,
	"BREAKER_INVENTORY_OPEN_WAIT":       "20s",
	"BREAKER_INVENTORY_HALF_OPEN_CALLS": 2,
	"BREAKER_INVENTORY_TIMEOUT":         "3s",
}

// Load reads every mapstructure key of Config from the environment, falling back to defaults.
func Load() (Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (Config, error) {
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	var cfg Config
	t := reflect.TypeOf(cfg)
	for i := 0; i < t.NumField(); i++ {
		key := t.Field(i).Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("HTTP_ADDR is required"))
	}
	if c.PaymentExpirationWindow <= 0 {
		errs = append(errs, errors.New("PAYMENT_EXPIRATION_WINDOW must be positive"))
	}
	if c.PaymentExpirationInterval <= 0 {
		errs = append(errs, errors.New("PAYMENT_EXPIRATION_INTERVAL must be positive"))
	}
	if c.EventMaxAttempts < 1 {
		errs = append(errs, errors.New("EVENT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.BreakerFailureRate <= 0 || c.BreakerFailureRate > 1 ||
		c.InventoryBreakerFailureRate <= 0 || c.InventoryBreakerFailureRate > 1 {
		errs = append(errs, errors.New("breaker failure rates must be in (0,1]"))
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Brokers splits KAFKA_BROKERS on commas.
func (c Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
