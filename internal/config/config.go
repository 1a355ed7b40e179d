// Package config содержит логику чтения конфигурации витрины плагинов.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress    = "localhost:8080"
	defaultPublicBaseURL = "http://localhost:3000"
)

// Config содержит параметры конфигурации витрины.
type Config struct {
	RunAddress    string `env:"RUN_ADDRESS"`
	DatabaseURI   string `env:"DATABASE_URI"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`

	AdminPassword    string        `env:"ADMIN_PASSWORD"`
	AdminTokenSecret string        `env:"ADMIN_TOKEN_SECRET"`
	AdminTokenTTL    time.Duration `env:"ADMIN_TOKEN_TTL" envDefault:"12h"`

	// DownloadSigningSecret включает подписанные HMAC токены скачивания.
	DownloadSigningSecret string        `env:"DOWNLOAD_SIGNING_SECRET"`
	DownloadTTL           time.Duration `env:"DOWNLOAD_TTL" envDefault:"72h"`

	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	StripeAPIBase       string `env:"STRIPE_API_BASE" envDefault:"https://api.stripe.com"`

	PayPalClientID     string `env:"PAYPAL_CLIENT_ID"`
	PayPalClientSecret string `env:"PAYPAL_CLIENT_SECRET"`
	PayPalWebhookID    string `env:"PAYPAL_WEBHOOK_ID"`
	PayPalAPIBase      string `env:"PAYPAL_API_BASE" envDefault:"https://api-m.sandbox.paypal.com"`

	ResendAPIKey string `env:"RESEND_API_KEY"`
	MailFrom     string `env:"MAIL_FROM" envDefault:"Plugin Store <noreply@example.com>"`
	SupportInbox string `env:"SUPPORT_INBOX"`

	// RedisURL включает общий для нескольких экземпляров счётчик ограничителя частоты.
	RedisURL string `env:"REDIS_URL"`

	AssetsS3Bucket string `env:"ASSETS_S3_BUCKET"`
	AssetsS3Prefix string `env:"ASSETS_S3_PREFIX"`
	AssetsS3Region string `env:"ASSETS_S3_REGION"`
}

// StripeEnabled сообщает, заданы ли ключи Stripe.
func (c *Config) StripeEnabled() bool {
	return c.StripeSecretKey != ""
}

// PayPalEnabled сообщает, заданы ли учётные данные PayPal.
func (c *Config) PayPalEnabled() bool {
	return c.PayPalClientID != "" && c.PayPalClientSecret != ""
}

// FromEnv считывает конфигурацию только из переменных окружения.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = defaultPublicBaseURL
	}
	return cfg, nil
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Непустые значения окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envPublicBaseURL := os.Getenv("PUBLIC_BASE_URL")

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.PublicBaseURL, "b", defaultPublicBaseURL, "public base URL of the storefront")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envPublicBaseURL != "" {
		cfg.PublicBaseURL = envPublicBaseURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = defaultPublicBaseURL
	}

	return cfg, nil
}
