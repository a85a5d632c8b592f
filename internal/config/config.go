package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv      string `env:"APP_ENV" envDefault:"production"`

	ProviderAPIURL      string        `env:"PROVIDER_API_URL" envDefault:"https://api.mercadopago.com"`
	ProviderAccessToken string        `env:"MERCADO_PAGO_ACCESS_TOKEN,required"`
	ProviderTimeout     time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"5s"`

	// Extra https hosts a webhook's resource URL may name.
	ProviderResourceHosts []string `env:"PROVIDER_RESOURCE_HOSTS" envSeparator:"," envDefault:"api.mercadopago.com,api.mercadolibre.com"`

	// Empty disables x-signature verification.
	WebhookSecret     string `env:"WEBHOOK_SECRET"`
	CheckoutJWTSecret string `env:"CHECKOUT_JWT_SECRET,required"`

	OrderContextTTL  time.Duration `env:"ORDER_CONTEXT_TTL" envDefault:"72h"`
	NotifyClaimLease time.Duration `env:"NOTIFY_CLAIM_LEASE" envDefault:"5m"`

	NotifyMerchantEmails []string      `env:"NOTIFY_MERCHANT_EMAILS" envSeparator:","`
	SMTPHost             string        `env:"SMTP_HOST"`
	SMTPPort             int           `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername         string        `env:"SMTP_USERNAME"`
	SMTPPassword         string        `env:"SMTP_PASSWORD"`
	SMTPFrom             string        `env:"SMTP_FROM" envDefault:"pedidos@localhost"`
	SMTPTimeout          time.Duration `env:"SMTP_TIMEOUT" envDefault:"10s"`

	WorkerCount     int           `env:"WORKER_COUNT" envDefault:"4"`
	QueueSize       int           `env:"QUEUE_SIZE" envDefault:"256"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	PollBatch       int           `env:"POLL_BATCH" envDefault:"20"`
	ProcessingLease time.Duration `env:"PROCESSING_LEASE" envDefault:"2m"`
	RetryBackoff    time.Duration `env:"RETRY_BACKOFF" envDefault:"30s"`
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"8"`

	EventRetention  time.Duration `env:"EVENT_RETENTION" envDefault:"720h"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" envDefault:"1h"`

	DBMaxOpenConns     int `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns     int `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetimeS int `env:"DB_CONN_MAX_LIFETIME_S" envDefault:"300"`
	DBConnMaxIdleTimeS int `env:"DB_CONN_MAX_IDLE_TIME_S" envDefault:"60"`
	DBConnectAttempts  int `env:"DB_CONNECT_ATTEMPTS" envDefault:"30"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := LoadDotenv(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("config.Load: WORKER_COUNT must be at least 1")
	}
	return &cfg, nil
}

func LoadDotenv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
