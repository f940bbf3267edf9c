package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Development bool
	// API configuration
	APIPort       int
	AdminAPIToken string
	// Postgres configuration
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string

	// Payment providers
	StripeSecretKey     string
	StripeWebhookSecret string
	PaystackSecretKey   string
	PaystackBaseURL     string
	OmisePublicKey      string
	OmiseSecretKey      string
	ProviderTimeout     time.Duration

	// Settlement jobs
	SweepInterval     time.Duration
	SweepGracePeriod  time.Duration
	SweepBatchSize    int
	SweepDelay        time.Duration
	ReconcileInterval time.Duration
	PlatformFeeRate   decimal.Decimal
	InstanceID        string

	// SMTP configuration
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPSender   string

	// Notification configuration
	TelegramBotToken  string
	TelegramOpsChatID string
	NotifyQueueSize   int

	// Exchange rates
	FXRatesURL   string
	BaseCurrency string
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development:         getEnvAsBool("DEVELOPMENT", false),
		APIPort:             getEnvAsInt("API_PORT", 6532),
		AdminAPIToken:       getEnv("ADMIN_API_TOKEN", ""),
		PostgresUser:        getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword:    getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:        getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:        getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:          getEnv("POSTGRES_DB", "chainfund"),
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		PaystackSecretKey:   getEnv("PAYSTACK_SECRET_KEY", ""),
		PaystackBaseURL:     getEnv("PAYSTACK_BASE_URL", "https://api.paystack.co"),
		OmisePublicKey:      getEnv("OMISE_PUBLIC_KEY", ""),
		OmiseSecretKey:      getEnv("OMISE_SECRET_KEY", ""),
		ProviderTimeout:     getEnvAsDuration("PROVIDER_TIMEOUT", 15*time.Second),
		SweepInterval:       getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
		SweepGracePeriod:    getEnvAsDuration("SWEEP_GRACE_PERIOD", 5*time.Minute),
		SweepBatchSize:      getEnvAsInt("SWEEP_BATCH_SIZE", 100),
		SweepDelay:          getEnvAsDuration("SWEEP_DELAY", 500*time.Millisecond),
		ReconcileInterval:   getEnvAsDuration("RECONCILE_INTERVAL", 15*time.Minute),
		PlatformFeeRate:     getEnvAsDecimal("PLATFORM_FEE_RATE", decimal.RequireFromString("0.05")),
		InstanceID:          getEnv("INSTANCE_ID", hostname()),
		SMTPHost:            getEnv("SMTP_HOST", ""),
		SMTPPort:            getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:            getEnv("SMTP_USER", ""),
		SMTPPassword:        getEnv("SMTP_PASSWORD", ""),
		SMTPSender:          getEnv("SMTP_SENDER", ""),
		TelegramBotToken:    getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramOpsChatID:   getEnv("TELEGRAM_OPS_CHAT_ID", ""),
		NotifyQueueSize:     getEnvAsInt("NOTIFY_QUEUE_SIZE", 256),
		FXRatesURL:          getEnv("FX_RATES_URL", ""),
		BaseCurrency:        getEnv("BASE_CURRENCY", "USD"),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are properly set
func (c *Config) Validate() error {
	if c.StripeSecretKey == "" && c.PaystackSecretKey == "" && c.OmiseSecretKey == "" {
		return fmt.Errorf("at least one of STRIPE_SECRET_KEY, PAYSTACK_SECRET_KEY, OMISE_SECRET_KEY is required")
	}

	if c.OmiseSecretKey != "" && c.OmisePublicKey == "" {
		return fmt.Errorf("OMISE_PUBLIC_KEY is required with OMISE_SECRET_KEY")
	}

	if !c.Development && c.AdminAPIToken == "" {
		return fmt.Errorf("ADMIN_API_TOKEN is required outside development")
	}

	if c.PlatformFeeRate.IsNegative() || c.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("PLATFORM_FEE_RATE must be in [0, 1), got %s", c.PlatformFeeRate)
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}

	if c.SweepInterval <= 0 || c.ReconcileInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL and RECONCILE_INTERVAL must be positive")
	}

	if c.SweepGracePeriod < 0 || c.SweepDelay < 0 {
		return fmt.Errorf("SWEEP_GRACE_PERIOD and SWEEP_DELAY cannot be negative")
	}

	if c.PostgresDB == "" {
		return fmt.Errorf("POSTGRES_DB is required")
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}

	return nil
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDecimal(name string, defaultValue decimal.Decimal) decimal.Decimal {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := decimal.NewFromString(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func hostname() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "chainfund"
}
