package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contém a configuração do serviço de carteira
type Config struct {
	Port         string
	Env          string
	ServiceName  string
	OTLPEndpoint string

	DatabaseUser     string
	DatabasePassword string
	DatabaseHost     string
	DatabasePort     string
	DatabaseName     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CachePrefix   string

	LockTTL          time.Duration
	CorrelationTTL   time.Duration
	CreditRetries    int
	CreditRetryDelay time.Duration

	PublicURL   string
	FrontendURL string

	JWTSecret string
	FieldKey  string

	Gateway GatewayConfig
}

// LoadConfig carrega o .env (se existir) e lê as variáveis de ambiente
func LoadConfig() (*Config, error) {
	// .env é opcional; em container as variáveis vêm do ambiente
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		Env:          getEnv("APP_ENV", "production"),
		ServiceName:  getEnv("SERVICE_NAME", "wallet-service"),
		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),

		DatabaseUser:     getEnv("DATABASE_USER", "root"),
		DatabasePassword: getEnv("DATABASE_PASSWORD", "pass"),
		DatabaseHost:     getEnv("DATABASE_HOST", "localhost"),
		DatabasePort:     getEnv("DATABASE_PORT", "5432"),
		DatabaseName:     getEnv("DATABASE_NAME", "wallet_db"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		CachePrefix:   getEnv("CACHE_PREFIX", "wallet_"),

		LockTTL:          getEnvDuration("WALLET_LOCK_TTL", 10*time.Second),
		CorrelationTTL:   getEnvDuration("CORRELATION_TTL", CorrelationTTL),
		CreditRetries:    getEnvInt("CALLBACK_CREDIT_RETRIES", 3),
		CreditRetryDelay: getEnvDuration("CALLBACK_CREDIT_RETRY_DELAY", 200*time.Millisecond),

		PublicURL:   strings.TrimRight(getEnv("APP_URL", "http://localhost:8080"), "/"),
		FrontendURL: strings.TrimRight(getEnv("FRONTEND_URL", "http://localhost:3000"), "/"),

		JWTSecret: getEnv("JWT_SECRET", ""),
		FieldKey:  getEnv("FIELD_ENCRYPTION_KEY", ""),

		Gateway: GatewayConfig{
			BaseURL:   getEnv("BKASH_BASE_URL", "https://tokenized.sandbox.bka.sh/v1.2.0-beta"),
			AppKey:    getEnv("BKASH_APP_KEY", ""),
			AppSecret: getEnv("BKASH_APP_SECRET", ""),
			Username:  getEnv("BKASH_USERNAME", ""),
			Password:  getEnv("BKASH_PASSWORD", ""),
			Timeout:   getEnvDuration("BKASH_TIMEOUT", 30*time.Second),
		},
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	if cfg.FieldKey == "" {
		return nil, errors.New("FIELD_ENCRYPTION_KEY is required")
	}
	return cfg, nil
}

// DatabaseDSN monta a connection string do pgxpool
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&pool_max_conns=25&pool_min_conns=5",
		c.DatabaseUser,
		c.DatabasePassword,
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseName,
	)
}

// AgreementCallbackURL é a URL pública chamada pelo gateway após o agreement
func (c *Config) AgreementCallbackURL() string {
	return c.PublicURL + "/wallet/link/callback"
}

// PaymentCallbackURL é a URL pública chamada pelo gateway após o pagamento
func (c *Config) PaymentCallbackURL() string {
	return c.PublicURL + "/wallet/payment/callback"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
