// Package config loads the follow-up engine's configuration from the
// environment, the same way across every binary that links this module.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/flowcatalyst/followup-engine/internal/common/secrets"
)

// Account holds the credentials and send quota for one polled mailbox.
type Account struct {
	Email           string
	Password        string
	RateLimitPerDay int
}

// Config holds all runtime configuration for the follow-up engine.
type Config struct {
	Accounts []Account

	IMAPServer string
	IMAPPort   int
	SMTPServer string
	SMTPPort   int

	DatabaseURL string
	RedisURL    string

	PollingInterval      time.Duration
	MaxConcurrentWorkers int
	LogLevel             string

	GroqAPIKey string
	GroqModel  string

	TrainingLogPath string

	SecretsProvider string

	HTTPPort int
	DevMode  bool
}

// Load reads configuration from environment variables, applying the
// defaults fixed in the external-interfaces section of the spec this
// engine implements. An account whose email or password is missing is
// skipped. It returns an error if DATABASE_URL is unset or no account is
// completely configured, so that the process can abort at boot rather
// than fail mysteriously on the first poll tick.
func Load() (*Config, error) {
	cfg := &Config{
		IMAPServer: getEnv("IMAP_SERVER", "imap.gmail.com"),
		IMAPPort:   getEnvInt("IMAP_PORT", 993),
		SMTPServer: getEnv("SMTP_SERVER", "smtp.gmail.com"),
		SMTPPort:   getEnvInt("SMTP_PORT", 587),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),

		PollingInterval:      getEnvDuration("POLLING_INTERVAL", 60*time.Second),
		MaxConcurrentWorkers: getEnvInt("MAX_CONCURRENT_WORKERS", 10),
		LogLevel:             getEnv("LOG_LEVEL", "INFO"),

		GroqAPIKey: getEnv("GROQ_API_KEY", ""),
		GroqModel:  getEnv("GROQ_MODEL", "llama-3.1-8b-instant"),

		TrainingLogPath: getEnv("TRAINING_LOG_PATH", "./training-data.jsonl"),

		SecretsProvider: getEnv("SECRETS_PROVIDER", "env"),

		HTTPPort: getEnvInt("HTTP_PORT", 8080),
		DevMode:  getEnvBool("FOLLOWUP_DEV", false),
	}

	for i := 1; i <= 3; i++ {
		email := getEnv(fmt.Sprintf("ACCOUNT_%d_EMAIL", i), "")
		password := getEnv(fmt.Sprintf("ACCOUNT_%d_PASSWORD", i), "")
		if email == "" || password == "" {
			continue
		}
		cfg.Accounts = append(cfg.Accounts, Account{
			Email:           email,
			Password:        password,
			RateLimitPerDay: getEnvInt(fmt.Sprintf("ACCOUNT_%d_RATE_LIMIT_PER_DAY", i), 500),
		})
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("at least one ACCOUNT_i_EMAIL/ACCOUNT_i_PASSWORD pair is required")
	}

	if cfg.SecretsProvider != "" && cfg.SecretsProvider != "env" {
		if err := resolveAccountSecrets(cfg); err != nil {
			return nil, fmt.Errorf("resolve account secrets: %w", err)
		}
	}

	return cfg, nil
}

// resolveAccountSecrets overrides each account's password with the value
// held by the configured remote provider (e.g. AWS Secrets Manager), keyed
// "account-N-password". An account whose secret isn't present there keeps
// its environment-variable password, so a partially migrated fleet still
// boots.
func resolveAccountSecrets(cfg *Config) error {
	providerType := secrets.ProviderType(cfg.SecretsProvider)
	if providerType == "aws" {
		providerType = secrets.ProviderTypeAWSSM
	}

	provider, err := secrets.NewProvider(&secrets.Config{
		Provider:  providerType,
		AWSRegion: getEnv("AWS_REGION", ""),
		AWSPrefix: getEnv("SECRETS_AWS_PREFIX", ""),
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	for i := range cfg.Accounts {
		key := fmt.Sprintf("account-%d-password", i+1)
		value, err := provider.Get(ctx, key)
		if err != nil {
			if err == secrets.ErrSecretNotFound {
				continue
			}
			return fmt.Errorf("fetch %s: %w", key, err)
		}
		cfg.Accounts[i].Password = value
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
