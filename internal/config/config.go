package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string

	// Presence tuning. The stale threshold must be materially longer than the
	// client heartbeat period so one missed beat does not demote a live user.
	PresenceSweepInterval time.Duration
	PresenceStaleAfter    time.Duration

	// WSMaxConnsPerUser caps how many simultaneous connections one user may
	// hold in the registry (tabs, devices).
	WSMaxConnsPerUser int

	// Outbound mail worker tuning.
	MailSweepInterval time.Duration
	MailBatchSize     int
	MailMaxRetries    int
}

func NewConfig() (*Config, error) {
	env := os.Getenv("CRMDESK_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("CRMDESK_ENCRYPTION_KEY_BASE64"),
		DBHost:              getEnvOrDefault("CRMDESK_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("CRMDESK_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("CRMDESK_DB_USER", "crmdesk"),
		DBPassword:          os.Getenv("CRMDESK_DB_PASSWORD"),
		DBName:              getEnvOrDefault("CRMDESK_DB_NAME", "crmdesk"),
		DBSSLMode:           getEnvOrDefault("CRMDESK_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "8080"),

		PresenceSweepInterval: getDurationOrDefault("CRMDESK_PRESENCE_SWEEP_INTERVAL", 30*time.Second),
		PresenceStaleAfter:    getDurationOrDefault("CRMDESK_PRESENCE_STALE_AFTER", 45*time.Second),
		WSMaxConnsPerUser:     getIntOrDefault("CRMDESK_WS_MAX_CONNS_PER_USER", 10),

		MailSweepInterval: getDurationOrDefault("CRMDESK_MAIL_SWEEP_INTERVAL", 30*time.Second),
		MailBatchSize:     getIntOrDefault("CRMDESK_MAIL_BATCH_SIZE", 10),
		MailMaxRetries:    getIntOrDefault("CRMDESK_MAIL_MAX_RETRIES", 5),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("CRMDESK_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.DBPassword == "" {
		return fmt.Errorf("CRMDESK_DB_PASSWORD is required")
	}

	if c.PresenceStaleAfter <= c.PresenceSweepInterval {
		return fmt.Errorf("CRMDESK_PRESENCE_STALE_AFTER must be longer than the sweep interval")
	}

	if c.MailBatchSize <= 0 {
		return fmt.Errorf("CRMDESK_MAIL_BATCH_SIZE must be positive")
	}

	if c.WSMaxConnsPerUser <= 0 {
		return fmt.Errorf("CRMDESK_WS_MAX_CONNS_PER_USER must be positive")
	}

	return nil
}

func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUsername,
		c.DBPassword,
		c.DBHost,
		c.DBPort,
		c.DBName,
		c.DBSSLMode,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
