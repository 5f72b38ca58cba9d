package config

import (
	"os"
	"strconv"
	"time"
)

type LedgerConfig struct {
	MaxRetries        int
	RetryBackoff      time.Duration
	PendingTimeout    time.Duration
	MaxTransferAmount int64
	TransferCooldown  time.Duration
	ReleaseCooldown   time.Duration
	RateLimitBurst    int
}

func LoadLedgerConfig() *LedgerConfig {
	return &LedgerConfig{
		MaxRetries:        getEnvAsInt("LEDGER_MAX_RETRIES", 5),
		RetryBackoff:      getEnvAsDuration("LEDGER_RETRY_BACKOFF", 10*time.Millisecond),
		PendingTimeout:    getEnvAsDuration("LEDGER_PENDING_TIMEOUT", 5*time.Minute),
		MaxTransferAmount: getEnvAsInt64("LEDGER_MAX_TRANSFER", 100_000_000), // 1,000,000 tokens in minor units
		TransferCooldown:  getEnvAsDuration("LEDGER_TRANSFER_COOLDOWN", 2*time.Second),
		ReleaseCooldown:   getEnvAsDuration("LEDGER_RELEASE_COOLDOWN", 5*time.Second),
		RateLimitBurst:    getEnvAsInt("LEDGER_RATE_LIMIT_BURST", 1),
	}
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
