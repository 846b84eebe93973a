// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	// Brokerage API
	IBKRBaseURL           string
	IBKRConsumerKey       string
	IBKRAccessToken       string
	IBKRAccessTokenSecret string // RSA-encrypted, base64
	IBKRSignatureKeyPath  string
	IBKREncryptionKeyPath string
	IBKRDHPrimeHex        string
	IBKRRealm             string

	// Trading defaults
	DefaultExchange string
	DefaultSecType  string

	// Safety
	PaperTrading       bool
	PaperAccountPrefix string

	KeepAliveInterval time.Duration

	LogLevel string
	DevMode  bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		IBKRBaseURL:           getEnv("IBKR_BASE_URL", "https://api.ibkr.com/v1/api"),
		IBKRConsumerKey:       getEnv("IBKR_CONSUMER_KEY", ""),
		IBKRAccessToken:       getEnv("IBKR_ACCESS_TOKEN", ""),
		IBKRAccessTokenSecret: getEnv("IBKR_ACCESS_TOKEN_SECRET", ""),
		IBKRSignatureKeyPath:  getEnv("IBKR_SIGNATURE_KEY_PATH", ""),
		IBKREncryptionKeyPath: getEnv("IBKR_ENCRYPTION_KEY_PATH", ""),
		IBKRDHPrimeHex:        getEnv("IBKR_DH_PRIME_HEX", ""),
		IBKRRealm:             getEnv("IBKR_REALM", ""),
		DefaultExchange:       getEnv("IBKR_DEFAULT_EXCHANGE", "SMART"),
		DefaultSecType:        getEnv("IBKR_DEFAULT_SEC_TYPE", "STK"),
		PaperTrading:          getEnvAsBool("IBKR_PAPER_TRADING", true),
		PaperAccountPrefix:    getEnv("IBKR_PAPER_ACCOUNT_PREFIX", "DU"),
		KeepAliveInterval:     time.Duration(getEnvAsInt("IBKR_KEEPALIVE_SECONDS", 60)) * time.Second,
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		DevMode:               getEnvAsBool("DEV_MODE", false),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	required := map[string]string{
		"IBKR_CONSUMER_KEY":        c.IBKRConsumerKey,
		"IBKR_ACCESS_TOKEN":        c.IBKRAccessToken,
		"IBKR_ACCESS_TOKEN_SECRET": c.IBKRAccessTokenSecret,
		"IBKR_SIGNATURE_KEY_PATH":  c.IBKRSignatureKeyPath,
		"IBKR_ENCRYPTION_KEY_PATH": c.IBKREncryptionKeyPath,
		"IBKR_DH_PRIME_HEX":        c.IBKRDHPrimeHex,
	}
	for name, value := range required {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
