package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/busyboredom/acceptxmr/pkg/validation"
)

// Storage backend names accepted in DB_BACKEND.
const (
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Development bool
	// API configuration
	APIPort int
	// Wallet configuration
	PrimaryAddress string
	PrivateViewKey string
	AccountIndex   uint32
	RestoreHeight  *uint64
	// Daemon configuration
	DaemonURL            string
	DaemonUser           string
	DaemonPassword       string
	RPCTimeout           time.Duration
	RPCConnectionTimeout time.Duration
	// Database configuration
	DBBackend        string
	DBPath           string
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	DeleteExpired    bool
	// Scanner configuration
	ScanInterval time.Duration
	Seed         *int64
	// Callback configuration
	CallbackQueueSize     int
	CallbackMaxRetries    int
	CallbackBaseDelay     time.Duration
	CallbackBackoffFactor float64
	CallbackMaxDelay      time.Duration
	// Notification configuration
	TelegramBotToken string
	TelegramChatID   string
}

// LoadConfig loads the configuration from environment variables.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development:          getEnvAsBool("DEVELOPMENT", false),
		APIPort:              getEnvAsInt("API_PORT", 8080),
		PrimaryAddress:       getEnv("PRIMARY_ADDRESS", ""),
		PrivateViewKey:       getEnv("PRIVATE_VIEWKEY", ""),
		AccountIndex:         uint32(getEnvAsInt("ACCOUNT_INDEX", 0)),
		RestoreHeight:        getEnvAsOptionalUint64("RESTORE_HEIGHT"),
		DaemonURL:            getEnv("DAEMON_URL", "http://node.moneroworld.com:18089"),
		DaemonUser:           getEnv("DAEMON_USER", ""),
		DaemonPassword:       getEnv("DAEMON_PASSWORD", ""),
		RPCTimeout:           time.Duration(getEnvAsInt("RPC_TIMEOUT_S", 30)) * time.Second,
		RPCConnectionTimeout: time.Duration(getEnvAsInt("RPC_CONNECTION_TIMEOUT_S", 20)) * time.Second,
		DBBackend:            getEnv("DB_BACKEND", BackendBolt),
		DBPath:               getEnv("DB_PATH", "AcceptXMR_DB"),
		PostgresUser:         getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword:     getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:         getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:         getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:           getEnv("POSTGRES_DB", "acceptxmr"),
		DeleteExpired:        getEnvAsBool("DELETE_EXPIRED", true),
		ScanInterval:         time.Duration(getEnvAsInt("SCAN_INTERVAL_MS", 1000)) * time.Millisecond,
		Seed:                 getEnvAsOptionalInt64("SEED"),
		CallbackQueueSize:    getEnvAsInt("CALLBACK_QUEUE_SIZE", 1000),
		CallbackMaxRetries:   getEnvAsInt("CALLBACK_MAX_RETRIES", 50),
		CallbackBaseDelay:    time.Duration(getEnvAsInt("CALLBACK_BASE_DELAY_S", 1)) * time.Second,
		CallbackBackoffFactor: getEnvAsFloat("CALLBACK_BACKOFF_FACTOR", 1.5),
		CallbackMaxDelay:      time.Duration(getEnvAsInt("CALLBACK_MAX_DELAY_S", 3600)) * time.Second,
		TelegramBotToken:      getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:        getEnv("TELEGRAM_CHAT_ID", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are properly set.
func (c *Config) Validate() error {
	if c.PrimaryAddress == "" {
		return fmt.Errorf("PRIMARY_ADDRESS is required")
	}
	if err := validation.ValidateAddress(c.PrimaryAddress); err != nil {
		return fmt.Errorf("invalid PRIMARY_ADDRESS: %w", err)
	}

	if c.PrivateViewKey == "" {
		return fmt.Errorf("PRIVATE_VIEWKEY is required")
	}
	if err := validation.ValidateViewKey(c.PrivateViewKey); err != nil {
		return fmt.Errorf("invalid PRIVATE_VIEWKEY: %w", err)
	}

	switch c.DBBackend {
	case BackendBolt:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the bolt backend")
		}
	case BackendPostgres:
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required for the postgres backend")
		}
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required for the postgres backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unrecognized DB_BACKEND %q", c.DBBackend)
	}

	if c.DaemonURL == "" {
		return fmt.Errorf("DAEMON_URL is required")
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("SCAN_INTERVAL_MS must be positive")
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

func getEnvAsFloat(name string, defaultValue float64) float64 {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsOptionalUint64(name string) *uint64 {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseUint(valueStr, 10, 64); err == nil {
			return &value
		}
	}
	return nil
}

func getEnvAsOptionalInt64(name string) *int64 {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
			return &value
		}
	}
	return nil
}
