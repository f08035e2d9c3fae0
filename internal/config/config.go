// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/frankfrisby/backbone/internal/reliability"
)

// Config holds application configuration.
type Config struct {
	DataDir  string // Base directory for all orchestrator state files (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// CollectorMode makes the proactive scheduler default to cheap
	// collector runs instead of full executions.
	CollectorMode bool

	// Background token budgets for the admission guard.
	BackgroundHourlyTokens int64
	BackgroundDailyTokens  int64

	// Dispatcher user-activity hold window.
	UserHold time.Duration

	// Heartbeat timing.
	HeartbeatInterval time.Duration
	HeartbeatJitter   time.Duration

	// JournalMaxEvents bounds the change journal's ring buffer.
	JournalMaxEvents int

	// Backup settings (Cloudflare R2). Backups stay disabled unless all
	// credentials are present.
	Backup              reliability.R2Config
	BackupRetentionDays int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("BACKBONE_DATA_DIR", "")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".backbone")
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		DataDir:       absDataDir,
		Port:          getEnvAsInt("PORT", 8090),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DevMode:       getEnvAsBool("DEV_MODE", false),
		CollectorMode: getEnvAsBool("COLLECTOR_MODE", false),

		BackgroundHourlyTokens: int64(getEnvAsInt("BACKGROUND_HOURLY_TOKENS", 100_000)),
		BackgroundDailyTokens:  int64(getEnvAsInt("BACKGROUND_DAILY_TOKENS", 1_000_000)),

		UserHold:          time.Duration(getEnvAsInt("USER_HOLD_MS", 10_000)) * time.Millisecond,
		HeartbeatInterval: time.Duration(getEnvAsInt("HEARTBEAT_INTERVAL_MS", 300_000)) * time.Millisecond,
		HeartbeatJitter:   time.Duration(getEnvAsInt("HEARTBEAT_JITTER_MS", 30_000)) * time.Millisecond,

		JournalMaxEvents: getEnvAsInt("JOURNAL_MAX_EVENTS", 200),

		Backup: reliability.R2Config{
			AccountID:       getEnv("R2_ACCOUNT_ID", ""),
			AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
			Bucket:          getEnv("R2_BUCKET", ""),
		},
		BackupRetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 14),
	}

	if cfg.BackgroundHourlyTokens <= 0 || cfg.BackgroundDailyTokens <= 0 {
		return nil, fmt.Errorf("background token budgets must be positive")
	}

	return cfg, nil
}

// JournalPath returns the change journal's state file path.
func (c *Config) JournalPath() string { return filepath.Join(c.DataDir, "journal.json") }

// BudgetPath returns the budget guard's state file path.
func (c *Config) BudgetPath() string { return filepath.Join(c.DataDir, "budget.json") }

// GatingPath returns the gating state file path.
func (c *Config) GatingPath() string { return filepath.Join(c.DataDir, "gating.json") }

// HistoryPath returns the job-history database path.
func (c *Config) HistoryPath() string { return filepath.Join(c.DataDir, "history.db") }

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
