// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir    string // Base directory for the state and cache databases (always absolute)
	BackendURL string // Portfolium REST backend base URL
	UIOrigin   string // Origin allowed to call the local API (CORS)
	LogLevel   string
	Port       int
	DevMode    bool
	Backup     *BackupConfig
}

// BackupConfig holds the opt-in S3-compatible backup configuration
type BackupConfig struct {
	Enabled   bool
	Endpoint  string // Custom endpoint for S3-compatible stores (empty = AWS)
	Region    string
	Bucket    string
	Prefix    string // Object key prefix inside the bucket
	AccessKey string
	SecretKey string
	// RetentionDays controls backup rotation; zero keeps backups forever.
	RetentionDays int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Data directory defaults under the user's home dir, resolved to an
	// absolute path and created if missing.
	dataDir := getEnv("PORTFOLIUM_DATA_DIR", "")
	if dataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataDir = filepath.Join(home, ".portfolium")
		} else {
			dataDir = ".portfolium"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:    absDataDir,
		BackendURL: getEnv("PORTFOLIUM_BACKEND_URL", "https://api.portfolium.app"),
		UIOrigin:   getEnv("PORTFOLIUM_UI_ORIGIN", "http://localhost:5173"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		Port:       getEnvAsInt("PORTFOLIUM_PORT", 7450),
		DevMode:    getEnvAsBool("DEV_MODE", false),
		Backup:     loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend URL must not be empty")
	}
	if c.Backup != nil && c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("backup enabled but BACKUP_BUCKET not set")
	}
	return nil
}

// loadBackupConfig loads the backup configuration. Backups are disabled unless
// BACKUP_ENABLED is truthy.
func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Enabled:       getEnvAsBool("BACKUP_ENABLED", false),
		Endpoint:      getEnv("BACKUP_ENDPOINT", ""),
		Region:        getEnv("BACKUP_REGION", "auto"),
		Bucket:        getEnv("BACKUP_BUCKET", ""),
		Prefix:        getEnv("BACKUP_PREFIX", "portfolium"),
		AccessKey:     getEnv("BACKUP_ACCESS_KEY", ""),
		SecretKey:     getEnv("BACKUP_SECRET_KEY", ""),
		RetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}
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
