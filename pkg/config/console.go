package config

import "time"

// DefaultAPIBaseURL is the local development endpoint of the deployment API.
const DefaultAPIBaseURL = "http://localhost:3000/api/v1"

// ConsoleConfig holds runtime configuration for the deployment console.
type ConsoleConfig struct {
	Environment      string
	APIBaseURL       string
	APITimeout       time.Duration
	MaxAttempts      int
	Watchdog         time.Duration
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	SnapshotAddr     string
	SnapshotPassword string
	SnapshotDB       int
	SnapshotTTL      time.Duration
	RelayAddr        string
	LogLevel         string
}

// LoadConsoleConfig constructs a ConsoleConfig from environment variables.
func LoadConsoleConfig() ConsoleConfig {
	return ConsoleConfig{
		Environment:      GetString("APP_ENV", "development"),
		APIBaseURL:       FirstString(DefaultAPIBaseURL, "PUBLIC_API_BASE_URL", "API_BASE_URL"),
		APITimeout:       time.Duration(GetInt("API_TIMEOUT_SECONDS", 15)) * time.Second,
		MaxAttempts:      GetInt("STREAM_MAX_ATTEMPTS", 5),
		Watchdog:         time.Duration(GetInt("STREAM_WATCHDOG_SECONDS", 30)) * time.Second,
		RetryDelay:       time.Duration(GetInt("STREAM_RETRY_MS", 1000)) * time.Millisecond,
		MaxRetryDelay:    time.Duration(GetInt("STREAM_MAX_RETRY_MS", 15000)) * time.Millisecond,
		SnapshotAddr:     GetString("SNAPSHOT_REDIS_ADDR", ""),
		SnapshotPassword: GetString("SNAPSHOT_REDIS_PASSWORD", ""),
		SnapshotDB:       GetInt("SNAPSHOT_REDIS_DB", 0),
		SnapshotTTL:      time.Duration(GetInt("SNAPSHOT_TTL_HOURS", 168)) * time.Hour,
		RelayAddr:        GetString("RELAY_ADDR", ""),
		LogLevel:         GetString("LOG_LEVEL", "warn"),
	}
}
