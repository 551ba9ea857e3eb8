// Package config provides configuration management functionality.
//
// This package handles loading configuration from environment variables (.env
// file) and updating select fields from the settings database (broker
// credentials), which take precedence over environment variables.
//
// Data Directory Priority (highest to lowest):
// 1. dataDirOverride argument to Load (if provided)
// 2. SENTINEL_DATA_DIR environment variable
// 3. ./data (default)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/nsefo/sentinel/internal/modules/settings"
)

// Config holds application configuration.
type Config struct {
	DataDir  string // Base directory for all databases, always absolute.
	LogLevel string
	Port     int
	DevMode  bool

	// Broker credentials, overridable by the settings database.
	BrokerAPIKey    string
	BrokerAPISecret string

	// Pub/sub ingest (M2).
	TickChannelOptions    string
	TickChannelUnderlying string
	PubSubURL             string

	// C1 Aggregator.
	Timeframes         []string
	PersistTimeframes  []string
	FlushLagSeconds    int
	PersistConcurrency int
	StrikeGap          float64

	// C2 Evaluation worker.
	EvaluationBatchSize           int
	EvaluationConcurrency        int
	MinEvaluationIntervalSeconds int

	// C3 Position-change detector.
	BrokerAccountIDs            []string
	PositionPollIntervalSeconds int

	// Evaluator's external data sources (price/indicator/position/greek conditions).
	TickerServiceURL     string
	BackendServiceURL    string
	EvaluatorHTTPTimeout time.Duration

	// Notification service.
	NotificationRetryAttempts int
	NotificationRetryBackoff  time.Duration
	GlobalTelegramRateLimit   int
	TelegramBotToken          string

	// Preemptive token refresh lead time, honored by the external broker
	// credential refresher; carried here only so deployments can configure
	// it alongside everything else. Unused inside this repository.
	PreemptiveRefreshMinutes int

	// S3-compatible backup target for the reliability maintenance jobs.
	BackupBucket string
	BackupRegion string

	// Broker proxy base URL (L2).
	BrokerBaseURL string
}

// Load reads configuration from environment variables.
//
// dataDirOverride - optional override for data directory (highest priority).
func Load(dataDirOverride ...string) (*Config, error) {
	// godotenv.Load() returns an error if .env doesn't exist, which is fine.
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("SENTINEL_DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
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
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     getEnvAsInt("PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		BrokerAPIKey:    getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret: getEnv("BROKER_API_SECRET", ""),
		BrokerBaseURL:   getEnv("BROKER_BASE_URL", ""),

		TickChannelOptions:    getEnv("TICK_CHANNEL_OPTIONS", "options"),
		TickChannelUnderlying: getEnv("TICK_CHANNEL_UNDERLYING", "underlying"),
		PubSubURL:             getEnv("PUBSUB_URL", ""),

		Timeframes:         getEnvAsList("TIMEFRAMES", []string{"1min", "5min", "15min"}),
		PersistTimeframes:  getEnvAsList("PERSIST_TIMEFRAMES", []string{"1min", "5min", "15min"}),
		FlushLagSeconds:    getEnvAsInt("FLUSH_LAG_SECONDS", 5),
		PersistConcurrency: getEnvAsInt("PERSIST_CONCURRENCY", 2),
		StrikeGap:          getEnvAsFloat("STRIKE_GAP", 50),

		EvaluationBatchSize:           getEnvAsInt("EVALUATION_BATCH_SIZE", 100),
		EvaluationConcurrency:        getEnvAsInt("EVALUATION_CONCURRENCY", 10),
		MinEvaluationIntervalSeconds: getEnvAsInt("MIN_EVALUATION_INTERVAL", 10),

		BrokerAccountIDs:            getEnvAsList("BROKER_ACCOUNT_IDS", nil),
		PositionPollIntervalSeconds: getEnvAsInt("POSITION_POLL_INTERVAL_SECONDS", 15),

		TickerServiceURL:     getEnv("TICKER_SERVICE_URL", ""),
		BackendServiceURL:    getEnv("BACKEND_SERVICE_URL", ""),
		EvaluatorHTTPTimeout: time.Duration(getEnvAsInt("EVALUATOR_HTTP_TIMEOUT_SECONDS", 5)) * time.Second,

		NotificationRetryAttempts: getEnvAsInt("NOTIFICATION_RETRY_ATTEMPTS", 3),
		NotificationRetryBackoff:  time.Duration(getEnvAsInt("NOTIFICATION_RETRY_BACKOFF_SECONDS", 2)) * time.Second,
		GlobalTelegramRateLimit:   getEnvAsInt("GLOBAL_TELEGRAM_RATE_LIMIT", 20),
		TelegramBotToken:          getEnv("TELEGRAM_BOT_TOKEN", ""),

		PreemptiveRefreshMinutes: getEnvAsInt("PREEMPTIVE_REFRESH_MINUTES", 5),

		BackupBucket: getEnv("BACKUP_BUCKET", ""),
		BackupRegion: getEnv("BACKUP_REGION", "ap-south-1"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// UpdateFromSettings overlays broker credentials from the settings database,
// which take precedence over environment variables when non-empty.
func (c *Config) UpdateFromSettings(settingsRepo *settings.Repository) error {
	apiKey, err := settingsRepo.Get("broker_api_key")
	if err != nil {
		return fmt.Errorf("failed to get broker_api_key from settings: %w", err)
	}
	if apiKey != nil && *apiKey != "" {
		c.BrokerAPIKey = *apiKey
	}

	apiSecret, err := settingsRepo.Get("broker_api_secret")
	if err != nil {
		return fmt.Errorf("failed to get broker_api_secret from settings: %w", err)
	}
	if apiSecret != nil && *apiSecret != "" {
		c.BrokerAPISecret = *apiSecret
	}

	return nil
}

// Validate checks invariants spec §6.6 calls out explicitly.
func (c *Config) Validate() error {
	if c.MinEvaluationIntervalSeconds < 10 {
		return fmt.Errorf("min_evaluation_interval must be >= 10 seconds, got %d", c.MinEvaluationIntervalSeconds)
	}
	if c.FlushLagSeconds < 0 {
		return fmt.Errorf("flush_lag_seconds must be >= 0, got %d", c.FlushLagSeconds)
	}
	if c.PersistConcurrency < 1 {
		return fmt.Errorf("persist_concurrency must be >= 1, got %d", c.PersistConcurrency)
	}
	for _, tf := range c.PersistTimeframes {
		found := false
		for _, all := range c.Timeframes {
			if all == tf {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("persist_timeframes entry %q is not in timeframes", tf)
		}
	}
	return nil
}

// ==========================================
// Helper Functions
// ==========================================

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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
