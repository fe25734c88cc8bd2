// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string // OTLP gRPC endpoint (optional, tracing disabled if not set)

	// Evaluation pipeline
	EvaluateDeadline time.Duration // shared fan-out deadline per request
	ExplainBudget    time.Duration // bounded budget for ensemble explanations

	// Decision thresholds (risk score 0-100)
	ThresholdLow    int // score <= ThresholdLow     -> low / approve
	ThresholdMedium int // score <= ThresholdMedium  -> medium / approve (monitor)
	ThresholdHigh   int // score <= ThresholdHigh    -> high / additional_auth
	BlockOnBotSignal bool // high band becomes block when a bot-category rule fired

	// Score deltas (runtime-tunable; the exact values are policy, not code)
	DeltaUnknownDevice  int
	DeltaHighAmount     int
	DeltaVeryHighAmount int
	DeltaGeoMismatch    int
	DeltaOffHours       int
	DeltaDisposableEmail int
	DeltaVelocity       int
	EnsembleWeight      float64 // weight applied to the ensemble score contribution

	// Rule engine
	HighAmountCents     int64
	VeryHighAmountCents int64
	VelocityWindow      time.Duration
	VelocityMaxTxns     int64

	// Ensemble model weights (must sum to 1.0)
	WeightRandomForest float64
	WeightXGBoost      float64
	WeightAutoencoder  float64
	WeightLSTM         float64

	// Batch inference pipeline
	BatchSize     int
	MaxBatchSize  int
	MinBatchSize  int
	MaxBatchDelay time.Duration

	// Rate limiting
	RateLimitIPPerMinute      int
	RateLimitServicePerMinute int

	// Reputation providers (optional; offline provider used when unset)
	EmailReputationURL string
	PhoneReputationURL string
	BINReputationURL   string

	// Security
	AdminSecret string // Admin API secret for blacklist CRUD
}

// Defaults
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultEvaluateDeadlineMS = 80
	DefaultExplainBudgetMS    = 5000

	DefaultThresholdLow    = 30
	DefaultThresholdMedium = 70
	DefaultThresholdHigh   = 90

	DefaultDeltaUnknownDevice   = 15
	DefaultDeltaHighAmount      = 10
	DefaultDeltaVeryHighAmount  = 25
	DefaultDeltaGeoMismatch     = 20
	DefaultDeltaOffHours        = 5
	DefaultDeltaDisposableEmail = 10
	DefaultDeltaVelocity        = 30

	DefaultHighAmountCents     = 100000  // $1,000.00
	DefaultVeryHighAmountCents = 1000000 // $10,000.00
	DefaultVelocityMaxTxns     = 3

	DefaultBatchSize     = 50
	DefaultMaxBatchSize  = 100
	DefaultMinBatchSize  = 10
	DefaultMaxBatchDelayMS = 50

	DefaultRateLimitIPPerMinute      = 300
	DefaultRateLimitServicePerMinute = 3000
)

// Default ensemble weights. Overridable per environment; Validate enforces
// that overrides still sum to 1.0.
const (
	DefaultWeightRandomForest = 0.30
	DefaultWeightXGBoost      = 0.35
	DefaultWeightAutoencoder  = 0.25
	DefaultWeightLSTM         = 0.10
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		EvaluateDeadline: time.Duration(getEnvInt64("EVALUATE_DEADLINE_MS", DefaultEvaluateDeadlineMS)) * time.Millisecond,
		ExplainBudget:    time.Duration(getEnvInt64("EXPLAIN_BUDGET_MS", DefaultExplainBudgetMS)) * time.Millisecond,

		ThresholdLow:     int(getEnvInt64("THRESHOLD_LOW", DefaultThresholdLow)),
		ThresholdMedium:  int(getEnvInt64("THRESHOLD_MEDIUM", DefaultThresholdMedium)),
		ThresholdHigh:    int(getEnvInt64("THRESHOLD_HIGH", DefaultThresholdHigh)),
		BlockOnBotSignal: getEnvBool("BLOCK_ON_BOT_SIGNAL", false),

		DeltaUnknownDevice:   int(getEnvInt64("DELTA_UNKNOWN_DEVICE", DefaultDeltaUnknownDevice)),
		DeltaHighAmount:      int(getEnvInt64("DELTA_HIGH_AMOUNT", DefaultDeltaHighAmount)),
		DeltaVeryHighAmount:  int(getEnvInt64("DELTA_VERY_HIGH_AMOUNT", DefaultDeltaVeryHighAmount)),
		DeltaGeoMismatch:     int(getEnvInt64("DELTA_GEO_MISMATCH", DefaultDeltaGeoMismatch)),
		DeltaOffHours:        int(getEnvInt64("DELTA_OFF_HOURS", DefaultDeltaOffHours)),
		DeltaDisposableEmail: int(getEnvInt64("DELTA_DISPOSABLE_EMAIL", DefaultDeltaDisposableEmail)),
		DeltaVelocity:        int(getEnvInt64("DELTA_VELOCITY", DefaultDeltaVelocity)),
		EnsembleWeight:       getEnvFloat("ENSEMBLE_WEIGHT", 1.0),

		HighAmountCents:     getEnvInt64("HIGH_AMOUNT_CENTS", DefaultHighAmountCents),
		VeryHighAmountCents: getEnvInt64("VERY_HIGH_AMOUNT_CENTS", DefaultVeryHighAmountCents),
		VelocityWindow:      time.Duration(getEnvInt64("VELOCITY_WINDOW_SECONDS", 60)) * time.Second,
		VelocityMaxTxns:     getEnvInt64("VELOCITY_MAX_TXNS", DefaultVelocityMaxTxns),

		WeightRandomForest: getEnvFloat("WEIGHT_RANDOM_FOREST", DefaultWeightRandomForest),
		WeightXGBoost:      getEnvFloat("WEIGHT_XGBOOST", DefaultWeightXGBoost),
		WeightAutoencoder:  getEnvFloat("WEIGHT_AUTOENCODER", DefaultWeightAutoencoder),
		WeightLSTM:         getEnvFloat("WEIGHT_LSTM", DefaultWeightLSTM),

		BatchSize:     int(getEnvInt64("BATCH_SIZE", DefaultBatchSize)),
		MaxBatchSize:  int(getEnvInt64("MAX_BATCH_SIZE", DefaultMaxBatchSize)),
		MinBatchSize:  int(getEnvInt64("MIN_BATCH_SIZE", DefaultMinBatchSize)),
		MaxBatchDelay: time.Duration(getEnvInt64("MAX_BATCH_DELAY_MS", DefaultMaxBatchDelayMS)) * time.Millisecond,

		RateLimitIPPerMinute:      int(getEnvInt64("RATE_LIMIT_IP_PER_MINUTE", DefaultRateLimitIPPerMinute)),
		RateLimitServicePerMinute: int(getEnvInt64("RATE_LIMIT_SERVICE_PER_MINUTE", DefaultRateLimitServicePerMinute)),

		EmailReputationURL: os.Getenv("EMAIL_REPUTATION_URL"),
		PhoneReputationURL: os.Getenv("PHONE_REPUTATION_URL"),
		BINReputationURL:   os.Getenv("BIN_REPUTATION_URL"),

		AdminSecret: os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
// Errors here are fatal: they are raised once at startup, never per-request.
func (c *Config) Validate() error {
	sum := c.WeightRandomForest + c.WeightXGBoost + c.WeightAutoencoder + c.WeightLSTM
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("ensemble weights must sum to 1.0, got %.4f", sum)
	}

	if !(c.ThresholdLow < c.ThresholdMedium && c.ThresholdMedium < c.ThresholdHigh && c.ThresholdHigh < 100) {
		return fmt.Errorf("decision thresholds must be strictly increasing and below 100: %d/%d/%d",
			c.ThresholdLow, c.ThresholdMedium, c.ThresholdHigh)
	}

	if c.MinBatchSize <= 0 || c.BatchSize < c.MinBatchSize || c.MaxBatchSize < c.BatchSize {
		return fmt.Errorf("batch sizes must satisfy 0 < min (%d) <= target (%d) <= max (%d)",
			c.MinBatchSize, c.BatchSize, c.MaxBatchSize)
	}

	if c.MaxBatchDelay <= 0 {
		return fmt.Errorf("MAX_BATCH_DELAY_MS must be positive")
	}

	if c.EvaluateDeadline <= 0 {
		return fmt.Errorf("EVALUATE_DEADLINE_MS must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
