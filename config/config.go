// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App      AppConfig
	Server   ServerConfig
	Neo4j    Neo4jConfig
	NATS     NATSConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Badger   BadgerConfig
	Qdrant   QdrantConfig
	Ollama   OllamaConfig
	Engine   EngineConfig
	Cache    CacheConfig
	Learning LearningConfig
	Catalogs CatalogConfig
}

type AppConfig struct {
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            string
	CORSOrigin      string
	RateLimitRPS    float64 // 0 disables rate limiting
	RateLimitBurst  int
	AdminToken      string // empty leaves admin routes open
	ShutdownTimeout time.Duration
	MetricsPort     int // learner only; the API serves /metrics itself
}

// Neo4jConfig enables the durable graph mirror when URI is set.
type Neo4jConfig struct {
	URI      string
	User     string
	Password string
	Database string
}

type NATSConfig struct {
	URL   string
	Queue string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type PostgresConfig struct {
	DSN string
}

type BadgerConfig struct {
	Dir string
}

type QdrantConfig struct {
	Addr       string
	Collection string
	Dims       int
}

type OllamaConfig struct {
	URL     string
	Model   string
	Timeout time.Duration
}

type EngineConfig struct {
	Threshold    float64
	Limit        int
	Timeout      time.Duration
	ContextBonus float64
	FamilyBoost  float64
	Parallelism  int
}

type CacheConfig struct {
	Capacity int
	TTL      time.Duration
}

type LearningConfig struct {
	Interval         time.Duration
	BatchLimit       int
	PriorStrength    float64
	MinFeedback      int
	TruthLabelWeight float64
	RawDiscount      float64
	Retries          int
}

// CatalogConfig names YAML files that replace the embedded defaults.
type CatalogConfig struct {
	GraphFile    string
	TriggerFile  string
	VehicleFile  string
	SeedIfEmpty  bool
	IndexOnStart bool
}

// Ledger kinds.
const (
	LedgerMemory   = "memory"
	LedgerBadger   = "badger"
	LedgerPostgres = "postgres"
)

// Load reads files (default ".env") when present, then the environment, and
// validates the result. Variables already set in the environment win over
// file values.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		slog.Debug("no .env file loaded, using environment variables", "err", err)
	}

	cfg := &Config{
		App: AppConfig{
			Environment: getEnv("APP_ENV", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			CORSOrigin:      getEnv("CORS_ORIGIN", "*"),
			RateLimitRPS:    getEnvAsFloat("RATE_LIMIT_RPS", 50),
			RateLimitBurst:  getEnvAsInt("RATE_LIMIT_BURST", 100),
			AdminToken:      getEnv("ADMIN_TOKEN", ""),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
			MetricsPort:     getEnvAsInt("METRICS_PORT", 9090),
		},
		Neo4j: Neo4jConfig{
			URI:      getEnv("NEO4J_URL", ""),
			User:     getEnv("NEO4J_USER", "neo4j"),
			Password: getEnv("NEO4J_PASS", ""),
			Database: getEnv("NEO4J_DATABASE", ""),
		},
		NATS: NATSConfig{
			URL:   getEnv("NATS_URL", ""),
			Queue: getEnv("NATS_QUEUE", "diag-learner"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "diag:"),
		},
		Postgres: PostgresConfig{DSN: getEnv("POSTGRES_DSN", "")},
		Badger:   BadgerConfig{Dir: getEnv("BADGER_DIR", "")},
		Qdrant: QdrantConfig{
			Addr:       getEnv("QDRANT_URL", ""),
			Collection: getEnv("QDRANT_COLLECTION", "diag_observables"),
			Dims:       getEnvAsInt("EMBED_DIMS", 768),
		},
		Ollama: OllamaConfig{
			URL:     getEnv("OLLAMA_URL", ""),
			Model:   getEnv("EMBED_MODEL", "nomic-embed-text"),
			Timeout: getEnvAsDuration("OLLAMA_TIMEOUT", 30*time.Second),
		},
		Engine: EngineConfig{
			Threshold:    getEnvAsFloat("ENGINE_THRESHOLD", 0.3),
			Limit:        getEnvAsInt("ENGINE_LIMIT", 10),
			Timeout:      getEnvAsDuration("ENGINE_TIMEOUT", 2*time.Second),
			ContextBonus: getEnvAsFloat("ENGINE_CONTEXT_BONUS", 0.15),
			FamilyBoost:  getEnvAsFloat("ENGINE_FAMILY_BOOST", 0.3),
			Parallelism:  getEnvAsInt("ENGINE_PARALLELISM", 8),
		},
		Cache: CacheConfig{
			Capacity: getEnvAsInt("CACHE_CAPACITY", 1024),
			TTL:      getEnvAsDuration("CACHE_TTL", 10*time.Minute),
		},
		Learning: LearningConfig{
			Interval:         getEnvAsDuration("LEARNING_INTERVAL", 5*time.Minute),
			BatchLimit:       getEnvAsInt("LEARNING_BATCH_LIMIT", 0),
			PriorStrength:    getEnvAsFloat("LEARNING_PRIOR_STRENGTH", 4),
			MinFeedback:      getEnvAsInt("LEARNING_MIN_FEEDBACK", 3),
			TruthLabelWeight: getEnvAsFloat("LEARNING_TRUTH_LABEL_WEIGHT", 10),
			RawDiscount:      getEnvAsFloat("LEARNING_RAW_DISCOUNT", 0.1),
			Retries:          getEnvAsInt("LEARNING_RETRIES", 3),
		},
		Catalogs: CatalogConfig{
			GraphFile:    getEnv("GRAPH_CATALOG", ""),
			TriggerFile:  getEnv("SAFETY_TRIGGERS", ""),
			VehicleFile:  getEnv("VEHICLE_CATALOG", ""),
			SeedIfEmpty:  getEnvAsBool("SEED_IF_EMPTY", true),
			IndexOnStart: getEnvAsBool("INDEX_OBSERVABLES", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.Server.Port != "", "PORT is required")
	check(c.Server.RateLimitRPS >= 0, "RATE_LIMIT_RPS must be >= 0")
	check(c.Server.RateLimitRPS == 0 || c.Server.RateLimitBurst > 0, "RATE_LIMIT_BURST must be > 0 when rate limiting")
	check(c.Engine.Threshold >= 0 && c.Engine.Threshold <= 1, "ENGINE_THRESHOLD must be in [0,1], got %v", c.Engine.Threshold)
	check(c.Engine.Limit > 0, "ENGINE_LIMIT must be > 0")
	check(c.Engine.Timeout > 0, "ENGINE_TIMEOUT must be > 0")
	check(c.Engine.ContextBonus >= 0, "ENGINE_CONTEXT_BONUS must be >= 0")
	check(c.Engine.FamilyBoost >= 0, "ENGINE_FAMILY_BOOST must be >= 0")
	check(c.Cache.Capacity > 0, "CACHE_CAPACITY must be > 0")
	check(c.Cache.TTL > 0, "CACHE_TTL must be > 0")
	check(c.Learning.Interval > 0, "LEARNING_INTERVAL must be > 0")
	check(c.Learning.BatchLimit >= 0, "LEARNING_BATCH_LIMIT must be >= 0")
	check(c.Learning.PriorStrength > 0, "LEARNING_PRIOR_STRENGTH must be > 0")
	check(c.Learning.MinFeedback >= 1, "LEARNING_MIN_FEEDBACK must be >= 1")
	check(c.Learning.TruthLabelWeight > 0, "LEARNING_TRUTH_LABEL_WEIGHT must be > 0")
	check(c.Learning.RawDiscount >= 0 && c.Learning.RawDiscount <= 1, "LEARNING_RAW_DISCOUNT must be in [0,1]")
	check(c.Learning.Retries >= 1, "LEARNING_RETRIES must be >= 1")
	check(c.Qdrant.Addr == "" || c.Ollama.URL != "", "QDRANT_URL requires OLLAMA_URL for embeddings")
	check(c.Qdrant.Addr == "" || c.Qdrant.Dims > 0, "EMBED_DIMS must be > 0")
	check(c.Postgres.DSN == "" || c.Badger.Dir == "", "set at most one of POSTGRES_DSN and BADGER_DIR")
	if _, err := parseLevel(c.App.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Ledger returns which learning ledger the settings select.
func (c *Config) Ledger() string {
	switch {
	case c.Postgres.DSN != "":
		return LedgerPostgres
	case c.Badger.Dir != "":
		return LedgerBadger
	}
	return LedgerMemory
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	l, _ := parseLevel(c.App.LogLevel)
	return l
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", s)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		slog.Warn("invalid integer, using default", "key", key, "value", valueStr, "default", defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		slog.Warn("invalid number, using default", "key", key, "value", valueStr, "default", defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", valueStr, "default", defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		slog.Warn("invalid boolean, using default", "key", key, "value", valueStr, "default", defaultValue)
		return defaultValue
	}
	return value
}
