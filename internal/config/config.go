package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for the router.
type Config struct {
	HTTPPort  string
	JWTSecret []byte // empty disables tenant token checks
	LogLevel  string

	// RateLimitPerMinute caps requests per tenant; 0 disables. Needs Redis.
	RateLimitPerMinute int

	Redis     RedisConfig
	Database  DatabaseConfig
	Ledger    LedgerConfig
	Routing   RoutingConfig
	Providers ProvidersConfig
	Budgets   BudgetsConfig
	Queue     QueueConfig
	Archive   ArchiveConfig
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Enabled reports whether a Redis address is configured
func (c RedisConfig) Enabled() bool {
	return c.Address != ""
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	Migrate         bool
}

// Enabled reports whether a database URL is configured
func (c DatabaseConfig) Enabled() bool {
	return c.URL != ""
}

// LedgerConfig holds budget ledger settings
type LedgerConfig struct {
	Backend            string // "memory" or "redis"
	KeyPrefix          string
	ReservationTTL     time.Duration
	FinalizedRetention time.Duration
	SweepSchedule      string // cron expression; empty disables the sweeper
}

// RoutingConfig holds classifier and fallback settings
type RoutingConfig struct {
	RulesFile        string
	DefaultMaxTokens int
	MaxAttempts      int
	AttemptTimeout   time.Duration
	AuditFailures    bool
}

// ProvidersConfig holds provider collaborator settings
type ProvidersConfig struct {
	File                string
	BreakerFailures     uint32
	BreakerOpenTimeout  time.Duration
	BreakerHalfOpenReqs uint32
}

// BudgetsConfig holds tenant onboarding sources
type BudgetsConfig struct {
	SeedFile   string
	SeedFromDB bool
}

// QueueConfig holds usage and alert queue settings
type QueueConfig struct {
	UseRedis     bool
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	DedupTTL     time.Duration
}

// ArchiveConfig holds usage archive settings
type ArchiveConfig struct {
	S3Bucket    string
	S3Region    string
	S3Prefix    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	PodName     string

	FileTemplate string
	FileMaxSize  int64
	FileMaxFiles int
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

// Load reads configuration from environment variables. The rule table, provider
// list and budget seeds live in YAML files named here and read by the loaders.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:  getEnvString("HTTP_PORT", "8080"),
		JWTSecret: []byte(getEnvString("JWT_SECRET", "")),
		LogLevel:  getEnvString("LOG_LEVEL", "info"),

		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 0),
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", ""),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnvString("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			Migrate:         getEnvBool("DB_MIGRATE", true),
		},
		Ledger: LedgerConfig{
			Backend:            strings.ToLower(getEnvString("LEDGER_BACKEND", "memory")),
			KeyPrefix:          getEnvString("LEDGER_KEY_PREFIX", "ledger"),
			ReservationTTL:     getEnvDuration("LEDGER_RESERVATION_TTL", 5*time.Minute),
			FinalizedRetention: getEnvDuration("LEDGER_FINALIZED_RETENTION", 24*time.Hour),
			SweepSchedule:      getEnvString("LEDGER_SWEEP_SCHEDULE", "* * * * *"),
		},
		Routing: RoutingConfig{
			RulesFile:        getEnvString("ROUTING_RULES_FILE", "config/rules.yaml"),
			DefaultMaxTokens: getEnvInt("ROUTING_DEFAULT_MAX_TOKENS", 1024),
			MaxAttempts:      getEnvInt("FALLBACK_MAX_ATTEMPTS", 3),
			AttemptTimeout:   getEnvDuration("FALLBACK_ATTEMPT_TIMEOUT", 30*time.Second),
			AuditFailures:    getEnvBool("USAGE_AUDIT_FAILURES", true),
		},
		Providers: ProvidersConfig{
			File:                getEnvString("PROVIDERS_FILE", "config/providers.yaml"),
			BreakerFailures:     uint32(getEnvInt("BREAKER_CONSECUTIVE_FAILURES", 5)),
			BreakerOpenTimeout:  getEnvDuration("BREAKER_OPEN_TIMEOUT", 30*time.Second),
			BreakerHalfOpenReqs: uint32(getEnvInt("BREAKER_HALF_OPEN_REQUESTS", 1)),
		},
		Budgets: BudgetsConfig{
			SeedFile:   getEnvString("BUDGETS_SEED_FILE", ""),
			SeedFromDB: getEnvBool("BUDGETS_SEED_FROM_DB", true),
		},
		Queue: QueueConfig{
			UseRedis:     getEnvBool("QUEUE_USE_REDIS", false),
			BatchSize:    getEnvInt("QUEUE_BATCH_SIZE", 100),
			BatchTimeout: getEnvDuration("QUEUE_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:   getEnvInt("QUEUE_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("QUEUE_RETRY_BACKOFF", 1*time.Second),
			DedupTTL:     getEnvDuration("USAGE_DEDUP_TTL", 48*time.Hour),
		},
		Archive: ArchiveConfig{
			S3Bucket:     getEnvString("ARCHIVE_S3_BUCKET", ""),
			S3Region:     getEnvString("ARCHIVE_S3_REGION", "us-east-1"),
			S3Prefix:     getEnvString("ARCHIVE_S3_PREFIX", "usage/"),
			S3Endpoint:   getEnvString("ARCHIVE_S3_ENDPOINT", ""),
			S3AccessKey:  getEnvString("ARCHIVE_S3_ACCESS_KEY", ""),
			S3SecretKey:  getEnvString("ARCHIVE_S3_SECRET_KEY", ""),
			PodName:      getEnvString("POD_NAME", "router-0"),
			FileTemplate: getEnvString("ARCHIVE_FILE_TEMPLATE", ""),
			FileMaxSize:  getEnvInt64("ARCHIVE_FILE_MAX_SIZE", 10_485_760), // default 10 MB
			FileMaxFiles: getEnvInt("ARCHIVE_FILE_MAX_FILES", 5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return fmt.Errorf("LEDGER_BACKEND=redis requires REDIS_ADDRESS")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.Ledger.Backend)
	}
	if c.Queue.UseRedis && !c.Redis.Enabled() {
		return fmt.Errorf("QUEUE_USE_REDIS requires REDIS_ADDRESS")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}
	if c.Routing.RulesFile == "" {
		return fmt.Errorf("ROUTING_RULES_FILE is required")
	}
	if c.Routing.MaxAttempts <= 0 {
		return fmt.Errorf("FALLBACK_MAX_ATTEMPTS must be positive")
	}
	if c.Routing.AttemptTimeout <= 0 {
		return fmt.Errorf("FALLBACK_ATTEMPT_TIMEOUT must be positive")
	}
	if c.Ledger.ReservationTTL <= 0 {
		return fmt.Errorf("LEDGER_RESERVATION_TTL must be positive")
	}
	// A hold must outlive every call it can cover, or the sweep returns it mid-call.
	if window := time.Duration(c.Routing.MaxAttempts) * c.Routing.AttemptTimeout; c.Ledger.ReservationTTL <= window {
		return fmt.Errorf("LEDGER_RESERVATION_TTL (%s) must exceed FALLBACK_MAX_ATTEMPTS * FALLBACK_ATTEMPT_TIMEOUT (%s)", c.Ledger.ReservationTTL, window)
	}
	if c.Archive.FileTemplate != "" && !strings.Contains(c.Archive.FileTemplate, "%s") {
		return fmt.Errorf("ARCHIVE_FILE_TEMPLATE must contain %%s")
	}
	return nil
}
