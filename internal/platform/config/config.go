package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	strs "vetting/pkg/platform/strings"
)

// Config is the full process configuration, loaded once in main.
type Config struct {
	Server       Server
	Database     DatabaseConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Storage      StorageConfig
	Checks       ChecksConfig
	Risk         RiskConfig
	Verification VerificationConfig
	Admin        AdminConfig
	Jobs         JobsConfig
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr           string
	Environment    string
	LogLevel       string
	JWTSigningKey  string
	JWTIssuer      string
	AllowedOrigins []string
}

// DatabaseConfig configures the PostgreSQL pool. An empty URL selects the
// in-memory stores.
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	TxTimeout       time.Duration
	AutoMigrate     bool
}

// RedisConfig configures the check result cache. An empty URL disables Redis.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ResultTTL    time.Duration
}

// KafkaConfig configures the audit outbox relay. No brokers disables it.
type KafkaConfig struct {
	Brokers        []string
	AuditTopic     string
	RelayInterval  time.Duration
	RelayBatchSize int
}

// StorageConfig selects where uploaded documents go. An empty bucket keeps
// documents in memory.
type StorageConfig struct {
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	MaxUploadBytes    int64
}

// ProviderConfig points at one external check service.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
}

// Configured reports whether both the endpoint and credentials are present.
func (p ProviderConfig) Configured() bool {
	return p.BaseURL != "" && p.APIKey != ""
}

// ChecksConfig configures external checks and their retry policy.
type ChecksConfig struct {
	UseSimulated      bool
	SimulatedLatency  time.Duration
	NationalID        ProviderConfig
	CriminalRecord    ProviderConfig
	Phone             ProviderConfig
	AttemptTimeout    time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	Async             bool
	MaxConcurrentRuns int64
}

// RiskConfig tunes the scorer.
type RiskConfig struct {
	AutoApproveBelow int
}

// VerificationConfig tunes the state machine executor.
type VerificationConfig struct {
	TransitionAttempts int
}

// AdminConfig lists admins known from configuration. When the database is
// enabled the admin_users table is consulted as well.
type AdminConfig struct {
	UserIDs []string
}

// JobsConfig configures background jobs.
type JobsConfig struct {
	ReviewBacklogSchedule string
	ReviewBacklogAge      time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		Server: Server{
			Addr:           getEnv("VETTING_ADDR", ":8080"),
			Environment:    getEnv("ENVIRONMENT", "development"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			JWTSigningKey:  getEnv("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
			JWTIssuer:      getEnv("JWT_ISSUER", ""),
			AllowedOrigins: getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getInt("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
			TxTimeout:       getDuration("DATABASE_TX_TIMEOUT", 5*time.Second),
			AutoMigrate:     getBool("DATABASE_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			ResultTTL:    getDuration("CHECK_RESULT_TTL", 24*time.Hour),
		},
		Kafka: KafkaConfig{
			Brokers:        getList("KAFKA_BROKERS", nil),
			AuditTopic:     getEnv("KAFKA_AUDIT_TOPIC", "verification.audit"),
			RelayInterval:  getDuration("OUTBOX_RELAY_INTERVAL", time.Second),
			RelayBatchSize: getInt("OUTBOX_RELAY_BATCH_SIZE", 100),
		},
		Storage: StorageConfig{
			S3Bucket:          os.Getenv("S3_BUCKET"),
			S3Region:          getEnv("S3_REGION", "sa-east-1"),
			S3Endpoint:        os.Getenv("S3_ENDPOINT"),
			S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
			MaxUploadBytes:    int64(getInt("DOCUMENT_MAX_UPLOAD_BYTES", 10<<20)),
		},
		Checks: ChecksConfig{
			UseSimulated:     getBool("CHECKS_SIMULATED", false),
			SimulatedLatency: getDuration("CHECKS_SIMULATED_LATENCY", 50*time.Millisecond),
			NationalID: ProviderConfig{
				BaseURL: os.Getenv("NATIONAL_ID_API_URL"),
				APIKey:  os.Getenv("NATIONAL_ID_API_KEY"),
			},
			CriminalRecord: ProviderConfig{
				BaseURL: os.Getenv("CRIMINAL_RECORD_API_URL"),
				APIKey:  os.Getenv("CRIMINAL_RECORD_API_KEY"),
			},
			Phone: ProviderConfig{
				BaseURL: os.Getenv("PHONE_VERIFY_API_URL"),
				APIKey:  os.Getenv("PHONE_VERIFY_API_KEY"),
			},
			AttemptTimeout:    getDuration("CHECK_ATTEMPT_TIMEOUT", 10*time.Second),
			MaxAttempts:       getInt("CHECK_MAX_ATTEMPTS", 3),
			InitialBackoff:    getDuration("CHECK_INITIAL_BACKOFF", 500*time.Millisecond),
			MaxBackoff:        getDuration("CHECK_MAX_BACKOFF", 5*time.Second),
			Async:             getBool("CHECKS_ASYNC", true),
			MaxConcurrentRuns: int64(getInt("CHECKS_MAX_CONCURRENT_RUNS", 16)),
		},
		Risk: RiskConfig{
			AutoApproveBelow: getInt("RISK_AUTO_APPROVE_BELOW", 30),
		},
		Verification: VerificationConfig{
			TransitionAttempts: getInt("TRANSITION_ATTEMPTS", 3),
		},
		Admin: AdminConfig{
			UserIDs: strs.DedupeAndTrimLower(getList("ADMIN_USER_IDS", nil)),
		},
		Jobs: JobsConfig{
			ReviewBacklogSchedule: getEnv("REVIEW_BACKLOG_SCHEDULE", "@every 15m"),
			ReviewBacklogAge:      getDuration("REVIEW_BACKLOG_AGE", 48*time.Hour),
		},
	}
}

// IsProduction reports whether the process runs in production.
func (c Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Validate reports configuration that must stop the process at startup.
// Missing provider credentials are not fatal here: the check clients fail
// closed at run time instead.
func (c Config) Validate() error {
	var errs []error
	if c.IsProduction() {
		if c.Server.JWTSigningKey == "" || strings.HasPrefix(c.Server.JWTSigningKey, "dev-") {
			errs = append(errs, errors.New("JWT_SIGNING_KEY must be set in production"))
		}
		if c.Checks.UseSimulated {
			errs = append(errs, errors.New("CHECKS_SIMULATED is not allowed in production"))
		}
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL must be set in production"))
		}
	}
	if c.Checks.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("CHECK_MAX_ATTEMPTS must be at least 1, got %d", c.Checks.MaxAttempts))
	}
	if c.Checks.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("CHECK_ATTEMPT_TIMEOUT must be positive"))
	}
	if c.Verification.TransitionAttempts < 1 {
		errs = append(errs, fmt.Errorf("TRANSITION_ATTEMPTS must be at least 1, got %d", c.Verification.TransitionAttempts))
	}
	if c.Risk.AutoApproveBelow < 0 || c.Risk.AutoApproveBelow > 100 {
		errs = append(errs, fmt.Errorf("RISK_AUTO_APPROVE_BELOW must be within 0..100, got %d", c.Risk.AutoApproveBelow))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getList(key string, fallback []string) []string {
	if out := strs.SplitList(os.Getenv(key)); out != nil {
		return out
	}
	return fallback
}
