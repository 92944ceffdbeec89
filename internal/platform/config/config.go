// Package config reads process configuration from the environment, with an
// optional YAML file underneath it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Server captures everything the process needs to start.
type Server struct {
	Addr          string        `yaml:"addr"`
	AdminToken    string        `yaml:"admin_token"`
	RegulatedMode bool          `yaml:"regulated_mode"`
	LockTimeout   time.Duration `yaml:"lock_timeout"`

	Log       LogConfig       `yaml:"log"`
	Identity  IdentityConfig  `yaml:"identity"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// IdentityConfig configures bearer token verification. PolicyFile replaces
// the embedded role policy when set.
type IdentityConfig struct {
	JWTSigningKey string `yaml:"jwt_signing_key"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
	PolicyFile    string `yaml:"policy_file"`
}

// DatabaseConfig selects Postgres storage. An empty URL keeps everything in
// memory.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig backs the due index and the scheduler lease. An empty URL
// keeps both in process.
type RedisConfig struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// KafkaConfig enables broker delivery of notifications and audit events.
// Without brokers notifications are logged and the outbox relay is off.
type KafkaConfig struct {
	Brokers           []string      `yaml:"brokers"`
	ClientID          string        `yaml:"client_id"`
	NotificationTopic string        `yaml:"notification_topic"`
	AuditTopic        string        `yaml:"audit_topic"`
	Partitions        int32         `yaml:"partitions"`
	ReplicationFactor int16         `yaml:"replication_factor"`
	ProduceTimeout    time.Duration `yaml:"produce_timeout"`
}

type SchedulerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	BatchSize          int           `yaml:"batch_size"`
	Concurrency        int           `yaml:"concurrency"`
	PerDocumentTimeout time.Duration `yaml:"per_document_timeout"`
	BlockedRetry       time.Duration `yaml:"blocked_retry"`
	LeaseTTL           time.Duration `yaml:"lease_ttl"`
}

// Default returns the development configuration.
func Default() Server {
	return Server{
		Addr:        ":8080",
		LockTimeout: 5 * time.Second,
		Log:         LogConfig{Level: "info", Format: "json"},
		Identity: IdentityConfig{
			// Use a default for development - should be overridden in production
			JWTSigningKey: "dev-secret-key-change-in-production",
			Issuer:        "doccontrol",
			Audience:      "doccontrol-api",
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			ClientID:          "doccontrol",
			NotificationTopic: "doccontrol.notifications",
			AuditTopic:        "doccontrol.audit",
			Partitions:        3,
			ReplicationFactor: 1,
			ProduceTimeout:    10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:            true,
			Interval:           time.Minute,
			BatchSize:          500,
			Concurrency:        8,
			PerDocumentTimeout: 10 * time.Second,
			LeaseTTL:           2 * time.Minute,
		},
	}
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() Server {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

// Load layers the YAML file named by DOCCTL_CONFIG (if any) over the
// defaults, then environment variables over both.
func Load() (Server, error) {
	cfg := Default()
	if path := os.Getenv("DOCCTL_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Server{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Server{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate rejects settings the process cannot run with.
func (c Server) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Identity.JWTSigningKey == "" {
		return fmt.Errorf("identity.jwt_signing_key is required")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.Scheduler.BatchSize <= 0 || c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.batch_size and scheduler.concurrency must be positive")
	}
	if c.RegulatedMode && c.Database.URL == "" {
		return fmt.Errorf("regulated mode requires database.url")
	}
	return nil
}

func applyEnv(cfg *Server) {
	envString("DOCCTL_ADDR", &cfg.Addr)
	envString("ADMIN_API_TOKEN", &cfg.AdminToken)
	envBool("REGULATED_MODE", &cfg.RegulatedMode)
	envDuration("LOCK_TIMEOUT", &cfg.LockTimeout)

	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FORMAT", &cfg.Log.Format)

	envString("JWT_SIGNING_KEY", &cfg.Identity.JWTSigningKey)
	envString("JWT_ISSUER", &cfg.Identity.Issuer)
	envString("JWT_AUDIENCE", &cfg.Identity.Audience)
	envString("CAPABILITY_POLICY_FILE", &cfg.Identity.PolicyFile)

	envString("DATABASE_URL", &cfg.Database.URL)
	envInt("DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)

	envString("REDIS_URL", &cfg.Redis.URL)
	envInt("REDIS_POOL_SIZE", &cfg.Redis.PoolSize)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	envString("KAFKA_NOTIFICATION_TOPIC", &cfg.Kafka.NotificationTopic)
	envString("KAFKA_AUDIT_TOPIC", &cfg.Kafka.AuditTopic)

	envBool("SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	envDuration("SCHEDULER_INTERVAL", &cfg.Scheduler.Interval)
	envInt("SCHEDULER_BATCH_SIZE", &cfg.Scheduler.BatchSize)
	envInt("SCHEDULER_CONCURRENCY", &cfg.Scheduler.Concurrency)
	envDuration("SCHEDULER_DOCUMENT_TIMEOUT", &cfg.Scheduler.PerDocumentTimeout)
	envDuration("SCHEDULER_BLOCKED_RETRY", &cfg.Scheduler.BlockedRetry)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v == "true" || v == "1"
	}
}

// Malformed numbers and durations keep the previous value.
func envInt(key string, dst *int) {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = n
	}
}

func envDuration(key string, dst *time.Duration) {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		*dst = d
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
