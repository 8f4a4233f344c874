// Package config reads the server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"crvs/internal/events/models"
	platformstrings "crvs/pkg/platform/strings"
)

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	ShutdownTimeout time.Duration
	Environment     string
}

// StoreConfig selects the action log backend: memory, sqlite or postgres.
type StoreConfig struct {
	Driver      string
	PostgresDSN string
	SQLitePath  string
}

// SearchConfig selects the search index backend: memory, postgres or none.
type SearchConfig struct {
	Backend     string
	DSN         string
	IndexPrefix string
	Timeout     time.Duration
}

// RedisConfig configures the shared event configuration cache. An empty URL
// keeps the cache in process.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures notifications and the reindex consumer. No brokers
// disables both.
type KafkaConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	Partitions    int32
}

// CountryConfig locates the country configuration service. ConfigFile, when
// set, replaces the HTTP source for local runs.
type CountryConfig struct {
	URL        string
	ConfigFile string
	Timeout    time.Duration
	CacheTTL   time.Duration
	// Empty means synchronous acceptance of two-phase actions.
	ConfirmURL string
}

// RateLimitConfig bounds write requests per caller.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// AuthConfig verifies bearer tokens. AdminToken, when set, enables the
// operator routes under /admin.
type AuthConfig struct {
	AdminToken    string
	JWTSigningKey string
	Issuer        string
	Audience      string
}

// AuditConfig selects where the audit trail is kept: memory, postgres (beside
// the action log) or mongo. Empty follows the store driver.
type AuditConfig struct {
	Store         string
	MongoURI      string
	MongoDatabase string
	// RetentionDays expires mongo entries; 0 keeps them.
	RetentionDays int
}

// Config is the full server configuration.
type Config struct {
	Server        Server
	Store         StoreConfig
	Search        SearchConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	CountryConfig CountryConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
	Audit         AuditConfig
	// TwoPhaseActions overrides the default two-phase action types; nil keeps
	// the built-in default.
	TwoPhaseActions []models.ActionType
	MaxAttempts     int
	// AuditBuffer bounds the audit events waiting to be written.
	AuditBuffer int
}

// FromEnv builds the configuration from environment variables so main stays lean.
func FromEnv() (Config, error) {
	var errs []string
	duration := func(key string, def time.Duration) time.Duration {
		raw := os.Getenv(key)
		if raw == "" {
			return def
		}
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			errs = append(errs, key+" must be a positive duration")
			return def
		}
		return d
	}
	integer := func(key string, def int) int {
		raw := os.Getenv(key)
		if raw == "" {
			return def
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			errs = append(errs, key+" must be a positive integer")
			return def
		}
		return n
	}

	cfg := Config{
		Server: Server{
			Addr:            getEnv("CRVS_ADDR", ":8080"),
			ShutdownTimeout: duration("CRVS_SHUTDOWN_TIMEOUT", 15*time.Second),
			Environment:     getEnv("CRVS_ENV", "development"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnv("CRVS_STORE_DRIVER", "memory")),
			PostgresDSN: os.Getenv("DATABASE_URL"),
			SQLitePath:  getEnv("CRVS_SQLITE_PATH", "crvs.db"),
		},
		Search: SearchConfig{
			Backend:     strings.ToLower(getEnv("CRVS_SEARCH_BACKEND", "memory")),
			DSN:         getEnv("CRVS_SEARCH_DSN", os.Getenv("DATABASE_URL")),
			IndexPrefix: getEnv("CRVS_SEARCH_INDEX_PREFIX", "events"),
			Timeout:     duration("CRVS_SEARCH_TIMEOUT", 2*time.Second),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:       platformstrings.SplitList(os.Getenv("KAFKA_BROKERS")),
			Topic:         getEnv("KAFKA_TOPIC", "event-actions"),
			ConsumerGroup: getEnv("KAFKA_REINDEX_GROUP", "crvs-reindex"),
			Partitions:    int32(integer("KAFKA_PARTITIONS", 6)),
		},
		CountryConfig: CountryConfig{
			URL:        getEnv("COUNTRY_CONFIG_URL", "http://localhost:3040"),
			ConfigFile: os.Getenv("COUNTRY_CONFIG_FILE"),
			Timeout:    duration("COUNTRY_CONFIG_TIMEOUT", 5*time.Second),
			CacheTTL:   duration("COUNTRY_CONFIG_CACHE_TTL", time.Minute),
			ConfirmURL: os.Getenv("COUNTRY_CONFIG_CONFIRM_URL"),
		},
		Auth: AuthConfig{
			AdminToken:    os.Getenv("CRVS_ADMIN_TOKEN"),
			JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
			Issuer:        getEnv("JWT_ISSUER", "opencrvs:auth-service"),
			Audience:      getEnv("JWT_AUDIENCE", "opencrvs:events-service"),
		},
		RateLimit: RateLimitConfig{
			Requests: integer("CRVS_RATE_LIMIT", 300),
			Window:   duration("CRVS_RATE_LIMIT_WINDOW", time.Minute),
		},
		Audit: AuditConfig{
			Store:         strings.ToLower(os.Getenv("CRVS_AUDIT_STORE")),
			MongoURI:      os.Getenv("MONGO_URI"),
			MongoDatabase: getEnv("MONGO_DATABASE", "crvs"),
		},
		MaxAttempts: integer("CRVS_MAX_ATTEMPTS", 3),
		AuditBuffer: integer("CRVS_AUDIT_BUFFER", 1024),
	}

	if raw, ok := os.LookupEnv("CRVS_TWO_PHASE_ACTIONS"); ok {
		cfg.TwoPhaseActions = []models.ActionType{}
		for _, name := range platformstrings.SplitList(raw) {
			t, ok := models.ParseActionType(name)
			if !ok || !t.Requestable() {
				errs = append(errs, "CRVS_TWO_PHASE_ACTIONS: unknown action type "+name)
				continue
			}
			cfg.TwoPhaseActions = append(cfg.TwoPhaseActions, t)
		}
	}

	switch cfg.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.Store.PostgresDSN == "" {
			errs = append(errs, "DATABASE_URL is required for the postgres store")
		}
	default:
		errs = append(errs, "CRVS_STORE_DRIVER must be memory, sqlite or postgres")
	}
	if raw := os.Getenv("CRVS_AUDIT_RETENTION_DAYS"); raw != "" {
		cfg.Audit.RetentionDays = integer("CRVS_AUDIT_RETENTION_DAYS", 0)
	}
	switch cfg.Audit.Store {
	case "":
		cfg.Audit.Store = "memory"
		if cfg.Store.Driver == "postgres" {
			cfg.Audit.Store = "postgres"
		}
	case "memory":
	case "postgres":
		if cfg.Store.Driver != "postgres" {
			errs = append(errs, "CRVS_AUDIT_STORE=postgres needs CRVS_STORE_DRIVER=postgres")
		}
	case "mongo":
		if cfg.Audit.MongoURI == "" {
			errs = append(errs, "MONGO_URI is required for the mongo audit store")
		}
	default:
		errs = append(errs, "CRVS_AUDIT_STORE must be memory, postgres or mongo")
	}
	switch cfg.Search.Backend {
	case "memory", "none":
	case "postgres":
		if cfg.Search.DSN == "" {
			errs = append(errs, "CRVS_SEARCH_DSN or DATABASE_URL is required for the postgres index")
		}
	default:
		errs = append(errs, "CRVS_SEARCH_BACKEND must be memory, postgres or none")
	}
	if cfg.Auth.JWTSigningKey == "" {
		if cfg.Server.Environment != "development" {
			errs = append(errs, "JWT_SIGNING_KEY is required outside development")
		}
		cfg.Auth.JWTSigningKey = "dev-secret-key-change-in-production"
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
