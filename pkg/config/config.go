package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig
	Server   ServerConfig
	Database DatabaseConfig
	Replica  DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Engine   EngineConfig
}

type ServiceConfig struct {
	Name        string
	Version     string
	Environment string
	LogLevel    string
}

type ServerConfig struct {
	Port            int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	Database    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnTime time.Duration
	MaxIdleTime time.Duration
	HealthCheck time.Duration
	AutoMigrate bool
}

// Enabled reports whether a host is configured. An empty replica section
// means reads go to the primary.
func (c DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// EngineConfig tunes the lifecycle engine.
type EngineConfig struct {
	// StoreDriver is "postgres" or "memory".
	StoreDriver string

	ReadMaxAttempts int
	ReadDelay       time.Duration
	ReadMaxWait     time.Duration

	AuditQueueSize int
	AuditWorkers   int
	AuditTimeout   time.Duration

	CascadeAttempts int
	CascadeDelay    time.Duration

	// Thresholds holds env overrides of the built-in approval thresholds,
	// keyed by entity type (THRESHOLD_QUOTE=60000).
	Thresholds map[string]decimal.Decimal
}

// Load reads configuration from the environment. Outside production a .env
// file in the working directory is loaded first.
func Load() (*Config, error) {
	env := getEnv("ENVIRONMENT", "development")
	if env != "production" {
		// A missing .env is normal; the environment still applies.
		_ = godotenv.Load()
		env = getEnv("ENVIRONMENT", "development")
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        getEnv("SERVICE_NAME", "be-lifecycle-engine"),
			Version:     getEnv("SERVICE_VERSION", "0.1.0"),
			Environment: env,
			LogLevel:    getEnv("LOG_LEVEL", "info"),
		},
		Server: ServerConfig{
			Port:            getEnvInt("PORT", 8090),
			GRPCPort:        getEnvInt("GRPC_PORT", 9090),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RequestTimeout:  getEnvDuration("SERVER_REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 20*time.Second),
			AllowedOrigins:  getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Database: DatabaseConfig{
			Host:        getEnv("DB_HOST", "localhost"),
			Port:        getEnvInt("DB_PORT", 5432),
			User:        getEnv("DB_USER", "postgres"),
			Password:    getEnv("DB_PASSWORD", "postgres"),
			Database:    getEnv("DB_NAME", "lifecycle"),
			SSLMode:     getEnv("DB_SSLMODE", "disable"),
			MaxConns:    int32(getEnvInt("DB_MAX_CONNS", 25)),
			MinConns:    int32(getEnvInt("DB_MIN_CONNS", 2)),
			MaxConnTime: getEnvDuration("DB_MAX_CONN_TIME", time.Hour),
			MaxIdleTime: getEnvDuration("DB_MAX_IDLE_TIME", 30*time.Minute),
			HealthCheck: getEnvDuration("DB_HEALTH_CHECK", time.Minute),
			AutoMigrate: getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			CacheTTL: getEnvDuration("THRESHOLD_CACHE_TTL", 5*time.Minute),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "lifecycle"),
		},
		Engine: EngineConfig{
			StoreDriver:     strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
			ReadMaxAttempts: getEnvInt("READ_MAX_ATTEMPTS", 10),
			ReadDelay:       getEnvDuration("READ_DELAY", 300*time.Millisecond),
			ReadMaxWait:     getEnvDuration("READ_MAX_WAIT", 3*time.Second),
			AuditQueueSize:  getEnvInt("AUDIT_QUEUE_SIZE", 1024),
			AuditWorkers:    getEnvInt("AUDIT_WORKERS", 4),
			AuditTimeout:    getEnvDuration("AUDIT_WRITE_TIMEOUT", 5*time.Second),
			CascadeAttempts: getEnvInt("CASCADE_ATTEMPTS", 3),
			CascadeDelay:    getEnvDuration("CASCADE_DELAY", 200*time.Millisecond),
		},
	}

	if replicaHost := getEnv("DB_REPLICA_HOST", ""); replicaHost != "" {
		cfg.Replica = cfg.Database
		cfg.Replica.Host = replicaHost
		cfg.Replica.Port = getEnvInt("DB_REPLICA_PORT", cfg.Database.Port)
		cfg.Replica.AutoMigrate = false
	}

	thresholds, err := loadThresholds()
	if err != nil {
		return nil, err
	}
	cfg.Engine.Thresholds = thresholds

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Engine.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.Engine.StoreDriver)
	}
	if c.Engine.ReadMaxAttempts < 1 {
		return fmt.Errorf("READ_MAX_ATTEMPTS must be positive")
	}
	if c.Engine.AuditWorkers < 1 {
		return fmt.Errorf("AUDIT_WORKERS must be positive")
	}
	if c.Engine.CascadeAttempts < 1 {
		return fmt.Errorf("CASCADE_ATTEMPTS must be positive")
	}
	return nil
}

var thresholdKeys = []string{"QUOTE", "DEAL", "INVOICE", "CONTRACT"}

func loadThresholds() (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, key := range thresholdKeys {
		raw := os.Getenv("THRESHOLD_" + key)
		if raw == "" {
			continue
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid THRESHOLD_%s: %w", key, err)
		}
		if v.IsNegative() {
			return nil, fmt.Errorf("THRESHOLD_%s must not be negative", key)
		}
		out[key] = v
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
