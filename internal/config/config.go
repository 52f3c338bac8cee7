package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/smallbiznis/wayfare/internal/catalog"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	LogLevel  string
	LogFormat string

	HTTPAddr string

	Backend BackendConfig

	LocalStateDir string
	UserTimezone  string

	OTLPEndpoint string
	OTLPProtocol string
	OtelEnabled  bool

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	RateLimit RateLimitConfig
	Scheduler SchedulerConfig

	PaymentAutoApprove bool
	CatalogPath        string
	SnowflakeNode      int64
}

type BackendConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// SchedulerConfig drives the server's background sweeps. A zero interval turns
// them off.
type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
	Jobs      []string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RateLimitConfig bounds how often one user may hit the consume and payment
// endpoints. Rates are tokens per second.
type RateLimitConfig struct {
	Enabled        bool
	ConsumeRate    float64
	ConsumeBurst   int
	PaymentRate    float64
	PaymentBurst   int
	PaymentLockTTL time.Duration
}

// Enabled reports whether a redis address is configured.
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "wayfare"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: environment,
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:   strings.ToLower(getenv("LOG_FORMAT", "json")),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		Backend: BackendConfig{
			URL:     strings.TrimRight(strings.TrimSpace(getenv("BACKEND_URL", "http://localhost:8080")), "/"),
			Token:   strings.TrimSpace(getenv("BACKEND_TOKEN", "")),
			Timeout: time.Duration(getenvInt64("BACKEND_TIMEOUT_MS", 5000)) * time.Millisecond,
		},
		LocalStateDir:      getenv("LOCAL_STATE_DIR", defaultStateDir()),
		UserTimezone:       getenv("USER_TIMEZONE", "Local"),
		OTLPEndpoint:       getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPProtocol:       strings.ToLower(getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")),
		OtelEnabled:        getenvBool("OTEL_ENABLED", false),
		DBType:             getenv("DATABASE_TYPE", "postgres"),
		DBHost:             getenv("DATABASE_HOST", "localhost"),
		DBPort:             getenv("DATABASE_PORT", "5432"),
		DBName:             getenv("DATABASE_NAME", "wayfare"),
		DBUser:             getenv("DATABASE_USER", "postgres"),
		DBPassword:         getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:          getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:      int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:      int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime:  int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime:  int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		PaymentAutoApprove: getenvBool("PAYMENT_AUTO_APPROVE", false),
		CatalogPath:        strings.TrimSpace(getenv("CATALOG_PATH", "")),
		SnowflakeNode:      getenvInt64("SNOWFLAKE_NODE", 1),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getenvBool("RATE_LIMIT_ENABLED", false),
			ConsumeRate:    getenvFloat("RATE_LIMIT_CONSUME_RATE", 5),
			ConsumeBurst:   int(getenvInt64("RATE_LIMIT_CONSUME_BURST", 20)),
			PaymentRate:    getenvFloat("RATE_LIMIT_PAYMENT_RATE", 0.2),
			PaymentBurst:   int(getenvInt64("RATE_LIMIT_PAYMENT_BURST", 3)),
			PaymentLockTTL: time.Duration(getenvInt64("RATE_LIMIT_PAYMENT_LOCK_TTL_SECONDS", 30)) * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval:  time.Duration(getenvInt64("SCHEDULER_INTERVAL_SECONDS", 60)) * time.Second,
			BatchSize: int(getenvInt64("SCHEDULER_BATCH_SIZE", 100)),
			Jobs:      splitList(getenv("SCHEDULER_JOBS", "")),
		},
	}
	if cfg.IsProduction() {
		cfg.PaymentAutoApprove = false
	}

	return cfg
}

// Location resolves UserTimezone, falling back to the process local zone.
func (c Config) Location() *time.Location {
	name := strings.TrimSpace(c.UserTimezone)
	if name == "" || strings.EqualFold(name, "local") {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "wayfare")
	}
	return ".wayfare"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewCatalogHolder),
	fx.Provide(func(h *CatalogHolder) catalog.Provider { return h }),
)
