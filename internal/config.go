package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env              string
	LogLevel         string
	Port             uint16
	DatabaseURL      string // Empty runs on the in-process store
	RedisURL         string // Empty uses the in-process advisory locker
	InstanceID       string
	MetricsNamespace string
	HTTP             HTTPConfig
	Lock             LockConfig
	Idempotency      IdempotencyConfig
	Precondition     PreconditionConfig
	Cart             CartConfig
	Catalog          CatalogConfig
	Events           EventsConfig
	Sweep            SweepConfig
	Sentry           SentryConfig
}

// HTTPConfig holds request handling limits.
type HTTPConfig struct {
	CORSOrigins     []string
	CookieDomain    string
	CookieSecure    bool
	MaxBodyBytes    int64
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    float64
	RateLimitBurst  int
}

// LockConfig bounds the cart critical section.
type LockConfig struct {
	// WaitTimeout is how long a writer waits for the advisory and row locks.
	WaitTimeout time.Duration
	// TTL is the advisory lease lifetime, the upper bound on a crashed holder.
	TTL time.Duration
	// StatementTimeout caps each statement inside the cart transaction.
	StatementTimeout time.Duration
}

// IdempotencyConfig tunes the Idempotency-Key guard.
type IdempotencyConfig struct {
	TTL         time.Duration
	StaleAfter  time.Duration
	PollTimeout time.Duration
}

// PreconditionConfig selects when If-Match / X-Cart-Version is mandatory.
type PreconditionConfig struct {
	Mode            string
	StrictEndpoints []string
}

// CartConfig holds defaults for new carts.
type CartConfig struct {
	Currency      string
	PricingPolicy string
	TTL           time.Duration
}

// CatalogConfig tunes catalog reads.
type CatalogConfig struct {
	AssignmentCacheTTL time.Duration
}

// EventsConfig selects the cart.updated transport.
type EventsConfig struct {
	Backend      string // "log", "nats" or "kafka"
	NATSURL      string
	NATSPrefix   string
	KafkaBrokers []string
	KafkaTopic   string
	Timeout      time.Duration
}

// SweepConfig schedules cleanup of expired idempotency keys and carts.
type SweepConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxBatches int
}

// SentryConfig holds configuration for Sentry error tracking
type SentryConfig struct {
	DSN              string
	Enabled          bool
	Environment      string
	Release          string
	SampleRate       float64
	TracesSampleRate float64
	Debug            bool
}

func NewConfig() (*Config, error) {
	// Try to load .env from current directory, then walk up to find it (max 2 levels)
	err := godotenv.Load()
	if err != nil {
		// Walk up directories to find .env (max 2 parent directories)
		dir, _ := os.Getwd()
		found := false
		for i := 0; i < 2; i++ {
			dir = filepath.Join(dir, "..")
			if err := godotenv.Load(filepath.Join(dir, ".env")); err == nil {
				found = true
				break
			}
		}
		if !found {
			slog.Default().Warn("Warning: .env file not found, using environment variables and defaults")
		}
	}

	var errs []error
	duration := func(key string, defaultValue time.Duration) time.Duration {
		d, err := getEnvDuration(key, defaultValue)
		if err != nil {
			errs = append(errs, err)
		}
		return d
	}

	lockWait := duration("LOCK_WAIT_TIMEOUT", 5*time.Second)

	cfg := &Config{
		Env:              getEnv("ENV", "dev"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		Port:             getEnvInt("PORT", 3000),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		InstanceID:       getEnv("INSTANCE_ID", defaultInstanceID()),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "cartengine"),
		HTTP: HTTPConfig{
			CORSOrigins:     getEnvList("CORS_ALLOWED_ORIGINS"),
			CookieDomain:    getEnv("COOKIE_DOMAIN", ""),
			CookieSecure:    getEnvBool("COOKIE_SECURE", false),
			MaxBodyBytes:    getEnvInt64("MAX_BODY_BYTES", 64<<10),
			RequestTimeout:  duration("REQUEST_TIMEOUT", 30*time.Second),
			ShutdownTimeout: duration("SHUTDOWN_TIMEOUT", 15*time.Second),
			RateLimitRPS:    getEnvFloat("RATE_LIMIT_RPS", 10),
			RateLimitBurst:  int(getEnvInt("RATE_LIMIT_BURST", 30)),
		},
		Lock: LockConfig{
			WaitTimeout:      lockWait,
			TTL:              duration("LOCK_TTL", 30*time.Second),
			StatementTimeout: duration("TX_STATEMENT_TIMEOUT", lockWait),
		},
		Idempotency: IdempotencyConfig{
			TTL:         duration("IDEMPOTENCY_TTL", 24*time.Hour),
			StaleAfter:  duration("IDEMPOTENCY_STALE_AFTER", 2*time.Minute),
			PollTimeout: duration("IDEMPOTENCY_POLL_TIMEOUT", 2*time.Second),
		},
		Precondition: PreconditionConfig{
			Mode:            getEnv("PRECONDITION_MODE", "compatible"),
			StrictEndpoints: getEnvList("PRECONDITION_STRICT_ENDPOINTS"),
		},
		Cart: CartConfig{
			Currency:      getEnv("CART_CURRENCY", "USD"),
			PricingPolicy: strings.ToUpper(getEnv("PRICING_POLICY", "SNAPSHOT")),
			TTL:           duration("CART_TTL", 30*24*time.Hour),
		},
		Catalog: CatalogConfig{
			AssignmentCacheTTL: duration("ASSIGNMENT_CACHE_TTL", 30*time.Second),
		},
		Events: EventsConfig{
			Backend:      strings.ToLower(getEnv("EVENTS_BACKEND", "log")),
			NATSURL:      getEnv("NATS_URL", "nats://127.0.0.1:4222"),
			NATSPrefix:   getEnv("NATS_SUBJECT_PREFIX", "cartengine"),
			KafkaBrokers: getEnvList("KAFKA_BROKERS"),
			KafkaTopic:   getEnv("KAFKA_TOPIC", "cart-events"),
			Timeout:      duration("EVENTS_TIMEOUT", 5*time.Second),
		},
		Sweep: SweepConfig{
			Interval:   duration("SWEEP_INTERVAL", 10*time.Minute),
			BatchSize:  int(getEnvInt("SWEEP_BATCH_SIZE", 500)),
			MaxBatches: int(getEnvInt("SWEEP_MAX_BATCHES", 20)),
		},
		Sentry: SentryConfig{
			DSN:              getEnv("SENTRY_DSN", ""),
			Enabled:          getEnvBool("SENTRY_ENABLED", false), // Disabled by default for development
			Environment:      getEnv("SENTRY_ENVIRONMENT", "development"),
			Release:          getEnv("SENTRY_RELEASE", ""),
			SampleRate:       getEnvFloat("SENTRY_SAMPLE_RATE", 1.0),
			TracesSampleRate: getEnvFloat("SENTRY_TRACES_SAMPLE_RATE", 0.0), // Disabled by default
			Debug:            getEnvBool("SENTRY_DEBUG", false),
		},
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	// Validate env
	validEnv := cfg.Env == "dev" || cfg.Env == "prod"
	if !validEnv {
		slog.Default().Warn("Invalid environment. Using default: prod", slog.String("env", cfg.Env))
		cfg.Env = "prod"
	}

	// Validate log level
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		slog.Default().Warn("Invalid log level. Using default: info", slog.String("value", cfg.LogLevel))
		cfg.LogLevel = "info"
	}

	switch cfg.Events.Backend {
	case "log", "nats":
	case "kafka":
		if len(cfg.Events.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("KAFKA_BROKERS required when EVENTS_BACKEND=kafka")
		}
	default:
		return nil, fmt.Errorf("unknown EVENTS_BACKEND %q", cfg.Events.Backend)
	}

	// The statement timeout must not outlive the advisory lease, or a slow
	// holder could still be writing after another instance takes the lock.
	if cfg.Lock.StatementTimeout > cfg.Lock.TTL {
		return nil, fmt.Errorf("TX_STATEMENT_TIMEOUT (%s) must not exceed LOCK_TTL (%s)", cfg.Lock.StatementTimeout, cfg.Lock.TTL)
	}

	if cfg.Env == "prod" && !cfg.HTTP.CookieSecure {
		slog.Default().Warn("COOKIE_SECURE is off in production")
	}

	return cfg, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "cartengine"
	}
	return host
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue uint16) uint16 {
	if value := os.Getenv(key); value != "" {
		var intValue uint16
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		var intValue int64
		if _, err := fmt.Sscanf(value, "%d", &intValue); err == nil && intValue > 0 {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var floatValue float64
		if _, err := fmt.Sscanf(value, "%f", &floatValue); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive, got %s", key, value)
	}
	return d, nil
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
