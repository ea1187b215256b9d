package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName        = "otpgate"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultVendorBaseURL  = "https://api.sms-activate.org/stubs/handler_api.php"
	defaultRateLimit      = 10
	defaultReconcileEvery = "@every 1m"
	defaultReconcileAge   = 20 * time.Minute

	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	StoreBackend   string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	AllowedOrigins string

	VendorBaseURL         string
	VendorAPIKey          string
	VendorService         string
	VendorAllocateTimeout time.Duration
	VendorStatusTimeout   time.Duration

	AuthMode      string
	AuthJWTSecret string

	RateLimitPerMinute int
	ReconcileSchedule  string
	ReconcileMaxAge    time.Duration
}

// Load reads a .env file when present, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:           getEnv("APP_NAME", defaultAppName),
		AppEnv:            getEnv("APP_ENV", defaultAppEnv),
		Port:              getEnv("PORT", defaultPort),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		StoreBackend:      strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		AllowedOrigins:    getEnv("APP_ALLOWED_ORIGINS", "*"),
		VendorBaseURL:     getEnv("VENDOR_BASE_URL", defaultVendorBaseURL),
		VendorAPIKey:      os.Getenv("VENDOR_API_KEY"),
		VendorService:     getEnv("VENDOR_SERVICE", "wa"),
		AuthMode:          strings.ToLower(getEnv("AUTH_MODE", "passthrough")),
		AuthJWTSecret:     os.Getenv("AUTH_JWT_SECRET"),
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", defaultReconcileEvery),
	}

	var err error
	if cfg.ShutdownPeriod, err = secondsOrDuration("SHUTDOWN_TIMEOUT", defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = secondsOrDuration("IDEMPOTENCY_TTL", defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.VendorAllocateTimeout, err = duration("VENDOR_ALLOCATE_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.VendorStatusTimeout, err = duration("VENDOR_STATUS_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileMaxAge, err = duration("RECONCILE_MAX_AGE", defaultReconcileAge); err != nil {
		return Config{}, err
	}
	cfg.RateLimitPerMinute = defaultRateLimit
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %q", v)
		}
		cfg.RateLimitPerMinute = n
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case BackendMemory:
		if !c.IsDev() {
			return fmt.Errorf("STORE_BACKEND=memory is only allowed in development, APP_ENV=%s", c.AppEnv)
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL must be set for STORE_BACKEND=redis")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL must be set for STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.VendorAPIKey == "" && !c.IsDev() {
		return fmt.Errorf("VENDOR_API_KEY must be set")
	}
	if c.AuthMode == "jwt" && c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET must be set for AUTH_MODE=jwt")
	}
	return nil
}

// IsDev reports whether the app runs in a local development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// secondsOrDuration reads NAME_SECONDS as an integer, falling back to NAME as a Go duration.
func secondsOrDuration(name string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(name + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", name, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return duration(name, fallback)
}

func duration(name string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
