package cfg

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port                string
	Environment         string
	LogLevel            string
	DatabasePath        string
	AllowMemoryFallback bool
	DBMaxOpenConns      int
	DBMaxIdleConns      int
	DBAcquireTimeout    time.Duration
	DBIdleTimeout       time.Duration
	RedisURL            string
	RedisTLS            bool
	RedisUsername       string
	RedisPassword       Secret
	RedisServerName     string
	RedisCACert         string
	RedisTimeout        time.Duration
	RateLimit           RateLimitCfg
	MaxContentLength    int
	ContextTimeout      time.Duration
	AllowedOrigins      []string
	PublicBaseURL       string
	MetricsUser         string
	MetricsPass         Secret
	CleanupInterval     time.Duration
	TombstoneRetention  time.Duration
	MasterKeyName       string
}

type RateLimitCfg struct {
	ViewLimit   int
	ViewWindow  time.Duration
	CreateRPM   int
	CreateBurst int
}

const maxPoolSize = 5

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() (*Cfg, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, errors.Wrap(err, "load .env")
		}
	}
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.DatabasePath = getEnv("DATABASE_PATH", "snaplink.db")
	c.AllowMemoryFallback = getEnv("ALLOW_MEMORY_FALLBACK", strconv.FormatBool(c.Environment == "development")) == "true"
	var err error
	c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", maxPoolSize)
	if err != nil {
		return nil, err
	}
	c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 2)
	if err != nil {
		return nil, err
	}
	c.DBAcquireTimeout, err = getDuration("DB_ACQUIRE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	c.DBIdleTimeout, err = getDuration("DB_IDLE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisServerName = getEnv("REDIS_HOSTNAME", "")
	c.RedisCACert = getEnv("REDIS_TLS_CA_CERT", "")
	c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ViewLimit, err = getInt("VIEW_RATE_LIMIT", 30)
	if err != nil {
		return nil, err
	}
	c.RateLimit.ViewWindow, err = getDuration("VIEW_RATE_WINDOW", 60*time.Second)
	if err != nil {
		return nil, err
	}
	c.RateLimit.CreateRPM, err = getInt("CREATE_RATE_RPM", 20)
	if err != nil {
		return nil, err
	}
	c.RateLimit.CreateBurst, err = getInt("CREATE_RATE_BURST", 5)
	if err != nil {
		return nil, err
	}
	c.MaxContentLength, err = getInt("MAX_CONTENT_LENGTH", 100000)
	if err != nil {
		return nil, err
	}
	c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.PublicBaseURL = strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/")
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.CleanupInterval, err = getDuration("CLEANUP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	c.TombstoneRetention, err = getDuration("TOMBSTONE_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	c.MasterKeyName = getEnv("MASTER_KEY_NAME", "ENCRYPTION_KEY")
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.DBMaxOpenConns < 1 || c.DBMaxOpenConns > maxPoolSize {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be between 1 and %d", maxPoolSize)
	}
	if c.DBMaxIdleConns < 0 || c.DBMaxIdleConns > c.DBMaxOpenConns {
		return errors.New("DB_MAX_IDLE_CONNS must be between 0 and DB_MAX_OPEN_CONNS")
	}
	if c.DBAcquireTimeout <= 0 {
		return errors.New("DB_ACQUIRE_TIMEOUT must be positive")
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.RateLimit.ViewLimit <= 0 {
		return errors.New("VIEW_RATE_LIMIT must be positive")
	}
	if c.RateLimit.ViewWindow < time.Second {
		return errors.New("VIEW_RATE_WINDOW must be at least 1s")
	}
	if c.RateLimit.CreateRPM <= 0 || c.RateLimit.CreateBurst <= 0 {
		return errors.New("CREATE_RATE_RPM and CREATE_RATE_BURST must be positive")
	}
	if c.MaxContentLength <= 0 {
		return errors.New("MAX_CONTENT_LENGTH must be positive")
	}
	if c.MaxContentLength > 1000000 {
		return errors.New("MAX_CONTENT_LENGTH cannot exceed 1000000")
	}
	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid PUBLIC_BASE_URL: %s", c.PublicBaseURL)
		}
	}
	if c.CleanupInterval < time.Minute {
		return errors.New("CLEANUP_INTERVAL must be at least 1 minute")
	}
	if c.TombstoneRetention < time.Hour {
		return errors.New("TOMBSTONE_RETENTION must be at least 1 hour")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.DatabasePath == "" && c.AllowMemoryFallback {
			return errors.New("ALLOW_MEMORY_FALLBACK cannot be used without DATABASE_PATH in production")
		}
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
}

func (c *Cfg) IsDev() bool {
	return c.Environment == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
