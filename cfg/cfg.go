package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
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
	BaseURL             string
	StoreBackend        string
	DatabasePath        string
	DatabaseURL         Secret
	DBMaxOpenConns      int
	DBMaxIdleConns      int
	DBQueryTimeout      time.Duration
	RedisURL            string
	RedisTLS            bool
	RedisUsername       string
	RedisPassword       Secret
	RedisTimeout        time.Duration
	RedisKeyPrefix      string
	RedisDeleteGrace    time.Duration
	RedisExpiredGrace   time.Duration
	MemoryMaxNotes      int
	SweepInterval       time.Duration
	DefaultTTL          time.Duration
	MaxTTL              time.Duration
	TTLPresets          []time.Duration
	MaxTextLength       int
	LiveBuffer          int
	LiveHeartbeat       time.Duration
	ContextTimeout      time.Duration
	AllowedOrigins      []string
	MetricsUser         string
	MetricsPass         Secret
	SecretsFromProvider bool
}

// Load reads the process environment, after merging an optional dotenv file
// (ENV_FILE, default .env). Variables already set win over the file.
func Load() (*Cfg, error) {
	envFile := getEnv("ENV_FILE", ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, errors.Wrapf(err, "load %s", envFile)
		}
	}
	c := &Cfg{}
	var err error
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.BaseURL = strings.TrimRight(getEnv("BASE_URL", ""), "/")
	c.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", ""))
	c.DatabasePath = getEnv("DATABASE_PATH", filepath.Join("data", "pingnote.db"))
	c.DatabaseURL = NewSecret(getEnv("DATABASE_URL", ""))
	c.RedisURL = getEnv("REDIS_URL", "")
	if c.StoreBackend == "" {
		// a configured Redis implies the cache backend, as it always has
		c.StoreBackend = BackendMemory
		if c.RedisURL != "" {
			c.StoreBackend = BackendRedis
		}
	}
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	c.RedisKeyPrefix = getEnv("REDIS_KEY_PREFIX", "")
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.RedisDeleteGrace, err = getDuration("REDIS_DELETE_GRACE", time.Minute); err != nil {
		return nil, err
	}
	if c.RedisExpiredGrace, err = getDuration("REDIS_EXPIRED_GRACE", time.Minute); err != nil {
		return nil, err
	}
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 25); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 5); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.MemoryMaxNotes, err = getInt("MEMORY_MAX_NOTES", 100000); err != nil {
		return nil, err
	}
	if c.SweepInterval, err = getDuration("SWEEP_INTERVAL", 0); err != nil {
		return nil, err
	}
	if c.DefaultTTL, err = getDuration("DEFAULT_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	if c.MaxTTL, err = getDuration("MAX_TTL", 24*time.Hour); err != nil {
		return nil, err
	}
	presetsStr := getEnv("TTL_PRESETS", "5m,10m,1h,24h")
	for _, s := range strings.Split(presetsStr, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid TTL preset %q: %w", s, err)
		}
		c.TTLPresets = append(c.TTLPresets, d)
	}
	if c.MaxTextLength, err = getInt("MAX_TEXT_LENGTH", 50000); err != nil {
		return nil, err
	}
	if c.LiveBuffer, err = getInt("LIVE_BUFFER", 16); err != nil {
		return nil, err
	}
	if c.LiveHeartbeat, err = getDuration("LIVE_HEARTBEAT", 25*time.Second); err != nil {
		return nil, err
	}
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	c.SecretsFromProvider = getEnv("SECRETS_FROM_PROVIDER", "false") == "true"
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	switch c.StoreBackend {
	case BackendMemory:
		if c.MemoryMaxNotes <= 0 {
			return errors.New("MEMORY_MAX_NOTES must be positive")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis backend")
		}
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
		if c.RedisDeleteGrace <= 0 || c.RedisExpiredGrace < 0 {
			return errors.New("REDIS_DELETE_GRACE must be positive and REDIS_EXPIRED_GRACE non-negative")
		}
	case BackendSQLite:
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required for the sqlite backend")
		}
		if c.DatabasePath != ":memory:" {
			if err := withinWorkDir(c.DatabasePath); err != nil {
				return err
			}
		}
	case BackendPostgres:
		if c.DatabaseURL.Value() == "" && !c.SecretsFromProvider {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q (want memory, redis, sqlite or postgres)", c.StoreBackend)
	}
	if c.SweepInterval < 0 {
		return errors.New("SWEEP_INTERVAL must not be negative")
	}
	if c.DefaultTTL <= 0 || c.MaxTTL <= 0 {
		return errors.New("DEFAULT_TTL and MAX_TTL must be positive")
	}
	if c.DefaultTTL > c.MaxTTL {
		return errors.New("DEFAULT_TTL cannot exceed MAX_TTL")
	}
	if c.MaxTextLength <= 0 {
		return errors.New("MAX_TEXT_LENGTH must be positive")
	}
	if c.LiveBuffer <= 0 {
		return errors.New("LIVE_BUFFER must be positive")
	}
	if c.LiveHeartbeat < time.Second {
		return errors.New("LIVE_HEARTBEAT must be at least 1s")
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}

// SweepEvery is the sweeper period: SWEEP_INTERVAL when set, otherwise one
// minute for the in-process table and five for durable stores.
func (c *Cfg) SweepEvery() time.Duration {
	if c.SweepInterval > 0 {
		return c.SweepInterval
	}
	if c.StoreBackend == BackendMemory {
		return time.Minute
	}
	return 5 * time.Minute
}

// ClampTTL applies DEFAULT_TTL to non-positive requests and caps at MAX_TTL.
func (c *Cfg) ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.DefaultTTL
	}
	if ttl > c.MaxTTL {
		return c.MaxTTL
	}
	return ttl
}

func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.DatabaseURL.Wipe()
}
func withinWorkDir(path string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	return nil
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
