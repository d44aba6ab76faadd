package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	CacheBackendFS = "fs"
	CacheBackendS3 = "s3"

	PolicyChapter = "chapter"
	PolicyPartner = "partner"
)

type Config struct {
	API       APIConfig
	Cache     CacheConfig
	Database  DatabaseConfig
	Subdivide SubdivideConfig
	Ingest    IngestConfig
}

type APIConfig struct {
	BaseURL         string
	KeyPrimary      string
	KeySecondary    string
	DailyLimit      int
	RecordLimit     int
	Timeout         time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	RateLimitPerSec float64
	RateLimitBurst  int
	QuotaStatePath  string
}

type CacheConfig struct {
	Enabled     bool
	Backend     string
	Dir         string
	TTLDays     int
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3Prefix    string
	S3AccessKey string
	S3SecretKey string
}

type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	Path     string
	MaxConns int
}

type SubdivideConfig struct {
	Policy   string
	MaxDepth int
	Partners []string
}

type IngestConfig struct {
	Workers   int
	Reporters string
}

// Load reads configuration from the environment. Callers load .env files beforehand.
func Load() (*Config, error) {
	database, err := loadDatabase()
	if err != nil {
		return nil, err
	}
	baseDelay, err := getDurationOrDefault("API_RETRY_BASE_DELAY", 2*time.Second)
	if err != nil {
		return nil, err
	}
	maxDelay, err := getDurationOrDefault("API_RETRY_MAX_DELAY", 60*time.Second)
	if err != nil {
		return nil, err
	}
	ratePerSec, err := strconv.ParseFloat(getEnvOrDefault("API_RATE_LIMIT_PER_SEC", "1"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid API_RATE_LIMIT_PER_SEC: %w", err)
	}

	cfg := &Config{
		API: APIConfig{
			BaseURL:         getEnvOrDefault("COMTRADE_BASE_URL", "https://comtradeapi.un.org/"),
			KeyPrimary:      strings.TrimSpace(os.Getenv("COMTRADE_API_KEY_PRIMARY")),
			KeySecondary:    strings.TrimSpace(os.Getenv("COMTRADE_API_KEY_SECONDARY")),
			DailyLimit:      getIntOrDefault("API_DAILY_LIMIT", 500),
			RecordLimit:     getIntOrDefault("API_RECORD_LIMIT", 100000),
			Timeout:         time.Duration(getIntOrDefault("API_TIMEOUT_SECONDS", 60)) * time.Second,
			MaxRetries:      getIntOrDefault("API_MAX_RETRIES", 5),
			RetryBaseDelay:  baseDelay,
			RetryMaxDelay:   maxDelay,
			RateLimitPerSec: ratePerSec,
			RateLimitBurst:  getIntOrDefault("API_RATE_LIMIT_BURST", 1),
			QuotaStatePath:  getEnvOrDefault("QUOTA_STATE_PATH", "quota.json"),
		},
		Cache: CacheConfig{
			Enabled:     getBoolOrDefault("CACHE_ENABLED", true),
			Backend:     strings.ToLower(getEnvOrDefault("CACHE_BACKEND", CacheBackendFS)),
			Dir:         getEnvOrDefault("CACHE_DIR", "cache"),
			TTLDays:     getIntOrDefault("CACHE_TTL_DAYS", 30),
			S3Bucket:    os.Getenv("CACHE_S3_BUCKET"),
			S3Region:    getEnvOrDefault("CACHE_S3_REGION", "us-east-1"),
			S3Endpoint:  os.Getenv("CACHE_S3_ENDPOINT"),
			S3Prefix:    getEnvOrDefault("CACHE_S3_PREFIX", "comtrade"),
			S3AccessKey: os.Getenv("CACHE_S3_ACCESS_KEY"),
			S3SecretKey: os.Getenv("CACHE_S3_SECRET_KEY"),
		},
		Database: *database,
		Subdivide: SubdivideConfig{
			Policy:   strings.ToLower(getEnvOrDefault("SUBDIVIDE_POLICY", PolicyChapter)),
			MaxDepth: getIntOrDefault("SUBDIVIDE_MAX_DEPTH", 2),
			Partners: parseCommaSeparated(os.Getenv("SUBDIVIDE_PARTNERS")),
		},
		Ingest: IngestConfig{
			Workers:   getIntOrDefault("INGEST_WORKERS", 1),
			Reporters: getEnvOrDefault("REPORTERS", "all"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.API.KeyPrimary == "" && c.API.KeySecondary == "" {
		errs = append(errs, errors.New("COMTRADE_API_KEY_PRIMARY is required"))
	}
	if c.API.DailyLimit <= 0 {
		errs = append(errs, errors.New("API_DAILY_LIMIT must be positive"))
	}
	if c.API.RecordLimit <= 0 {
		errs = append(errs, errors.New("API_RECORD_LIMIT must be positive"))
	}
	if c.API.MaxRetries < 0 {
		errs = append(errs, errors.New("API_MAX_RETRIES must not be negative"))
	}
	if c.API.RateLimitPerSec <= 0 {
		errs = append(errs, errors.New("API_RATE_LIMIT_PER_SEC must be positive"))
	}
	if c.Cache.TTLDays <= 0 {
		errs = append(errs, errors.New("CACHE_TTL_DAYS must be positive"))
	}
	switch c.Cache.Backend {
	case CacheBackendFS:
		if c.Cache.Enabled && c.Cache.Dir == "" {
			errs = append(errs, errors.New("CACHE_DIR is required"))
		}
	case CacheBackendS3:
		if c.Cache.Enabled && c.Cache.S3Bucket == "" {
			errs = append(errs, errors.New("CACHE_S3_BUCKET is required when CACHE_BACKEND=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CACHE_BACKEND %q", c.Cache.Backend))
	}
	if err := c.Database.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Subdivide.Policy {
	case PolicyChapter:
	case PolicyPartner:
		if len(c.Subdivide.Partners) == 0 {
			errs = append(errs, errors.New("SUBDIVIDE_PARTNERS is required when SUBDIVIDE_POLICY=partner"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SUBDIVIDE_POLICY %q", c.Subdivide.Policy))
	}
	if c.Subdivide.MaxDepth < 0 {
		errs = append(errs, errors.New("SUBDIVIDE_MAX_DEPTH must not be negative"))
	}
	if c.Ingest.Workers <= 0 {
		errs = append(errs, errors.New("INGEST_WORKERS must be positive"))
	}
	return errors.Join(errs...)
}

// LoadDatabase reads only the database settings, for commands that never call the provider.
func LoadDatabase() (*DatabaseConfig, error) {
	database, err := loadDatabase()
	if err != nil {
		return nil, err
	}
	if err := database.Validate(); err != nil {
		return nil, err
	}
	return database, nil
}

func loadDatabase() (*DatabaseConfig, error) {
	port, err := strconv.Atoi(getEnvOrDefault("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	return &DatabaseConfig{
		Driver:   strings.ToLower(getEnvOrDefault("DB_DRIVER", DriverPostgres)),
		Host:     getEnvOrDefault("DB_HOST", "localhost"),
		Port:     port,
		Name:     getEnvOrDefault("DB_NAME", "comtrade_db"),
		User:     getEnvOrDefault("DB_USER", "postgres"),
		Password: os.Getenv("DB_PASSWORD"),
		SSLMode:  getEnvOrDefault("DB_SSLMODE", "disable"),
		Path:     getEnvOrDefault("DB_PATH", "data/comtrade.db"),
		MaxConns: getIntOrDefault("DB_MAX_CONNS", 4),
	}, nil
}

func (c *DatabaseConfig) Validate() error {
	switch c.Driver {
	case DriverPostgres:
		if c.Host == "" || c.Name == "" || c.User == "" {
			return errors.New("DB_HOST, DB_NAME and DB_USER are required for postgres")
		}
	case DriverSQLite:
		if c.Path == "" {
			return errors.New("DB_PATH is required for sqlite")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.Driver)
	}
	return nil
}

// DSN returns the postgres connection URL.
func (c *DatabaseConfig) DSN() string {
	dsn := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Name,
	}
	query := dsn.Query()
	query.Add("sslmode", c.SSLMode)
	dsn.RawQuery = query.Encode()
	return dsn.String()
}

func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLDays) * 24 * time.Hour
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getDurationOrDefault accepts Go durations ("2s") or bare seconds ("2").
func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parseCommaSeparated(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
