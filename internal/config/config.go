package config

import (
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// insecureDefaults are secret values that must never survive into
// production. Startup fails if any configured secret matches one.
var insecureDefaults = map[string]bool{
	"changeme":                         true,
	"secret":                           true,
	"dev-secret-key-do-not-use-in-prod": true,
	"00000000000000000000000000000000": true,
}

type Config struct {
	Host        string `mapstructure:"HOST"`
	Port        string `mapstructure:"PORT"`
	Environment string `mapstructure:"ENVIRONMENT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	RedisURL      string `mapstructure:"REDIS_URL"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	JWTSecretKey  string   `mapstructure:"JWT_SECRET_KEY"`
	EncryptionKey string   `mapstructure:"ENCRYPTION_KEY"`
	RequireAuth   bool     `mapstructure:"REQUIRE_AUTH"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPM          int  `mapstructure:"RATE_LIMIT_RPM"`
	RateLimitRequireRedis bool `mapstructure:"RATE_LIMIT_REQUIRE_REDIS"`

	UploadMaxBytes      int64 `mapstructure:"UPLOAD_MAX_BYTES"`
	UploadSpoolBytes    int64 `mapstructure:"UPLOAD_SPOOL_BYTES"`
	JobWorkers          int   `mapstructure:"JOB_WORKERS"`
	JobQueueSize        int   `mapstructure:"JOB_QUEUE_SIZE"`
	JobSoftDeadlineSecs int   `mapstructure:"JOB_SOFT_DEADLINE_SECS"`

	CacheTTLClaim     time.Duration `mapstructure:"CACHE_TTL_CLAIM"`
	CacheTTLRiskScore time.Duration `mapstructure:"CACHE_TTL_RISK_SCORE"`
	CacheTTLPayer     time.Duration `mapstructure:"CACHE_TTL_PAYER"`
	CacheTTLCount     time.Duration `mapstructure:"CACHE_TTL_COUNT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REQUIRE_AUTH", true)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPM", 600)
	v.SetDefault("RATE_LIMIT_REQUIRE_REDIS", true)
	v.SetDefault("UPLOAD_MAX_BYTES", int64(500*1024*1024))
	v.SetDefault("UPLOAD_SPOOL_BYTES", int64(10*1024*1024))
	v.SetDefault("JOB_WORKERS", 4)
	v.SetDefault("JOB_QUEUE_SIZE", 100)
	v.SetDefault("JOB_SOFT_DEADLINE_SECS", 600)
	v.SetDefault("CACHE_TTL_CLAIM", "30m")
	v.SetDefault("CACHE_TTL_RISK_SCORE", "60m")
	v.SetDefault("CACHE_TTL_PAYER", "24h")
	v.SetDefault("CACHE_TTL_COUNT", "5m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"HOST", "PORT", "ENVIRONMENT",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "REDIS_PASSWORD",
		"JWT_SECRET_KEY", "ENCRYPTION_KEY", "REQUIRE_AUTH", "CORS_ORIGINS",
		"RATE_LIMIT_RPM", "RATE_LIMIT_REQUIRE_REDIS",
		"UPLOAD_MAX_BYTES", "UPLOAD_SPOOL_BYTES",
		"JOB_WORKERS", "JOB_QUEUE_SIZE", "JOB_SOFT_DEADLINE_SECS",
		"CACHE_TTL_CLAIM", "CACHE_TTL_RISK_SCORE", "CACHE_TTL_PAYER", "CACHE_TTL_COUNT",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode.")
		log.Println("WARNING: Unauthenticated requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Environment == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SoftDeadline returns the job soft deadline; the hard deadline is twice it.
func (c *Config) SoftDeadline() time.Duration {
	return time.Duration(c.JobSoftDeadlineSecs) * time.Second
}

// Validate checks that the configuration is safe to run. Production refuses
// to start with default or short secrets, a permissive CORS policy, or auth
// disabled.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENVIRONMENT must be development, staging, or production, got %q", c.Environment)
	}

	if c.EncryptionKey != "" && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 characters, got %d", len(c.EncryptionKey))
	}

	if !c.IsProduction() {
		return nil
	}

	if !c.RequireAuth {
		return fmt.Errorf("REQUIRE_AUTH must be enabled in production")
	}
	if len(c.JWTSecretKey) < 32 {
		return fmt.Errorf("JWT_SECRET_KEY must be at least 32 characters in production")
	}
	if insecureDefaults[strings.ToLower(c.JWTSecretKey)] {
		return fmt.Errorf("JWT_SECRET_KEY matches a known default; refusing to start")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required in production")
	}
	if insecureDefaults[strings.ToLower(c.EncryptionKey)] {
		return fmt.Errorf("ENCRYPTION_KEY matches a known default; refusing to start")
	}
	if c.RedisURL == "" && c.RateLimitRequireRedis {
		return fmt.Errorf("REDIS_URL is required in production when RATE_LIMIT_REQUIRE_REDIS is set")
	}

	for _, origin := range c.CORSOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" || strings.Contains(origin, "*") {
			return fmt.Errorf("CORS_ORIGINS must not contain wildcards in production")
		}
		u, err := url.Parse(origin)
		if err != nil {
			return fmt.Errorf("CORS_ORIGINS contains invalid origin %q: %w", origin, err)
		}
		if u.Scheme != "https" {
			return fmt.Errorf("CORS_ORIGINS must be HTTPS in production, got %q", origin)
		}
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" {
			return fmt.Errorf("CORS_ORIGINS must not include localhost in production")
		}
	}

	return nil
}
