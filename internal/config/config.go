package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string   `mapstructure:"PORT"`
	Env                   string   `mapstructure:"ENV"`
	DatabaseURL           string   `mapstructure:"DATABASE_URL"`
	DBSchema              string   `mapstructure:"DB_SCHEMA"`
	DBMaxConns            int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL              string   `mapstructure:"REDIS_URL"`
	SessionCookieName     string   `mapstructure:"SESSION_COOKIE_NAME"`
	SessionTimeoutMinutes int      `mapstructure:"SESSION_TIMEOUT_MINUTES"`
	LockoutThreshold      int      `mapstructure:"LOCKOUT_THRESHOLD"`
	LockoutMinutes        int      `mapstructure:"LOCKOUT_MINUTES"`
	JWTSecret             string   `mapstructure:"JWT_SECRET"`
	CORSOrigins           []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS          float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit             string   `mapstructure:"BODY_LIMIT"`
	RequestTimeoutSeconds int      `mapstructure:"REQUEST_TIMEOUT_SECONDS"`
	RedcapFieldmaps       string   `mapstructure:"REDCAP_FIELDMAPS"`
	ExportRecipientsFile  string   `mapstructure:"EXPORT_RECIPIENTS_FILE"`
	ExportWorkers         int      `mapstructure:"EXPORT_WORKERS"`
	ParallelTaskFetch     bool     `mapstructure:"PARALLEL_TASK_FETCH"`
	OTLPEndpoint          string   `mapstructure:"OTLP_ENDPOINT"`
	ServerURL             string   `mapstructure:"SERVER_URL"`
	TLSEnabled            bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile           string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile            string   `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SESSION_COOKIE_NAME", "camcops_session")
	v.SetDefault("SESSION_TIMEOUT_MINUTES", 30)
	v.SetDefault("LOCKOUT_THRESHOLD", 10)
	v.SetDefault("LOCKOUT_MINUTES", 30)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "10M")
	v.SetDefault("REQUEST_TIMEOUT_SECONDS", 60)
	v.SetDefault("REDCAP_FIELDMAPS", "./fieldmaps")
	v.SetDefault("EXPORT_WORKERS", 4)
	v.SetDefault("PARALLEL_TASK_FETCH", false)
	v.SetDefault("SERVER_URL", "http://localhost:8000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_SCHEMA")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("SESSION_COOKIE_NAME")
	v.BindEnv("SESSION_TIMEOUT_MINUTES")
	v.BindEnv("LOCKOUT_THRESHOLD")
	v.BindEnv("LOCKOUT_MINUTES")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("BODY_LIMIT")
	v.BindEnv("REQUEST_TIMEOUT_SECONDS")
	v.BindEnv("REDCAP_FIELDMAPS")
	v.BindEnv("EXPORT_RECIPIENTS_FILE")
	v.BindEnv("EXPORT_WORKERS")
	v.BindEnv("PARALLEL_TASK_FETCH")
	v.BindEnv("OTLP_ENDPOINT")
	v.BindEnv("SERVER_URL")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests without a session act as the superuser \"dev\".")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SessionTimeout is the idle lifetime of a login session.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// LockoutPeriod is how long an account stays locked after too many failed logins.
func (c *Config) LockoutPeriod() time.Duration {
	return time.Duration(c.LockoutMinutes) * time.Minute
}

// RequestTimeout bounds the work done for one API request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT secret of at least 32 bytes is required so bearer tokens cannot be
// forged.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
		}
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret))
		}
	}

	if c.SessionTimeoutMinutes <= 0 {
		return fmt.Errorf("SESSION_TIMEOUT_MINUTES must be positive, got %d", c.SessionTimeoutMinutes)
	}
	if c.ExportWorkers <= 0 {
		return fmt.Errorf("EXPORT_WORKERS must be positive, got %d", c.ExportWorkers)
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_SECONDS must be positive, got %d", c.RequestTimeoutSeconds)
	}
	if c.DBSchema == "" {
		return fmt.Errorf("DB_SCHEMA must not be empty")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
