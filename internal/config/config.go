package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	HTTPPort    string `mapstructure:"HTTP_PORT"`

	MLLPHost           string `mapstructure:"MLLP_HOST"`
	MLLPPort           int    `mapstructure:"MLLP_PORT"`
	MLLPMaxConnections int    `mapstructure:"MLLP_MAX_CONNECTIONS"`
	MLLPIdleTimeoutMS  int    `mapstructure:"MLLP_IDLE_TIMEOUT_MS"`

	MLLPClientConnectTimeoutMS  int `mapstructure:"MLLP_CLIENT_CONNECT_TIMEOUT_MS"`
	MLLPClientResponseTimeoutMS int `mapstructure:"MLLP_CLIENT_RESPONSE_TIMEOUT_MS"`
	MLLPClientMaxRetries        int `mapstructure:"MLLP_CLIENT_MAX_RETRIES"`
	MLLPClientBackoffMS         int `mapstructure:"MLLP_CLIENT_BACKOFF_MS"`

	RouterMaxDLQSize    int      `mapstructure:"ROUTER_MAX_DLQ_SIZE"`
	CDSServiceTimeoutMS int      `mapstructure:"CDS_SERVICE_TIMEOUT_MS"`
	CDSExternalURLs     []string `mapstructure:"CDS_EXTERNAL_URLS"`

	JWTSecret   string `mapstructure:"JWT_SECRET"`
	JWTIssuer   string `mapstructure:"JWT_ISSUER"`
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	JWTJWKSURL  string `mapstructure:"JWT_JWKS_URL"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("MLLP_HOST", "0.0.0.0")
	v.SetDefault("MLLP_PORT", 2575)
	v.SetDefault("MLLP_MAX_CONNECTIONS", 100)
	v.SetDefault("MLLP_IDLE_TIMEOUT_MS", 300000)
	v.SetDefault("MLLP_CLIENT_CONNECT_TIMEOUT_MS", 10000)
	v.SetDefault("MLLP_CLIENT_RESPONSE_TIMEOUT_MS", 30000)
	v.SetDefault("MLLP_CLIENT_MAX_RETRIES", 3)
	v.SetDefault("MLLP_CLIENT_BACKOFF_MS", 1000)
	v.SetDefault("ROUTER_MAX_DLQ_SIZE", 1000)
	v.SetDefault("CDS_SERVICE_TIMEOUT_MS", 10000)
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENVIRONMENT")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("HTTP_PORT")
	v.BindEnv("MLLP_HOST")
	v.BindEnv("MLLP_PORT")
	v.BindEnv("MLLP_MAX_CONNECTIONS")
	v.BindEnv("MLLP_IDLE_TIMEOUT_MS")
	v.BindEnv("MLLP_CLIENT_CONNECT_TIMEOUT_MS")
	v.BindEnv("MLLP_CLIENT_RESPONSE_TIMEOUT_MS")
	v.BindEnv("MLLP_CLIENT_MAX_RETRIES")
	v.BindEnv("MLLP_CLIENT_BACKOFF_MS")
	v.BindEnv("ROUTER_MAX_DLQ_SIZE")
	v.BindEnv("CDS_SERVICE_TIMEOUT_MS")
	v.BindEnv("CDS_EXTERNAL_URLS")
	v.BindEnv("JWT_SECRET")
	v.BindEnv("JWT_ISSUER")
	v.BindEnv("JWT_AUDIENCE")
	v.BindEnv("JWT_JWKS_URL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CDSExternalURLs == nil {
		urls := v.GetString("CDS_EXTERNAL_URLS")
		if urls != "" {
			cfg.CDSExternalURLs = strings.Split(urls, ",")
		}
	}
	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() {
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENVIRONMENT=development).")
		log.Println("WARNING: Admin and CDS endpoints accept unauthenticated requests while JWT_SECRET is empty.")
		log.Println("WARNING: Set ENVIRONMENT=production and configure JWT_SECRET or JWT_JWKS_URL for production.")
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

// MLLPAddr returns the host:port the MLLP listener binds.
func (c *Config) MLLPAddr() string {
	return fmt.Sprintf("%s:%d", c.MLLPHost, c.MLLPPort)
}

func (c *Config) MLLPIdleTimeout() time.Duration {
	return time.Duration(c.MLLPIdleTimeoutMS) * time.Millisecond
}

func (c *Config) MLLPClientConnectTimeout() time.Duration {
	return time.Duration(c.MLLPClientConnectTimeoutMS) * time.Millisecond
}

func (c *Config) MLLPClientResponseTimeout() time.Duration {
	return time.Duration(c.MLLPClientResponseTimeoutMS) * time.Millisecond
}

func (c *Config) MLLPClientBackoff() time.Duration {
	return time.Duration(c.MLLPClientBackoffMS) * time.Millisecond
}

func (c *Config) CDSServiceTimeout() time.Duration {
	return time.Duration(c.CDSServiceTimeoutMS) * time.Millisecond
}

// Validate checks that the configuration is safe to run. In production the
// protected surfaces must have real JWT authentication configured, so either
// JWT_SECRET or JWT_JWKS_URL is required there.
func (c *Config) Validate() error {
	if c.MLLPPort < 1 || c.MLLPPort > 65535 {
		return fmt.Errorf("MLLP_PORT must be between 1 and 65535, got %d", c.MLLPPort)
	}
	if c.MLLPMaxConnections < 1 {
		return fmt.Errorf("MLLP_MAX_CONNECTIONS must be positive, got %d", c.MLLPMaxConnections)
	}
	if c.MLLPIdleTimeoutMS < 0 {
		return fmt.Errorf("MLLP_IDLE_TIMEOUT_MS must not be negative, got %d", c.MLLPIdleTimeoutMS)
	}
	if c.MLLPClientMaxRetries < 0 {
		return fmt.Errorf("MLLP_CLIENT_MAX_RETRIES must not be negative, got %d", c.MLLPClientMaxRetries)
	}
	if c.RouterMaxDLQSize < 1 {
		return fmt.Errorf("ROUTER_MAX_DLQ_SIZE must be positive, got %d", c.RouterMaxDLQSize)
	}
	if c.CDSServiceTimeoutMS < 1 {
		return fmt.Errorf("CDS_SERVICE_TIMEOUT_MS must be positive, got %d", c.CDSServiceTimeoutMS)
	}

	for _, u := range c.CDSExternalURLs {
		trimmed := strings.TrimSpace(u)
		if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
			return fmt.Errorf("CDS_EXTERNAL_URLS entries must be http(s) URLs, got %q", u)
		}
	}

	if c.IsProduction() && c.JWTSecret == "" && c.JWTJWKSURL == "" {
		return fmt.Errorf("JWT_SECRET or JWT_JWKS_URL is required in production. " +
			"Refusing to start with unauthenticated admin and CDS endpoints")
	}

	return nil
}
