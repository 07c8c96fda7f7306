package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mirror transport modes
const (
	MirrorModeNone       = "none"
	MirrorModeHTTP       = "http"
	MirrorModeSubprocess = "subprocess"
	MirrorModeWebSocket  = "websocket"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Registry      RegistryConfig
	Routing       RoutingConfig
	Health        HealthConfig
	Mirror        MirrorConfig
	Commands      CommandsConfig
	Database      *DatabaseConfig // Optional: usage ledger persistence. When nil, usage stays in memory.
	Ledger        LedgerConfig
	Admin         AdminConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// RegistryConfig locates the provider/command catalog
type RegistryConfig struct {
	Path                string // Local YAML or JSON file
	URL                 string // Remote catalog; takes precedence over Path
	ReloadSchedule      string // Cron spec for periodic reload; empty disables it
	ConsistencySchedule string // Cron spec for the health/registry consistency check
	ProviderTimeout     time.Duration
}

// RoutingConfig bounds the fallback chain
type RoutingConfig struct {
	MaxFallbacks   int           // Extra provider attempts after the first
	RequestTimeout time.Duration // Deadline shared by the whole chain

	// RateLimitCleanupSchedule prunes expired per-provider RPM windows
	RateLimitCleanupSchedule string
}

// HealthConfig configures the per-provider circuit breaker
type HealthConfig struct {
	WindowSize       int
	FailureThreshold float64
	BaseCooldown     time.Duration
	MaxCooldown      time.Duration
}

// MirrorConfig selects and configures the reference tool transport
type MirrorConfig struct {
	Mode          string
	URL           string   // http mode
	Command       string   // subprocess mode
	Args          []string // subprocess mode
	WSURL         string   // websocket mode
	RetryBackoff  time.Duration
	Timeout       time.Duration
	SessionTTL    time.Duration
	SweepSchedule string
}

// Enabled reports whether a mirror transport is configured
func (m MirrorConfig) Enabled() bool {
	return m.Mode != "" && m.Mode != MirrorModeNone
}

// CommandsConfig configures the command dispatcher
type CommandsConfig struct {
	Prefix          string
	UnknownAsMirror bool
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	InitSchema       bool
}

// LedgerConfig sizes the async usage writer
type LedgerConfig struct {
	BufferSize  int
	WorkerCount int
}

// AdminConfig guards the admin endpoints
type AdminConfig struct {
	JWTSecret string // HS256 secret; empty disables /admin
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "127.0.0.1"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 180*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Registry: RegistryConfig{
			Path:                getEnv("REGISTRY_PATH", "registry.yaml"),
			URL:                 getEnv("REGISTRY_URL", ""),
			ReloadSchedule:      getEnv("REGISTRY_RELOAD_SCHEDULE", ""),
			ConsistencySchedule: getEnv("HEALTH_CONSISTENCY_SCHEDULE", "@every 1m"),
			ProviderTimeout:     getEnvAsDuration("PROVIDER_TIMEOUT", 60*time.Second),
		},
		Routing: RoutingConfig{
			MaxFallbacks:             getEnvAsInt("ROUTER_MAX_FALLBACKS", 2),
			RequestTimeout:           getEnvAsDuration("ROUTER_REQUEST_TIMEOUT", 120*time.Second),
			RateLimitCleanupSchedule: getEnv("RATELIMIT_CLEANUP_SCHEDULE", "@every 5m"),
		},
		Health: HealthConfig{
			WindowSize:       getEnvAsInt("HEALTH_WINDOW_SIZE", 10),
			FailureThreshold: getEnvAsFloat("HEALTH_FAILURE_THRESHOLD", 0.5),
			BaseCooldown:     getEnvAsDuration("HEALTH_BASE_COOLDOWN", 30*time.Second),
			MaxCooldown:      getEnvAsDuration("HEALTH_MAX_COOLDOWN", 5*time.Minute),
		},
		Mirror: MirrorConfig{
			Mode:          strings.ToLower(getEnv("MIRROR_MODE", MirrorModeNone)),
			URL:           getEnv("MIRROR_URL", ""),
			Command:       getEnv("MIRROR_COMMAND", ""),
			Args:          getEnvAsList("MIRROR_ARGS", nil),
			WSURL:         getEnv("MIRROR_WS_URL", ""),
			RetryBackoff:  getEnvAsDuration("MIRROR_RETRY_BACKOFF", 200*time.Millisecond),
			Timeout:       getEnvAsDuration("MIRROR_TIMEOUT", 120*time.Second),
			SessionTTL:    getEnvAsDuration("MIRROR_SESSION_TTL", 30*time.Minute),
			SweepSchedule: getEnv("MIRROR_SWEEP_SCHEDULE", "@every 1m"),
		},
		Commands: CommandsConfig{
			Prefix:          getEnv("COMMAND_PREFIX", "/"),
			UnknownAsMirror: getEnvAsBool("COMMAND_UNKNOWN_AS_MIRROR", false),
		},
		Database: loadDatabaseConfig(),
		Ledger: LedgerConfig{
			BufferSize:  getEnvAsInt("LEDGER_BUFFER_SIZE", 10000),
			WorkerCount: getEnvAsInt("LEDGER_WORKERS", 2),
		},
		Admin: AdminConfig{
			JWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Registry.Path == "" && c.Registry.URL == "" {
		return fmt.Errorf("registry source required: set REGISTRY_PATH or REGISTRY_URL")
	}
	if c.Registry.URL != "" {
		if u, err := url.Parse(c.Registry.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid REGISTRY_URL %q", c.Registry.URL)
		}
	}

	if c.Routing.MaxFallbacks < 0 {
		return fmt.Errorf("router max fallbacks must not be negative")
	}
	if c.Routing.RequestTimeout <= 0 {
		return fmt.Errorf("router request timeout must be positive")
	}

	if c.Health.WindowSize < 5 {
		return fmt.Errorf("health window size must be at least 5")
	}
	if c.Health.FailureThreshold <= 0 || c.Health.FailureThreshold > 1 {
		return fmt.Errorf("health failure threshold must be in (0, 1]")
	}
	if c.Health.BaseCooldown <= 0 || c.Health.MaxCooldown < c.Health.BaseCooldown {
		return fmt.Errorf("health cooldown must be positive and not exceed the maximum")
	}

	if err := c.Mirror.validate(); err != nil {
		return err
	}

	if strings.TrimSpace(c.Commands.Prefix) == "" || strings.ContainsAny(c.Commands.Prefix, " \t\n") {
		return fmt.Errorf("command prefix must be non-empty and contain no whitespace")
	}

	if c.Database != nil && c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.IsProduction() && c.Server.Host == "0.0.0.0" && c.Admin.JWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required when listening on all interfaces in production")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

func (m MirrorConfig) validate() error {
	switch m.Mode {
	case "", MirrorModeNone:
		return nil
	case MirrorModeHTTP:
		if u, err := url.Parse(m.URL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("MIRROR_URL must be an absolute URL in http mode")
		}
	case MirrorModeSubprocess:
		if m.Command == "" {
			return fmt.Errorf("MIRROR_COMMAND is required in subprocess mode")
		}
	case MirrorModeWebSocket:
		u, err := url.Parse(m.WSURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("MIRROR_WS_URL must be a ws:// or wss:// URL in websocket mode")
		}
	default:
		return fmt.Errorf("unknown MIRROR_MODE %q", m.Mode)
	}
	if m.Timeout <= 0 {
		return fmt.Errorf("mirror timeout must be positive")
	}
	if m.RetryBackoff < 0 {
		return fmt.Errorf("mirror retry backoff must not be negative")
	}
	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig reads DATABASE_URL or DB_* vars. Returns nil when neither is set.
func loadDatabaseConfig() *DatabaseConfig {
	pool := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		InitSchema:      getEnvAsBool("DB_INIT_SCHEMA", true),
	}

	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		pool.ConnectionString = dbURL
		return &pool
	}
	if host := getEnv("DB_HOST", ""); host != "" {
		pool.Host = host
		pool.Port = getEnvAsInt("DB_PORT", 5432)
		pool.User = getEnv("DB_USER", "")
		pool.Password = getEnv("DB_PASSWORD", "")
		pool.Database = getEnv("DB_NAME", "")
		pool.SSLMode = getEnv("DB_SSLMODE", "disable")
		return &pool
	}
	return nil
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8787)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8787
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
