package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/linolazarous/app/pkg/models"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Queue    QueueConfig
	Auth     AuthConfig
	OAuth    OAuthConfig
	Billing  BillingConfig
	Plans    []models.Plan
	Logging  LoggingConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	Mode            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver   string // postgres, sqlite
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
	Path     string // sqlite file, ":memory:" for an ephemeral store
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// StorageConfig holds the object storage used for the billing event archive
type StorageConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// QueueConfig holds message queue configuration
type QueueConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
	Prefetch int
}

// AuthConfig holds token and password settings
type AuthConfig struct {
	AccessSecret    string
	RefreshSecret   string
	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	Issuer          string
	BcryptCost      int
	VerificationTTL time.Duration
	LoginAttempts   int64
	LoginWindow     time.Duration
}

// OAuthConfig holds identity provider settings
type OAuthConfig struct {
	GitHub         GitHubConfig
	Timeout        time.Duration
	ProfileRetries int
	StateTTL       time.Duration
}

// GitHubConfig holds GitHub OAuth application credentials
type GitHubConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

// BillingConfig holds billing provider webhook and checkout settings
type BillingConfig struct {
	WebhookSecret      string
	SignatureTolerance time.Duration
	ProviderTimeout    time.Duration
	Async              bool
	LockTTL            time.Duration

	// Checkout is disabled while APIKey is empty
	APIKey     string
	APIBase    string
	SuccessURL string
	CancelURL  string
}

// LoggingConfig mirrors logging.Config
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// MetricsConfig holds the metrics server settings
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds Jaeger settings
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if len(config.Plans) == 0 {
		config.Plans = models.DefaultPlans()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate refuses configurations the service must not start with
func (c *Config) Validate() error {
	var errs []error

	if c.Auth.AccessSecret == "" || c.Auth.RefreshSecret == "" {
		errs = append(errs, errors.New("auth.accessSecret and auth.refreshSecret must be set"))
	} else if c.Auth.AccessSecret == c.Auth.RefreshSecret {
		errs = append(errs, errors.New("auth.accessSecret and auth.refreshSecret must differ"))
	}
	if c.Auth.AccessTTL <= 0 || c.Auth.RefreshTTL <= 0 {
		errs = append(errs, errors.New("auth token TTLs must be positive"))
	}
	if c.Auth.AccessTTL > c.Auth.RefreshTTL {
		errs = append(errs, errors.New("auth.accessTTL must not exceed auth.refreshTTL"))
	}

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}

	if c.OAuth.Timeout <= 0 || c.Billing.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("provider timeouts must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.rateLimitRPS", 20)
	v.SetDefault("server.rateLimitBurst", 40)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "app")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.path", "app.db")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Storage defaults
	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.accessKeyID", "minioadmin")
	v.SetDefault("storage.secretAccessKey", "minioadmin")
	v.SetDefault("storage.bucketName", "billing-events")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.useSSL", false)

	// Queue defaults
	v.SetDefault("queue.enabled", false)
	v.SetDefault("queue.host", "localhost")
	v.SetDefault("queue.port", 5672)
	v.SetDefault("queue.user", "guest")
	v.SetDefault("queue.password", "guest")
	v.SetDefault("queue.vhost", "/")
	v.SetDefault("queue.prefetch", 8)

	// Auth defaults
	v.SetDefault("auth.accessSecret", "")
	v.SetDefault("auth.refreshSecret", "")
	v.SetDefault("auth.accessTTL", "24h")
	v.SetDefault("auth.refreshTTL", "168h")
	v.SetDefault("auth.issuer", "app")
	v.SetDefault("auth.bcryptCost", 12)
	v.SetDefault("auth.verificationTTL", "48h")
	v.SetDefault("auth.loginAttempts", 10)
	v.SetDefault("auth.loginWindow", "15m")

	// OAuth defaults
	v.SetDefault("oauth.github.clientID", "")
	v.SetDefault("oauth.github.clientSecret", "")
	v.SetDefault("oauth.github.redirectURL", "http://localhost:3000/auth/github/callback")
	v.SetDefault("oauth.github.scopes", []string{"read:user", "user:email"})
	v.SetDefault("oauth.timeout", "10s")
	v.SetDefault("oauth.profileRetries", 2)
	v.SetDefault("oauth.stateTTL", "10m")

	// Billing defaults
	v.SetDefault("billing.webhookSecret", "")
	v.SetDefault("billing.signatureTolerance", "5m")
	v.SetDefault("billing.providerTimeout", "10s")
	v.SetDefault("billing.async", false)
	v.SetDefault("billing.lockTTL", "30s")
	v.SetDefault("billing.apiKey", "")
	v.SetDefault("billing.apiBase", "https://api.stripe.com")
	v.SetDefault("billing.successURL", "http://localhost:3000/settings?checkout=success")
	v.SetDefault("billing.cancelURL", "http://localhost:3000/pricing")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "app")
	v.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")
}
