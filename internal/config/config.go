package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Gateway providers
const (
	ProviderHTTP    = "http"
	ProviderStripe  = "stripe"
	ProviderSandbox = "sandbox"
)

// Storage drivers
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds all application configuration. It is loaded once at startup
// and passed by value; nothing mutates it afterwards.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Gateway  GatewayConfig
	Refund   RefundConfig
	Secrets  SecretsConfig
	Logger   LoggerConfig
}

// ServerConfig holds HTTP, gRPC health and metrics listener configuration
type ServerConfig struct {
	Host            string
	CronSecret      string
	HTTPPort        int `validate:"gt=0,lt=65536"`
	GRPCPort        int `validate:"gt=0,lt=65536"`
	MetricsPort     int `validate:"gt=0,lt=65536"`
	RateLimitBurst  int `validate:"gte=1"`
	RateLimitRPS    float64
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Driver   string `validate:"oneof=postgres memory"`
	Host     string
	User     string
	Password string
	Database string
	SSLMode  string
	Port     int
	MaxConns int32
	MinConns int32
}

// GatewayConfig holds payment provider configuration
type GatewayConfig struct {
	Provider string `validate:"oneof=http stripe sandbox"`
	// BaseURL is the provider API root, e.g. https://api.provider.example
	BaseURL string `validate:"omitempty,url"`
	// Credential is the API secret, or a reference resolved at startup
	// (file:/path, aws-sm:secret-id, vault:path#field).
	Credential  string
	CallTimeout time.Duration
}

// RefundConfig holds refund coordination settings
type RefundConfig struct {
	MaxRetries          int `validate:"gte=1,lte=20"`
	RecoveryConcurrency int `validate:"gte=1"`
	RetryDelay          time.Duration
	ReplayCacheTTL      time.Duration
}

// SecretsConfig holds the backends used to resolve credential references
type SecretsConfig struct {
	AWSRegion    string
	VaultAddress string
	VaultToken   string
	LocalPath    string
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level       string `validate:"oneof=debug info warn error"`
	Environment string
	Development bool
}

var validate = validator.New()

// LoadDotEnv loads .env files into the environment when they exist.
// Variables already set are not overridden.
func LoadDotEnv(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (Config, error) {
	cfg := Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			HTTPPort:        getEnvAsInt("HTTP_PORT", 8081),
			GRPCPort:        getEnvAsInt("GRPC_PORT", 8080),
			MetricsPort:     getEnvAsInt("METRICS_PORT", 9090),
			RateLimitRPS:    getEnvAsFloat("RATE_LIMIT_RPS", 10),
			RateLimitBurst:  getEnvAsInt("RATE_LIMIT_BURST", 20),
			CronSecret:      getEnv("CRON_SECRET", ""),
			ShutdownTimeout: getEnvAsSeconds("SHUTDOWN_TIMEOUT_SECONDS", 30*time.Second),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("STORAGE_DRIVER", StoragePostgres),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "refunds"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
			MaxConns: int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns: int32(getEnvAsInt("DB_MIN_CONNS", 5)),
		},
		Gateway: GatewayConfig{
			Provider:    getEnv("GATEWAY_PROVIDER", ProviderHTTP),
			BaseURL:     getEnv("GATEWAY_BASE_URL", ""),
			Credential:  getEnv("GATEWAY_CREDENTIAL", ""),
			CallTimeout: getEnvAsSeconds("GATEWAY_CALL_TIMEOUT_SECONDS", 30*time.Second),
		},
		Refund: RefundConfig{
			MaxRetries:          getEnvAsInt("REFUND_MAX_RETRIES", 3),
			RetryDelay:          getEnvAsSeconds("REFUND_RETRY_DELAY_SECONDS", time.Second),
			RecoveryConcurrency: getEnvAsInt("REFUND_RECOVERY_CONCURRENCY", 4),
			ReplayCacheTTL:      time.Duration(getEnvAsInt("REFUND_REPLAY_CACHE_TTL_MINUTES", 30)) * time.Minute,
		},
		Secrets: SecretsConfig{
			AWSRegion:    getEnv("AWS_REGION", "us-east-1"),
			VaultAddress: getEnv("VAULT_ADDR", ""),
			VaultToken:   getEnv("VAULT_TOKEN", ""),
			LocalPath:    getEnv("SECRETS_LOCAL_PATH", "./secrets"),
		},
		Logger: LoggerConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Environment: getEnv("ENVIRONMENT", "development"),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Gateway.CallTimeout <= 0 {
		return fmt.Errorf("GATEWAY_CALL_TIMEOUT_SECONDS must be positive")
	}
	if c.Refund.RetryDelay < 0 {
		return fmt.Errorf("REFUND_RETRY_DELAY_SECONDS must not be negative")
	}
	if c.Gateway.Provider != ProviderSandbox && c.Gateway.Credential == "" {
		return fmt.Errorf("GATEWAY_CREDENTIAL is required")
	}
	if c.Gateway.Provider == ProviderHTTP && c.Gateway.BaseURL == "" {
		return fmt.Errorf("GATEWAY_BASE_URL is required")
	}
	if c.Database.Driver == StoragePostgres && c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	return nil
}

// WithGatewayCredential returns a copy of the config carrying a resolved credential.
func (c Config) WithGatewayCredential(credential string) Config {
	c.Gateway.Credential = credential
	return c
}

// IsProduction reports whether the service runs in production mode.
func (c LoggerConfig) IsProduction() bool {
	return c.Environment == "production"
}

// ConnectionString returns PostgreSQL connection string
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Helper functions

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

// getEnvAsSeconds reads a (possibly fractional) number of seconds.
func getEnvAsSeconds(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return time.Duration(value * float64(time.Second))
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
