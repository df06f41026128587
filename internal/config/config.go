package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Storage  StorageConfig
	Auth     AuthConfig
	Quota    QuotaConfig
	Metrics  MetricsConfig
	Tracing  TracingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitRPS    int
	RateLimitBurst  int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// QueueConfig holds message queue configuration for operational alerts
type QueueConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
}

// StorageConfig holds object storage configuration for ledger archives
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret   string
	TokenExpiry time.Duration
}

// QuotaConfig holds quota enforcement configuration
type QuotaConfig struct {
	// PremiumOperations is the allow-list of metered operation identifiers.
	PremiumOperations []string
	// SweepInterval is the cadence of the scheduled reset job.
	SweepInterval time.Duration
	// SelectionCandidates caps how many eligible keys the selector considers
	// before giving up on the per-minute window.
	SelectionCandidates int
	// StatusCacheTTL bounds staleness of the dashboard key-pool cache.
	StatusCacheTTL time.Duration
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// TracingConfig holds Jaeger tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	JaegerEndpoint string
}

// Load reads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.readTimeout", "30s")
	viper.SetDefault("server.writeTimeout", "30s")
	viper.SetDefault("server.shutdownTimeout", "10s")
	viper.SetDefault("server.rateLimitRPS", 50)
	viper.SetDefault("server.rateLimitBurst", 100)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "keygate")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.maxConns", 25)
	viper.SetDefault("database.minConns", 5)

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Queue defaults
	viper.SetDefault("queue.host", "localhost")
	viper.SetDefault("queue.port", 5672)
	viper.SetDefault("queue.user", "guest")
	viper.SetDefault("queue.password", "guest")
	viper.SetDefault("queue.vhost", "/")

	// Storage defaults
	viper.SetDefault("storage.endpoint", "localhost:9000")
	viper.SetDefault("storage.accessKeyID", "minioadmin")
	viper.SetDefault("storage.secretAccessKey", "minioadmin")
	viper.SetDefault("storage.bucketName", "usage-archives")
	viper.SetDefault("storage.region", "us-east-1")
	viper.SetDefault("storage.useSSL", false)

	// Auth defaults
	viper.SetDefault("auth.jwtSecret", "change-me-in-production")
	viper.SetDefault("auth.tokenExpiry", "24h")

	// Quota defaults
	viper.SetDefault("quota.premiumOperations", []string{
		"ocr.process",
		"convert.pdf",
		"convert.word",
		"ai.summarize",
	})
	viper.SetDefault("quota.sweepInterval", "1h")
	viper.SetDefault("quota.selectionCandidates", 5)
	viper.SetDefault("quota.statusCacheTTL", "30s")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9091)

	// Tracing defaults
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.serviceName", "keygate")
	viper.SetDefault("tracing.jaegerEndpoint", "http://localhost:14268/api/traces")
}
