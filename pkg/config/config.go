// Package config loads dock settings from config.yaml and DOCK_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DOCK_BUILD_METHOD
const EnvPrefix = "DOCK"

// Config holds all configuration for the application
type Config struct {
	Log      LogConfig
	Docker   DockerConfig
	Build    BuildConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Server   ServerConfig
	Tracing  TracingConfig
	Metrics  MetricsConfig
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string
	Format string
}

// DockerConfig holds container engine connection settings
type DockerConfig struct {
	// Host overrides DOCKER_HOST when set
	Host       string
	SocketPath string
}

// BuildConfig holds dispatch defaults
type BuildConfig struct {
	Method             string
	BuildImage         string
	Timeout            time.Duration
	WorkDir            string
	UseCache           bool
	CleanupOnFailure   bool
	EngineReadyTimeout time.Duration
}

// DatabaseConfig holds build history storage settings
type DatabaseConfig struct {
	Driver          string
	DSN             string
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogQueries      bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// WorkerConfig holds queue worker configuration
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	MaxAttempts  int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimit       float64
	RateBurst       int
}

// TracingConfig holds distributed tracing configuration
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	Insecure       bool
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Namespace string
}

// Load reads config.yaml from the working directory, ./config or $HOME/.dock
// and applies environment overrides
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches the
// default locations, where a missing file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.dock")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	config := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Docker: DockerConfig{
			Host:       v.GetString("docker.host"),
			SocketPath: v.GetString("docker.socket_path"),
		},
		Build: BuildConfig{
			Method:             v.GetString("build.method"),
			BuildImage:         v.GetString("build.build_image"),
			Timeout:            v.GetDuration("build.timeout"),
			WorkDir:            v.GetString("build.work_dir"),
			UseCache:           v.GetBool("build.use_cache"),
			CleanupOnFailure:   v.GetBool("build.cleanup_on_failure"),
			EngineReadyTimeout: v.GetDuration("build.engine_ready_timeout"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			DSN:             v.GetString("database.dsn"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			LogQueries:      v.GetBool("database.log_queries"),
		},
		Redis: RedisConfig{
			URL:      v.GetString("redis.url"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Worker: WorkerConfig{
			Concurrency:  v.GetInt("worker.concurrency"),
			PollInterval: v.GetDuration("worker.poll_interval"),
			MaxAttempts:  v.GetInt("worker.max_attempts"),
		},
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			RateLimit:       v.GetFloat64("server.rate_limit"),
			RateBurst:       v.GetInt("server.rate_burst"),
		},
		Tracing: TracingConfig{
			Enabled:        v.GetBool("tracing.enabled"),
			ServiceName:    v.GetString("tracing.service_name"),
			ServiceVersion: v.GetString("tracing.service_version"),
			Environment:    v.GetString("tracing.environment"),
			OTLPEndpoint:   v.GetString("tracing.otlp_endpoint"),
			SampleRate:     v.GetFloat64("tracing.sample_rate"),
			Insecure:       v.GetBool("tracing.insecure"),
		},
		Metrics: MetricsConfig{
			Namespace: v.GetString("metrics.namespace"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	switch c.Build.Method {
	case "hostdocker", "privileged", "here":
	default:
		return fmt.Errorf("invalid build.method %q", c.Build.Method)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid database.driver %q", c.Database.Driver)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Build.Timeout <= 0 {
		return fmt.Errorf("build.timeout must be positive, got %v", c.Build.Timeout)
	}
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.socket_path", "/var/run/docker.sock")

	v.SetDefault("build.method", "hostdocker")
	v.SetDefault("build.build_image", "")
	v.SetDefault("build.timeout", 30*time.Minute)
	v.SetDefault("build.work_dir", "")
	v.SetDefault("build.use_cache", false)
	v.SetDefault("build.cleanup_on_failure", true)
	v.SetDefault("build.engine_ready_timeout", 60*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dock")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "dock")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.log_queries", false)

	v.SetDefault("redis.url", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.max_attempts", 3)

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.rate_limit", 10.0)
	v.SetDefault("server.rate_burst", 20)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "dock")
	v.SetDefault("tracing.service_version", "1.0.0")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4318")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.insecure", true)

	v.SetDefault("metrics.namespace", "dock")
}
