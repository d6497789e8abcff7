// Package config loads service settings from defaults, an optional YAML file
// and RETINASCAN_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/example/retinascan/internal/labels"
)

// EnvPrefix prefixes every environment override, e.g. RETINASCAN_AUTH_SECRET.
const EnvPrefix = "RETINASCAN"

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Model    ModelConfig    `mapstructure:"model"`
	History  HistoryConfig  `mapstructure:"history"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
	GinMode         string        `mapstructure:"gin_mode"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig selects the ledger database.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig points at the revocation cache. An empty Addr selects the
// in-process cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig holds session and credential settings. SecureCookie marks the
// session cookie Secure; enable it when the API is served over HTTPS, since
// browsers drop Secure cookies on plain HTTP.
type AuthConfig struct {
	Secret          string        `mapstructure:"secret"`
	Audience        string        `mapstructure:"audience"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	BcryptCost      int           `mapstructure:"bcrypt_cost"`
	LoginRatePerMin int           `mapstructure:"login_rate_per_min"`
	LoginBurst      int           `mapstructure:"login_burst"`
	SecureCookie    bool          `mapstructure:"secure_cookie"`
}

// ModelConfig describes the classifier.
type ModelConfig struct {
	Backend      string   `mapstructure:"backend"` // tflite or grpc
	Path         string   `mapstructure:"path"`
	RemoteAddr   string   `mapstructure:"remote_addr"`
	InputSize    int      `mapstructure:"input_size"`
	Threads      int      `mapstructure:"threads"`
	ApplySoftmax bool     `mapstructure:"apply_softmax"`
	Labels       []string `mapstructure:"labels"`
}

// HistoryConfig bounds history reads.
type HistoryConfig struct {
	Limit int `mapstructure:"limit"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.max_upload_bytes", 10<<20)
	v.SetDefault("server.gin_mode", "release")

	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "retinascan.db")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.audience", "")
	v.SetDefault("auth.session_ttl", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)
	v.SetDefault("auth.login_rate_per_min", 10)
	v.SetDefault("auth.login_burst", 5)
	v.SetDefault("auth.secure_cookie", false)

	v.SetDefault("model.backend", "tflite")
	v.SetDefault("model.path", "model/diabetic_retinopathy.tflite")
	v.SetDefault("model.remote_addr", "")
	v.SetDefault("model.input_size", 229)
	v.SetDefault("model.threads", 0)
	v.SetDefault("model.apply_softmax", false)
	v.SetDefault("model.labels", labels.Default)

	v.SetDefault("history.limit", 10)
}

// Load reads configuration. configFile may be empty.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.Model.InputSize <= 0 {
		errs = append(errs, fmt.Errorf("model.input_size must be positive, got %d", c.Model.InputSize))
	}
	switch c.Model.Backend {
	case "tflite", "grpc":
	default:
		errs = append(errs, fmt.Errorf("model.backend must be tflite or grpc, got %q", c.Model.Backend))
	}
	if c.Model.Backend == "grpc" && c.Model.RemoteAddr == "" {
		errs = append(errs, errors.New("model.remote_addr is required for the grpc backend"))
	}
	if _, err := labels.New(c.Model.Labels); err != nil {
		errs = append(errs, fmt.Errorf("model.labels: %w", err))
	}
	if c.History.Limit <= 0 {
		errs = append(errs, fmt.Errorf("history.limit must be positive, got %d", c.History.Limit))
	}
	return errors.Join(errs...)
}

// LabelSet returns the validated label declaration.
func (c *Config) LabelSet() (labels.Set, error) {
	return labels.New(c.Model.Labels)
}
