package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Devices  DevicesConfig  `mapstructure:"devices"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	WSPath          string        `mapstructure:"ws_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig controls where and when buffered records are written.
type StorageConfig struct {
	DataDirectory        string        `mapstructure:"data_directory"`
	SaveThreshold        int           `mapstructure:"save_threshold"`
	FlushWorkers         int           `mapstructure:"flush_workers"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
}

type DevicesConfig struct {
	// MaxValuesPerRecord is the number of comma separated fields in an inbound
	// frame, device identity included.
	MaxValuesPerRecord int    `mapstructure:"max_values_per_record"`
	ProfilesPath       string `mapstructure:"profiles_path"`
}

type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// Auth Configuration
type AuthConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	JWTSecretEnv string   `mapstructure:"jwt_secret_env"`
	APIKeyHashes []string `mapstructure:"api_key_hashes"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 4444)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("storage.data_directory", "./Data/")
	v.SetDefault("storage.save_threshold", 100)
	v.SetDefault("storage.flush_workers", 4)
	v.SetDefault("storage.retry_initial_interval", "500ms")
	v.SetDefault("storage.retry_max_interval", "30s")

	v.SetDefault("devices.max_values_per_record", 3)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.max_connections", 4)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "IOTD_JWT_SECRET")
}

// Load reads the YAML file at path. A missing file is not an error; the
// defaults and IOTD_ environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	SetDefaults(v)

	v.SetEnvPrefix("IOTD")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Default returns the configuration produced by the defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var config Config
	// Unmarshal of defaults only cannot fail.
	_ = v.Unmarshal(&config)
	return &config
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret reads the operator token secret from the configured environment variable.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "IOTD_JWT_SECRET"
	}
	return os.Getenv(envVar)
}
