package config

import (
	"errors"
	"fmt"
	"strings"
)

var envKeyReplacer = strings.NewReplacer(".", "_")

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port must be between 0 and 65535, got %d", c.Server.GRPCPort))
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") {
		errs = append(errs, fmt.Errorf("server.ws_path must start with '/', got %q", c.Server.WSPath))
	}

	if c.Storage.DataDirectory == "" {
		errs = append(errs, errors.New("storage.data_directory is required"))
	}
	if c.Storage.SaveThreshold < 1 {
		errs = append(errs, fmt.Errorf("storage.save_threshold must be positive, got %d", c.Storage.SaveThreshold))
	}
	if c.Storage.FlushWorkers < 1 {
		errs = append(errs, fmt.Errorf("storage.flush_workers must be positive, got %d", c.Storage.FlushWorkers))
	}
	if c.Storage.RetryInitialInterval <= 0 {
		errs = append(errs, errors.New("storage.retry_initial_interval must be positive"))
	}
	if c.Storage.RetryMaxInterval < c.Storage.RetryInitialInterval {
		errs = append(errs, errors.New("storage.retry_max_interval must not be shorter than retry_initial_interval"))
	}

	// Identity plus at least one telemetry value.
	if c.Devices.MaxValuesPerRecord < 2 {
		errs = append(errs, fmt.Errorf("devices.max_values_per_record must be at least 2, got %d", c.Devices.MaxValuesPerRecord))
	}

	if c.Database.Enabled {
		if c.Database.Host == "" || c.Database.Database == "" {
			errs = append(errs, errors.New("database.host and database.database are required when the catalog is enabled"))
		}
		if c.Database.MaxConnections < 1 {
			errs = append(errs, errors.New("database.max_connections must be positive"))
		}
	}

	if c.Auth.Enabled && c.Auth.GetJWTSecret() == "" && len(c.Auth.APIKeyHashes) == 0 {
		errs = append(errs, fmt.Errorf("auth is enabled but neither %s nor auth.api_key_hashes is set", c.Auth.JWTSecretEnv))
	}

	return errors.Join(errs...)
}
