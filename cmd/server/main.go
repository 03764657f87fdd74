package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/iotdserver/internal/auth"
	"github.com/KevinKickass/iotdserver/internal/config"
	"github.com/KevinKickass/iotdserver/internal/storage"
	"github.com/KevinKickass/iotdserver/internal/system"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the configuration file")
	newAPIKey := pflag.Bool("generate-api-key", false, "print a new operator API key and its hash, then exit")
	pflag.Parse()

	if *newAPIKey {
		if err := printAPIKey(); err != nil {
			log.Fatalf("Failed to generate API key: %v", err)
		}
		return
	}

	os.Exit(run(*configPath))
}

// run starts the server and blocks until it has stopped. Every deferred
// cleanup has run by the time it returns the process exit code.
func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return 1
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", configPath))

	opts := system.Options{}

	if cfg.Database.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		db, err := storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			cancel()
			logger.Error("Failed to connect to database", zap.Error(err))
			return 1
		}
		defer db.Close()

		catalog := db.Catalog()
		err = catalog.Migrate(ctx)
		cancel()
		if err != nil {
			logger.Error("Failed to migrate device catalog", zap.Error(err))
			return 1
		}

		opts.Catalog = catalog
		logger.Info("Database connected successfully")
	}

	lifecycle, err := system.NewLifecycleManager(cfg, opts, logger)
	if err != nil {
		logger.Error("Failed to create lifecycle manager", zap.Error(err))
		return 1
	}

	if err := lifecycle.Start(); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		lifecycle.Stop(ctx)
		return 1
	}

	// Graceful shutdown on signal or operator request
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-lifecycle.ShutdownRequested():
		logger.Info("Shutdown requested via API")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := lifecycle.Stop(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return 1
	}

	logger.Info("IoTD server stopped successfully")
	return 0
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	if cfg.Development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func printAPIKey() error {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	hash, err := auth.NewKeyHasher().Hash(key)
	if err != nil {
		return err
	}

	fmt.Printf("API key:  %s\n", key)
	fmt.Printf("Hash:     %s\n", hash)
	fmt.Println("Add the hash to auth.api_key_hashes; the key is not stored anywhere.")
	return nil
}
