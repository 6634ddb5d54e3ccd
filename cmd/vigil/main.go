package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/app"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/server"
)

var (
	configFile   = flag.String("config", "", "Configuration file path")
	configFileC  = flag.String("c", "", "Configuration file path (shorthand)")
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Vigil version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Initialize logger
	// 4. Print banner
	path := *configFile
	if path == "" {
		path = *configFileC
	}
	if path == "" {
		// Auto-discover config file next to the binary
		if _, err := os.Stat("vigil.toml"); err == nil {
			path = "vigil.toml"
		}
	}

	config, err := common.LoadConfig(path)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Str("path", path).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if *serverPort != 0 {
		config.Server.Port = *serverPort
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Str("version", common.GetFullVersion()).
		Str("environment", config.Environment).
		Msg("Vigil starting")

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
		os.Exit(1)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start pipeline")
		os.Exit(1)
	}

	httpServer := server.New(application)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	// Wait for shutdown signal or server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown failed")
	}
	application.Stop()

	logger.Info().Msg("Vigil stopped")
}
