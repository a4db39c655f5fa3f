package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	multimcp "github.com/paulgrammer/multi-mcp"
)

func main() {
	configFile := flag.String("config", getEnvOrDefault("MULTI_MCP_CONFIG", "config.yaml"), "path to the YAML configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("MULTI_MCP_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.Parse()

	// Logs go to stderr: in stdio mode stdout carries the protocol.
	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	srv, err := multimcp.NewServerFromConfigFile(*configFile, multimcp.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start proxy", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	<-srv.Done()
	logger.Info("shutting down proxy...")
}

// getEnvOrDefault returns the value of the environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
