package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/KeyHarbor/server/internal/app"
	"github.com/KeyHarbor/server/internal/config"
)

func main() {
	// Missing .env is fine; config falls back to real environment
	// variables and file values.
	_ = godotenv.Load()

	configPath := flag.String("config", defaultConfigPath(), "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(app.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	application, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := application.Run(ctx)
	if closeErr := application.Close(); closeErr != nil {
		application.Logger.Error().Err(closeErr).Msg("main.cleanup_failed")
	}
	if runErr != nil {
		application.Logger.Error().Err(runErr).Msg("main.exit")
		os.Exit(1)
	}
	application.Logger.Info().Msg("server.stopped")
}

// defaultConfigPath prefers HARBOR_CONFIG, then a config.yaml next to the
// binary. When neither exists the server runs on defaults plus
// environment overrides.
func defaultConfigPath() string {
	if p := os.Getenv("HARBOR_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}
