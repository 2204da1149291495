// Package main runs the Omega Player data engine: the embedded PostgreSQL
// server, its failure recovery orchestrator and the local status API. The
// player shell talks to the engine through the runtime.Application it hosts.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/omega-player/dataengine/internal/app/runtime"
	"github.com/omega-player/dataengine/internal/config"
)

func main() {
	// Parse flags
	configPath := flag.String("config", "", "Path to YAML configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// A .env file is a development convenience, not a requirement.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	log.Println("Starting Omega Player data engine")
	log.Printf("  Base dir: %s", cfg.BaseDir)
	if cfg.StatusAPI.Enabled {
		log.Printf("  Status API: %s", cfg.StatusAPI.Addr)
	}

	app, err := runtime.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize data engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received %s, shutting down", sig)
		cancel()
	}()

	// Run blocks until the context is cancelled or startup fails.
	runErr := app.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}

	if runErr != nil {
		log.Fatalf("Data engine failed: %v", runErr)
	}
	log.Println("Data engine stopped")
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetPrefix("[dataengine] ")
}
