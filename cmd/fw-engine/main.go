package main

import (
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"FlowWarden/internal/config"
	"FlowWarden/internal/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var out io.Writer = os.Stdout
	if cfg.Log.File != "" {
		file := logger.RotatingFile(cfg.Log.File, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups, cfg.Log.MaxAgeDays)
		defer file.Close()
		out = file
	}
	lg := logger.NewLogger(
		logger.NameOption("fw-engine"),
		logger.OutputOption(out),
		logger.FormatOption(logger.Format(cfg.Log.Format)),
		logger.LevelOption(logger.Level(cfg.Log.Level)),
	)
	lg.Infof("configuration loaded from %s", *configPath)

	// 2. Wire the engine
	e, err := newEngine(cfg, lg)
	if err != nil {
		lg.Fatalf("Failed to create engine: %v", err)
	}

	// 3. Start it
	if err := e.Start(); err != nil {
		e.Stop()
		lg.Fatalf("Failed to start engine: %v", err)
	}
	lg.Info("fw-engine started")

	// 4. Wait for a shutdown signal for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	lg.Info("Shutdown signal received, stopping engine...")
	e.Stop()
	lg.Info("Shutdown complete.")
}
