// Package main runs one rollback peer: it hosts or dials a session, plays
// it to the end and writes the episode export.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"duet/peer/internal/app"
	"duet/peer/internal/config"
	"duet/peer/internal/telemetry"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", os.Getenv("DUET_CONFIG"), "path to a YAML config file")
	flag.Parse()

	settings, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.SetPrefix("[" + settings.LocalPlayer + "] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{
		Settings: settings,
		Logger:   telemetry.WrapLogger(log.Default()),
	}); err != nil {
		log.Fatalf("%v", err)
	}
}
