package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/quickswitch/quickswitch/internal/daemon"
	"github.com/quickswitch/quickswitch/internal/infrastructure/config"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	d, err := daemon.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create daemon: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		d.Close()
		log.Fatalf("Daemon error: %v", err)
	}

	if err := d.Close(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
}
