package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devicekit/backupd/internal/infrastructure/config"
	"github.com/devicekit/backupd/internal/server"
)

func main() {
	port := flag.String("port", "", "HTTP port (overrides PORT)")
	dataDir := flag.String("data", "", "Data directory (overrides BACKUP_DATA_DIR)")
	transportAddr := flag.String("transport", "", "Transport address (overrides TRANSPORT_ADDR)")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dataDir != "" {
		cfg.Backup.DataDir = *dataDir
	}
	if *transportAddr != "" {
		cfg.Transport.Address = *transportAddr
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	}
}
