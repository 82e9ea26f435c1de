// Package server provides HTTP control-plane setup for backupd.
//
// This package wires all components:
//   - HTTP routing with Gin framework
//   - Middleware stack (recovery, metrics, CORS, rate limiting)
//   - Transport client, filesystem engine, operation registry
//   - Backup service and run bookkeeping
//   - WebSocket event fan-out
//
// Server Lifecycle:
//  1. Load configuration from environment/flags
//  2. Initialize logger (production or development)
//  3. Build the transport client and data engine
//  4. Setup HTTP routes and middleware
//  5. Start HTTP server
//  6. On shutdown, cancel active runs and wait for them to wind down
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.New(cfg)
//	if err := srv.Run(); err != nil {
//	    log.Fatal(err)
//	}
package server
