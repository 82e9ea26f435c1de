// Package main is the entry point for the backupd orchestrator.
//
// backupd streams full producer backups from a local data root to a
// remote storage transport, one producer at a time, with preflight size
// checks, quota enforcement, and cancellation.
//
// Architecture:
//
//	Dashboard / CLI → backupd control plane → storage transport (HTTP)
//	                                        → data root (filesystem)
//
// The server provides:
//   - REST API for starting, inspecting, and cancelling runs
//   - WebSocket streaming of run progress
//   - Prometheus metrics
//   - Rate limiting and CORS for the control plane
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	./backupd -port 8400 -data /var/lib/backupd/data -transport http://storage:9400
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown, cancelling any active run
package main
