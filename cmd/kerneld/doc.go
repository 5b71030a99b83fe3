// Package main is kerneld, a diagnostics daemon for the kernel primitives.
//
// kerneld owns one team, runs an echo service on a named port and serves
// introspection of that team over HTTP.
//
// Echo protocol:
//
//	request payload:  <reply port name> NUL <body>
//	reply:            <body> written to the reply port with the request's code
//
// The server provides:
//   - GET /health, /threads, /ports, /areas and /sems/:id as JSON
//   - GET /metrics in the Prometheus text format
//   - Per-client rate limiting and CORS
//
// Configuration:
//   - Environment variables or a YAML file (see internal/infrastructure/config)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Production mode
//	./kerneld -port 9464
//
//	# Development mode (colored logs, debug level)
//	./kerneld -dev
//
//	# Configuration from a YAML file
//	./kerneld -config /etc/kerneld.yaml
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
