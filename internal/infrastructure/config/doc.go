// Package config provides 12-factor configuration management for kerneld.
//
// Configuration is loaded from environment variables with sensible defaults,
// or from a YAML file with LoadFile. CLI flags override either source.
//
// Configuration Sections:
//   - Server: diagnostics HTTP server settings (port, host)
//   - Kernel: spin counts, port retry policy and poll interval for the primitives
//   - Echo: name and capacity of the echo port service
//   - Logging: Log level and output format
//   - RateLimit: Per-client rate limiting of the diagnostics API
//   - CORS: Origins allowed to call the diagnostics API from a browser
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Diagnostics on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - KERNELD_PORT, KERNELD_HOST
//   - SEM_SPIN_COUNT, MAILBOX_SPIN_COUNT, PORT_SEND_RETRIES, PORT_RETRY_DELAY,
//     POLL_INTERVAL, PORT_MAX_MESSAGE
//   - ECHO_PORT_NAME, ECHO_PORT_CAPACITY
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - CORS_ALLOWED_ORIGINS, CORS_MAX_AGE, CORS_ENABLED
package config
