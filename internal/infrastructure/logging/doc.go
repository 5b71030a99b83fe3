// Package logging provides structured logging using uber/zap.
//
// This package offers production-ready logging with two modes:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// The kernel package takes a plain *zap.Logger; the daemon builds one here and
// hands out named children per component (kernel, diag, echo).
//
// Example Usage:
//
//	logger, err := logging.New(logging.ForMode(cfg.Logging.Development, cfg.Logging.Level))
//	team, err := kernel.NewTeam(kernel.Options{Logger: logger.Component("kernel")})
//	logger.Info("Team ready", zap.Int32("team", int32(team.ID())))
package logging
