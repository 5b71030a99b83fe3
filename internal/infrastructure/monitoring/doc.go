/*
Package monitoring provides Prometheus metrics for the primitive layer and kerneld.

# Overview

The kernel package reports thread, semaphore, port and area activity through a
*Metrics value; kerneld adds HTTP request metrics for its diagnostics API.

# Features

- Thread lifecycle counters (spawned, exited by outcome, live)
- Semaphore acquire results and slow-path wait times
- Port message/byte counters, send retries and failures
- Area attach counters and live gauges
- A nil *Metrics is a valid no-op recorder

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	team, err := kernel.NewTeam(kernel.Options{})
	team.WithMetrics(metrics)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
*/
package monitoring
