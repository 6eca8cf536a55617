// Package monitor exposes the broker to operators: Prometheus metrics,
// queue health checks and an HTTP admin API.
package monitor
