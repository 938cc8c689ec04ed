// Package api hosts the status server of a running spider. Notable routes:
//   - GET /healthz / readyz for probes; readyz turns 503 once the run ends.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status and /v1/remains for progress reporting.
//   - POST /v1/feeds, /v1/pause, /v1/resume and /v1/stop for control.
package api
