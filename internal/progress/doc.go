// Package progress provides the typed event catalog a spider publishes, the
// synchronous Bus that delivers those events to subscribers, and the
// non-blocking Hub that batches them on a background goroutine for pluggable
// sinks such as Prometheus metrics, structured logs, or result storage.
package progress
