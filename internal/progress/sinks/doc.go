// Package sinks implements concrete progress consumers: Prometheus metrics,
// structured logging, and a result sink that writes extracted data to a blob
// store. Each sink satisfies the progress.Sink interface and is safe for
// repeated Consume/Close cycles.
package sinks
