// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces that task runs use to report lifecycle milestones. It
// batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics or a message broker.
package progress
