// Package tracing provides request tracing for the control plane.
//
// Each HTTP request gets a span identified by a prefixed ULID. Completed
// spans flow through a buffered channel to a collector that emits them as
// structured log entries, so a run can be followed from the API call that
// started it. Trace identity propagates through context and the
// X-Trace-ID / X-Span-ID headers.
package tracing
