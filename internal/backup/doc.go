// Package backup implements the streaming backup orchestration engine.
//
// A run processes an ordered queue of producers, one at a time. For each
// producer the orchestrator:
//   - opens a fresh pipe pair toward the transport and begins the transfer
//   - spins off a Runner, which preflights the producer's expected size and,
//     if the transport accepts it, streams the real payload into the engine
//     pipe
//   - pumps bytes from the engine pipe to the transport pipe on its own
//     goroutine, notifying the transport chunk by chunk and enforcing the
//     quota both before and during the transfer
//   - combines the runner's verdict with the transport's, commits or aborts,
//     and reports exactly one result code per producer
//
// Per-producer failures (agent error, quota, rejection, cancellation) recover
// locally and the queue continues; a transport-level failure aborts the
// remaining queue. Cancellation is cooperative: a single guard mutex is
// shared between the cancel-issuing goroutine and the pump, every blocking
// wait is bounded by a backstop timeout, and the operation registry lets any
// token holder cancel across goroutines.
package backup
