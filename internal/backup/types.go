package backup

import (
	"context"
	"errors"
	"os"
	"time"
)

// ErrQuotaExceeded is returned by an Engine stream that aborted because the
// transport's byte ceiling was hit.
var ErrQuotaExceeded = errors.New("backup quota exceeded")

// Producer identifies one data source scheduled for backup. Eligibility flags
// and the backing agent live with external collaborators; the orchestrator
// only needs the stable name.
type Producer struct {
	Name string
}

// TransferFlags are passed to the transport when a transfer begins.
type TransferFlags struct {
	UserInitiated bool
}

// Engine drives a producer's data-producing agent.
//
// MeasureSize and Stream are called from orchestrator-owned goroutines and
// must honor ctx cancellation. QuotaExceeded may arrive asynchronously while
// Stream is in flight and must cause the stream to wind down; the stream then
// returns ErrQuotaExceeded.
type Engine interface {
	// MeasureSize reports the expected total transfer size for the producer,
	// bounded by quota. No real payload moves.
	MeasureSize(ctx context.Context, p Producer, quota int64) (int64, error)

	// Stream writes the producer's full data into out. The engine does not
	// close out; the caller owns it.
	Stream(ctx context.Context, p Producer, out *os.File, quota int64) error

	// QuotaExceeded tells an in-flight stream for p to abort internally.
	QuotaExceeded(p Producer, seen, quota int64)
}

// Transport is the remote storage backend. All calls are synchronous and may
// block on network I/O.
type Transport interface {
	// BeginTransfer starts a full transfer for p. The transport takes
	// ownership of the pipe read end and closes it when the transfer ends.
	BeginTransfer(p Producer, data *os.File, flags TransferFlags) ResultCode

	// Quota returns the byte ceiling for p's transfer.
	Quota(p Producer) (int64, error)

	// CheckSize validates a preflight estimate against backend constraints.
	CheckSize(estimate int64) ResultCode

	// SendChunk tells the transport to expect n more bytes on its pipe.
	SendChunk(n int) ResultCode

	// Commit finalizes the current transfer.
	Commit() ResultCode

	// Abort discards the current transfer.
	Abort()

	// NextDelay returns the transport's advisory backoff before the next run.
	NextDelay() time.Duration
}

// Observer receives per-producer and whole-run outcomes. Best-effort:
// observer failures never abort a run.
type Observer interface {
	OnProducerResult(name string, code ResultCode)
	OnProgress(name string, expected, sofar int64)
	OnRunFinished(code ResultCode)
}

// Scheduler reschedules future backup work. ScheduleNextRun is invoked only
// on normal, non-cancelled completion.
type Scheduler interface {
	// Enqueue rolls the producer to the end of the schedule-driven queue.
	Enqueue(name string, at time.Time)
	ScheduleNextRun(delay time.Duration)
}

// Agents tears down a producer's backing agent after its slot completes.
type Agents interface {
	TearDown(p Producer)
}

// WakeLock is a run-duration keep-alive resource.
type WakeLock interface {
	Acquire()
	Release()
}

// NopObserver discards all callbacks.
type NopObserver struct{}

func (NopObserver) OnProducerResult(string, ResultCode) {}
func (NopObserver) OnProgress(string, int64, int64)     {}
func (NopObserver) OnRunFinished(ResultCode)            {}

// NopScheduler ignores all scheduling hints.
type NopScheduler struct{}

func (NopScheduler) Enqueue(string, time.Time)     {}
func (NopScheduler) ScheduleNextRun(time.Duration) {}

// NopAgents performs no agent teardown.
type NopAgents struct{}

func (NopAgents) TearDown(Producer) {}

// NopWakeLock is a no-op keep-alive.
type NopWakeLock struct{}

func (NopWakeLock) Acquire() {}
func (NopWakeLock) Release() {}
