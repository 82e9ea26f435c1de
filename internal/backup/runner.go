package backup

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devicekit/backupd/internal/backup/operation"
	"github.com/devicekit/backupd/internal/logging"
	"github.com/devicekit/backupd/internal/shared/id"
)

// RunnerState tracks one producer attempt through its lifecycle.
type RunnerState int32

const (
	StateCreated RunnerState = iota
	StatePreflightRunning
	StatePreflightOK
	StatePreflightFailed
	StateTransferRunning
	StateTransferOK
	StateTransferFailed
	StateDone
	StateCancelled
)

func (s RunnerState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePreflightRunning:
		return "preflight_running"
	case StatePreflightOK:
		return "preflight_ok"
	case StatePreflightFailed:
		return "preflight_failed"
	case StateTransferRunning:
		return "transfer_running"
	case StateTransferOK:
		return "transfer_ok"
	case StateTransferFailed:
		return "transfer_failed"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Runner drives one producer's preflight and transfer on a dedicated
// goroutine. It owns the engine pipe's write end and closes it when the
// attempt ends, which is how the pump sees EOF.
//
// Both blocking accessors are guaranteed to unblock exactly once, whether the
// attempt completes, is cancelled, or hits the backstop timeout.
type Runner struct {
	engine   Engine
	agents   Agents
	producer Producer
	quota    int64
	out      *os.File
	timeout  time.Duration
	ops      *operation.Registry
	log      *logging.Logger

	token id.OpToken
	pf    *preflight

	ctx      context.Context
	cancelFn context.CancelFunc

	mu            sync.Mutex
	state         RunnerState
	cancelled     bool
	preflightSize int64
	preflightCode ResultCode
	transferCode  ResultCode
	transferRan   bool

	preflightDone chan struct{}
	preflightOnce sync.Once
	transferDone  chan struct{}
	transferOnce  sync.Once
}

// NewRunner registers a runner for one producer attempt. out is the engine
// pipe's write end; ownership transfers to the runner.
func NewRunner(engine Engine, transport Transport, agents Agents, p Producer,
	quota int64, out *os.File, timeout time.Duration,
	ops *operation.Registry, log *logging.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		engine:        engine,
		agents:        agents,
		producer:      p,
		quota:         quota,
		out:           out,
		timeout:       timeout,
		ops:           ops,
		log:           log.With(zap.String("producer", p.Name)),
		ctx:           ctx,
		cancelFn:      cancel,
		state:         StateCreated,
		preflightCode: ResultAgentError,
		transferCode:  ResultAgentError,
		preflightDone: make(chan struct{}),
		transferDone:  make(chan struct{}),
	}
	r.token = ops.Register(r)
	r.pf = newPreflight(engine, transport, p, quota, timeout, ops, r.log)
	return r
}

// Token returns the runner's registry token, used by the orchestrator to
// propagate whole-run cancellation.
func (r *Runner) Token() id.OpToken {
	return r.token
}

// State returns the current lifecycle state.
func (r *Runner) State() RunnerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run executes preflight then, on success, the real transfer. Any internal
// failure classifies as an agent error and finalizes through the normal path;
// nothing propagates to the orchestrator goroutine.
func (r *Runner) Run() {
	defer r.finalize()

	var size int64
	code := ResultCancelled
	if !r.isCancelled() {
		r.setState(StatePreflightRunning)
		size, code = r.pf.run()
	}

	r.mu.Lock()
	r.preflightSize = size
	r.preflightCode = code
	if !r.cancelled {
		if code == ResultOK {
			r.state = StatePreflightOK
		} else {
			r.state = StatePreflightFailed
		}
	}
	r.mu.Unlock()
	r.preflightOnce.Do(func() { close(r.preflightDone) })

	if code != ResultOK || r.isCancelled() {
		return
	}

	r.setState(StateTransferRunning)
	err := r.engine.Stream(r.ctx, r.producer, r.out, r.quota)

	r.mu.Lock()
	r.transferRan = true
	r.transferCode = classifyStreamError(err, r.cancelled)
	if !r.cancelled {
		if r.transferCode == ResultOK {
			r.state = StateTransferOK
		} else {
			r.state = StateTransferFailed
		}
	}
	r.mu.Unlock()
}

func classifyStreamError(err error, cancelled bool) ResultCode {
	switch {
	case cancelled:
		return ResultCancelled
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrQuotaExceeded):
		return ResultQuotaExceeded
	case errors.Is(err, context.Canceled):
		return ResultCancelled
	default:
		return ResultAgentError
	}
}

// finalize runs on every exit path and unblocks both accessors exactly once.
func (r *Runner) finalize() {
	if rec := recover(); rec != nil {
		r.log.Error("Panic during producer backup", zap.Any("panic", rec))
		r.mu.Lock()
		r.transferCode = ResultAgentError
		r.mu.Unlock()
	}

	r.mu.Lock()
	if !r.cancelled && r.state != StateCancelled {
		r.state = StateDone
	}
	out := r.out
	r.out = nil
	r.mu.Unlock()

	r.ops.Unregister(r.token)
	r.preflightOnce.Do(func() { close(r.preflightDone) })
	r.transferOnce.Do(func() { close(r.transferDone) })

	// Closing the write end signals EOF to the pump.
	if out != nil {
		if err := out.Close(); err != nil {
			r.log.Warn("Error closing engine pipe in runner", zap.Error(err))
		}
	}
}

// WaitPreflight blocks until the preflight phase concludes. On success the
// returned size is the expected transfer size; otherwise the code is the
// failure verdict. Bounded by the backstop timeout.
func (r *Runner) WaitPreflight() (int64, ResultCode) {
	select {
	case <-r.preflightDone:
	case <-time.After(r.timeout):
		return 0, ResultAgentError
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return 0, ResultCancelled
	}
	return r.preflightSize, r.preflightCode
}

// WaitResult blocks until the whole attempt concludes and returns its final
// verdict. Bounded by the backstop timeout.
func (r *Runner) WaitResult() ResultCode {
	select {
	case <-r.transferDone:
	case <-time.After(r.timeout):
		return ResultAgentError
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancelled {
		return ResultCancelled
	}
	if !r.transferRan {
		// Preflight failed or transfer never started; the preflight verdict
		// is the attempt's verdict.
		return r.preflightCode
	}
	return r.transferCode
}

// QuotaExceeded tells the in-flight engine stream to abort internally after a
// mid-stream quota verdict from the transport.
func (r *Runner) QuotaExceeded(seen, quota int64) {
	r.engine.QuotaExceeded(r.producer, seen, quota)
}

// HandleCancel flips flags, unblocks every outstanding wait, and tears down
// the producer's agent so pending pipe reads see EOF. Idempotent.
func (r *Runner) HandleCancel(cancelAll bool) {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	r.cancelled = true
	r.state = StateCancelled
	r.mu.Unlock()

	r.log.Warn("Producer backup cancelled")

	// Cancel the preflight spun off by this attempt.
	r.ops.Cancel(r.pf.token, cancelAll)
	r.cancelFn()
	r.agents.TearDown(r.producer)

	// Free up everyone waiting on this attempt.
	r.preflightOnce.Do(func() { close(r.preflightDone) })
	r.transferOnce.Do(func() { close(r.transferDone) })
	r.ops.Unregister(r.token)
}

func (r *Runner) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *Runner) setState(s RunnerState) {
	r.mu.Lock()
	if !r.cancelled {
		r.state = s
	}
	r.mu.Unlock()
}
