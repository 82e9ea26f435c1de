package backup

import (
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devicekit/backupd/internal/backup/operation"
	"github.com/devicekit/backupd/internal/infrastructure/monitoring"
	"github.com/devicekit/backupd/internal/logging"
	"github.com/devicekit/backupd/internal/shared/id"
)

const defaultChunkSize = 32 * 1024

// TaskParams configures one full-data backup task.
type TaskParams struct {
	Queue     *Queue
	Transport Transport
	Engine    Engine
	Observer  Observer
	Scheduler Scheduler
	Agents    Agents
	WakeLock  WakeLock
	Ops       *operation.Registry
	Metrics   *monitoring.Metrics // optional
	Log       *logging.Logger

	ChunkSize      int
	OpTimeout      time.Duration
	UserInitiated  bool
	UpdateSchedule bool

	// OnFinished is invoked once, after cleanup, on every exit path.
	OnFinished func()
}

// Task is the queue orchestrator: it processes the producer queue to
// completion or cancellation, one producer at a time, driving the pipe relay
// pump on its own goroutine.
//
// The task blocks at three points per producer: the preflight result, reads
// on the engine-side pipe, and the runner's final result. HandleCancel
// unblocks all three: it cancels the runner's operation (which counts down
// the preflight latch and tears down the agent so reads return EOF) and
// releases the final-result latch. Once HandleCancel returns, this task
// issues no further transport calls.
type Task struct {
	queue     *Queue
	transport Transport
	engine    Engine
	observer  Observer
	scheduler Scheduler
	agents    Agents
	wake      WakeLock
	ops       *operation.Registry
	metrics   *monitoring.Metrics
	log       *logging.Logger

	chunkSize      int
	opTimeout      time.Duration
	userInitiated  bool
	updateSchedule bool
	onFinished     func()

	token id.OpToken
	guard cancelGuard

	// Pipes for the in-flight producer; the deferred cleanup closes whatever
	// is still open.
	tpipe *pipePair
	epipe *pipePair

	runner *Runner

	started time.Time
	ran     atomic.Bool
	done    chan struct{}
}

// NewTask wires a task and registers it for whole-run cancellation.
func NewTask(params TaskParams) *Task {
	if params.Observer == nil {
		params.Observer = NopObserver{}
	}
	if params.Scheduler == nil {
		params.Scheduler = NopScheduler{}
	}
	if params.Agents == nil {
		params.Agents = NopAgents{}
	}
	if params.WakeLock == nil {
		params.WakeLock = NopWakeLock{}
	}
	if params.ChunkSize <= 0 {
		params.ChunkSize = defaultChunkSize
	}
	if params.OpTimeout <= 0 {
		params.OpTimeout = 5 * time.Minute
	}

	t := &Task{
		queue:          params.Queue,
		transport:      params.Transport,
		engine:         params.Engine,
		observer:       params.Observer,
		scheduler:      params.Scheduler,
		agents:         params.Agents,
		wake:           params.WakeLock,
		ops:            params.Ops,
		metrics:        params.Metrics,
		log:            params.Log.Named("task"),
		chunkSize:      params.ChunkSize,
		opTimeout:      params.OpTimeout,
		userInitiated:  params.UserInitiated,
		updateSchedule: params.UpdateSchedule,
		onFinished:     params.OnFinished,
		done:           make(chan struct{}),
	}
	t.token = params.Ops.Register(t)
	return t
}

// Done is closed when the run has fully finished, cleanup included.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Run processes the queue. It is valid to call only once per task.
func (t *Task) Run() {
	if !t.ran.CompareAndSwap(false, true) {
		t.log.Warn("Run() called more than once; ignoring")
		return
	}
	t.started = time.Now()
	t.wake.Acquire()
	if t.metrics != nil {
		t.metrics.RunStarted()
	}

	runStatus := ResultOK
	var backoff time.Duration

	defer func() {
		if rec := recover(); rec != nil {
			t.log.Error("Unexpected failure during backup run", zap.Any("panic", rec))
			runStatus = ResultTransportAborted
		}
		t.finish(runStatus, backoff)
	}()

	for _, p := range t.queue.Producers() {
		aborted, delay := t.backupOne(p)
		if delay > 0 {
			backoff = delay
		}
		if aborted {
			runStatus = ResultTransportAborted
			return
		}
		if t.isCancelled() {
			return
		}
	}
}

// backupOne runs a single producer's slot. It returns true when a
// transport-level failure must abort the remaining queue, along with the
// transport's advisory backoff hint.
func (t *Task) backupOne(p Producer) (aborted bool, backoff time.Duration) {
	log := t.log.With(zap.String("producer", p.Name))

	// Both pipe pairs are closed exactly once, whatever happens below.
	defer func() {
		t.tpipe.close()
		t.tpipe = nil
		t.epipe.close()
		t.epipe = nil
		t.runner = nil
		t.agents.TearDown(p)
	}()

	tp, err := newPipePair()
	if err != nil {
		log.Error("Failed to create transport pipe", zap.Error(err))
		return true, 0
	}
	t.tpipe = tp

	status := ResultOK
	quota := int64(math.MaxInt64)
	var started bool

	t.guard.mu.Lock()
	if t.guard.cancelAll {
		t.guard.mu.Unlock()
		return false, 0
	}
	log.Info("Initiating full-data transport backup",
		zap.String("token", t.token.String()))

	// The transport takes ownership of its read end here.
	status = t.transport.BeginTransfer(p, tp.detachRead(),
		TransferFlags{UserInitiated: t.userInitiated})
	if status == ResultOK {
		q, qerr := t.transport.Quota(p)
		if qerr != nil {
			log.Error("Failed to fetch quota", zap.Error(qerr))
			status = ResultTransportAborted
		} else {
			quota = q
			ep, perr := newPipePair()
			if perr != nil {
				log.Error("Failed to create engine pipe", zap.Error(perr))
				status = ResultTransportAborted
			} else {
				t.epipe = ep
				// The runner owns the write end from here on.
				t.runner = NewRunner(t.engine, t.transport, t.agents, p, quota,
					ep.detachWrite(), t.opTimeout, t.ops, t.log)
				t.guard.streaming = true
				started = true
			}
		}
	}
	t.guard.mu.Unlock()

	if started {
		go t.runner.Run()

		var total int64
		size, pfCode := t.runner.WaitPreflight()
		if pfCode != ResultOK {
			log.Warn("Backup error after preflight; not running transfer",
				zap.String("result", pfCode.String()))
			status = pfCode
		} else {
			pmp := &pump{
				transport: t.transport,
				guard:     &t.guard,
				chunkSize: t.chunkSize,
				quota:     quota,
				expected:  size,
				producer:  p,
				observer:  t.observer,
				log:       log,
			}
			status, total = pmp.run(t.epipe.r, t.tpipe.w)
			if status == ResultQuotaExceeded {
				log.Warn("Producer hit quota limit in-flight",
					zap.Int64("total", total),
					zap.Int64("quota", quota))
				t.runner.QuotaExceeded(total, quota)
			}
		}

		runnerResult := t.runner.WaitResult()

		t.guard.mu.Lock()
		t.guard.streaming = false
		// If cancelAll is set, Abort() has already been issued by
		// HandleCancel; nothing more may reach the transport.
		if !t.guard.cancelAll {
			if runnerResult == ResultOK {
				// In a good state the commit verdict becomes the final
				// result; an existing failure is preserved and the commit
				// verdict ignored.
				finish := t.transport.Commit()
				if status == ResultOK {
					status = finish
				}
			} else {
				t.transport.Abort()
			}
		}
		t.guard.mu.Unlock()

		// A transport-originated failure means the link is already broken
		// under the runner; transport failures take precedence over the
		// runner's own verdict.
		if status == ResultOK && runnerResult != ResultOK {
			status = runnerResult
		}

		if t.metrics != nil {
			t.metrics.RecordProducerBytes(total)
		}
		log.Debug("Done delivering backup data", zap.String("result", status.String()))
	}

	t.guard.mu.Lock()
	if !t.guard.cancelAll {
		backoff = t.transport.NextDelay()
	}
	t.guard.mu.Unlock()

	// Roll this producer to the end of the schedule-driven queue regardless
	// of success or failure.
	if t.updateSchedule {
		t.scheduler.Enqueue(p.Name, time.Now())
	}

	if t.isCancelled() && status == ResultOK {
		status = ResultCancelled
	}

	switch status {
	case ResultOK:
		log.Info("Producer backup complete")
	case ResultPackageRejected:
		log.Info("Transport rejected backup; skipping")
	case ResultQuotaExceeded:
		log.Warn("Transport quota exceeded for producer")
	case ResultAgentError:
		log.Warn("Producer agent failure")
	case ResultCancelled:
		log.Warn("Producer backup cancelled")
	default:
		log.Error("Transport failed; aborting backup run",
			zap.String("result", status.String()))
		status = ResultTransportAborted
		aborted = true
	}

	t.report(p.Name, status)
	if t.metrics != nil {
		t.metrics.RecordProducerResult(status.String())
	}
	return aborted, backoff
}

// finish performs global cleanup exactly once, on every exit path.
func (t *Task) finish(runStatus ResultCode, backoff time.Duration) {
	t.guard.mu.Lock()
	cancelled := t.guard.cancelAll
	t.guard.mu.Unlock()
	if cancelled {
		runStatus = ResultCancelled
	}

	t.log.Info("Full data backup pass finished",
		zap.String("status", runStatus.String()),
		zap.Duration("elapsed", time.Since(t.started)))

	func() {
		defer func() { _ = recover() }() // observer is best-effort
		t.observer.OnRunFinished(runStatus)
	}()

	t.tpipe.close()
	t.tpipe = nil
	t.epipe.close()
	t.epipe = nil

	t.ops.Unregister(t.token)
	t.wake.Release()

	if t.metrics != nil {
		t.metrics.RecordRun(runStatus.String(), time.Since(t.started))
	}

	if t.onFinished != nil {
		t.onFinished()
	}
	close(t.done)

	// Schedule-driven work is done; plan the next pass from the new queue
	// state unless the whole run was cancelled.
	if t.updateSchedule && runStatus != ResultCancelled {
		t.scheduler.ScheduleNextRun(backoff)
	}
}

// HandleCancel cancels the whole run. Only cancelAll=true is supported;
// cancelling a single in-flight producer is the runner's own business.
// Idempotent: a second call while already cancelling is a no-op.
func (t *Task) HandleCancel(cancelAll bool) {
	t.guard.mu.Lock()
	defer t.guard.mu.Unlock()

	if !cancelAll {
		t.log.Error("Expected cancelAll to be true")
	}
	if t.guard.cancelAll {
		t.log.Debug("Ignoring duplicate cancel call")
		return
	}
	t.guard.cancelAll = true

	if t.guard.streaming && t.runner != nil {
		t.ops.Cancel(t.runner.Token(), true)
		t.transport.Abort()
	}
}

func (t *Task) isCancelled() bool {
	t.guard.mu.Lock()
	defer t.guard.mu.Unlock()
	return t.guard.cancelAll
}

func (t *Task) report(name string, code ResultCode) {
	defer func() { _ = recover() }() // observer is best-effort
	t.observer.OnProducerResult(name, code)
}
