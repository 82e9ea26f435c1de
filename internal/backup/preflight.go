package backup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devicekit/backupd/internal/backup/operation"
	"github.com/devicekit/backupd/internal/logging"
	"github.com/devicekit/backupd/internal/shared/id"
)

// preflight asks the producer engine for an expected transfer size before any
// real payload moves, then validates the estimate with the transport.
//
// The measurement runs on its own goroutine; the result latch is released by
// whichever of {engine response, cancellation, backstop timeout} occurs first,
// and the outcome is assigned exactly once.
type preflight struct {
	engine    Engine
	transport Transport
	producer  Producer
	quota     int64
	timeout   time.Duration
	ops       *operation.Registry
	token     id.OpToken
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	size      int64
	err       error
	delivered bool
	cancelled bool
	done      chan struct{}
	once      sync.Once
}

func newPreflight(engine Engine, transport Transport, p Producer, quota int64,
	timeout time.Duration, ops *operation.Registry, log *logging.Logger) *preflight {
	ctx, cancel := context.WithCancel(context.Background())
	pf := &preflight{
		engine:    engine,
		transport: transport,
		producer:  p,
		quota:     quota,
		timeout:   timeout,
		ops:       ops,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	// Registered before any wait can depend on the token.
	pf.token = ops.Register(pf)
	return pf
}

// run blocks until the estimate arrives, the backstop timeout elapses, or the
// preflight is cancelled. A backstop timeout resolves to ResultAgentError: no
// distinguishable signal exists between a slow agent and a broken one.
func (pf *preflight) run() (int64, ResultCode) {
	go func() {
		size, err := pf.engine.MeasureSize(pf.ctx, pf.producer, pf.quota)
		pf.complete(size, err)
	}()

	select {
	case <-pf.done:
	case <-time.After(pf.timeout):
	}

	pf.mu.Lock()
	cancelled := pf.cancelled
	delivered := pf.delivered
	size := pf.size
	err := pf.err
	pf.mu.Unlock()

	if cancelled {
		return 0, ResultCancelled
	}
	if !delivered {
		pf.log.Warn("Preflight backstop timeout elapsed",
			zap.String("producer", pf.producer.Name),
			zap.Duration("timeout", pf.timeout))
		pf.finish()
		return 0, ResultAgentError
	}
	if err != nil {
		pf.log.Warn("Preflight measurement failed",
			zap.String("producer", pf.producer.Name),
			zap.Error(err))
		pf.finish()
		return 0, ResultAgentError
	}

	pf.log.Debug("Got preflight response",
		zap.String("producer", pf.producer.Name),
		zap.Int64("size", size))

	code := pf.transport.CheckSize(size)
	if code == ResultQuotaExceeded {
		pf.log.Warn("Producer hit quota limit on preflight",
			zap.String("producer", pf.producer.Name),
			zap.Int64("size", size),
			zap.Int64("quota", pf.quota))
		// Let the producer abort internally before the slot is torn down.
		pf.engine.QuotaExceeded(pf.producer, size, pf.quota)
	}
	pf.finish()
	return size, code
}

// complete delivers the engine's response. Single-assignment: a late response
// after cancellation or timeout is discarded.
func (pf *preflight) complete(size int64, err error) {
	pf.mu.Lock()
	if !pf.cancelled && !pf.delivered {
		pf.size = size
		pf.err = err
		pf.delivered = true
	}
	pf.mu.Unlock()
	pf.once.Do(func() { close(pf.done) })
}

// HandleCancel flips the cancelled flag and unblocks the latch. It never
// performs blocking I/O.
func (pf *preflight) HandleCancel(cancelAll bool) {
	pf.mu.Lock()
	pf.cancelled = true
	pf.mu.Unlock()
	pf.cancel()
	pf.once.Do(func() { close(pf.done) })
}

// finish releases the registry entry on normal completion.
func (pf *preflight) finish() {
	pf.cancel()
	pf.ops.Unregister(pf.token)
}
