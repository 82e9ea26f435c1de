package backup

import (
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/devicekit/backupd/internal/logging"
)

// cancelGuard is the single mutex shared between the cancel-issuing goroutine
// and the pump. cancelAll and streaming are the only cross-goroutine state in
// the orchestration core.
type cancelGuard struct {
	mu        sync.Mutex
	cancelAll bool
	streaming bool
}

// pump bridges a producer's engine pipe to the transport pipe in bounded
// chunks, running on the orchestrator's goroutine. For each chunk moved it
// notifies the transport, under the cancel guard: either both the write and
// the notification happen, or cancellation has already torn down the
// transport link and the notification is skipped.
type pump struct {
	transport Transport
	guard     *cancelGuard
	chunkSize int
	quota     int64
	expected  int64 // preflight estimate; >0 enables progress reporting
	producer  Producer
	observer  Observer
	log       *logging.Logger
}

// run moves bytes until EOF from the producer side, a non-OK transport
// status, or cancellation. Returns the terminal status and total bytes moved.
func (p *pump) run(in io.Reader, out io.Writer) (ResultCode, int64) {
	buf := make([]byte, p.chunkSize)
	status := ResultOK
	var total int64

	for {
		p.guard.mu.Lock()
		cancelled := p.guard.cancelAll
		p.guard.mu.Unlock()
		if cancelled {
			status = ResultCancelled
			break
		}

		n, err := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				p.log.Warn("Transport pipe write failed", zap.Error(werr))
				status = ResultTransportAborted
				break
			}

			p.guard.mu.Lock()
			if !p.guard.cancelAll {
				status = p.transport.SendChunk(n)
			}
			p.guard.mu.Unlock()

			total += int64(n)

			// The preflight estimate is advisory; the quota holds mid-stream
			// too.
			if status == ResultOK && total > p.quota {
				status = ResultQuotaExceeded
			}

			if p.expected > 0 {
				p.observer.OnProgress(p.producer.Name, p.expected, total)
			}
		}

		if err != nil {
			if err != io.EOF {
				p.log.Warn("Producer pipe read failed", zap.Error(err))
			}
			break
		}
		if n == 0 || status != ResultOK {
			break
		}
	}

	return status, total
}
