package backup

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devicekit/backupd/internal/logging"
)

// QueueScheduler keeps schedule-driven bookkeeping for future runs: the
// per-producer re-enqueue timestamps and the transport-advised time of the
// next pass. It enforces nothing itself; an external job runner reads it.
type QueueScheduler struct {
	log *logging.Logger

	mu       sync.Mutex
	enqueued map[string]time.Time
	nextRun  time.Time
}

// NewQueueScheduler creates an empty scheduler.
func NewQueueScheduler(log *logging.Logger) *QueueScheduler {
	return &QueueScheduler{
		log:      log.Named("schedule"),
		enqueued: make(map[string]time.Time),
	}
}

// Enqueue rolls a producer to the end of the schedule-driven queue.
func (s *QueueScheduler) Enqueue(name string, at time.Time) {
	s.mu.Lock()
	s.enqueued[name] = at
	s.mu.Unlock()
}

// ScheduleNextRun plans the next pass using the transport's advisory backoff.
func (s *QueueScheduler) ScheduleNextRun(delay time.Duration) {
	next := time.Now().Add(delay)
	s.mu.Lock()
	s.nextRun = next
	s.mu.Unlock()
	s.log.Info("Scheduled next backup pass",
		zap.Duration("backoff", delay),
		zap.Time("at", next))
}

// NextRun returns the planned time of the next pass, zero if none is planned.
func (s *QueueScheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// LastEnqueued returns when the producer last rolled to the end of the queue.
func (s *QueueScheduler) LastEnqueued(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.enqueued[name]
	return at, ok
}
