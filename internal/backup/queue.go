package backup

import (
	"go.uber.org/zap"

	"github.com/devicekit/backupd/internal/logging"
)

// Queue is the ordered, finite set of producers for one run, consumed
// strictly in order. Read-only once the run starts.
type Queue struct {
	producers []Producer
}

// NewQueue builds a queue from an already-filtered producer list.
func NewQueue(producers []Producer) *Queue {
	return &Queue{producers: producers}
}

// Producers returns the ordered producer list.
func (q *Queue) Producers() []Producer {
	return q.producers
}

// Len returns the number of queued producers.
func (q *Queue) Len() int {
	return len(q.producers)
}

// Names returns the queued producer names in order.
func (q *Queue) Names() []string {
	names := make([]string, len(q.producers))
	for i, p := range q.producers {
		names[i] = p.Name
	}
	return names
}

// Eligibility decides whether a producer may take part in a full-data run.
// A non-nil error culls the producer with the returned reason.
type Eligibility func(p Producer) error

// BuildQueue resolves requested names into the run's queue. Ineligible
// producers are culled up front and reported to the observer as rejected, the
// same verdict the transport would hand back; they never reach the
// orchestration loop.
func BuildQueue(names []string, eligible Eligibility, obs Observer, log *logging.Logger) *Queue {
	producers := make([]Producer, 0, len(names))
	for _, name := range names {
		p := Producer{Name: name}
		if eligible != nil {
			if err := eligible(p); err != nil {
				log.Info("Ignoring ineligible producer",
					zap.String("producer", name),
					zap.Error(err))
				obs.OnProducerResult(name, ResultPackageRejected)
				continue
			}
		}
		producers = append(producers, p)
	}
	return NewQueue(producers)
}
