// Package operation tracks cancelable units of work.
//
// Every blocking wait that can be cancelled from another goroutine holds a
// live entry here for its duration. The entry is removed exactly once, on
// normal completion or on cancellation.
package operation

import (
	"sync"

	"go.uber.org/zap"

	"github.com/devicekit/backupd/internal/logging"
	"github.com/devicekit/backupd/internal/shared/id"
)

// Canceler is implemented by tasks that can be cancelled through the
// registry. HandleCancel must return promptly: it only flips flags and
// unblocks latches, never performs blocking I/O.
type Canceler interface {
	HandleCancel(cancelAll bool)
}

type entry struct {
	owner     Canceler
	cancelled bool
}

// Registry is a process-wide table mapping operation tokens to cancellation
// state. It is safe for concurrent use.
type Registry struct {
	mu  sync.Mutex
	ops map[id.OpToken]*entry
	log *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logging.Logger) *Registry {
	return &Registry{
		ops: make(map[id.OpToken]*entry),
		log: log.Named("ops"),
	}
}

// Register adds owner to the table and returns its token. Registration must
// happen before any wait that depends on the token can be cancelled.
func (r *Registry) Register(owner Canceler) id.OpToken {
	token := id.NewOpToken()

	r.mu.Lock()
	r.ops[token] = &entry{owner: owner}
	r.mu.Unlock()

	r.log.Debug("Operation registered", zap.String("token", token.String()))
	return token
}

// Cancel dispatches cancellation to the token's owner. Idempotent per token:
// cancelling an unknown, completed, or already-cancelled operation is a no-op.
// The owner's handler runs synchronously, outside the registry lock.
func (r *Registry) Cancel(token id.OpToken, cancelAll bool) {
	r.mu.Lock()
	e, ok := r.ops[token]
	if !ok || e.cancelled {
		r.mu.Unlock()
		r.log.Debug("Ignoring cancel for inactive operation",
			zap.String("token", token.String()))
		return
	}
	e.cancelled = true
	owner := e.owner
	r.mu.Unlock()

	r.log.Debug("Cancelling operation",
		zap.String("token", token.String()),
		zap.Bool("cancel_all", cancelAll))
	owner.HandleCancel(cancelAll)

	r.mu.Lock()
	delete(r.ops, token)
	r.mu.Unlock()
}

// Unregister removes the token on normal completion. Safe to call for a
// token that was already cancelled away.
func (r *Registry) Unregister(token id.OpToken) {
	r.mu.Lock()
	delete(r.ops, token)
	r.mu.Unlock()
}

// Pending returns the number of live operations.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}
