package notify

import (
	"context"
	"errors"
	"sync"

	"memberflow.org/internal/obs"
)

const defaultQueue = 256

// Async hands notices to a background worker so callers never wait on the
// wrapped sink. When the queue is full the notice is dropped and logged.
type Async struct {
	next  Sink
	queue chan Notice
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts a worker forwarding to next. queue <= 0 selects the default size.
func NewAsync(next Sink, queue int) *Async {
	if queue <= 0 {
		queue = defaultQueue
	}
	a := &Async{next: next, queue: make(chan Notice, queue), done: make(chan struct{})}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for n := range a.queue {
		a.next.Notify(context.Background(), n.RecipientOrgID, n.TransferID, n.Reason)
	}
}

func (a *Async) Notify(_ context.Context, recipientOrgID, transferID int64, reason string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		dropped(transferID, reason, "closed")
		return
	}
	select {
	case a.queue <- Notice{RecipientOrgID: recipientOrgID, TransferID: transferID, Reason: reason}:
	default:
		dropped(transferID, reason, "queue_full")
	}
}

func dropped(transferID int64, reason, cause string) {
	obs.Warn("notice_dropped", map[string]any{"transfer_id": transferID, "reason": reason, "cause": cause})
}

// Close stops accepting notices and waits for the queue to drain or ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("notify: queue not drained"), ctx.Err())
	}
}
