package turn

import (
	"context"
	"sync"

	"github.com/cortexlabs/cortex-core/pkg/models"
)

// ApprovalResolver is the blocking handoff between a tool call left
// AwaitingApproval by the dispatch pipeline and the host application's
// eventual decision. Unlike the dispatch pipeline's own Pending tracker
// (which only remembers that a request exists), ApprovalResolver is what
// makes the turn state machine actually block: Await parks the calling
// goroutine on a channel until Resolve is called for the same call id,
// the context is cancelled, or the request's TTL fires a denial.
type ApprovalResolver struct {
	mu      sync.Mutex
	waiters map[string]chan models.ApprovalDecision
}

// NewApprovalResolver creates an empty resolver.
func NewApprovalResolver() *ApprovalResolver {
	return &ApprovalResolver{waiters: make(map[string]chan models.ApprovalDecision)}
}

// Await blocks until the host calls Resolve for callID, the context is
// cancelled, or Cancel is called for callID (e.g. because the request
// expired). A context cancellation is reported to the caller as
// models.ApprovalDeny with a non-nil error so the turn can distinguish
// "host said no" from "we gave up waiting".
func (r *ApprovalResolver) Await(ctx context.Context, callID string) (models.ApprovalDecision, error) {
	ch := make(chan models.ApprovalDecision, 1)
	r.mu.Lock()
	r.waiters[callID] = ch
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.waiters, callID)
		r.mu.Unlock()
	}()

	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		return models.ApprovalDeny, ctx.Err()
	}
}

// Resolve delivers the host's decision to whichever goroutine is
// blocked in Await for callID. It returns false if nothing is waiting
// (the call already timed out, was cancelled, or was never dispatched).
func (r *ApprovalResolver) Resolve(callID string, decision models.ApprovalDecision) bool {
	r.mu.Lock()
	ch, ok := r.waiters[callID]
	if ok {
		delete(r.waiters, callID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	ch <- decision
	return true
}

// CancelAll unblocks every pending Await with a denial, used when the
// turn itself is aborted so no goroutine is left waiting on a decision
// that will never come: any AwaitingApproval tool call becomes
// Denied{reason: cancelled}.
func (r *ApprovalResolver) CancelAll() {
	r.mu.Lock()
	waiters := r.waiters
	r.waiters = make(map[string]chan models.ApprovalDecision)
	r.mu.Unlock()
	for _, ch := range waiters {
		ch <- models.ApprovalDeny
	}
}
