// Package approval implements the session-scoped Approval Memory (C1):
// a cache of user decisions keyed by request fingerprint, so the same
// prompt is never issued twice in a session.
package approval

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/cortexlabs/cortex-core/pkg/models"
)

// Memory records and recalls approval decisions for a single session.
// record/lookup are safe for concurrent use; a record that completes
// before a lookup begins is guaranteed visible to it.
type Memory struct {
	mu      sync.RWMutex
	exact   map[string]models.ApprovalDecision
	pattern map[string]models.ApprovalDecision
}

// New creates an empty, session-scoped approval memory.
func New() *Memory {
	return &Memory{
		exact:   make(map[string]models.ApprovalDecision),
		pattern: make(map[string]models.ApprovalDecision),
	}
}

// Record stores a decision. Allow/Deny are stored under the exact key
// only; Always/Never are stored under the pattern key so future,
// similar calls resolve without a prompt.
func (m *Memory) Record(fp models.Fingerprint, decision models.ApprovalDecision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch decision {
	case models.ApprovalAlways, models.ApprovalNever:
		m.pattern[fp.Pattern] = decision
	default:
		m.exact[fp.Exact] = decision
	}
}

// Lookup returns a previously recorded decision for the fingerprint, if
// any. Exact-key lookup is tried first; a miss falls back to the pattern
// key.
func (m *Memory) Lookup(fp models.Fingerprint) (models.ApprovalDecision, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.exact[fp.Exact]; ok {
		return d, true
	}
	if d, ok := m.pattern[fp.Pattern]; ok {
		return d, true
	}
	return "", false
}

// Clear wipes all recorded decisions.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exact = make(map[string]models.ApprovalDecision)
	m.pattern = make(map[string]models.ApprovalDecision)
}

// Pending tracks outstanding ApprovalRequests awaiting a host decision,
// including TTL-based expiry so a request nobody ever answers eventually
// resolves to denied instead of blocking its turn forever.
type Pending struct {
	mu       sync.Mutex
	requests map[string]*models.ApprovalRequest
	ttl      time.Duration
}

// DefaultRequestTTL bounds how long an approval request can remain
// unresolved before it is treated as denied.
const DefaultRequestTTL = 5 * time.Minute

// NewPending creates a pending-request tracker. A zero ttl uses DefaultRequestTTL.
func NewPending(ttl time.Duration) *Pending {
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	return &Pending{requests: make(map[string]*models.ApprovalRequest), ttl: ttl}
}

// Create registers a new pending approval request for callID.
func (p *Pending) Create(callID, toolName string, fp models.Fingerprint, reason string, now time.Time) *models.ApprovalRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	req := &models.ApprovalRequest{
		CallID:       callID,
		ToolName:     toolName,
		Fingerprint:  fp,
		PolicyReason: reason,
		CreatedAt:    now,
		ExpiresAt:    now.Add(p.ttl),
	}
	p.requests[callID] = req
	return req
}

// Resolve applies a host decision to a pending request. It returns false
// if the request doesn't exist or has already expired (in which case the
// caller must treat the call as Denied).
func (p *Pending) Resolve(callID string, decision models.ApprovalDecision, now time.Time) (*models.ApprovalRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.requests[callID]
	if !ok {
		return nil, false
	}
	delete(p.requests, callID)
	if req.Expired(now) {
		return req, false
	}
	req.Decision = decision
	req.DecidedAt = now
	return req, true
}

// ExpireStale removes and returns requests whose TTL has elapsed as of now.
func (p *Pending) ExpireStale(now time.Time) []*models.ApprovalRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []*models.ApprovalRequest
	for id, req := range p.requests {
		if req.Expired(now) {
			expired = append(expired, req)
			delete(p.requests, id)
		}
	}
	return expired
}

// Get returns the pending request for callID without resolving it.
func (p *Pending) Get(callID string) (*models.ApprovalRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.requests[callID]
	return req, ok
}

// AsEvent converts a pending request into the host-facing event payload,
// best-effort deriving affected paths for write-shaped tools.
func AsEvent(req *models.ApprovalRequest, args json.RawMessage) models.ApprovalRequestEvent {
	ev := models.ApprovalRequestEvent{
		CallID:       req.CallID,
		ToolName:     req.ToolName,
		Arguments:    args,
		PolicyReason: req.PolicyReason,
	}
	if path := extractPath(args); path != "" {
		ev.AffectedPaths = []string{path}
	}
	return ev
}

func extractPath(args json.RawMessage) string {
	var payload struct {
		Path string `json:"path"`
	}
	_ = json.Unmarshal(args, &payload)
	return payload.Path
}
