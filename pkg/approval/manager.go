// Package approval tracks pending tool-permission prompts and enforces their
// auto-cancel deadline. Entries are keyed by the subprocess's JSON-RPC
// request id, so one session can hold several pending approvals at once.
package approval

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/orbitd/orbit/pkg/metrics"
	"github.com/orbitd/orbit/pkg/provider"
)

// DefaultTTL is how long an approval waits for a decision before it is
// auto-resolved as cancelled.
const DefaultTTL = 60 * time.Second

// ErrUnknownApproval is returned for decisions against a missing or expired
// entry.
var ErrUnknownApproval = errors.New("approval: unknown or expired approval")

// Pending is one approval awaiting a client decision.
type Pending struct {
	Request   provider.ApprovalRequest
	ThreadID  string
	CreatedAt time.Time
	adapter   provider.Adapter
	timer     *time.Timer
}

// Manager owns the pending-approval table.
type Manager struct {
	logger *slog.Logger
	ttl    time.Duration

	mu      sync.Mutex
	pending map[uint64]*Pending
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the 60s auto-cancel deadline.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

func New(logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:  logger,
		ttl:     DefaultTTL,
		pending: make(map[uint64]*Pending),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Add records a pending approval and arms its auto-cancel timer. threadID is
// the wire-level thread the approval belongs to; the relay authorizes
// decisions against it.
func (m *Manager) Add(adapter provider.Adapter, req provider.ApprovalRequest, threadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.pending[req.RPCID]; ok {
		prior.timer.Stop()
	}
	p := &Pending{
		Request:   req,
		ThreadID:  threadID,
		CreatedAt: time.Now(),
		adapter:   adapter,
	}
	rpcID := req.RPCID
	p.timer = time.AfterFunc(m.ttl, func() { m.expire(rpcID) })
	m.pending[rpcID] = p
}

// Get returns the pending entry for rpcID, for authorization checks.
func (m *Manager) Get(rpcID uint64) (*Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[rpcID]
	return p, ok
}

// Resolve forwards a client decision to the owning adapter and clears the
// entry. An empty optionID cancels.
func (m *Manager) Resolve(rpcID uint64, optionID string) error {
	m.mu.Lock()
	p, ok := m.pending[rpcID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownApproval
	}
	p.timer.Stop()
	delete(m.pending, rpcID)
	m.mu.Unlock()

	outcome := provider.ApprovalOutcome{Cancelled: optionID == "", OptionID: optionID}
	return p.adapter.ResolveApproval(rpcID, outcome)
}

// expire auto-cancels an approval whose deadline passed with no decision.
func (m *Manager) expire(rpcID uint64) {
	m.mu.Lock()
	p, ok := m.pending[rpcID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pending, rpcID)
	m.mu.Unlock()

	metrics.ApprovalExpiries.Inc()
	m.logger.Warn("approval expired without a decision, auto-cancelling",
		"rpc_id", rpcID, "session_id", p.Request.SessionID, "tool_call_id", p.Request.ToolCallID)
	if err := p.adapter.ResolveApproval(rpcID, provider.ApprovalOutcome{Cancelled: true}); err != nil {
		m.logger.Warn("failed to auto-cancel expired approval", "rpc_id", rpcID, "error", err)
	}
}

// CancelAdapter cancels every pending approval owned by the given provider,
// typically because its adapter is stopping or its subprocess exited.
func (m *Manager) CancelAdapter(providerID string) {
	m.mu.Lock()
	var doomed []*Pending
	for rpcID, p := range m.pending {
		if p.Request.Provider == providerID {
			p.timer.Stop()
			delete(m.pending, rpcID)
			doomed = append(doomed, p)
		}
	}
	m.mu.Unlock()

	for _, p := range doomed {
		if err := p.adapter.ResolveApproval(p.Request.RPCID, provider.ApprovalOutcome{Cancelled: true}); err != nil {
			m.logger.Debug("cancel on adapter shutdown failed", "rpc_id", p.Request.RPCID, "error", err)
		}
	}
}

// PendingCount reports how many approvals are waiting.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Stop cancels all timers without resolving anything.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for rpcID, p := range m.pending {
		p.timer.Stop()
		delete(m.pending, rpcID)
	}
}
