// Package metrics holds process-wide reliability counters. Counters are
// in-memory only and reset on restart; they exist so /admin/status can show
// whether the server has been silently dropping work.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing event count.
type Counter struct {
	name string
	n    atomic.Int64
}

// Inc adds one.
func (c *Counter) Inc() { c.n.Add(1) }

// Add adds delta.
func (c *Counter) Add(delta int64) { c.n.Add(delta) }

// Value returns the current count.
func (c *Counter) Value() int64 { return c.n.Load() }

// Name returns the counter's registered name.
func (c *Counter) Name() string { return c.name }

var (
	regMu    sync.Mutex
	registry []*Counter
)

// NewCounter registers a named counter. Names should be snake_case and
// unique; duplicates are allowed but will shadow each other in Snapshot.
func NewCounter(name string) *Counter {
	c := &Counter{name: name}
	regMu.Lock()
	registry = append(registry, c)
	regMu.Unlock()
	return c
}

// Snapshot renders all registered counters, sorted by name.
func Snapshot() map[string]int64 {
	regMu.Lock()
	defer regMu.Unlock()
	out := make(map[string]int64, len(registry))
	for _, c := range registry {
		out[c.name] = c.n.Load()
	}
	return out
}

// Names returns the registered counter names, sorted.
func Names() []string {
	regMu.Lock()
	defer regMu.Unlock()
	names := make([]string, 0, len(registry))
	for _, c := range registry {
		names = append(names, c.name)
	}
	sort.Strings(names)
	return names
}

// Process-wide counters. Incremented at the boundary that observed the
// failure; never decremented.
var (
	DroppedFrames      = NewCounter("dropped_frames")
	StoreErrors        = NewCounter("store_errors")
	RPCTimeouts        = NewCounter("rpc_timeouts")
	NormalizerTimeouts = NewCounter("normalizer_timeouts")
	ApprovalExpiries   = NewCounter("approval_expiries")
)
