// Package coordinator implements the central task-dispatch coordinator
// from spec §4: the worker registry, the task lifecycle manager, and
// the main event loop that ties them to pkg/scheduler and
// pkg/transfer.
package coordinator

import (
	"sync"
	"time"

	"github.com/cuemby/taskcoordinator/pkg/log"
	"github.com/cuemby/taskcoordinator/pkg/types"
)

// Registry tracks connected workers and the address blocklist (§4.2).
type Registry struct {
	mu        sync.Mutex
	workers   map[string]*types.Worker
	blocklist map[string]time.Time // address -> until (zero means indefinite)
}

// NewRegistry returns an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{
		workers:   make(map[string]*types.Worker),
		blocklist: make(map[string]time.Time),
	}
}

// Add registers a newly accepted worker record.
func (r *Registry) Add(w *types.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Hashkey] = w
}

// Get returns the worker for hashkey, if still connected.
func (r *Registry) Get(hashkey string) (*types.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[hashkey]
	return w, ok
}

// Remove drops a worker record on disconnect.
func (r *Registry) Remove(hashkey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workers, hashkey)
}

// All returns a snapshot of connected workers.
func (r *Registry) All() []*types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// Block adds an address to the blocklist. A zero `until` blocks
// indefinitely.
func (r *Registry) Block(address string, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocklist[address] = until
	log.WithComponent("registry").Warn().Str("address", address).Msg("address added to blocklist")
}

// Unblock removes an address from the blocklist.
func (r *Registry) Unblock(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blocklist, address)
}

// Blocked reports whether hashkey/address is currently blocked,
// clearing any blocklist entry whose time limit has passed.
func (r *Registry) Blocked(hashkey, address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.blocklist[address]
	if !ok {
		return false
	}
	if !until.IsZero() && time.Now().After(until) {
		delete(r.blocklist, address)
		return false
	}
	return true
}

// Drain marks a worker for draining: it receives no new dispatches and
// is disconnected once its in-flight set empties.
func (r *Registry) Drain(hashkey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[hashkey]; ok {
		w.Draining = true
	}
}

// DrainedAndIdle reports whether a draining worker's in-flight set is
// empty and it can be disconnected.
func (r *Registry) DrainedAndIdle(hashkey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[hashkey]
	if !ok || !w.Draining {
		return false
	}
	return len(w.InFlight) == 0
}

// Stale returns workers whose last message exceeds the keepalive
// timeout, the candidates for probing or worker-loss handling.
func (r *Registry) Stale(since time.Duration, now time.Time) []*types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Worker
	for _, w := range r.workers {
		if now.Sub(w.LastMessage) > since {
			out = append(out, w)
		}
	}
	return out
}
