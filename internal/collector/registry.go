package collector

import (
	"sync"

	"github.com/park285/guild-chat-bridge/internal/gamemsg"
)

// Registry fans inbound messages out to the active collectors of one
// connection and stops them all when the connection drops.
type Registry struct {
	mu     sync.Mutex
	active map[*Collector]struct{}
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[*Collector]struct{})}
}

// Start creates a collector that is fed by Dispatch until it ends.
func (r *Registry) Start(opts Options) *Collector {
	userEnd := opts.OnEnd
	var c *Collector
	opts.OnEnd = func(res Result) {
		// c is read under r.mu so a deadline firing inside Start sees it.
		r.mu.Lock()
		delete(r.active, c)
		r.mu.Unlock()
		if userEnd != nil {
			userEnd(res)
		}
	}
	r.mu.Lock()
	c = New(opts)
	r.active[c] = struct{}{}
	r.mu.Unlock()
	return c
}

func (r *Registry) snapshot() []*Collector {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Collector, 0, len(r.active))
	for c := range r.active {
		out = append(out, c)
	}
	return out
}

// Dispatch offers m to every active collector.
func (r *Registry) Dispatch(m gamemsg.Message) {
	for _, c := range r.snapshot() {
		c.Collect(m)
	}
}

// StopAll ends every active collector with reason.
func (r *Registry) StopAll(reason Reason) {
	for _, c := range r.snapshot() {
		c.Stop(reason)
	}
}

// Len returns the number of active collectors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
