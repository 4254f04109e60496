package game

import "sync"

// stateFeed delivers state transitions to one callback in the order they
// happened, from a single goroutine so the connection lock is never held
// while the callback runs.
type stateFeed struct {
	cb func(State)

	mu      sync.Mutex
	pending []State
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newStateFeed(cb func(State)) *stateFeed {
	f := &stateFeed{
		cb:   cb,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *stateFeed) push(s State) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.pending = append(f.pending, s)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// close stops the feed after the already queued transitions are delivered.
func (f *stateFeed) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *stateFeed) run() {
	defer close(f.done)
	for range f.wake {
		f.mu.Lock()
		batch := f.pending
		f.pending = nil
		closed := f.closed
		f.mu.Unlock()
		for _, s := range batch {
			f.cb(s)
		}
		if closed {
			return
		}
	}
}
