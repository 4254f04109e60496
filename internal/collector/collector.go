// Package collector accumulates inbound game messages that match a filter
// until a count, an abort line, a timeout, or a disconnect ends it.
package collector

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/park285/guild-chat-bridge/internal/gamemsg"
)

// Reason says why a collector ended.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonCountReached
	ReasonAbortMatched
	ReasonTimeout
	ReasonDisconnected
	ReasonStopped
)

func (r Reason) String() string {
	switch r {
	case ReasonCountReached:
		return "count-reached"
	case ReasonAbortMatched:
		return "abort-matched"
	case ReasonTimeout:
		return "timeout"
	case ReasonDisconnected:
		return "disconnected"
	case ReasonStopped:
		return "externally-stopped"
	default:
		return "active"
	}
}

// Predicate decides whether a message is relevant.
type Predicate func(gamemsg.Message) bool

// Options configure a Collector. Zero Max means unlimited; zero Timeout
// means the collector only ends by count, abort, or Stop.
type Options struct {
	Filter  Predicate
	Abort   Predicate
	Max     int
	Timeout time.Duration
	// DropEchoes excludes anti-spam echo lines from the accumulation.
	DropEchoes bool
	// FoldBlocks folds a dash-separated block into a single entry.
	FoldBlocks bool

	// OnCollect runs for every accepted message while the collector holds
	// its lock; it must not call back into the Collector.
	OnCollect func(gamemsg.Message)
	// OnEnd runs exactly once after the collector ends.
	OnEnd func(Result)
}

// Result is the final state of an ended collector.
type Result struct {
	Messages []gamemsg.Message
	Reason   Reason
}

// Collector is a one-shot accumulator. Collect and Stop are safe for
// concurrent use.
type Collector struct {
	id   string
	opts Options

	mu        sync.Mutex
	reason    Reason
	collected []gamemsg.Message
	inBlock   bool
	block     []gamemsg.Message
	timer     *time.Timer

	done chan struct{}
}

// New starts a collector; its deadline begins immediately.
func New(opts Options) *Collector {
	c := &Collector{
		id:   uuid.NewString(),
		opts: opts,
		done: make(chan struct{}),
	}
	if opts.Timeout > 0 {
		c.timer = time.AfterFunc(opts.Timeout, func() { c.Stop(ReasonTimeout) })
	}
	return c
}

// ID identifies the collector in logs.
func (c *Collector) ID() string { return c.id }

// Collect offers a message. It is ignored once the collector has ended.
func (c *Collector) Collect(m gamemsg.Message) {
	c.mu.Lock()
	if c.reason != ReasonNone {
		c.mu.Unlock()
		return
	}
	if c.opts.DropEchoes && m.IsAntiSpamEcho {
		c.mu.Unlock()
		return
	}
	if c.opts.Filter != nil && !c.opts.Filter(m) {
		c.mu.Unlock()
		return
	}

	if c.opts.FoldBlocks && gamemsg.IsSeparator(m.Content) {
		if !c.inBlock {
			c.inBlock = true
			c.block = c.block[:0]
			c.mu.Unlock()
			return
		}
		c.inBlock = false
		folded, ok := fold(c.block)
		c.block = nil
		if !ok {
			c.mu.Unlock()
			return
		}
		c.accept(folded)
		c.finishIfFull()
		return
	}

	if c.opts.Abort != nil && c.opts.Abort(m) {
		if c.inBlock {
			// the abort line closes the open block
			c.block = append(c.block, m)
			c.flushBlock()
		} else {
			c.accept(m)
		}
		c.end(ReasonAbortMatched)
		return
	}

	if c.inBlock {
		c.block = append(c.block, m)
		c.mu.Unlock()
		return
	}

	c.accept(m)
	c.finishIfFull()
}

// accept appends m and fires OnCollect. Caller holds c.mu.
func (c *Collector) accept(m gamemsg.Message) {
	c.collected = append(c.collected, m)
	if c.opts.OnCollect != nil {
		c.opts.OnCollect(m)
	}
}

// finishIfFull ends on count or releases the lock. Caller holds c.mu.
func (c *Collector) finishIfFull() {
	if c.opts.Max > 0 && len(c.collected) >= c.opts.Max {
		c.end(ReasonCountReached)
		return
	}
	c.mu.Unlock()
}

// Stop ends the collector with reason. Only the first call has effect.
func (c *Collector) Stop(reason Reason) {
	if reason == ReasonNone {
		reason = ReasonStopped
	}
	c.mu.Lock()
	if c.reason != ReasonNone {
		c.mu.Unlock()
		return
	}
	if c.inBlock {
		c.flushBlock()
	}
	c.end(reason)
}

// flushBlock accepts the folded open block and leaves block mode. Caller
// holds c.mu.
func (c *Collector) flushBlock() {
	if folded, ok := fold(c.block); ok {
		c.accept(folded)
	}
	c.inBlock, c.block = false, nil
}

// end transitions to Ended, releases c.mu, and fires OnEnd. Caller holds c.mu.
func (c *Collector) end(reason Reason) {
	c.reason = reason
	if c.timer != nil {
		c.timer.Stop()
	}
	res := Result{Messages: append([]gamemsg.Message(nil), c.collected...), Reason: reason}
	close(c.done)
	c.mu.Unlock()

	if c.opts.OnEnd != nil {
		c.opts.OnEnd(res)
	}
}

// Done is closed when the collector ends.
func (c *Collector) Done() <-chan struct{} { return c.done }

// Ended reports whether the collector has ended.
func (c *Collector) Ended() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Result returns the accumulated messages and the end reason. Before the
// collector ends Reason is ReasonNone.
func (c *Collector) Result() Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Result{Messages: append([]gamemsg.Message(nil), c.collected...), Reason: c.reason}
}

// Wait blocks until the collector ends or ctx is done. A cancelled ctx
// stops the collector so no waiter is left behind.
func (c *Collector) Wait(ctx context.Context) Result {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.Stop(ReasonStopped)
	}
	return c.Result()
}

func fold(block []gamemsg.Message) (gamemsg.Message, bool) {
	if len(block) == 0 {
		return gamemsg.Message{}, false
	}
	out := block[0]
	lines := make([]string, 0, len(block))
	raws := make([]string, 0, len(block))
	for _, m := range block {
		lines = append(lines, m.Content)
		raws = append(raws, m.RawFormatted)
	}
	out.Content = strings.Join(lines, "\n")
	out.RawFormatted = strings.Join(raws, "\n")
	return out, true
}
