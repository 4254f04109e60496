// Package command sends one game command at a time and correlates the
// asynchronous, uncategorised response lines back to it.
package command

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/park285/guild-chat-bridge/internal/collector"
	"github.com/park285/guild-chat-bridge/internal/gamemsg"
	"github.com/park285/guild-chat-bridge/internal/metrics"
	"github.com/park285/guild-chat-bridge/internal/sendqueue"
)

const DefaultTimeout = 5 * time.Second

// ErrDisconnected means the connection dropped while the response was being
// collected. Lines observed before the drop are discarded and the command
// is not resent.
var ErrDisconnected = errors.New("command: connection dropped before the response completed")

// Request describes one command. A nil Success accepts every uncategorised
// line. Zero MaxResponses is unlimited and zero Timeout uses the
// correlator's default.
type Request struct {
	Command         string
	Success         *regexp.Regexp
	Abort           *regexp.Regexp
	MaxResponses    int
	Raw             bool
	Timeout         time.Duration
	RejectOnTimeout bool
	RejectOnAbort   bool
}

// Response carries the flattened text and, when the request asked for raw
// output, the matched messages. A timeout with nothing collected resolves
// with the no-response text in Text and zero Collected.
type Response struct {
	Text      string
	Messages  []gamemsg.Message
	Reason    collector.Reason
	Collected int
}

// Empty reports whether nothing was collected.
func (r Response) Empty() bool { return r.Collected == 0 }

// NoResponseText describes a command that drew no response in time.
func NoResponseText(line string, timeout time.Duration) string {
	return fmt.Sprintf("no response to %s within %s", line, timeout)
}

type Kind int

const (
	KindTimeout Kind = iota + 1
	KindAbort
)

// Error is a rejected command. For KindAbort, Text is the collected output
// including the abort line.
type Error struct {
	Kind    Kind
	Command string
	Text    string
}

func (e *Error) Error() string {
	if e.Kind == KindTimeout {
		return e.Text
	}
	return fmt.Sprintf("command %s aborted: %s", e.Command, e.Text)
}

// Conn is the game connection the correlator talks through.
type Conn interface {
	Send(ctx context.Context, line string) error
	Listen(opts collector.Options) *collector.Collector
}

type Options struct {
	Name           string
	Conn           Conn
	SendQueue      *sendqueue.Queue
	DefaultTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Correlator allows one collecting command at a time.
type Correlator struct {
	opts  Options
	slot  *sendqueue.Queue
	log   *zap.Logger
	sendQ *sendqueue.Queue
}

func New(opts Options) *Correlator {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sendQ := opts.SendQueue
	if sendQ == nil {
		sendQ = sendqueue.New("to_game", nil)
	}
	return &Correlator{
		opts:  opts,
		slot:  sendqueue.New("command", opts.Metrics.QueueDepth(opts.Name, "command")),
		log:   log,
		sendQ: sendQ,
	}
}

// Normalize prefixes line with a slash when it has none.
func Normalize(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "/") {
		return line
	}
	return "/" + line
}

func matches(re *regexp.Regexp, m gamemsg.Message) bool {
	return re != nil && re.MatchString(m.Content)
}

// Run sends req.Command and waits for the correlated response. Callers queue
// behind any command that is still collecting.
func (c *Correlator) Run(ctx context.Context, req Request) (Response, error) {
	release, err := c.slot.Acquire(ctx)
	if err != nil {
		return Response{}, err
	}
	defer release()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	line := Normalize(req.Command)
	filter := func(m gamemsg.Message) bool {
		if m.Category != gamemsg.CategoryNone {
			return false
		}
		if gamemsg.IsSeparator(m.Content) {
			return true
		}
		return req.Success == nil || matches(req.Success, m) || matches(req.Abort, m)
	}
	var abort collector.Predicate
	if req.Abort != nil {
		abort = func(m gamemsg.Message) bool { return matches(req.Abort, m) }
	}

	var col *collector.Collector
	err = c.sendQ.Do(ctx, func(ctx context.Context) error {
		col = c.opts.Conn.Listen(collector.Options{
			Filter:     filter,
			Abort:      abort,
			Max:        req.MaxResponses,
			Timeout:    timeout,
			DropEchoes: true,
			FoldBlocks: true,
		})
		if err := c.opts.Conn.Send(ctx, line); err != nil {
			col.Stop(collector.ReasonStopped)
			return err
		}
		return nil
	})
	if err != nil {
		c.opts.Metrics.Command(c.opts.Name, "send_failed")
		return Response{}, fmt.Errorf("send command %s: %w", line, err)
	}
	c.log.Debug("command_sent", zap.String("command", line), zap.String("collector", col.ID()))

	res := col.Wait(ctx)
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	return c.resolve(line, req, res, timeout)
}

func (c *Correlator) resolve(line string, req Request, res collector.Result, timeout time.Duration) (Response, error) {
	out := Response{Text: Flatten(res.Messages), Reason: res.Reason, Collected: len(res.Messages)}
	if req.Raw {
		out.Messages = res.Messages
	}

	switch res.Reason {
	case collector.ReasonDisconnected:
		c.opts.Metrics.Command(c.opts.Name, "disconnected")
		c.log.Warn("command_lost_on_disconnect", zap.String("command", line), zap.Int("observed", len(res.Messages)))
		return Response{}, ErrDisconnected
	case collector.ReasonTimeout:
		if len(res.Messages) == 0 {
			c.opts.Metrics.Command(c.opts.Name, "timeout")
			if req.RejectOnTimeout {
				return Response{}, &Error{Kind: KindTimeout, Command: line, Text: NoResponseText(line, timeout)}
			}
			out.Text = NoResponseText(line, timeout)
			return out, nil
		}
	case collector.ReasonAbortMatched:
		if req.RejectOnAbort {
			c.opts.Metrics.Command(c.opts.Name, "aborted")
			return Response{}, &Error{Kind: KindAbort, Command: line, Text: out.Text}
		}
	}
	c.opts.Metrics.Command(c.opts.Name, "ok")
	return out, nil
}

// Flatten joins message contents with newlines.
func Flatten(msgs []gamemsg.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.Content)
	}
	return strings.Join(lines, "\n")
}
