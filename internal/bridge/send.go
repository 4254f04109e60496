package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/park285/guild-chat-bridge/internal/antispam"
	"github.com/park285/guild-chat-bridge/internal/collector"
	"github.com/park285/guild-chat-bridge/internal/game"
	"github.com/park285/guild-chat-bridge/internal/gamemsg"
	"github.com/park285/guild-chat-bridge/internal/relay"
)

// MaxSpamRetries is how often a line rejected as a repeat is re-sent with
// more padding.
const MaxSpamRetries = antispam.MaxAttempts - 1

var (
	ErrSpamRetryExhausted = errors.New("bridge: game kept rejecting the line as a repeat")
	ErrContentRejected    = errors.New("bridge: game rejected the line for its content")
	ErrBotMuted           = errors.New("bridge: game account is muted")
	ErrContentBlocked     = errors.New("bridge: line matches a blocked pattern")
	ErrTooManyParts       = errors.New("bridge: message needs too many lines")
	ErrPrefixTooLong      = errors.New("bridge: prefix leaves no room for content")
)

// ChatRequest is one outbound chat message. Every part is sent as
// Prefix+part. SenderID, when set, is notified of denials and charged with
// content-policy infractions.
type ChatRequest struct {
	Content  string
	Prefix   string
	MaxParts int
	SenderID string
}

// Chat splits req.Content to fit the line limit less the padding reserve
// and sends every part in order. The whole message is refused before
// anything is sent when it needs more than MaxParts lines or any part
// matches a blocked pattern. The returned error wraps a *relay.Denial for
// every refusal.
func (b *Bridge) Chat(ctx context.Context, req ChatRequest) (bool, error) {
	// 재전송 패딩 여유분을 남겨서 분할: 패딩 때문에 본문이 잘리면 안 됨
	limit := b.conn.LineLimit() - utf8.RuneCountInString(req.Prefix) - antispam.PadReserve
	if limit < 1 {
		return false, ErrPrefixTooLong
	}
	parts := Split(req.Content, limit)
	if len(parts) == 0 {
		return true, nil
	}
	if req.MaxParts > 0 && len(parts) > req.MaxParts {
		return false, b.deny(ctx, req.SenderID, &relay.Denial{
			Reason: relay.ReasonTooManyParts,
			Parts:  len(parts),
			Max:    req.MaxParts,
		}, ErrTooManyParts)
	}
	for _, p := range parts {
		for _, re := range b.cfg.Blocked {
			if re.MatchString(p) {
				b.log.Info("bridge_content_blocked", zap.String("sender", req.SenderID), zap.String("pattern", re.String()))
				return false, b.deny(ctx, req.SenderID, &relay.Denial{Reason: relay.ReasonBlockedContent}, ErrContentBlocked)
			}
		}
	}
	if b.conn.State() != game.StateReady {
		return false, b.deny(ctx, req.SenderID, &relay.Denial{Reason: relay.ReasonNotConnected}, game.ErrNotReady)
	}

	err := b.toGame.Do(ctx, func(ctx context.Context) error {
		for _, p := range parts {
			if err := b.sendLine(ctx, req.Prefix+p); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false, err
	}
	return false, b.sendFailure(ctx, req.SenderID, err)
}

// sendFailure maps a failed send to the sender-facing denial.
func (b *Bridge) sendFailure(ctx context.Context, senderID string, err error) error {
	d := &relay.Denial{Reason: relay.ReasonSendFailed}
	switch {
	case errors.Is(err, ErrSpamRetryExhausted):
		d.Reason = relay.ReasonSpamExhausted
	case errors.Is(err, ErrContentRejected):
		d.Reason = relay.ReasonContentRejected
		if senderID != "" {
			if _, rerr := b.gate.RecordRejection(ctx, senderID); rerr != nil {
				b.log.Warn("bridge_infraction_failed", zap.String("sender", senderID), zap.Error(rerr))
			}
		}
	case errors.Is(err, ErrBotMuted):
		d.Reason = relay.ReasonBotMuted
	case errors.Is(err, game.ErrNotReady), errors.Is(err, game.ErrConnectionLost):
		d.Reason = relay.ReasonNotConnected
	}
	return b.deny(ctx, senderID, d, err)
}

func (b *Bridge) deny(ctx context.Context, senderID string, d *relay.Denial, cause error) error {
	b.m.Blocked(b.name, string(d.Reason))
	if senderID != "" {
		b.notifier.Deny(ctx, senderID, d)
	}
	return fmt.Errorf("%w: %w", d, cause)
}

// sendLine writes one line and watches the listen window for the server's
// verdict. No verdict within the window counts as delivered. A repeat echo
// is retried with growing padding and delay.
func (b *Bridge) sendLine(ctx context.Context, line string) error {
	for attempt := 0; attempt <= MaxSpamRetries; attempt++ {
		out := line
		if attempt > 0 || b.spam.ShouldPad(line) {
			out = b.spam.Pad(line, attempt)
		}

		col := b.conn.Listen(collector.Options{
			Filter: func(m gamemsg.Message) bool {
				return m.IsAntiSpamEcho || m.IsPolicyRejection() || m.IsBotMuted()
			},
			Max:     1,
			Timeout: b.opts.ListenWindow,
		})
		if err := b.conn.Send(ctx, out); err != nil {
			col.Stop(collector.ReasonStopped)
			return err
		}
		res := col.Wait(ctx)
		if err := ctx.Err(); err != nil {
			return err
		}
		if res.Reason == collector.ReasonDisconnected {
			return game.ErrConnectionLost
		}
		if len(res.Messages) == 0 {
			b.spam.Record(out)
			return nil
		}

		verdict := res.Messages[0]
		switch {
		case verdict.IsPolicyRejection():
			return ErrContentRejected
		case verdict.IsBotMuted():
			if err := b.recordBotMute(ctx, verdict); err != nil {
				b.log.Warn("bridge_bot_mute_record_failed", zap.Error(err))
			}
			return ErrBotMuted
		}

		b.m.SpamRetry(b.name)
		b.log.Debug("bridge_spam_echo", zap.Int("attempt", attempt))
		if attempt == MaxSpamRetries {
			break
		}
		t := time.NewTimer(b.opts.SpamBackoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return ErrSpamRetryExhausted
}
