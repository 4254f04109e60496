package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/guild-chat-bridge/internal/chatplatform"
	"github.com/park285/guild-chat-bridge/internal/metrics"
	"github.com/park285/guild-chat-bridge/internal/store"
)

// Reason names why a chat message was not forwarded. The value doubles as
// the catalog key under "denial.".
type Reason string

const (
	ReasonMuted           Reason = "muted"
	ReasonGuildMuted      Reason = "guild_muted"
	ReasonBotMuted        Reason = "bot_muted"
	ReasonTooManyParts    Reason = "too_many_parts"
	ReasonBlockedContent  Reason = "blocked_content"
	ReasonSpamExhausted   Reason = "spam_exhausted"
	ReasonContentRejected Reason = "content_rejected"
	ReasonNotConnected    Reason = "not_connected"
	ReasonSendFailed      Reason = "send_failed"
)

// Denial is a blocked forward. It is also an error so send paths can return
// it directly.
type Denial struct {
	Reason Reason
	Until  time.Time
	Parts  int
	Max    int
}

func (d *Denial) Error() string {
	if !d.Until.IsZero() {
		return fmt.Sprintf("forward denied: %s until %s", d.Reason, FormatUntil(d.Until))
	}
	return "forward denied: " + string(d.Reason)
}

func (d *Denial) templateData() map[string]any {
	return map[string]any{
		"Until": FormatUntil(d.Until),
		"Parts": d.Parts,
		"Max":   d.Max,
	}
}

// AsDenial unwraps a *Denial from err.
func AsDenial(err error) (*Denial, bool) {
	var d *Denial
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// MuteStore holds mute expiries.
type MuteStore interface {
	PlayerMutedUntil(ctx context.Context, userID string) (time.Time, bool, error)
	MutePlayer(ctx context.Context, userID string, until time.Time) error
	UnmutePlayer(ctx context.Context, userID string) error
	GuildMutedUntil(ctx context.Context) (time.Time, bool, error)
	BotMutedUntil(ctx context.Context) (time.Time, bool, error)
	SetBotMuted(ctx context.Context, until time.Time) error
}

type GateOptions struct {
	Bridge      string
	Community   string
	Mutes       MuteStore
	Infractions store.Infractions
	Notifier    *Notifier
	StaffRoles  []string
	// Threshold is the infraction count that triggers a temporary mute.
	Threshold int
	MuteFor   time.Duration
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Gate decides whether a chat message may be forwarded and escalates
// repeated content-policy rejections into temporary mutes.
type Gate struct {
	opts GateOptions
	log  *zap.Logger
	now  func() time.Time

	mu      sync.Mutex
	unmutes map[string]*time.Timer
	closed  bool
}

func NewGate(opts GateOptions) *Gate {
	if opts.Threshold <= 0 {
		opts.Threshold = 3
	}
	if opts.MuteFor <= 0 {
		opts.MuteFor = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Infractions == nil {
		opts.Infractions = store.NewMemoryInfractions()
	}
	return &Gate{
		opts:    opts,
		log:     opts.Logger,
		now:     time.Now,
		unmutes: make(map[string]*time.Timer),
	}
}

// EvaluateForward returns nil when member may send, else the denial.
// 개인 뮤트는 스태프 포함 전원에게 적용, 스태프는 길드 전체 뮤트만 우회.
// 스토어 오류는 로그만 남기고 허용.
func (g *Gate) EvaluateForward(ctx context.Context, member chatplatform.Member) *Denial {
	if g.opts.Mutes == nil {
		return nil
	}
	userID := member.User.ID
	if until, ok, err := g.opts.Mutes.PlayerMutedUntil(ctx, userID); err != nil {
		g.log.Warn("mute_lookup_failed", zap.String("scope", "player"), zap.Error(err))
	} else if ok {
		return g.deny(&Denial{Reason: ReasonMuted, Until: until})
	}
	if until, ok, err := g.opts.Mutes.GuildMutedUntil(ctx); err != nil {
		g.log.Warn("mute_lookup_failed", zap.String("scope", "guild"), zap.Error(err))
	} else if ok && !(len(g.opts.StaffRoles) > 0 && member.HasRole(g.opts.StaffRoles...)) {
		return g.deny(&Denial{Reason: ReasonGuildMuted, Until: until})
	}
	if until, ok, err := g.opts.Mutes.BotMutedUntil(ctx); err != nil {
		g.log.Warn("mute_lookup_failed", zap.String("scope", "bot"), zap.Error(err))
	} else if ok {
		return g.deny(&Denial{Reason: ReasonBotMuted, Until: until})
	}
	return nil
}

func (g *Gate) deny(d *Denial) *Denial {
	g.opts.Metrics.Blocked(g.opts.Bridge, string(d.Reason))
	return d
}

// RecordBotMute stores that the game account is muted until until and tells
// the operators once per window.
func (g *Gate) RecordBotMute(ctx context.Context, until time.Time) error {
	if g.opts.Mutes == nil {
		return nil
	}
	if err := g.opts.Mutes.SetBotMuted(ctx, until); err != nil {
		return fmt.Errorf("record bot mute: %w", err)
	}
	g.log.Warn("bot_muted", zap.Time("until", until))
	if g.opts.Notifier != nil {
		text := g.opts.Notifier.Catalog().Text("operator.bot_muted", map[string]any{
			"Bridge": g.opts.Bridge,
			"Until":  FormatUntil(until),
		})
		_ = g.opts.Notifier.OperatorOnce(ctx, "bot_muted", text)
	}
	return nil
}

// RecordRejection counts a content-policy rejection for userID. Reaching the
// threshold mutes the sender for MuteFor, logs the mute, resets the counter
// and alerts the operators. It reports whether a mute was applied.
func (g *Gate) RecordRejection(ctx context.Context, userID string) (bool, error) {
	count, err := g.opts.Infractions.Increment(ctx, g.opts.Community, userID)
	if err != nil {
		return false, fmt.Errorf("increment infractions: %w", err)
	}
	g.log.Info("content_rejected", zap.String("user", userID), zap.Int("count", count))
	if count < g.opts.Threshold {
		return false, nil
	}

	until := g.now().Add(g.opts.MuteFor)
	if g.opts.Mutes != nil {
		if err := g.opts.Mutes.MutePlayer(ctx, userID, until); err != nil {
			return false, fmt.Errorf("mute player: %w", err)
		}
	}
	if err := g.opts.Infractions.RecordMute(ctx, store.MuteRecord{
		Community: g.opts.Community,
		UserID:    userID,
		Reason:    string(ReasonContentRejected),
		Until:     until,
		CreatedAt: g.now(),
	}); err != nil {
		g.log.Warn("mute_record_failed", zap.String("user", userID), zap.Error(err))
	}
	if err := g.opts.Infractions.Reset(ctx, g.opts.Community, userID); err != nil {
		g.log.Warn("infraction_reset_failed", zap.String("user", userID), zap.Error(err))
	}
	g.scheduleUnmute(userID)

	g.log.Warn("player_temp_muted", zap.String("user", userID), zap.Duration("duration", g.opts.MuteFor))
	if g.opts.Notifier != nil {
		text := g.opts.Notifier.Catalog().Text("operator.temp_mute", map[string]any{
			"User":     userID,
			"Duration": g.opts.MuteFor.String(),
			"Count":    count,
		})
		_ = g.opts.Notifier.Operator(ctx, text)
	}
	return true, nil
}

func (g *Gate) scheduleUnmute(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || g.opts.Mutes == nil {
		return
	}
	if t, ok := g.unmutes[userID]; ok {
		t.Stop()
	}
	g.unmutes[userID] = time.AfterFunc(g.opts.MuteFor, func() {
		g.mu.Lock()
		delete(g.unmutes, userID)
		g.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.opts.Mutes.UnmutePlayer(ctx, userID); err != nil {
			g.log.Warn("unmute_failed", zap.String("user", userID), zap.Error(err))
			return
		}
		g.log.Info("player_unmuted", zap.String("user", userID))
	})
}

// PendingUnmutes returns the number of scheduled unmutes.
func (g *Gate) PendingUnmutes() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.unmutes)
}

// Close cancels pending unmute timers. The mutes themselves still expire
// through their store TTL.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for id, t := range g.unmutes {
		t.Stop()
		delete(g.unmutes, id)
	}
}
