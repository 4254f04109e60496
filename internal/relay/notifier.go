// Package relay delivers game messages into chat-platform channels through
// webhooks and gates chat messages on their way into the game.
package relay

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/park285/guild-chat-bridge/internal/chatplatform"
	"github.com/park285/guild-chat-bridge/internal/msgcat"
)

// API is the slice of the chat-platform client used by this package.
type API interface {
	ListChannelWebhooks(ctx context.Context, channelID string) ([]chatplatform.Webhook, error)
	CreateWebhook(ctx context.Context, channelID, name string) (*chatplatform.Webhook, error)
	ExecuteWebhook(ctx context.Context, hook chatplatform.Webhook, params chatplatform.WebhookParams) (*chatplatform.Message, error)
	CreateMessage(ctx context.Context, channelID string, params chatplatform.MessageParams) (*chatplatform.Message, error)
	CreateDM(ctx context.Context, userID string) (*chatplatform.Channel, error)
}

// Limiter admits one event per key per window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Notifier posts operator alerts and DMs senders about denied messages.
type Notifier struct {
	api             API
	operatorChannel string
	limiter         Limiter
	cat             *msgcat.Catalog
	log             *zap.Logger
}

func NewNotifier(api API, operatorChannel string, limiter Limiter, cat *msgcat.Catalog, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	if cat == nil {
		cat = msgcat.MustDefault()
	}
	return &Notifier{api: api, operatorChannel: operatorChannel, limiter: limiter, cat: cat, log: log}
}

// Catalog returns the message catalog the notifier renders from.
func (n *Notifier) Catalog() *msgcat.Catalog { return n.cat }

// Operator posts text to the operator channel. Without one configured the
// alert is only logged.
func (n *Notifier) Operator(ctx context.Context, text string) error {
	if n.operatorChannel == "" {
		n.log.Warn("operator_alert", zap.String("text", text))
		return nil
	}
	_, err := n.api.CreateMessage(ctx, n.operatorChannel, chatplatform.MessageParams{
		Content:         text,
		AllowedMentions: chatplatform.NoMentions(),
	})
	if err != nil {
		n.log.Warn("operator_alert_failed", zap.Error(err))
		return fmt.Errorf("operator alert: %w", err)
	}
	return nil
}

// OperatorOnce is Operator gated by the cooldown on key.
func (n *Notifier) OperatorOnce(ctx context.Context, key, text string) error {
	if !n.allow(ctx, "operator:"+key) {
		return nil
	}
	return n.Operator(ctx, text)
}

// Sender DMs userID at most once per cooldown window for key. It reports
// whether a message went out.
func (n *Notifier) Sender(ctx context.Context, userID, key, text string) (bool, error) {
	if !n.allow(ctx, "sender:"+userID+":"+key) {
		return false, nil
	}
	dm, err := n.api.CreateDM(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("open dm: %w", err)
	}
	if _, err := n.api.CreateMessage(ctx, dm.ID, chatplatform.MessageParams{
		Content:         text,
		AllowedMentions: chatplatform.NoMentions(),
	}); err != nil {
		return false, fmt.Errorf("send dm: %w", err)
	}
	return true, nil
}

// Deny tells userID why their message was not forwarded.
func (n *Notifier) Deny(ctx context.Context, userID string, d *Denial) bool {
	sent, err := n.Sender(ctx, userID, string(d.Reason), n.cat.Text("denial."+string(d.Reason), d.templateData()))
	if err != nil {
		n.log.Warn("denial_notify_failed", zap.String("user", userID), zap.String("reason", string(d.Reason)), zap.Error(err))
	}
	return sent
}

// allow fails open so a Redis outage does not silence alerts.
func (n *Notifier) allow(ctx context.Context, key string) bool {
	if n.limiter == nil {
		return true
	}
	ok, err := n.limiter.Allow(ctx, key)
	if err != nil {
		n.log.Warn("notify_cooldown_failed", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}

// FormatUntil renders a mute expiry for user-facing text.
func FormatUntil(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 MST")
}
