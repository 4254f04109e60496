package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/guild-chat-bridge/internal/chatplatform"
)

// ErrWebhookCeiling means the channel already holds the maximum number of
// webhooks and none of them is ours.
var ErrWebhookCeiling = errors.New("relay: channel webhook ceiling reached")

// ProvisionError wraps a failure to obtain a webhook. It is not retried.
type ProvisionError struct {
	ChannelID string
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision webhook in %s: %v", e.ChannelID, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Rendered is a game message ready for delivery.
type Rendered struct {
	Username  string
	AvatarURL string
	Content   string
}

type Options struct {
	Bridge      string
	ChannelID   string
	WebhookName string
	// MaxWebhooks is the per-channel ceiling enforced by the platform.
	MaxWebhooks int
	API         API
	Notifier    *Notifier
	Logger      *zap.Logger
}

// Relay owns delivery into one channel. The webhook is provisioned on the
// first delivery and reused afterwards.
type Relay struct {
	opts Options
	log  *zap.Logger

	mu   sync.Mutex
	hook *chatplatform.Webhook
}

func New(opts Options) *Relay {
	if opts.WebhookName == "" {
		opts.WebhookName = "Guild Bridge"
	}
	if opts.MaxWebhooks <= 0 {
		opts.MaxWebhooks = 15
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Relay{
		opts: opts,
		log:  opts.Logger.With(zap.String("channel", opts.ChannelID)),
	}
}

func (r *Relay) ChannelID() string { return r.opts.ChannelID }

// Deliver posts msg through the channel webhook. A webhook that vanished is
// replaced once; provisioning failures are reported to the operators and
// returned as *ProvisionError.
func (r *Relay) Deliver(ctx context.Context, msg Rendered) error {
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	params := chatplatform.WebhookParams{
		Content:         msg.Content,
		Username:        msg.Username,
		AvatarURL:       msg.AvatarURL,
		AllowedMentions: chatplatform.NoMentions(),
	}
	for attempt := 0; ; attempt++ {
		hook, err := r.provision(ctx)
		if err != nil {
			return err
		}
		_, err = r.opts.API.ExecuteWebhook(ctx, hook, params)
		if err == nil {
			return nil
		}
		if attempt == 0 && chatplatform.IsUnknownWebhook(err) {
			r.log.Warn("relay_webhook_gone", zap.String("webhook", hook.ID))
			r.forget(hook.ID)
			continue
		}
		return fmt.Errorf("deliver to %s: %w", r.opts.ChannelID, err)
	}
}

func (r *Relay) forget(id string) {
	r.mu.Lock()
	if r.hook != nil && r.hook.ID == id {
		r.hook = nil
	}
	r.mu.Unlock()
}

// Webhook returns the provisioned webhook, if any.
func (r *Relay) Webhook() (chatplatform.Webhook, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hook == nil {
		return chatplatform.Webhook{}, false
	}
	return *r.hook, true
}

// provision serialises lookups so concurrent deliveries create at most one
// webhook.
func (r *Relay) provision(ctx context.Context) (chatplatform.Webhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hook != nil {
		return *r.hook, nil
	}
	hook, err := r.lookupOrCreate(ctx)
	if err != nil {
		perr := &ProvisionError{ChannelID: r.opts.ChannelID, Err: err}
		r.log.Error("relay_provision_failed", zap.Error(err))
		if r.opts.Notifier != nil {
			text := r.opts.Notifier.Catalog().Text("operator.provision_failed", map[string]any{
				"Channel": r.opts.ChannelID,
				"Error":   err.Error(),
			})
			_ = r.opts.Notifier.OperatorOnce(ctx, "provision:"+r.opts.ChannelID, text)
		}
		return chatplatform.Webhook{}, perr
	}
	r.hook = hook
	return *hook, nil
}

func (r *Relay) lookupOrCreate(ctx context.Context) (*chatplatform.Webhook, error) {
	hooks, err := r.opts.API.ListChannelWebhooks(ctx, r.opts.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	for i := range hooks {
		if hooks[i].Name == r.opts.WebhookName && hooks[i].Token != "" {
			r.log.Info("relay_webhook_reused", zap.String("webhook", hooks[i].ID))
			return &hooks[i], nil
		}
	}
	if len(hooks) >= r.opts.MaxWebhooks {
		return nil, ErrWebhookCeiling
	}
	hook, err := r.opts.API.CreateWebhook(ctx, r.opts.ChannelID, r.opts.WebhookName)
	if err != nil {
		if chatplatform.IsMaxWebhooks(err) {
			return nil, ErrWebhookCeiling
		}
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	r.log.Info("relay_webhook_created", zap.String("webhook", hook.ID))
	return hook, nil
}
