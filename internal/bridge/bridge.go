// Package bridge ties one game connection to the chat-platform channels of
// a community: game lines are classified and relayed into channels, channel
// messages are gated, translated and sent into the game.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/guild-chat-bridge/internal/antispam"
	"github.com/park285/guild-chat-bridge/internal/chatplatform"
	"github.com/park285/guild-chat-bridge/internal/command"
	"github.com/park285/guild-chat-bridge/internal/config"
	"github.com/park285/guild-chat-bridge/internal/game"
	"github.com/park285/guild-chat-bridge/internal/gamemsg"
	"github.com/park285/guild-chat-bridge/internal/gameproto"
	"github.com/park285/guild-chat-bridge/internal/metrics"
	"github.com/park285/guild-chat-bridge/internal/msgcat"
	"github.com/park285/guild-chat-bridge/internal/obslog"
	"github.com/park285/guild-chat-bridge/internal/relay"
	"github.com/park285/guild-chat-bridge/internal/sendqueue"
	"github.com/park285/guild-chat-bridge/internal/store"
	"github.com/park285/guild-chat-bridge/internal/translate"
)

const (
	defaultListenWindow = 750 * time.Millisecond
	defaultSpamBackoff  = 500 * time.Millisecond
	defaultBotMute      = time.Hour
	inboundBuffer       = 512

	// OperatorCommandPrefix marks operator-channel messages that run a
	// game command.
	OperatorCommandPrefix = "!game "
)

// categoryPrefix is the game command that writes into each forwardable
// category.
var categoryPrefix = map[gamemsg.Category]string{
	gamemsg.CategoryGuild:   "/gc ",
	gamemsg.CategoryOfficer: "/oc ",
	gamemsg.CategoryParty:   "/pc ",
}

type Options struct {
	Config config.BridgeConfig
	Dialer gameproto.Dialer

	API         relay.API
	Directory   translate.Resolver
	Mutes       relay.MuteStore
	Cooldown    relay.Limiter
	Infractions store.Infractions
	Catalog     *msgcat.Catalog

	CommandTimeout time.Duration
	SpawnTimeout   time.Duration
	// ListenWindow is how long a sent line waits for an echo or rejection.
	ListenWindow time.Duration
	// SpamBackoff is the base delay between anti-spam retries.
	SpamBackoff         time.Duration
	InfractionThreshold int
	InfractionMute      time.Duration
	MaxWebhooks         int
	// ReconnectBase and ReconnectMax override the connection backoff.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Bridge is one community's bridge instance.
type Bridge struct {
	id   string
	name string
	cfg  config.BridgeConfig
	opts Options
	log  *zap.Logger
	m    *metrics.Metrics

	conn       *game.Manager
	translator *translate.Translator
	spam       *antispam.Guard
	toGame     *sendqueue.Queue
	toChat     *sendqueue.Queue
	commands   *command.Correlator
	relays     map[gamemsg.Category]*relay.Relay
	gate       *relay.Gate
	notifier   *relay.Notifier

	inbound  chan gamemsg.Message
	outbound chan chatplatform.Message

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once

	stateMu   sync.Mutex
	lastState game.State
}

func New(opts Options) *Bridge {
	cfg := opts.Config
	id := uuid.NewString()
	log := opts.Logger
	if log == nil {
		log = obslog.ForBridge(cfg.Name, id)
	} else {
		log = log.With(zap.String("bridge", cfg.Name), zap.String("bridge_id", id))
	}
	if opts.ListenWindow <= 0 {
		opts.ListenWindow = defaultListenWindow
	}
	if opts.SpamBackoff <= 0 {
		opts.SpamBackoff = defaultSpamBackoff
	}
	if opts.Catalog == nil {
		opts.Catalog = msgcat.MustDefault()
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		id:       id,
		name:     cfg.Name,
		cfg:      cfg,
		opts:     opts,
		log:      log,
		m:        opts.Metrics,
		relays:   make(map[gamemsg.Category]*relay.Relay),
		inbound:  make(chan gamemsg.Message, inboundBuffer),
		outbound: make(chan chatplatform.Message, inboundBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}

	b.conn = game.NewManager(game.Options{
		Name:          cfg.Name,
		Account:       cfg.Account,
		Dialer:        opts.Dialer,
		SpawnTimeout:  opts.SpawnTimeout,
		BaseDelay:     opts.ReconnectBase,
		MaxDelay:      opts.ReconnectMax,
		OnMessage:     b.onGameMessage,
		OnStateChange: b.onStateChange,
		Logger:        log,
		Metrics:       opts.Metrics,
	})
	b.translator = translate.New(opts.Directory)
	b.spam = antispam.New(b.conn.LineLimit())
	b.toGame = sendqueue.New("to_game", opts.Metrics.QueueDepth(cfg.Name, "to_game"))
	b.toChat = sendqueue.New("to_chat", opts.Metrics.QueueDepth(cfg.Name, "to_chat"))
	b.commands = command.New(command.Options{
		Name:           cfg.Name,
		Conn:           b.conn,
		SendQueue:      b.toGame,
		DefaultTimeout: opts.CommandTimeout,
		Logger:         log,
		Metrics:        opts.Metrics,
	})
	b.notifier = relay.NewNotifier(opts.API, cfg.OperatorChannel, opts.Cooldown, opts.Catalog, log)
	b.gate = relay.NewGate(relay.GateOptions{
		Bridge:      cfg.Name,
		Community:   cfg.Name,
		Mutes:       opts.Mutes,
		Infractions: opts.Infractions,
		Notifier:    b.notifier,
		StaffRoles:  cfg.StaffRoles,
		Threshold:   opts.InfractionThreshold,
		MuteFor:     opts.InfractionMute,
		Logger:      log,
		Metrics:     opts.Metrics,
	})
	for cat, channelID := range cfg.ChannelMap {
		if channelID == "" {
			continue
		}
		b.relays[cat] = relay.New(relay.Options{
			Bridge:      cfg.Name,
			ChannelID:   channelID,
			WebhookName: cfg.WebhookName,
			MaxWebhooks: opts.MaxWebhooks,
			API:         opts.API,
			Notifier:    b.notifier,
			Logger:      log,
		})
	}
	return b
}

func (b *Bridge) ID() string   { return b.id }
func (b *Bridge) Name() string { return b.name }

// Conn exposes the game connection.
func (b *Bridge) Conn() *game.Manager { return b.conn }

// Relay returns the relay of a category.
func (b *Bridge) Relay(cat gamemsg.Category) (*relay.Relay, bool) {
	r, ok := b.relays[cat]
	return r, ok
}

// Owns reports whether channelID is one of this bridge's relay channels.
func (b *Bridge) Owns(channelID string) bool {
	if channelID != "" && channelID == b.cfg.OperatorChannel {
		return true
	}
	_, ok := b.cfg.CategoryFor(channelID)
	return ok
}

// Start launches the workers and connects. A failed first connect is
// returned but the connection keeps retrying in the background.
func (b *Bridge) Start(ctx context.Context) error {
	b.startOnce.Do(func() {
		b.wg.Add(2)
		go b.toChatWorker()
		go b.toGameWorker()
	})
	b.log.Info("bridge_starting", zap.String("username", b.cfg.Account.Username), zap.Int("relays", len(b.relays)))
	if err := b.conn.Connect(ctx); err != nil {
		return fmt.Errorf("bridge %s connect: %w", b.name, err)
	}
	return nil
}

// Close disconnects, stops the workers and cancels pending unmute timers.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() {
		b.conn.Close()
		b.cancel()
		b.wg.Wait()
		b.gate.Close()
		b.log.Info("bridge_closed")
	})
}

// onGameMessage runs on the connection's read goroutine and must not block.
func (b *Bridge) onGameMessage(m gamemsg.Message) {
	select {
	case b.inbound <- m:
	default:
		b.log.Warn("bridge_inbound_dropped", zap.String("category", string(m.Category)))
	}
}

func (b *Bridge) onStateChange(s game.State) {
	b.stateMu.Lock()
	prev := b.lastState
	b.lastState = s
	b.stateMu.Unlock()
	if prev == game.StateReady && s == game.StateDisconnected {
		text := b.opts.Catalog.Text("operator.disconnected", map[string]any{
			"Bridge": b.name,
			"Reason": "connection lost",
		})
		_ = b.notifier.OperatorOnce(b.ctx, "disconnected", text)
	}
}

// Enqueue hands a chat-platform message to the to-game worker. It reports
// false when the message is not for this bridge or the buffer is full.
func (b *Bridge) Enqueue(msg chatplatform.Message) bool {
	if !b.Owns(msg.ChannelID) {
		return false
	}
	select {
	case b.outbound <- msg:
		return true
	default:
		b.log.Warn("bridge_outbound_dropped", zap.String("channel", msg.ChannelID))
		return false
	}
}

func (b *Bridge) toChatWorker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case m := <-b.inbound:
			b.guard("relay_to_chat", func() error { return b.route(b.ctx, m) })
		}
	}
}

func (b *Bridge) toGameWorker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg := <-b.outbound:
			b.guard("relay_to_game", func() error { return b.HandleChannelMessage(b.ctx, msg) })
		}
	}
}

// route relays one classified game line into its category channel.
func (b *Bridge) route(ctx context.Context, m gamemsg.Message) error {
	if m.IsBotMuted() {
		return b.recordBotMute(ctx, m)
	}
	if m.Category == gamemsg.CategoryNone || m.IsAntiSpamEcho {
		return nil
	}
	if _, err := b.conn.Self(); err != nil {
		return err
	}
	if m.IsSelf {
		return nil
	}
	r, ok := b.relays[m.Category]
	if !ok {
		return nil
	}

	body := m.Body
	if body == "" {
		body = m.Content
	}
	username := m.Sender
	if username == "" {
		username = b.name
	}
	out := relay.Rendered{
		Username:  username,
		AvatarURL: strings.ReplaceAll(b.cfg.AvatarURL, "{name}", m.Sender),
		Content:   b.translator.ToChat(ctx, body),
	}
	err := b.toChat.Do(ctx, func(ctx context.Context) error {
		return r.Deliver(ctx, out)
	})
	if err != nil {
		return err
	}
	b.m.Relayed(b.name, "to_chat", string(m.Category))
	return nil
}

func (b *Bridge) recordBotMute(ctx context.Context, m gamemsg.Message) error {
	d, ok := m.MuteRemaining()
	if !ok || d <= 0 {
		d = defaultBotMute
	}
	return b.gate.RecordBotMute(ctx, time.Now().Add(d))
}

// HandleChannelMessage gates, translates and sends one chat-platform message
// into the game category bound to its channel.
func (b *Bridge) HandleChannelMessage(ctx context.Context, msg chatplatform.Message) error {
	if msg.Author.Bot || msg.WebhookID != "" {
		return nil
	}
	if msg.ChannelID != "" && msg.ChannelID == b.cfg.OperatorChannel {
		return b.handleOperatorCommand(ctx, msg)
	}
	cat, ok := b.cfg.CategoryFor(msg.ChannelID)
	if !ok {
		return nil
	}
	prefix, ok := categoryPrefix[cat]
	if !ok {
		return nil
	}

	member := chatplatform.Member{User: msg.Author}
	if msg.Member != nil {
		member = *msg.Member
		if member.User.ID == "" {
			member.User = msg.Author
		}
	}
	if d := b.gate.EvaluateForward(ctx, member); d != nil {
		b.notifier.Deny(ctx, member.User.ID, d)
		return d
	}

	text := b.translator.ToGame(ctx, msg.Content)
	if text == "" {
		return nil
	}
	name := senderName(member)
	_, err := b.Chat(ctx, ChatRequest{
		Content:  text,
		Prefix:   prefix + name + ": ",
		MaxParts: b.cfg.MaxParts,
		SenderID: member.User.ID,
	})
	if err != nil {
		return err
	}
	b.m.Relayed(b.name, "to_game", string(cat))
	return nil
}

func senderName(m chatplatform.Member) string {
	name := strings.Join(strings.Fields(antispam.StripInvisible(m.DisplayName())), " ")
	if name == "" {
		return m.User.ID
	}
	return name
}

// RunCommand runs a game command through the correlator.
func (b *Bridge) RunCommand(ctx context.Context, req command.Request) (command.Response, error) {
	return b.commands.Run(ctx, req)
}

// handleOperatorCommand runs "!game <command>" from staff and posts the
// collected output back to the operator channel.
func (b *Bridge) handleOperatorCommand(ctx context.Context, msg chatplatform.Message) error {
	content := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(content, OperatorCommandPrefix) {
		return nil
	}
	if len(b.cfg.StaffRoles) > 0 && (msg.Member == nil || !msg.Member.HasRole(b.cfg.StaffRoles...)) {
		return nil
	}
	line := strings.TrimSpace(strings.TrimPrefix(content, OperatorCommandPrefix))
	if line == "" {
		return nil
	}

	b.log.Info("operator_command", zap.String("user", msg.Author.ID), zap.String("command", line))
	res, err := b.RunCommand(ctx, command.Request{Command: line})
	if err != nil {
		return err
	}
	if res.Empty() {
		timeout := b.opts.CommandTimeout
		if timeout <= 0 {
			timeout = command.DefaultTimeout
		}
		return b.notifier.Operator(ctx, b.opts.Catalog.Text("command.timeout", map[string]any{
			"Command": command.Normalize(line),
			"Timeout": timeout.String(),
		}))
	}
	return b.notifier.Operator(ctx, "```\n"+res.Text+"\n```")
}

// guard runs fn and turns panics into errors. An identity mismatch forces a
// fresh login instead of failing the process.
func (b *Bridge) guard(op string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", r)
			}
			b.log.Error("bridge_panic", zap.String("op", op), zap.Any("panic", r), zap.Stack("stack"))
			b.handleFailure(op, err)
		}
	}()
	if err := fn(); err != nil {
		b.handleFailure(op, err)
	}
}

func (b *Bridge) handleFailure(op string, err error) {
	switch {
	case errors.Is(err, game.ErrIdentityMismatch):
		b.log.Error("bridge_identity_mismatch", zap.String("op", op), zap.Error(err))
		text := b.opts.Catalog.Text("operator.identity_mismatch", map[string]any{"Bridge": b.name})
		_ = b.notifier.OperatorOnce(b.ctx, "identity_mismatch", text)
		b.conn.ForgetProfile()
		b.conn.Reconnect(0)
	case errors.Is(err, context.Canceled):
	default:
		if _, ok := relay.AsDenial(err); ok {
			b.log.Debug("bridge_forward_denied", zap.String("op", op), zap.Error(err))
			return
		}
		b.log.Warn("bridge_op_failed", zap.String("op", op), zap.Error(err))
	}
}
