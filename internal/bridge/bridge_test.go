package bridge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/guild-chat-bridge/internal/antispam"
	"github.com/park285/guild-chat-bridge/internal/chatplatform"
	"github.com/park285/guild-chat-bridge/internal/command"
	"github.com/park285/guild-chat-bridge/internal/config"
	"github.com/park285/guild-chat-bridge/internal/game"
	"github.com/park285/guild-chat-bridge/internal/gamemsg"
	"github.com/park285/guild-chat-bridge/internal/gameproto"
	"github.com/park285/guild-chat-bridge/internal/gameproto/gamefake"
	"github.com/park285/guild-chat-bridge/internal/relay"
	"github.com/park285/guild-chat-bridge/internal/store"
)

type fakeAPI struct {
	mu       sync.Mutex
	hooks    []chatplatform.Webhook
	executed map[string][]chatplatform.WebhookParams
	messages map[string][]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		executed: make(map[string][]chatplatform.WebhookParams),
		messages: make(map[string][]string),
	}
}

func (f *fakeAPI) ListChannelWebhooks(_ context.Context, channelID string) ([]chatplatform.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chatplatform.Webhook
	for _, h := range f.hooks {
		if h.ChannelID == channelID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (f *fakeAPI) CreateWebhook(_ context.Context, channelID, name string) (*chatplatform.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := chatplatform.Webhook{ID: fmt.Sprintf("h%d", len(f.hooks)+1), Token: "t", Name: name, ChannelID: channelID}
	f.hooks = append(f.hooks, h)
	return &h, nil
}

func (f *fakeAPI) ExecuteWebhook(_ context.Context, hook chatplatform.Webhook, params chatplatform.WebhookParams) (*chatplatform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed[hook.ChannelID] = append(f.executed[hook.ChannelID], params)
	return &chatplatform.Message{ID: "m", ChannelID: hook.ChannelID}, nil
}

func (f *fakeAPI) CreateMessage(_ context.Context, channelID string, params chatplatform.MessageParams) (*chatplatform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[channelID] = append(f.messages[channelID], params.Content)
	return &chatplatform.Message{ID: "m", ChannelID: channelID}, nil
}

func (f *fakeAPI) CreateDM(_ context.Context, userID string) (*chatplatform.Channel, error) {
	return &chatplatform.Channel{ID: "dm-" + userID}, nil
}

func (f *fakeAPI) delivered(channelID string) []chatplatform.WebhookParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chatplatform.WebhookParams(nil), f.executed[channelID]...)
}

func (f *fakeAPI) posted(channelID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages[channelID]...)
}

type harness struct {
	b           *Bridge
	dialer      *gamefake.Dialer
	api         *fakeAPI
	mutes       *store.MuteStore
	infractions *store.MemoryInfractions
}

func newHarness(t *testing.T, onChat func(s *gamefake.Session, line string), mut func(*Options)) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	d := gamefake.NewDialer()
	d.OnChat = onChat
	api := newFakeAPI()
	mutes := store.NewMuteStore(rdb, "alpha")
	inf := store.NewMemoryInfractions()
	opts := Options{
		Config: config.BridgeConfig{
			Name:            "alpha",
			GuildID:         "g1",
			Account:         gameproto.Account{Username: "BridgeBot", Version: "1.8.9"},
			OperatorChannel: "ops",
			MaxParts:        3,
			WebhookName:     "Guild Bridge",
			AvatarURL:       "https://avatars.example/{name}.png",
			ChannelMap: map[gamemsg.Category]string{
				gamemsg.CategoryGuild:   "c-guild",
				gamemsg.CategoryOfficer: "c-officer",
			},
			Blocked: []*regexp.Regexp{regexp.MustCompile(`(?i)forbidden`)},
		},
		Dialer:              d,
		API:                 api,
		Mutes:               mutes,
		Cooldown:            store.NewCooldown(rdb, "alpha", time.Minute),
		Infractions:         inf,
		ListenWindow:        30 * time.Millisecond,
		SpamBackoff:         time.Millisecond,
		InfractionThreshold: 2,
		InfractionMute:      time.Hour,
		SpawnTimeout:        time.Second,
		ReconnectBase:       5 * time.Millisecond,
		ReconnectMax:        20 * time.Millisecond,
	}
	if mut != nil {
		mut(&opts)
	}
	b := New(opts)
	t.Cleanup(b.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return &harness{b: b, dialer: d, api: api, mutes: mutes, infractions: inf}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func channelMsg(channelID, userID, content string) chatplatform.Message {
	return chatplatform.Message{
		ID:        "msg-" + userID,
		ChannelID: channelID,
		Content:   content,
		Author:    chatplatform.User{ID: userID, Username: userID},
	}
}

func TestGameLinesRelayedByCategory(t *testing.T) {
	h := newHarness(t, nil, nil)
	s := h.dialer.Last()

	s.Say("Guild > [MVP+] Steve [Tag]: hello **world**")
	s.Say("Officer > Alex: staff only")
	s.Say("Guild > BridgeBot: my own line")
	s.Say("Party > Zed: no party channel configured")
	s.Say("You cannot say the same message twice!")

	waitFor(t, "guild delivery", func() bool { return len(h.api.delivered("c-guild")) == 1 })
	waitFor(t, "officer delivery", func() bool { return len(h.api.delivered("c-officer")) == 1 })

	got := h.api.delivered("c-guild")[0]
	if got.Username != "Steve" || got.Content != `hello \*\*world\*\*` {
		t.Fatalf("guild delivery = %+v", got)
	}
	if got.AvatarURL != "https://avatars.example/Steve.png" {
		t.Fatalf("avatar = %q", got.AvatarURL)
	}
	time.Sleep(30 * time.Millisecond)
	if n := len(h.api.delivered("c-guild")); n != 1 {
		t.Fatalf("self line relayed: %d deliveries", n)
	}
}

func TestChannelMessageSentToGame(t *testing.T) {
	h := newHarness(t, nil, nil)
	err := h.b.HandleChannelMessage(context.Background(), channelMsg("c-guild", "alice", "hi   there __all__"))
	if err != nil {
		t.Fatalf("HandleChannelMessage: %v", err)
	}
	sent := h.dialer.Last().Sent()
	if len(sent) != 1 || sent[0] != "/gc alice: hi there all" {
		t.Fatalf("sent = %q", sent)
	}

	if err := h.b.HandleChannelMessage(context.Background(), channelMsg("c-unknown", "alice", "x")); err != nil {
		t.Fatalf("foreign channel: %v", err)
	}
	bot := channelMsg("c-guild", "bot", "ignored")
	bot.Author.Bot = true
	if err := h.b.HandleChannelMessage(context.Background(), bot); err != nil {
		t.Fatalf("bot message: %v", err)
	}
	if n := len(h.dialer.Last().Sent()); n != 1 {
		t.Fatalf("unexpected extra sends: %d", n)
	}
}

func TestEnqueueRoutesThroughWorker(t *testing.T) {
	h := newHarness(t, nil, nil)
	if h.b.Enqueue(channelMsg("c-other", "alice", "x")) {
		t.Fatalf("foreign channel accepted")
	}
	for i := 0; i < 3; i++ {
		if !h.b.Enqueue(channelMsg("c-officer", "alice", fmt.Sprint("line ", i))) {
			t.Fatalf("enqueue %d refused", i)
		}
	}
	waitFor(t, "three sends", func() bool { return len(h.dialer.Last().Sent()) == 3 })
	for i, line := range h.dialer.Last().Sent() {
		if want := fmt.Sprintf("/oc alice: line %d", i); antispam.StripInvisible(line) != want {
			t.Fatalf("send %d = %q, want %q", i, line, want)
		}
	}
}

func TestSpamEchoRetriesWithPadding(t *testing.T) {
	var echoes int
	var mu sync.Mutex
	h := newHarness(t, func(s *gamefake.Session, line string) {
		mu.Lock()
		defer mu.Unlock()
		if echoes < 2 {
			echoes++
			s.Say("You cannot say the same message twice!")
		}
	}, nil)

	ok, err := h.b.Chat(context.Background(), ChatRequest{Content: "gg", Prefix: "/gc "})
	if err != nil || !ok {
		t.Fatalf("Chat = %v %v", ok, err)
	}
	sent := h.dialer.Last().Sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d lines: %q", len(sent), sent)
	}
	for i, line := range sent {
		if antispam.StripInvisible(line) != "/gc gg" {
			t.Fatalf("send %d altered content: %q", i, line)
		}
	}
	if sent[1] == sent[0] || sent[2] == sent[0] {
		t.Fatalf("retries must be padded: %q", sent)
	}

	// the next identical message is padded up front
	if _, err := h.b.Chat(context.Background(), ChatRequest{Content: "gg", Prefix: "/gc "}); err != nil {
		t.Fatalf("second Chat: %v", err)
	}
	sent = h.dialer.Last().Sent()
	if last := sent[len(sent)-1]; last == "/gc gg" {
		t.Fatalf("repeat of a recent line was not padded")
	}
}

func TestSpamRetryExhaustion(t *testing.T) {
	h := newHarness(t, func(s *gamefake.Session, line string) {
		s.Say("You cannot say the same message twice!")
	}, nil)

	ok, err := h.b.Chat(context.Background(), ChatRequest{Content: "hello", Prefix: "/gc ", SenderID: "u1"})
	if ok || !errors.Is(err, ErrSpamRetryExhausted) {
		t.Fatalf("Chat = %v %v", ok, err)
	}
	if d, ok := relay.AsDenial(err); !ok || d.Reason != relay.ReasonSpamExhausted {
		t.Fatalf("denial = %+v", d)
	}
	if n := len(h.dialer.Last().Sent()); n != MaxSpamRetries+1 {
		t.Fatalf("sent %d attempts", n)
	}
	if dms := h.api.posted("dm-u1"); len(dms) != 1 {
		t.Fatalf("dms = %q", dms)
	}
}

func TestResentFullLengthPartKeepsContent(t *testing.T) {
	h := newHarness(t, func(s *gamefake.Session, line string) {
		s.Say("You cannot say the same message twice!")
	}, nil)
	prefix := "/gc Steve: "
	content := strings.Repeat("x", 200) + "Z"

	_, err := h.b.Chat(context.Background(), ChatRequest{Content: content, Prefix: prefix})
	if !errors.Is(err, ErrSpamRetryExhausted) {
		t.Fatalf("err = %v", err)
	}
	sent := h.dialer.Last().Sent()
	if len(sent) != MaxSpamRetries+1 {
		t.Fatalf("sent %d attempts", len(sent))
	}
	want := antispam.StripInvisible(sent[0])
	if n := len([]rune(want)); n != antispam.MaxLineLegacy-antispam.PadReserve {
		t.Fatalf("first part has %d visible runes", n)
	}
	for i, line := range sent {
		if got := antispam.StripInvisible(line); got != want {
			t.Fatalf("attempt %d changed visible text: %q", i, got)
		}
		if n := len([]rune(line)); n > antispam.MaxLineLegacy {
			t.Fatalf("attempt %d is %d runes", i, n)
		}
		if i > 0 && line == sent[i-1] {
			t.Fatalf("attempt %d was not padded differently", i)
		}
	}
}

func TestContentRejectionEscalatesToMute(t *testing.T) {
	h := newHarness(t, func(s *gamefake.Session, line string) {
		s.Say("We blocked your comment \"x\" as it is breaking our rules.")
	}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := h.b.HandleChannelMessage(ctx, channelMsg("c-guild", "u1", fmt.Sprint("rude ", i)))
		if !errors.Is(err, ErrContentRejected) {
			t.Fatalf("attempt %d: err = %v", i, err)
		}
	}
	if _, muted, _ := h.mutes.PlayerMutedUntil(ctx, "u1"); !muted {
		t.Fatalf("sender not muted after threshold")
	}
	if recs := h.infractions.Mutes(); len(recs) != 1 {
		t.Fatalf("mute records = %+v", recs)
	}
	if alerts := h.api.posted("ops"); len(alerts) != 1 || !strings.Contains(alerts[0], "<@u1>") {
		t.Fatalf("operator alerts = %q", alerts)
	}

	before := len(h.dialer.Last().Sent())
	err := h.b.HandleChannelMessage(ctx, channelMsg("c-guild", "u1", "again"))
	if d, ok := relay.AsDenial(err); !ok || d.Reason != relay.ReasonMuted {
		t.Fatalf("muted sender: %v", err)
	}
	if len(h.dialer.Last().Sent()) != before {
		t.Fatalf("muted sender reached the game")
	}
}

func TestMutedSenderNotifiedOnce(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	if err := h.mutes.MutePlayer(ctx, "u9", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("MutePlayer: %v", err)
	}
	for i := 0; i < 3; i++ {
		err := h.b.HandleChannelMessage(ctx, channelMsg("c-guild", "u9", "let me talk"))
		if d, ok := relay.AsDenial(err); !ok || d.Reason != relay.ReasonMuted {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if dms := h.api.posted("dm-u9"); len(dms) != 1 {
		t.Fatalf("dms = %q", dms)
	}
	if n := len(h.dialer.Last().Sent()); n != 0 {
		t.Fatalf("muted sender reached the game %d times", n)
	}
}

func TestBotMuteNoticeBlocksFurtherSends(t *testing.T) {
	h := newHarness(t, func(s *gamefake.Session, line string) {
		s.Say("Your mute will expire in 2h 5m")
	}, nil)
	ctx := context.Background()

	_, err := h.b.Chat(ctx, ChatRequest{Content: "hello", Prefix: "/gc "})
	if !errors.Is(err, ErrBotMuted) {
		t.Fatalf("err = %v", err)
	}
	until, muted, _ := h.mutes.BotMutedUntil(ctx)
	if !muted || time.Until(until) < 110*time.Minute {
		t.Fatalf("bot mute = %v %v", until, muted)
	}
	err = h.b.HandleChannelMessage(ctx, channelMsg("c-guild", "u1", "hi"))
	if d, ok := relay.AsDenial(err); !ok || d.Reason != relay.ReasonBotMuted {
		t.Fatalf("expected bot-muted denial, got %v", err)
	}
}

func TestChatRefusesBeforeSending(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	long := strings.Repeat("word ", 100)
	_, err := h.b.Chat(ctx, ChatRequest{Content: long, Prefix: "/gc alice: ", MaxParts: 3, SenderID: "u1"})
	d, ok := relay.AsDenial(err)
	if !errors.Is(err, ErrTooManyParts) || !ok || d.Parts <= 3 || d.Max != 3 {
		t.Fatalf("too many parts: %v %+v", err, d)
	}

	_, err = h.b.Chat(ctx, ChatRequest{Content: "fine\nbut FORBIDDEN here", Prefix: "/gc "})
	if !errors.Is(err, ErrContentBlocked) {
		t.Fatalf("blocked content: %v", err)
	}
	if n := len(h.dialer.Last().Sent()); n != 0 {
		t.Fatalf("refused messages reached the game: %d", n)
	}
	if dms := h.api.posted("dm-u1"); len(dms) != 1 || !strings.Contains(dms[0], "limit is 3") {
		t.Fatalf("dms = %q", dms)
	}
}

func TestChatPartsFitLegacyLineLimit(t *testing.T) {
	h := newHarness(t, nil, nil)
	content := strings.Repeat("abcdefghi ", 15)
	ok, err := h.b.Chat(context.Background(), ChatRequest{Content: content, Prefix: "/gc "})
	if err != nil || !ok {
		t.Fatalf("Chat = %v %v", ok, err)
	}
	sent := h.dialer.Last().Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d parts", len(sent))
	}
	for _, line := range sent {
		if !strings.HasPrefix(line, "/gc ") || len([]rune(line)) > antispam.MaxLineLegacy {
			t.Fatalf("bad part %q", line)
		}
	}
}

func TestNotConnectedDenied(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.b.Conn().Disconnect()
	_, err := h.b.Chat(context.Background(), ChatRequest{Content: "hello", Prefix: "/gc "})
	if !errors.Is(err, game.ErrNotReady) {
		t.Fatalf("err = %v", err)
	}
	if d, ok := relay.AsDenial(err); !ok || d.Reason != relay.ReasonNotConnected {
		t.Fatalf("denial = %+v", d)
	}
}

func TestRunCommandThroughBridge(t *testing.T) {
	sep := strings.Repeat("-", 53)
	h := newHarness(t, func(s *gamefake.Session, line string) {
		if line == "/g online" {
			s.Say(sep)
			s.Say("Online Members: 3")
			s.Say(sep)
		}
	}, nil)

	res, err := h.b.RunCommand(context.Background(), command.Request{
		Command:      "g online",
		Success:      regexp.MustCompile(`^Online Members`),
		MaxResponses: 1,
		Timeout:      500 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if res.Text != "Online Members: 3" {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestIdentityMismatchForcesReconnect(t *testing.T) {
	h := newHarness(t, nil, nil)
	<-h.dialer.Dialed()

	h.dialer.AutoSpawn = false
	h.b.Conn().Reconnect(0)
	s := <-h.dialer.Dialed()
	s.Push(gameproto.Event{Kind: gameproto.EventSpawn, Username: "Impostor"})
	waitFor(t, "second spawn", func() bool { return h.b.Conn().State() == game.StateReady })
	if _, err := h.b.Conn().Self(); !errors.Is(err, game.ErrIdentityMismatch) {
		t.Fatalf("Self err = %v", err)
	}

	s.Say("Guild > Steve: hello")
	waitFor(t, "forced reconnect", func() bool { return h.dialer.Dials() == 3 })
	if _, err := h.b.Conn().Self(); err != nil {
		t.Fatalf("profile not forgotten: %v", err)
	}
	waitFor(t, "operator alert", func() bool {
		for _, m := range h.api.posted("ops") {
			if strings.Contains(m, "unexpected player") {
				return true
			}
		}
		return false
	})
	if n := len(h.api.delivered("c-guild")); n != 0 {
		t.Fatalf("line relayed under wrong identity")
	}
}

func TestGuardRecoversPanics(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.b.guard("test", func() error { panic("boom") })
	if h.b.Conn().State() != game.StateReady {
		t.Fatalf("panic must not tear down the connection")
	}
}

func TestOperatorCommandRepliesInOperatorChannel(t *testing.T) {
	h := newHarness(t, func(s *gamefake.Session, line string) {
		if line == "/g online" {
			s.Say("Online Members: 3")
		}
	}, func(o *Options) { o.CommandTimeout = 100 * time.Millisecond })
	ctx := context.Background()

	if err := h.b.HandleChannelMessage(ctx, channelMsg("ops", "mod", "!game g online")); err != nil {
		t.Fatalf("operator command: %v", err)
	}
	if err := h.b.HandleChannelMessage(ctx, channelMsg("ops", "mod", "!game silence")); err != nil {
		t.Fatalf("operator command: %v", err)
	}
	if err := h.b.HandleChannelMessage(ctx, channelMsg("ops", "mod", "just chatting")); err != nil {
		t.Fatalf("plain operator message: %v", err)
	}

	replies := h.api.posted("ops")
	if len(replies) != 2 {
		t.Fatalf("replies = %q", replies)
	}
	if !strings.Contains(replies[0], "Online Members: 3") {
		t.Fatalf("command output = %q", replies[0])
	}
	if replies[1] != "No response to /silence within 100ms." {
		t.Fatalf("timeout reply = %q", replies[1])
	}
	if !h.b.Owns("ops") || h.b.Owns("elsewhere") {
		t.Fatalf("Owns mismatch")
	}
}
