package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/park285/guild-chat-bridge/internal/chatplatform"
	"github.com/park285/guild-chat-bridge/internal/store"
)

type posted struct {
	channel string
	content string
}

type fakeAPI struct {
	mu       sync.Mutex
	hooks    map[string][]chatplatform.Webhook
	gone     map[string]bool
	created  int
	executed []chatplatform.WebhookParams
	messages []posted
	nextID   int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{hooks: make(map[string][]chatplatform.Webhook), gone: make(map[string]bool)}
}

func (f *fakeAPI) ListChannelWebhooks(_ context.Context, channelID string) ([]chatplatform.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chatplatform.Webhook(nil), f.hooks[channelID]...), nil
}

func (f *fakeAPI) CreateWebhook(_ context.Context, channelID, name string) (*chatplatform.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	f.nextID++
	f.created++
	h := chatplatform.Webhook{ID: fmt.Sprintf("h%d", f.nextID), Token: "tok", Name: name, ChannelID: channelID}
	f.hooks[channelID] = append(f.hooks[channelID], h)
	return &h, nil
}

func (f *fakeAPI) ExecuteWebhook(_ context.Context, hook chatplatform.Webhook, params chatplatform.WebhookParams) (*chatplatform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[hook.ID] {
		return nil, &chatplatform.APIError{Method: "POST", Status: 404, Code: chatplatform.CodeUnknownWebhook, Message: "Unknown Webhook"}
	}
	f.executed = append(f.executed, params)
	return &chatplatform.Message{ID: "m", ChannelID: hook.ChannelID, Content: params.Content}, nil
}

func (f *fakeAPI) CreateMessage(_ context.Context, channelID string, params chatplatform.MessageParams) (*chatplatform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, posted{channel: channelID, content: params.Content})
	return &chatplatform.Message{ID: "m", ChannelID: channelID, Content: params.Content}, nil
}

func (f *fakeAPI) CreateDM(_ context.Context, userID string) (*chatplatform.Channel, error) {
	return &chatplatform.Channel{ID: "dm-" + userID}, nil
}

func (f *fakeAPI) sent(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.messages {
		if p.channel == channel {
			out = append(out, p.content)
		}
	}
	return out
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func newNotifier(t *testing.T, api API) *Notifier {
	_, rdb := newRedis(t)
	return NewNotifier(api, "ops", store.NewCooldown(rdb, "alpha", time.Minute), nil, nil)
}

func TestDeliverProvisionsOnce(t *testing.T) {
	api := newFakeAPI()
	r := New(Options{ChannelID: "c1", API: api, Notifier: newNotifier(t, api)})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := r.Deliver(context.Background(), Rendered{Username: "Steve", Content: fmt.Sprint("hi ", i)}); err != nil {
				t.Errorf("Deliver: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if api.created != 1 {
		t.Fatalf("created %d webhooks", api.created)
	}
	if len(api.executed) != 10 {
		t.Fatalf("executed %d", len(api.executed))
	}
	if p := api.executed[0]; p.AllowedMentions == nil || len(p.AllowedMentions.Parse) != 0 {
		t.Fatalf("deliveries must suppress mentions: %+v", p.AllowedMentions)
	}
}

func TestDeliverReusesNamedWebhook(t *testing.T) {
	api := newFakeAPI()
	api.hooks["c1"] = []chatplatform.Webhook{
		{ID: "other", Token: "x", Name: "Someone Else", ChannelID: "c1"},
		{ID: "ours", Token: "y", Name: "Guild Bridge", ChannelID: "c1"},
	}
	r := New(Options{ChannelID: "c1", API: api})
	if err := r.Deliver(context.Background(), Rendered{Content: "hello"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if api.created != 0 {
		t.Fatalf("must reuse existing webhook")
	}
	if h, ok := r.Webhook(); !ok || h.ID != "ours" {
		t.Fatalf("webhook = %+v %v", h, ok)
	}
}

func TestDeliverCeilingAlertsOperatorOnce(t *testing.T) {
	api := newFakeAPI()
	for i := 0; i < 15; i++ {
		api.hooks["c1"] = append(api.hooks["c1"], chatplatform.Webhook{ID: fmt.Sprint(i), Name: "foreign"})
	}
	r := New(Options{ChannelID: "c1", API: api, Notifier: newNotifier(t, api)})

	for i := 0; i < 2; i++ {
		err := r.Deliver(context.Background(), Rendered{Content: "hello"})
		if !errors.Is(err, ErrWebhookCeiling) {
			t.Fatalf("err = %v", err)
		}
		var perr *ProvisionError
		if !errors.As(err, &perr) || perr.ChannelID != "c1" {
			t.Fatalf("want ProvisionError, got %T", err)
		}
	}
	if got := api.sent("ops"); len(got) != 1 {
		t.Fatalf("operator alerts = %v", got)
	}
}

func TestDeliverReprovisionsGoneWebhook(t *testing.T) {
	api := newFakeAPI()
	r := New(Options{ChannelID: "c1", API: api})
	ctx := context.Background()
	if err := r.Deliver(ctx, Rendered{Content: "one"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	first, _ := r.Webhook()

	api.mu.Lock()
	api.gone[first.ID] = true
	api.hooks["c1"] = nil
	api.mu.Unlock()

	if err := r.Deliver(ctx, Rendered{Content: "two"}); err != nil {
		t.Fatalf("Deliver after delete: %v", err)
	}
	second, _ := r.Webhook()
	if second.ID == first.ID || api.created != 2 {
		t.Fatalf("expected a fresh webhook, got %s (created %d)", second.ID, api.created)
	}
	if len(api.executed) != 2 || api.executed[1].Content != "two" {
		t.Fatalf("executed = %+v", api.executed)
	}
}
