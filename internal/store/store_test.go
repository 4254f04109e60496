package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestMuteStorePlayerAndGuild(t *testing.T) {
	mr, rdb := newRedis(t)
	s := NewMuteStore(rdb, "alpha")
	ctx := context.Background()

	if _, ok, err := s.PlayerMutedUntil(ctx, "u1"); err != nil || ok {
		t.Fatalf("fresh store reports mute: %v %v", ok, err)
	}
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	if err := s.MutePlayer(ctx, "u1", until); err != nil {
		t.Fatalf("MutePlayer: %v", err)
	}
	got, ok, err := s.PlayerMutedUntil(ctx, "u1")
	if err != nil || !ok || !got.Equal(until) {
		t.Fatalf("PlayerMutedUntil = %v %v %v", got, ok, err)
	}
	if !mr.Exists("bridge:alpha:mute:player:u1") {
		t.Fatalf("expected namespaced key")
	}

	mr.FastForward(2 * time.Hour)
	if _, ok, _ := s.PlayerMutedUntil(ctx, "u1"); ok {
		t.Fatalf("mute should expire with its TTL")
	}

	if err := s.MuteGuild(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("MuteGuild: %v", err)
	}
	if _, ok, _ := s.GuildMutedUntil(ctx); !ok {
		t.Fatalf("guild mute not visible")
	}
	if err := s.UnmuteGuild(ctx); err != nil {
		t.Fatalf("UnmuteGuild: %v", err)
	}
	if _, ok, _ := s.GuildMutedUntil(ctx); ok {
		t.Fatalf("guild mute not cleared")
	}
}

func TestMuteStorePastUntilClears(t *testing.T) {
	_, rdb := newRedis(t)
	s := NewMuteStore(rdb, "alpha")
	ctx := context.Background()
	_ = s.SetBotMuted(ctx, time.Now().Add(time.Hour))
	if err := s.SetBotMuted(ctx, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("SetBotMuted: %v", err)
	}
	if _, ok, _ := s.BotMutedUntil(ctx); ok {
		t.Fatalf("past until must clear the mute")
	}
}

func TestCooldownAllowsOncePerWindow(t *testing.T) {
	mr, rdb := newRedis(t)
	c := NewCooldown(rdb, "alpha", time.Minute)
	ctx := context.Background()

	for i, want := range []bool{true, false, false} {
		ok, err := c.Allow(ctx, "muted:u1")
		if err != nil || ok != want {
			t.Fatalf("Allow #%d = %v,%v want %v", i, ok, err, want)
		}
	}
	if ok, _ := c.Allow(ctx, "muted:u2"); !ok {
		t.Fatalf("other keys are independent")
	}
	mr.FastForward(61 * time.Second)
	if ok, _ := c.Allow(ctx, "muted:u1"); !ok {
		t.Fatalf("window should reopen")
	}
}

func TestNewRedisParsesURL(t *testing.T) {
	mr, _ := newRedis(t)
	rdb, err := NewRedis(context.Background(), fmt.Sprintf("redis://%s/0", mr.Addr()), nil)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer rdb.Close()
	if _, err := NewRedis(context.Background(), "", nil); err == nil {
		t.Fatalf("empty url must fail")
	}
}

func TestMemoryInfractions(t *testing.T) {
	m := NewMemoryInfractions()
	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		n, err := m.Increment(ctx, "alpha", "u1")
		if err != nil || n != want {
			t.Fatalf("Increment = %d,%v want %d", n, err, want)
		}
	}
	if n, _ := m.Increment(ctx, "beta", "u1"); n != 1 {
		t.Fatalf("communities must be separate, got %d", n)
	}
	_ = m.Reset(ctx, "alpha", "u1")
	if n, _ := m.Increment(ctx, "alpha", "u1"); n != 1 {
		t.Fatalf("Reset did not clear, got %d", n)
	}
	_ = m.RecordMute(ctx, MuteRecord{Community: "alpha", UserID: "u1", Reason: "infractions", Until: time.Now()})
	if got := m.Mutes(); len(got) != 1 || got[0].CreatedAt.IsZero() {
		t.Fatalf("Mutes = %+v", got)
	}
}

func TestInfractionRepositoryRequiresURL(t *testing.T) {
	if _, err := NewInfractionRepository(" "); err == nil {
		t.Fatalf("expected error for empty DATABASE_URL")
	}
}
