package relay

import (
	"context"
	"testing"
	"time"

	"github.com/park285/guild-chat-bridge/internal/chatplatform"
	"github.com/park285/guild-chat-bridge/internal/store"
)

func member(id string, roles ...string) chatplatform.Member {
	return chatplatform.Member{User: chatplatform.User{ID: id, Username: id}, Roles: roles}
}

func TestMutedPlayerNotifiedOncePerWindow(t *testing.T) {
	_, rdb := newRedis(t)
	api := newFakeAPI()
	mutes := store.NewMuteStore(rdb, "alpha")
	n := NewNotifier(api, "ops", store.NewCooldown(rdb, "alpha", time.Minute), nil, nil)
	g := NewGate(GateOptions{Community: "alpha", Mutes: mutes, Notifier: n})
	ctx := context.Background()

	if err := mutes.MutePlayer(ctx, "u1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("MutePlayer: %v", err)
	}
	for i := 0; i < 3; i++ {
		d := g.EvaluateForward(ctx, member("u1"))
		if d == nil || d.Reason != ReasonMuted {
			t.Fatalf("attempt %d: denial = %+v", i, d)
		}
		sent := n.Deny(ctx, "u1", d)
		if sent != (i == 0) {
			t.Fatalf("attempt %d: sent = %v", i, sent)
		}
	}
	if got := api.sent("dm-u1"); len(got) != 1 {
		t.Fatalf("dms = %v", got)
	}
	if d := g.EvaluateForward(ctx, member("u2")); d != nil {
		t.Fatalf("unmuted player denied: %+v", d)
	}
}

func TestGuildMuteStaffBypass(t *testing.T) {
	_, rdb := newRedis(t)
	mutes := store.NewMuteStore(rdb, "alpha")
	g := NewGate(GateOptions{Community: "alpha", Mutes: mutes, StaffRoles: []string{"staff"}})
	ctx := context.Background()
	if err := mutes.MuteGuild(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("MuteGuild: %v", err)
	}

	if d := g.EvaluateForward(ctx, member("u1")); d == nil || d.Reason != ReasonGuildMuted {
		t.Fatalf("member denial = %+v", d)
	}
	if d := g.EvaluateForward(ctx, member("mod", "staff")); d != nil {
		t.Fatalf("staff must bypass guild mute: %+v", d)
	}
	if err := mutes.MutePlayer(ctx, "mod", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("MutePlayer: %v", err)
	}
	if d := g.EvaluateForward(ctx, member("mod", "staff")); d == nil || d.Reason != ReasonMuted {
		t.Fatalf("individually muted staff: %+v", d)
	}
}

func TestBotMuteBlocksAndAlerts(t *testing.T) {
	_, rdb := newRedis(t)
	api := newFakeAPI()
	mutes := store.NewMuteStore(rdb, "alpha")
	n := NewNotifier(api, "ops", store.NewCooldown(rdb, "alpha", time.Minute), nil, nil)
	g := NewGate(GateOptions{Bridge: "alpha", Community: "alpha", Mutes: mutes, Notifier: n})
	ctx := context.Background()

	until := time.Now().Add(30 * time.Minute)
	for i := 0; i < 2; i++ {
		if err := g.RecordBotMute(ctx, until); err != nil {
			t.Fatalf("RecordBotMute: %v", err)
		}
	}
	d := g.EvaluateForward(ctx, member("u1"))
	if d == nil || d.Reason != ReasonBotMuted {
		t.Fatalf("denial = %+v", d)
	}
	if got := api.sent("ops"); len(got) != 1 {
		t.Fatalf("operator alerts = %v", got)
	}
}

func TestRejectionThresholdMutesAndUnmutes(t *testing.T) {
	mr, rdb := newRedis(t)
	api := newFakeAPI()
	mutes := store.NewMuteStore(rdb, "alpha")
	inf := store.NewMemoryInfractions()
	n := NewNotifier(api, "ops", store.NewCooldown(rdb, "alpha", time.Minute), nil, nil)
	g := NewGate(GateOptions{
		Community:   "alpha",
		Mutes:       mutes,
		Infractions: inf,
		Notifier:    n,
		Threshold:   2,
		MuteFor:     100 * time.Millisecond,
	})
	defer g.Close()
	ctx := context.Background()

	if muted, err := g.RecordRejection(ctx, "u1"); err != nil || muted {
		t.Fatalf("first rejection: %v %v", muted, err)
	}
	if muted, err := g.RecordRejection(ctx, "u1"); err != nil || !muted {
		t.Fatalf("second rejection: %v %v", muted, err)
	}
	if d := g.EvaluateForward(ctx, member("u1")); d == nil || d.Reason != ReasonMuted {
		t.Fatalf("expected mute after threshold, got %+v", d)
	}
	if recs := inf.Mutes(); len(recs) != 1 || recs[0].UserID != "u1" {
		t.Fatalf("mute log = %+v", recs)
	}
	if got := api.sent("ops"); len(got) != 1 {
		t.Fatalf("operator alerts = %v", got)
	}
	if g.PendingUnmutes() != 1 {
		t.Fatalf("pending unmutes = %d", g.PendingUnmutes())
	}

	deadline := time.Now().Add(2 * time.Second)
	for mr.Exists("bridge:alpha:mute:player:u1") {
		if time.Now().After(deadline) {
			t.Fatalf("scheduled unmute never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if muted, _ := g.RecordRejection(ctx, "u1"); muted {
		t.Fatalf("counter must reset after a mute")
	}
}

func TestCloseCancelsUnmutes(t *testing.T) {
	_, rdb := newRedis(t)
	g := NewGate(GateOptions{
		Community: "alpha",
		Mutes:     store.NewMuteStore(rdb, "alpha"),
		Threshold: 1,
		MuteFor:   time.Hour,
	})
	if _, err := g.RecordRejection(context.Background(), "u1"); err != nil {
		t.Fatalf("RecordRejection: %v", err)
	}
	g.Close()
	if g.PendingUnmutes() != 0 {
		t.Fatalf("pending unmutes after Close = %d", g.PendingUnmutes())
	}
}
