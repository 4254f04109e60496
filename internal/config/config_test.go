package config

import (
	"strings"
	"testing"
	"time"

	"github.com/park285/guild-chat-bridge/internal/gamemsg"
)

func TestLoadDefaultsAndValidation(t *testing.T) {
	t.Setenv("CHAT_BOT_TOKEN", "tok")
	t.Setenv("CHAT_GATEWAY_URL", "wss://gateway.example")
	t.Setenv("GAME_PROXY_URL", "ws://proxy.example")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CommandTimeout != 5*time.Second || cfg.SpawnTimeout != time.Minute {
		t.Fatalf("timeouts = %v %v", cfg.CommandTimeout, cfg.SpawnTimeout)
	}
	if cfg.InfractionThreshold != 3 || cfg.MaxWebhooks != 15 || cfg.AntiSpamWindow != 750*time.Millisecond {
		t.Fatalf("defaults = %+v", cfg)
	}

	t.Setenv("REDIS_URL", "")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Fatalf("expected REDIS_URL error, got %v", err)
	}
}

const bridgesYAML = `
bridges:
  - name: alpha
    guild_id: "100"
    account:
      username: BridgeBot
      host: play.example.net
      version: "1.8.9"
    channels:
      guild: "200"
      officer: "201"
    operator_channel: "299"
    blocked_patterns: ["(?i)free\\s+coins"]
    staff_roles: ["300"]
`

func TestParseBridges(t *testing.T) {
	bridges, err := ParseBridges([]byte(bridgesYAML))
	if err != nil {
		t.Fatalf("ParseBridges: %v", err)
	}
	b := bridges[0]
	if b.ChannelMap[gamemsg.CategoryOfficer] != "201" {
		t.Fatalf("channel map = %v", b.ChannelMap)
	}
	if cat, ok := b.CategoryFor("200"); !ok || cat != gamemsg.CategoryGuild {
		t.Fatalf("CategoryFor = %v,%v", cat, ok)
	}
	if len(b.Blocked) != 1 || !b.Blocked[0].MatchString("FREE   coins here") {
		t.Fatalf("blocked patterns not compiled")
	}
	if b.MaxParts != 3 || b.WebhookName == "" {
		t.Fatalf("defaults not applied: %+v", b)
	}
}

func TestParseBridgesRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty":    "bridges: []",
		"category": "bridges:\n  - name: a\n    guild_id: '1'\n    account: {username: x}\n    channels: {lobby: '2'}\n",
		"pattern":  "bridges:\n  - name: a\n    guild_id: '1'\n    account: {username: x}\n    channels: {guild: '2'}\n    blocked_patterns: ['(']\n",
		"dupe":     "bridges:\n  - {name: a, guild_id: '1', account: {username: x}, channels: {guild: '2'}}\n  - {name: a, guild_id: '1', account: {username: y}, channels: {guild: '3'}}\n",
	}
	for name, raw := range cases {
		if _, err := ParseBridges([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
