// Package config loads process settings from the environment and the
// per-community bridge definitions from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"github.com/park285/guild-chat-bridge/internal/gamemsg"
	"github.com/park285/guild-chat-bridge/internal/gameproto"
)

type AppConfig struct {
	ChatAPIURL     string `env:"CHAT_API_URL" envDefault:"https://discord.com/api/v10"`
	ChatGatewayURL string `env:"CHAT_GATEWAY_URL"`
	ChatToken      string `env:"CHAT_BOT_TOKEN"`

	GameProxyURL   string `env:"GAME_PROXY_URL"`
	GameProxyToken string `env:"GAME_PROXY_TOKEN"`

	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`

	BridgesFile string `env:"BRIDGES_FILE" envDefault:"config/bridges.yaml"`
	MessagesDir string `env:"MESSAGES_DIR"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

	CommandTimeout      time.Duration `env:"COMMAND_TIMEOUT" envDefault:"5s"`
	SpawnTimeout        time.Duration `env:"SPAWN_TIMEOUT" envDefault:"60s"`
	NotifyCooldown      time.Duration `env:"NOTIFY_COOLDOWN" envDefault:"60s"`
	InfractionThreshold int           `env:"INFRACTION_THRESHOLD" envDefault:"3"`
	InfractionMute      time.Duration `env:"INFRACTION_MUTE" envDefault:"1h"`
	MaxWebhooks         int           `env:"MAX_WEBHOOKS_PER_CHANNEL" envDefault:"15"`
	AntiSpamWindow      time.Duration `env:"ANTISPAM_LISTEN_WINDOW" envDefault:"750ms"`
	DirectoryTTL        time.Duration `env:"DIRECTORY_TTL" envDefault:"10m"`
}

// Load reads .env when present, then the environment, and validates.
func Load() (*AppConfig, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := &AppConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config from environment: %w", err)
	}
	cfg.ChatGatewayURL = strings.TrimSpace(cfg.ChatGatewayURL)
	cfg.ChatToken = strings.TrimSpace(cfg.ChatToken)
	cfg.GameProxyURL = strings.TrimSpace(cfg.GameProxyURL)
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) Validate() error {
	if c.ChatToken == "" {
		return errors.New("CHAT_BOT_TOKEN is required")
	}
	if c.ChatGatewayURL == "" {
		return errors.New("CHAT_GATEWAY_URL is required")
	}
	if c.GameProxyURL == "" {
		return errors.New("GAME_PROXY_URL is required")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.InfractionThreshold < 1 {
		return fmt.Errorf("invalid INFRACTION_THRESHOLD: %d", c.InfractionThreshold)
	}
	if c.MaxWebhooks < 1 {
		return fmt.Errorf("invalid MAX_WEBHOOKS_PER_CHANNEL: %d", c.MaxWebhooks)
	}
	return nil
}

// BridgeConfig describes one managed community.
type BridgeConfig struct {
	Name    string            `yaml:"name"`
	GuildID string            `yaml:"guild_id"`
	Account gameproto.Account `yaml:"account"`
	// Channels maps a message category (guild, officer, party, direct,
	// system) to a chat channel id.
	Channels        map[string]string `yaml:"channels"`
	OperatorChannel string            `yaml:"operator_channel"`
	BlockedPatterns []string          `yaml:"blocked_patterns"`
	MaxParts        int               `yaml:"max_parts"`
	WebhookName     string            `yaml:"webhook_name"`
	// AvatarURL may contain {name}, replaced with the game sender.
	AvatarURL  string   `yaml:"avatar_url"`
	StaffRoles []string `yaml:"staff_roles"`

	ChannelMap map[gamemsg.Category]string `yaml:"-"`
	Blocked    []*regexp.Regexp            `yaml:"-"`
}

type bridgesFile struct {
	Bridges []BridgeConfig `yaml:"bridges"`
}

// LoadBridges reads and validates the bridges file.
func LoadBridges(path string) ([]BridgeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bridges file: %w", err)
	}
	return ParseBridges(raw)
}

func ParseBridges(raw []byte) ([]BridgeConfig, error) {
	var f bridgesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse bridges file: %w", err)
	}
	if len(f.Bridges) == 0 {
		return nil, errors.New("bridges file defines no bridges")
	}
	seen := make(map[string]bool)
	for i := range f.Bridges {
		b := &f.Bridges[i]
		if err := b.compile(); err != nil {
			return nil, fmt.Errorf("bridge %d (%s): %w", i, b.Name, err)
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("duplicate bridge name %q", b.Name)
		}
		seen[b.Name] = true
	}
	return f.Bridges, nil
}

func (b *BridgeConfig) compile() error {
	b.Name = strings.TrimSpace(b.Name)
	if b.Name == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(b.GuildID) == "" {
		return errors.New("guild_id is required")
	}
	if strings.TrimSpace(b.Account.Username) == "" {
		return errors.New("account.username is required")
	}
	if len(b.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	b.ChannelMap = make(map[gamemsg.Category]string, len(b.Channels))
	for k, id := range b.Channels {
		cat, ok := gamemsg.ParseCategory(k)
		if !ok {
			return fmt.Errorf("unknown channel category %q", k)
		}
		b.ChannelMap[cat] = strings.TrimSpace(id)
	}
	b.Blocked = b.Blocked[:0]
	for _, p := range b.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("blocked pattern %q: %w", p, err)
		}
		b.Blocked = append(b.Blocked, re)
	}
	if b.MaxParts <= 0 {
		b.MaxParts = 3
	}
	if strings.TrimSpace(b.WebhookName) == "" {
		b.WebhookName = "Guild Bridge"
	}
	return nil
}

// CategoryFor returns the category relayed through channelID.
func (b *BridgeConfig) CategoryFor(channelID string) (gamemsg.Category, bool) {
	for cat, id := range b.ChannelMap {
		if id == channelID {
			return cat, true
		}
	}
	return gamemsg.CategoryNone, false
}
