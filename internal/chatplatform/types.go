// Package chatplatform is the REST client for the community chat platform:
// channel lookups, webhook provisioning and delivery, DMs and the guild
// directory used to resolve mentions.
package chatplatform

type Channel struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id,omitempty"`
	Name    string `json:"name"`
	Type    int    `json:"type"`
}

type Webhook struct {
	ID        string `json:"id"`
	Token     string `json:"token,omitempty"`
	Name      string `json:"name"`
	ChannelID string `json:"channel_id"`
}

type Role struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

type Emoji struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Animated bool   `json:"animated"`
}

type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name,omitempty"`
	Bot        bool   `json:"bot,omitempty"`
}

type Member struct {
	User  User     `json:"user"`
	Nick  string   `json:"nick,omitempty"`
	Roles []string `json:"roles"`
}

// DisplayName prefers the guild nickname, then the global name.
func (m Member) DisplayName() string {
	switch {
	case m.Nick != "":
		return m.Nick
	case m.User.GlobalName != "":
		return m.User.GlobalName
	default:
		return m.User.Username
	}
}

// HasRole reports whether the member holds any of ids.
func (m Member) HasRole(ids ...string) bool {
	for _, have := range m.Roles {
		for _, want := range ids {
			if have == want {
				return true
			}
		}
	}
	return false
}

type Message struct {
	ID        string  `json:"id"`
	ChannelID string  `json:"channel_id"`
	GuildID   string  `json:"guild_id,omitempty"`
	Content   string  `json:"content"`
	Author    User    `json:"author"`
	Member    *Member `json:"member,omitempty"`
	WebhookID string  `json:"webhook_id,omitempty"`
}

type AllowedMentions struct {
	Parse []string `json:"parse"`
}

// WebhookParams is the body of a webhook execution.
type WebhookParams struct {
	Content         string           `json:"content"`
	Username        string           `json:"username,omitempty"`
	AvatarURL       string           `json:"avatar_url,omitempty"`
	AllowedMentions *AllowedMentions `json:"allowed_mentions,omitempty"`
}

// MessageParams is the body of a bot message.
type MessageParams struct {
	Content         string           `json:"content"`
	AllowedMentions *AllowedMentions `json:"allowed_mentions,omitempty"`
}

// NoMentions suppresses every ping in relayed content.
func NoMentions() *AllowedMentions { return &AllowedMentions{Parse: []string{}} }
