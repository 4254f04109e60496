// Package gamemsg models chat lines received from the game server and
// classifies them into relay categories.
package gamemsg

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Category is the chat channel a game line belongs to.
type Category string

const (
	// CategoryNone marks lines with no category tag: command output,
	// server notices and anything the classifier does not recognise.
	CategoryNone    Category = ""
	CategoryGuild   Category = "guild"
	CategoryOfficer Category = "officer"
	CategoryParty   Category = "party"
	CategoryDirect  Category = "direct"
	CategorySystem  Category = "system"
)

// ParseCategory maps a config key to a Category.
func ParseCategory(s string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(s))) {
	case CategoryGuild:
		return CategoryGuild, true
	case CategoryOfficer:
		return CategoryOfficer, true
	case CategoryParty:
		return CategoryParty, true
	case CategoryDirect:
		return CategoryDirect, true
	case CategorySystem:
		return CategorySystem, true
	}
	return CategoryNone, false
}

// Message is one inbound line from the game connection.
type Message struct {
	// Content is the line with formatting codes removed.
	Content  string
	Category Category
	// IsSelf is set when the line was written by the bridge's own account.
	IsSelf bool
	// IsAntiSpamEcho is set for the server's duplicate-message rejection.
	IsAntiSpamEcho bool
	// RawFormatted keeps the original formatting codes.
	RawFormatted string

	Sender     string
	Rank       string
	Body       string
	ReceivedAt time.Time
}

const separatorMinDashes = 29

var (
	formatCodeRe = regexp.MustCompile(`§[0-9a-fk-orA-FK-OR]`)

	chatLineRe = regexp.MustCompile(`^(Guild|Officer|Party) > (?:\[([^\]]+)\] )?([A-Za-z0-9_]{1,16})(?: \[[^\]]*\])?: (.*)$`)
	directRe   = regexp.MustCompile(`^From (?:\[([^\]]+)\] )?([A-Za-z0-9_]{1,16}): (.*)$`)
	noticeRe   = regexp.MustCompile(`^Guild > ([A-Za-z0-9_]{1,16}) (joined|left)\.$`)

	antiSpamEchoRe = regexp.MustCompile(`^You cannot say the same message twice!?$`)
	policyRejectRe = regexp.MustCompile(`^We blocked your comment`)
	botMutedRe     = regexp.MustCompile(`^(?:Your mute will expire in|You are currently muted)`)
	muteDurationRe = regexp.MustCompile(`expire in (?:(\d+)d\s*)?(?:(\d+)h\s*)?(?:(\d+)m\s*)?(?:(\d+)s)?`)
)

// StripFormatting removes § colour and style codes.
func StripFormatting(s string) string {
	return formatCodeRe.ReplaceAllString(s, "")
}

// IsSeparator reports whether line is a response boundary made of dashes.
func IsSeparator(line string) bool {
	line = strings.TrimSpace(line)
	if len(line) < separatorMinDashes {
		return false
	}
	return strings.Trim(line, "-") == ""
}

// Classify parses a raw game line. self is the bridge account's username
// and is compared case-insensitively.
func Classify(raw, self string) Message {
	content := strings.TrimSpace(StripFormatting(raw))
	m := Message{
		Content:      content,
		RawFormatted: raw,
		ReceivedAt:   time.Now(),
	}

	if antiSpamEchoRe.MatchString(content) {
		m.IsAntiSpamEcho = true
		return m
	}

	if g := noticeRe.FindStringSubmatch(content); g != nil {
		m.Category = CategorySystem
		m.Sender = g[1]
		m.Body = g[1] + " " + g[2] + "."
		return m
	}

	if g := chatLineRe.FindStringSubmatch(content); g != nil {
		switch g[1] {
		case "Guild":
			m.Category = CategoryGuild
		case "Officer":
			m.Category = CategoryOfficer
		case "Party":
			m.Category = CategoryParty
		}
		m.Rank, m.Sender, m.Body = g[2], g[3], g[4]
		m.IsSelf = self != "" && strings.EqualFold(m.Sender, self)
		return m
	}

	if g := directRe.FindStringSubmatch(content); g != nil {
		m.Category = CategoryDirect
		m.Rank, m.Sender, m.Body = g[1], g[2], g[3]
		m.IsSelf = self != "" && strings.EqualFold(m.Sender, self)
		return m
	}

	return m
}

// IsPolicyRejection reports whether the server refused a message for content.
func (m Message) IsPolicyRejection() bool {
	return m.Category == CategoryNone && policyRejectRe.MatchString(m.Content)
}

// IsBotMuted reports whether the line tells the account it is muted.
func (m Message) IsBotMuted() bool {
	return m.Category == CategoryNone && botMutedRe.MatchString(m.Content)
}

// MuteRemaining parses the remaining duration from a mute notice.
// ok is false when the notice carries no duration.
func (m Message) MuteRemaining() (d time.Duration, ok bool) {
	g := muteDurationRe.FindStringSubmatch(m.Content)
	if g == nil {
		return 0, false
	}
	units := []time.Duration{24 * time.Hour, time.Hour, time.Minute, time.Second}
	for i, u := range units {
		if g[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(g[i+1])
		if err != nil {
			continue
		}
		d += time.Duration(n) * u
		ok = true
	}
	return d, ok
}
