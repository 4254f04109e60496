// Package gameproto is the transport to the game network. The wire protocol
// itself is spoken by a proxy; this package exchanges JSON frames with it.
package gameproto

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// EventKind names a session lifecycle or chat event.
type EventKind string

const (
	EventLogin  EventKind = "login"
	EventSpawn  EventKind = "spawn"
	EventChat   EventKind = "chat"
	EventKicked EventKind = "kicked"
	EventEnd    EventKind = "end"
	EventError  EventKind = "error"
)

// Event is one item from Session.Events. Text carries the chat line or the
// kick/end reason.
type Event struct {
	Kind     EventKind
	Text     string
	Username string
	UUID     string
	Err      error
}

// Account identifies the game account a session logs in as.
type Account struct {
	Username string `yaml:"username"`
	Auth     string `yaml:"auth"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Version  string `yaml:"version"`
}

// Session is a live game login. Events is closed once the session ends;
// the last event is EventEnd, EventKicked or EventError unless Close was
// called first.
type Session interface {
	Events() <-chan Event
	Chat(ctx context.Context, line string) error
	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, acct Account) (Session, error)
}

var ErrSessionClosed = errors.New("gameproto: session closed")

const (
	lineLimitModern = 256
	lineLimitLegacy = 100
)

// LineLimit returns the maximum chat line length for a protocol version.
// Versions before 1.11 accept 100 characters; unknown versions get 256.
func LineLimit(version string) int {
	parts := strings.SplitN(strings.TrimSpace(version), ".", 3)
	if len(parts) < 2 {
		return lineLimitModern
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return lineLimitModern
	}
	if major == 1 && minor < 11 {
		return lineLimitLegacy
	}
	return lineLimitModern
}
