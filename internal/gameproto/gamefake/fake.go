// Package gamefake provides an in-memory gameproto.Dialer for tests.
package gamefake

import (
	"context"
	"errors"
	"sync"

	"github.com/park285/guild-chat-bridge/internal/gameproto"
)

// Dialer records dial attempts and hands out Sessions. When AutoSpawn is
// set every new session immediately reports login and spawn.
type Dialer struct {
	AutoSpawn bool
	// Fail makes the next N dials return an error.
	Fail int
	// OnChat, when set, is installed on every new session.
	OnChat func(s *Session, line string)

	mu       sync.Mutex
	sessions []*Session
	dials    int
	dialed   chan *Session
}

func NewDialer() *Dialer {
	return &Dialer{AutoSpawn: true, dialed: make(chan *Session, 64)}
}

var ErrDialRefused = errors.New("gamefake: dial refused")

func (d *Dialer) Dial(ctx context.Context, acct gameproto.Account) (gameproto.Session, error) {
	d.mu.Lock()
	d.dials++
	if d.Fail > 0 {
		d.Fail--
		d.mu.Unlock()
		return nil, ErrDialRefused
	}
	s := &Session{
		Account: acct,
		events:  make(chan gameproto.Event, 256),
		closed:  make(chan struct{}),
		onChat:  d.OnChat,
	}
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()

	if d.AutoSpawn {
		s.Push(gameproto.Event{Kind: gameproto.EventLogin, Username: acct.Username})
		s.Push(gameproto.Event{Kind: gameproto.EventSpawn, Username: acct.Username})
	}
	select {
	case d.dialed <- s:
	default:
	}
	return s, nil
}

// Dials returns the number of Dial calls.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recent session or nil.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// Dialed yields sessions as they are created.
func (d *Dialer) Dialed() <-chan *Session { return d.dialed }

// Session is a scripted gameproto.Session.
type Session struct {
	Account gameproto.Account

	mu     sync.Mutex
	sent   []string
	events chan gameproto.Event
	closed chan struct{}
	once   sync.Once
	onChat func(s *Session, line string)
}

func (s *Session) Events() <-chan gameproto.Event { return s.events }

func (s *Session) Chat(ctx context.Context, line string) error {
	select {
	case <-s.closed:
		return gameproto.ErrSessionClosed
	default:
	}
	s.mu.Lock()
	s.sent = append(s.sent, line)
	hook := s.onChat
	s.mu.Unlock()
	if hook != nil {
		hook(s, line)
	}
	return nil
}

func (s *Session) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.closed)
		close(s.events)
		s.mu.Unlock()
	})
	return nil
}

// Push delivers an event unless the session is closed.
func (s *Session) Push(ev gameproto.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return
	default:
	}
	s.events <- ev
}

// Say delivers a chat line.
func (s *Session) Say(line string) {
	s.Push(gameproto.Event{Kind: gameproto.EventChat, Text: line})
}

// Drop ends the session from the server side.
func (s *Session) Drop(reason string) {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return
	default:
	}
	s.events <- gameproto.Event{Kind: gameproto.EventEnd, Text: reason}
	s.mu.Unlock()
	s.Close()
}

// Sent returns the lines written so far.
func (s *Session) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
