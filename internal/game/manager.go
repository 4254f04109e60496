// Package game owns the single persistent connection of a bridge to the
// game network: login, spawn watchdog, backoff reconnection and the
// classified inbound message stream.
package game

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/guild-chat-bridge/internal/collector"
	"github.com/park285/guild-chat-bridge/internal/gamemsg"
	"github.com/park285/guild-chat-bridge/internal/gameproto"
	"github.com/park285/guild-chat-bridge/internal/metrics"
)

// State is the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingSpawn
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingSpawn:
		return "awaiting-spawn"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

var (
	ErrNotReady         = errors.New("game: connection not ready")
	ErrClosed           = errors.New("game: manager closed")
	ErrDisconnected     = errors.New("game: disconnected")
	ErrSpawnTimeout     = errors.New("game: spawn timed out")
	ErrConnectionLost   = errors.New("game: connection lost")
	ErrReconnecting     = errors.New("game: reconnecting")
	ErrIdentityMismatch = errors.New("game: session identity differs from cached profile")
)

const (
	DefaultSpawnTimeout = 60 * time.Second
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = 10 * time.Minute
	defaultDialTimeout  = 30 * time.Second
)

// Backoff returns min(base * 2^n, ceiling).
func Backoff(base, ceiling time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return min(d, ceiling)
}

// ReconnectDelay is min(2^n seconds, 10 minutes).
func ReconnectDelay(n int) time.Duration {
	return Backoff(DefaultBaseDelay, DefaultMaxDelay, n)
}

// Profile is the bridge account's own player identity.
type Profile struct {
	Username string
	UUID     string
}

type Options struct {
	Name    string
	Account gameproto.Account
	Dialer  gameproto.Dialer

	SpawnTimeout time.Duration
	DialTimeout  time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration

	// OnMessage receives every classified chat line on the read goroutine;
	// it must not block.
	OnMessage     func(gamemsg.Message)
	OnStateChange func(State)

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Attempt is a shared in-flight connect or reconnect.
type Attempt struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newAttempt() *Attempt { return &Attempt{done: make(chan struct{})} }

func finishedAttempt(err error) *Attempt {
	a := newAttempt()
	a.finish(err)
	return a
}

func (a *Attempt) finish(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *Attempt) Done() <-chan struct{} { return a.done }

// Err is valid after Done is closed.
func (a *Attempt) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Wait blocks until the attempt finishes or ctx is done.
func (a *Attempt) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	opts     Options
	log      *zap.Logger
	registry *collector.Registry

	mu              sync.Mutex
	state           State
	session         gameproto.Session
	gen             uint64
	attempt         *Attempt
	reconnect       *Attempt
	reconnectCancel chan struct{}
	spawnTimer      *time.Timer
	loginAttempts   int
	profile         *Profile
	liveName        string
	closed          bool

	states *stateFeed
}

func NewManager(opts Options) *Manager {
	if opts.SpawnTimeout <= 0 {
		opts.SpawnTimeout = DefaultSpawnTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		opts:     opts,
		log:      log,
		registry: collector.NewRegistry(),
	}
	if opts.OnStateChange != nil {
		m.states = newStateFeed(opts.OnStateChange)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LoginAttempts is the count of consecutive failed logins since the last
// successful spawn.
func (m *Manager) LoginAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loginAttempts
}

// LineLimit is the chat line limit of the configured protocol version.
func (m *Manager) LineLimit() int { return gameproto.LineLimit(m.opts.Account.Version) }

// Self returns the cached account profile. It fails with
// ErrIdentityMismatch when the live session logged in under another name.
func (m *Manager) Self() (Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profile == nil {
		return Profile{Username: m.opts.Account.Username}, nil
	}
	if m.liveName != "" && !strings.EqualFold(m.liveName, m.profile.Username) {
		return *m.profile, fmt.Errorf("%w: cached %s, live %s", ErrIdentityMismatch, m.profile.Username, m.liveName)
	}
	return *m.profile, nil
}

// ForgetProfile drops the cached identity so the next spawn resolves it again.
func (m *Manager) ForgetProfile() {
	m.mu.Lock()
	m.profile = nil
	m.liveName = ""
	m.mu.Unlock()
}

// Listen starts a collector fed by this connection's inbound lines. It is
// ended with collector.ReasonDisconnected when the connection drops.
func (m *Manager) Listen(opts collector.Options) *collector.Collector {
	return m.registry.Start(opts)
}

// Send writes one raw line. It fails with ErrNotReady unless the account
// has spawned.
func (m *Manager) Send(ctx context.Context, line string) error {
	m.mu.Lock()
	if m.state != StateReady || m.session == nil {
		m.mu.Unlock()
		return ErrNotReady
	}
	s := m.session
	m.mu.Unlock()
	if err := s.Chat(ctx, line); err != nil {
		return fmt.Errorf("game send: %w", err)
	}
	return nil
}

// Connect dials and waits for spawn. Concurrent callers share one attempt.
func (m *Manager) Connect(ctx context.Context) error {
	a, err := m.startConnect()
	if err != nil {
		return err
	}
	return a.Wait(ctx)
}

func (m *Manager) startConnect() (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.state == StateReady {
		return finishedAttempt(nil), nil
	}
	if m.attempt != nil {
		return m.attempt, nil
	}
	a := newAttempt()
	m.attempt = a
	m.gen++
	gen := m.gen
	m.setStateLocked(StateConnecting)
	go m.dial(gen)
	return a, nil
}

func (m *Manager) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.DialTimeout)
	s, err := m.opts.Dialer.Dial(ctx, m.opts.Account)
	cancel()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if s != nil {
			_ = s.Close()
		}
		return
	}
	if err != nil {
		m.log.Warn("game_dial_failed", zap.Error(err), zap.Int("login_attempts", m.loginAttempts+1))
		m.failLocked(fmt.Errorf("dial: %w", err), true)
		return
	}
	m.session = s
	m.setStateLocked(StateAwaitingSpawn)
	m.spawnTimer = time.AfterFunc(m.opts.SpawnTimeout, func() { m.spawnTimedOut(gen) })
	m.mu.Unlock()

	go m.readLoop(gen, s)
}

func (m *Manager) readLoop(gen uint64, s gameproto.Session) {
	reason := "stream closed"
	for ev := range s.Events() {
		switch ev.Kind {
		case gameproto.EventLogin:
			m.log.Info("game_logged_in", zap.String("username", ev.Username))
		case gameproto.EventSpawn:
			m.handleSpawn(gen, ev)
		case gameproto.EventChat:
			m.handleChat(gen, ev.Text)
		case gameproto.EventKicked:
			reason = "kicked: " + ev.Text
		case gameproto.EventEnd:
			if ev.Text != "" {
				reason = ev.Text
			}
		case gameproto.EventError:
			if ev.Err != nil {
				reason = ev.Err.Error()
			}
		}
	}
	m.handleDrop(gen, reason)
}

func (m *Manager) handleSpawn(gen uint64, ev gameproto.Event) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateAwaitingSpawn {
		m.mu.Unlock()
		return
	}
	if m.spawnTimer != nil {
		m.spawnTimer.Stop()
		m.spawnTimer = nil
	}
	name := ev.Username
	if name == "" {
		name = m.opts.Account.Username
	}
	m.liveName = name
	if m.profile == nil {
		m.profile = &Profile{Username: name, UUID: ev.UUID}
	}
	m.loginAttempts = 0
	m.setStateLocked(StateReady)
	a := m.attempt
	m.attempt = nil
	m.mu.Unlock()

	m.log.Info("game_spawned", zap.String("username", name))
	if a != nil {
		a.finish(nil)
	}
}

func (m *Manager) handleChat(gen uint64, text string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	self := m.opts.Account.Username
	if m.profile != nil {
		self = m.profile.Username
	}
	m.mu.Unlock()

	msg := gamemsg.Classify(text, self)
	m.registry.Dispatch(msg)
	if m.opts.OnMessage != nil {
		m.opts.OnMessage(msg)
	}
}

func (m *Manager) handleDrop(gen uint64, reason string) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.log.Warn("game_disconnected", zap.String("reason", reason), zap.Stringer("state", m.state))
	m.failLocked(fmt.Errorf("%w: %s", ErrConnectionLost, reason), true)
}

func (m *Manager) spawnTimedOut(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateAwaitingSpawn {
		m.mu.Unlock()
		return
	}
	m.log.Warn("game_spawn_timeout", zap.Duration("timeout", m.opts.SpawnTimeout))
	s := m.teardownLocked(ErrSpawnTimeout)
	schedule := !m.closed && m.reconnect == nil
	m.mu.Unlock()

	m.release(s)
	if schedule {
		m.Reconnect(0)
	}
}

// failLocked tears the connection down after a failure and releases m.mu.
// Unexpected failures count toward the backoff and trigger a reconnect
// unless one is already running.
func (m *Manager) failLocked(err error, unexpected bool) {
	if unexpected {
		m.loginAttempts++
	}
	s := m.teardownLocked(err)
	schedule := unexpected && !m.closed && m.reconnect == nil
	m.mu.Unlock()

	m.release(s)
	if schedule {
		m.Reconnect(-1)
	}
}

// teardownLocked invalidates the current generation and returns the session
// to close outside the lock.
func (m *Manager) teardownLocked(err error) gameproto.Session {
	if m.spawnTimer != nil {
		m.spawnTimer.Stop()
		m.spawnTimer = nil
	}
	s := m.session
	m.session = nil
	m.gen++
	m.liveName = ""
	if m.attempt != nil {
		m.attempt.finish(err)
		m.attempt = nil
	}
	m.setStateLocked(StateDisconnected)
	return s
}

func (m *Manager) release(s gameproto.Session) {
	if s != nil {
		_ = s.Close()
	}
	m.registry.StopAll(collector.ReasonDisconnected)
}

// Reconnect drops the connection and connects again after delay. A negative
// delay selects the backoff for the current login attempt count. Concurrent
// calls share one in-flight reconnection, which retries until it succeeds,
// Disconnect is called, or the manager closes.
func (m *Manager) Reconnect(delay time.Duration) *Attempt {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return finishedAttempt(ErrClosed)
	}
	if m.reconnect != nil {
		r := m.reconnect
		m.mu.Unlock()
		return r
	}
	if delay < 0 {
		delay = Backoff(m.opts.BaseDelay, m.opts.MaxDelay, m.loginAttempts)
	}
	r := newAttempt()
	cancel := make(chan struct{})
	m.reconnect, m.reconnectCancel = r, cancel
	s := m.teardownLocked(ErrReconnecting)
	m.mu.Unlock()

	m.release(s)
	m.opts.Metrics.Reconnect(m.opts.Name)
	go m.reconnectLoop(r, cancel, delay)
	return r
}

func (m *Manager) reconnectLoop(r *Attempt, cancel <-chan struct{}, delay time.Duration) {
	for {
		m.log.Info("game_reconnect_scheduled", zap.Duration("delay", delay))
		t := time.NewTimer(delay)
		select {
		case <-cancel:
			t.Stop()
			m.finishReconnect(r, ErrDisconnected)
			return
		case <-t.C:
		}

		a, err := m.startConnect()
		if err == nil {
			select {
			case <-a.Done():
				err = a.Err()
			case <-cancel:
				err = ErrDisconnected
			}
		}
		if err == nil {
			m.finishReconnect(r, nil)
			return
		}
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrDisconnected) {
			m.finishReconnect(r, err)
			return
		}

		m.mu.Lock()
		delay = Backoff(m.opts.BaseDelay, m.opts.MaxDelay, m.loginAttempts)
		m.mu.Unlock()
		if errors.Is(err, ErrSpawnTimeout) {
			delay = 0
		}
	}
}

func (m *Manager) finishReconnect(r *Attempt, err error) {
	m.mu.Lock()
	if m.reconnect == r {
		m.reconnect, m.reconnectCancel = nil, nil
	}
	m.mu.Unlock()
	r.finish(err)
}

// Disconnect cancels timers and any pending reconnect, ends the session and
// stops every active collector.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.reconnectCancel != nil {
		close(m.reconnectCancel)
		m.reconnect, m.reconnectCancel = nil, nil
	}
	s := m.teardownLocked(ErrDisconnected)
	m.mu.Unlock()
	m.release(s)
}

// Close disconnects and refuses further connects.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()
	if m.states != nil {
		m.states.close()
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.states != nil {
		m.states.push(s)
	}
}
