// Package wsfeed is a reconnecting websocket reader that hands every JSON
// frame to registered callbacks.
package wsfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

type MessageCallback func(raw json.RawMessage)

type StateCallback func(state State)

// HeaderProvider injects handshake headers.
type HeaderProvider func() map[string]string

type Options struct {
	Headers HeaderProvider
	// MaxReconnectAttempts of zero disables reconnection.
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	PingInterval         time.Duration
	Logger               *zap.Logger
}

type callbackEntry struct {
	id       int
	callback MessageCallback
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

// Feed is safe for concurrent use.
type Feed struct {
	url  string
	opts Options
	log  *zap.Logger

	connM sync.Mutex
	conn  *websocket.Conn
	state State

	cbM      sync.RWMutex
	nextID   int
	msgCbs   []callbackEntry
	stateCbs []stateCallbackEntry

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func New(url string, opts Options) *Feed {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 500 * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	return &Feed{
		url:        url,
		opts:       opts,
		log:        log,
		stopCh:     make(chan struct{}),
		rootCtx:    rootCtx,
		rootCancel: rootCancel,
	}
}

func (f *Feed) State() State {
	f.connM.Lock()
	defer f.connM.Unlock()
	return f.state
}

// Connect dials once. On failure a background reconnect is scheduled when
// reconnection is enabled, and the dial error is returned.
func (f *Feed) Connect(ctx context.Context) error {
	f.connM.Lock()
	if f.state == StateConnected || f.state == StateConnecting {
		f.connM.Unlock()
		return nil
	}
	f.connM.Unlock()
	f.setState(StateConnecting)

	conn, err := f.dial(ctx)
	if err != nil {
		f.setState(StateFailed)
		f.scheduleReconnect()
		return err
	}
	f.attach(conn)
	return nil
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      f.buildHeaders(),
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

func (f *Feed) attach(conn *websocket.Conn) {
	f.connM.Lock()
	f.conn = conn
	f.connM.Unlock()
	f.setState(StateConnected)
	f.log.Info("wsfeed_connected", zap.String("url", f.url))

	f.wg.Add(2)
	go f.listen(conn)
	go f.pingLoop(conn)
}

func (f *Feed) listen(conn *websocket.Conn) {
	defer f.wg.Done()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(f.rootCtx, conn, &raw); err != nil {
			if f.isStopping() {
				return
			}
			f.log.Warn("wsfeed_read_failed", zap.Error(err))
			f.drop(conn, "reconnect")
			return
		}

		f.cbM.RLock()
		callbacks := make([]callbackEntry, len(f.msgCbs))
		copy(callbacks, f.msgCbs)
		f.cbM.RUnlock()
		for _, entry := range callbacks {
			entry.callback(raw)
		}
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn) {
	defer f.wg.Done()
	t := time.NewTicker(f.opts.PingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-f.stopCh:
			return
		case <-t.C:
			f.connM.Lock()
			current := f.conn == conn
			f.connM.Unlock()
			if !current {
				return
			}
			ctx, cancel := context.WithTimeout(f.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				// listen observes the close and reconnects
				_ = conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

// drop detaches conn if it is still current and schedules a reconnect.
func (f *Feed) drop(conn *websocket.Conn, reason string) {
	f.connM.Lock()
	if f.conn != conn {
		f.connM.Unlock()
		return
	}
	f.conn = nil
	f.connM.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, reason)
	f.setState(StateDisconnected)
	f.scheduleReconnect()
}

func (f *Feed) scheduleReconnect() {
	if f.opts.MaxReconnectAttempts <= 0 || f.isStopping() {
		return
	}
	f.setState(StateReconnecting)

	go func() {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = f.opts.ReconnectBase
		eb.MaxElapsedTime = 0
		policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(f.opts.MaxReconnectAttempts)), f.rootCtx)

		var conn *websocket.Conn
		err := backoff.Retry(func() error {
			c, err := f.dial(f.rootCtx)
			if err != nil {
				f.log.Debug("wsfeed_redial_failed", zap.Error(err))
				return err
			}
			conn = c
			return nil
		}, policy)
		if err != nil {
			if !f.isStopping() {
				f.log.Error("wsfeed_reconnect_exhausted", zap.Error(err))
				f.setState(StateFailed)
			}
			return
		}
		if f.isStopping() {
			_ = conn.Close(websocket.StatusNormalClosure, "close")
			return
		}
		f.attach(conn)
	}()
}

func (f *Feed) OnMessage(cb MessageCallback) int {
	f.cbM.Lock()
	defer f.cbM.Unlock()
	f.nextID++
	f.msgCbs = append(f.msgCbs, callbackEntry{id: f.nextID, callback: cb})
	return f.nextID
}

func (f *Feed) RemoveMessageCallback(id int) {
	f.cbM.Lock()
	defer f.cbM.Unlock()
	for i, cb := range f.msgCbs {
		if cb.id == id {
			f.msgCbs = append(f.msgCbs[:i], f.msgCbs[i+1:]...)
			break
		}
	}
}

func (f *Feed) OnStateChange(cb StateCallback) int {
	f.cbM.Lock()
	defer f.cbM.Unlock()
	f.nextID++
	f.stateCbs = append(f.stateCbs, stateCallbackEntry{id: f.nextID, callback: cb})
	return f.nextID
}

func (f *Feed) setState(state State) {
	f.connM.Lock()
	f.state = state
	f.connM.Unlock()

	f.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(f.stateCbs))
	copy(callbacks, f.stateCbs)
	f.cbM.RUnlock()
	for _, entry := range callbacks {
		entry.callback(state)
	}
}

// Close stops reconnection, closes the socket and waits for the loops.
func (f *Feed) Close(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.stopCh) })
	f.connM.Lock()
	conn := f.conn
	f.conn = nil
	f.connM.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	f.rootCancel()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (f *Feed) isStopping() bool {
	select {
	case <-f.stopCh:
		return true
	default:
		return false
	}
}

func (f *Feed) buildHeaders() http.Header {
	hdr := http.Header{}
	if f.opts.Headers == nil {
		return hdr
	}
	for k, v := range f.opts.Headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
