package gameproto

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// frame is the JSON envelope exchanged with the protocol proxy.
type frame struct {
	Type     string `json:"type"`
	Message  string `json:"message,omitempty"`
	Username string `json:"username,omitempty"`
	UUID     string `json:"uuid,omitempty"`
	Auth     string `json:"auth,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Version  string `json:"version,omitempty"`
}

// HeaderProvider injects handshake headers such as a proxy token.
type HeaderProvider func() map[string]string

// WSDialer dials the protocol proxy over websocket.
type WSDialer struct {
	URL          string
	Headers      HeaderProvider
	DialTimeout  time.Duration
	PingInterval time.Duration
	Logger       *zap.Logger
}

func (d *WSDialer) buildHeaders() http.Header {
	hdr := http.Header{}
	if d.Headers == nil {
		return hdr
	}
	for k, v := range d.Headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}

// Dial connects, sends the login frame and starts the read and ping loops.
func (d *WSDialer) Dial(ctx context.Context, acct Account) (Session, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, d.URL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      d.buildHeaders(),
	})
	if err != nil {
		return nil, fmt.Errorf("dial game proxy: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	login := frame{
		Type:     "login",
		Username: acct.Username,
		Auth:     acct.Auth,
		Host:     acct.Host,
		Port:     acct.Port,
		Version:  acct.Version,
	}
	if err := wsjson.Write(dialCtx, conn, &login); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "login failed")
		return nil, fmt.Errorf("send login frame: %w", err)
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ping := d.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	rootCtx, rootCancel := context.WithCancel(context.Background())
	s := &wsSession{
		conn:   conn,
		events: make(chan Event, 256),
		stopCh: make(chan struct{}),
		ctx:    rootCtx,
		cancel: rootCancel,
		logger: logger.With(zap.String("account", acct.Username)),
	}
	s.wg.Add(2)
	go s.listen()
	go s.pingLoop(ping)
	go func() {
		s.wg.Wait()
		close(s.events)
	}()
	return s, nil
}

type wsSession struct {
	conn   *websocket.Conn
	events chan Event

	writeM sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	logger *zap.Logger
}

func (s *wsSession) Events() <-chan Event { return s.events }

func (s *wsSession) Chat(ctx context.Context, line string) error {
	if s.isStopping() {
		return ErrSessionClosed
	}
	wctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	// wsjson.Write is not safe for concurrent writers.
	s.writeM.Lock()
	defer s.writeM.Unlock()
	return wsjson.Write(wctx, s.conn, &frame{Type: "chat", Message: line})
}

func (s *wsSession) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		err = s.conn.Close(websocket.StatusNormalClosure, "close")
		s.cancel()
	})
	return err
}

func (s *wsSession) isStopping() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

func (s *wsSession) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *wsSession) listen() {
	defer s.wg.Done()
	for {
		var f frame
		if err := wsjson.Read(s.ctx, s.conn, &f); err != nil {
			if s.isStopping() {
				return
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				s.emit(Event{Kind: EventEnd, Text: ce.Reason})
			} else {
				s.emit(Event{Kind: EventError, Err: err})
			}
			s.shutdown()
			return
		}
		ev, ok := decode(f)
		if !ok {
			s.logger.Debug("gameproto_unknown_frame", zap.String("type", f.Type))
			continue
		}
		if !s.emit(ev) {
			return
		}
		if ev.Kind == EventEnd || ev.Kind == EventKicked || ev.Kind == EventError {
			s.shutdown()
			return
		}
	}
}

func (s *wsSession) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		_ = s.conn.Close(websocket.StatusGoingAway, "session ended")
		s.cancel()
	})
}

func (s *wsSession) pingLoop(interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(s.ctx, 3*time.Second)
			err := s.conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				s.logger.Warn("gameproto_ping_failed", zap.Error(err))
				// the read loop observes the close and reports the end
				_ = s.conn.Close(websocket.StatusGoingAway, "ping failure")
				return
			}
		}
	}
}

func decode(f frame) (Event, bool) {
	switch EventKind(f.Type) {
	case EventLogin:
		return Event{Kind: EventLogin, Username: f.Username, UUID: f.UUID}, true
	case EventSpawn:
		return Event{Kind: EventSpawn, Username: f.Username, UUID: f.UUID}, true
	case EventChat:
		return Event{Kind: EventChat, Text: f.Message}, true
	case EventKicked:
		return Event{Kind: EventKicked, Text: f.Message}, true
	case EventEnd:
		return Event{Kind: EventEnd, Text: f.Message}, true
	case EventError:
		return Event{Kind: EventError, Text: f.Message, Err: errors.New(f.Message)}, true
	}
	return Event{}, false
}
