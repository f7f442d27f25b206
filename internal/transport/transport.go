package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"github.com/gorilla/websocket"
)

var log = slog.Default()

// ============================================================================
// Event Stream Transport
// ============================================================================

const (
	// StreamPath is where the dispatch backend serves the job stream.
	StreamPath = "/ws/jobs"

	defaultHandshakeTimeout = 10 * time.Second
	defaultPongWait         = 60 * time.Second
	maxFrameSize            = 1 << 20
)

// CredentialSource yields the bearer token for one connection attempt.
// It is consulted on every attempt so rotated tokens are picked up.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialSource with a fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// Handler receives decoded events and lifecycle notifications.
type Handler = func(types.Event)

// Recorder receives transport metrics. metrics.Collector satisfies it.
type Recorder interface {
	RecordConnectionState(types.ConnectionState)
	RecordMalformedFrame()
}

// Config holds transport settings.
type Config struct {
	// URL is the stream endpoint, ws:// or wss://. See StreamURL.
	URL              string
	Backoff          Backoff
	MaxRetries       int // consecutive failed attempts before giving up; 0 is unbounded
	HandshakeTimeout time.Duration
	PongWait         time.Duration
	OfferTTL         time.Duration
}

// Transport maintains one websocket connection to the dispatch backend and
// reconnects on failure. Events are delivered in arrival order from a single
// goroutine.
type Transport struct {
	cfg      Config
	creds    CredentialSource
	decoder  Decoder
	dialer   *websocket.Dialer
	recorder Recorder
	now      func() time.Time

	mu      sync.Mutex
	handler Handler
	state   types.ConnectionState
	conn    *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// New creates a transport. Connect starts it.
func New(cfg Config, creds CredentialSource) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	if creds == nil {
		creds = StaticToken("")
	}
	return &Transport{
		cfg:     cfg,
		creds:   creds,
		decoder: Decoder{OfferTTL: cfg.OfferTTL},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		now:   time.Now,
		state: types.ConnectionState{State: types.Disconnected},
	}
}

// SetRecorder attaches a metrics recorder. Call before Connect.
func (t *Transport) SetRecorder(r Recorder) {
	t.mu.Lock()
	t.recorder = r
	t.mu.Unlock()
}

// OnEvent registers the single event handler, replacing any previous one.
// The handler must not call Close.
func (t *Transport) OnEvent(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Connect starts the connect loop. Calling it while a loop is running is a
// no-op, so there is never more than one live connection.
func (t *Transport) Connect(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(ctx, t.done)
}

// Close stops reconnecting, closes the live connection and waits for the
// loop to exit. No events are delivered after Close returns.
func (t *Transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	cancel, done, conn := t.cancel, t.done, t.conn
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	t.setState(types.Disconnected, 0)
}

// State returns the current connection state.
func (t *Transport) State() types.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	failures := 0
	for {
		t.setState(types.Connecting, failures)
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Warn("Stream connect failed", "attempt", failures, "error", err)
			if t.cfg.MaxRetries > 0 && failures >= t.cfg.MaxRetries {
				log.Error("Giving up on stream", "attempts", failures)
				t.setState(types.Disconnected, failures)
				return
			}
			t.setState(types.Disconnected, failures)
			if !sleep(ctx, t.cfg.Backoff.Delay(failures-1)) {
				return
			}
			continue
		}

		if !t.attach(conn) {
			_ = conn.Close()
			return
		}
		log.Info("Stream connected", "url", redact(t.cfg.URL), "after_failures", failures)
		t.setState(types.Connected, 0)
		t.emit(types.ConnectionRestored{Attempt: failures})
		failures = 0

		err = t.readLoop(ctx, conn)
		t.detach(conn)
		if ctx.Err() != nil {
			return
		}
		log.Warn("Stream dropped", "error", err)
		t.setState(types.Disconnected, 0)
		t.emit(types.ConnectionLost{Err: err})
		if !sleep(ctx, t.cfg.Backoff.Delay(0)) {
			return
		}
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := t.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse stream url: %w", err)
	}
	header := http.Header{}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

func (t *Transport) attach(conn *websocket.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conn = conn
	return true
}

func (t *Transport) detach(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	_ = conn.Close()
}

// readLoop reads frames until the connection fails. Pings are sent from a
// companion goroutine; any frame or pong extends the read deadline.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	pongWait := t.cfg.PongWait
	pingPeriod := pongWait * 9 / 10

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					log.Debug("Ping failed", "error", err)
					return
				}
			case <-stop:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		ev, err := t.decoder.Decode(data, t.now())
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				log.Debug("Ignoring frame", "error", err)
				continue
			}
			log.Warn("Dropping malformed frame", "error", err, "bytes", len(data))
			if r := t.getRecorder(); r != nil {
				r.RecordMalformedFrame()
			}
			continue
		}
		t.emit(ev)
	}
}

func (t *Transport) emit(ev types.Event) {
	t.mu.Lock()
	h, closed := t.handler, t.closed
	t.mu.Unlock()
	if closed || h == nil {
		return
	}
	h(ev)
}

func (t *Transport) setState(s types.ConnState, retries int) {
	t.mu.Lock()
	next := types.ConnectionState{State: s, RetryCount: retries}
	changed := t.state != next
	t.state = next
	r := t.recorder
	t.mu.Unlock()
	if changed && r != nil {
		r.RecordConnectionState(next)
	}
}

func (t *Transport) getRecorder() Recorder {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recorder
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// StreamURL derives the websocket endpoint from the REST base URL:
// http becomes ws and https becomes wss.
func StreamURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += StreamPath
	return u.String(), nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
