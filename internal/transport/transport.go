package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrClosed    = errors.New("transport closed")
	ErrQueueFull = errors.New("send queue full")
	ErrStale     = errors.New("frame no longer valid")
)

// Conn is the subset of *websocket.Conn the transport uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn to url.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Handler receives connection events. Callbacks run on the reader goroutine
// except OnOpen, which runs on the goroutine that called Open.
type Handler interface {
	OnOpen()
	OnMessage(data []byte)
	OnClose(err error, intentional bool)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	Header           http.Header
}

func (d WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		NetDialContext:   (&net.Dialer{Timeout: timeout}).DialContext,
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// Config wires a Transport.
type Config struct {
	URL          string
	Dialer       Dialer
	Handler      Handler
	Log          *zap.Logger
	QueueSize    int
	WriteTimeout time.Duration
}

type frame struct {
	data  []byte
	valid func() bool
}

// Transport owns the single socket to the clearing node. Frames sent while
// disconnected are buffered and flushed after the next OnOpen, minus any
// whose validity check has turned false in the meantime.
type Transport struct {
	url          string
	dialer       Dialer
	handler      Handler
	log          *zap.Logger
	queueSize    int
	writeTimeout time.Duration

	mu          sync.Mutex
	conn        Conn
	queue       []frame
	intentional bool

	writeMu sync.Mutex
}

// New builds a Transport.
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, errors.New("transport url is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("transport handler is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer{}
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Transport{
		url:          cfg.URL,
		dialer:       cfg.Dialer,
		handler:      cfg.Handler,
		log:          cfg.Log,
		queueSize:    cfg.QueueSize,
		writeTimeout: cfg.WriteTimeout,
	}, nil
}

// Open dials once. On success the reader goroutine starts, OnOpen runs, and
// any buffered frames are flushed.
func (t *Transport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.intentional = false
	t.mu.Unlock()

	conn, err := t.dialer.Dial(ctx, t.url)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.intentional {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.mu.Unlock()

	t.log.Debug("socket open", zap.String("url", t.url))
	go t.readLoop(conn)
	t.handler.OnOpen()
	t.flush()
	return nil
}

// Send writes data, or buffers it while no socket is open.
func (t *Transport) Send(data []byte) error {
	return t.SendIf(data, nil)
}

// SendIf is Send gated on valid. valid is checked under the transport lock
// before writing or buffering, and again before a buffered frame is flushed.
// It must not call back into the Transport.
func (t *Transport) SendIf(data []byte, valid func() bool) error {
	t.mu.Lock()
	if valid != nil && !valid() {
		t.mu.Unlock()
		return ErrStale
	}
	conn := t.conn
	if conn == nil {
		if len(t.queue) >= t.queueSize {
			t.mu.Unlock()
			return ErrQueueFull
		}
		t.queue = append(t.queue, frame{data: data, valid: valid})
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.write(conn, data)
}

// Close shuts the socket down intentionally and drops buffered frames.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.intentional = true
	t.queue = nil
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	return conn.Close()
}

// Connected reports whether a socket is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Queued returns the number of buffered frames.
func (t *Transport) Queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *Transport) write(conn Conn, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *Transport) flush() {
	t.mu.Lock()
	conn := t.conn
	queued := t.queue
	t.queue = nil
	t.mu.Unlock()

	if conn == nil || len(queued) == 0 {
		return
	}
	sent, stale := 0, 0
	for i, f := range queued {
		if f.valid != nil && !f.valid() {
			stale++
			continue
		}
		if err := t.write(conn, f.data); err != nil {
			t.log.Warn("flush buffered frame failed", zap.Int("dropped", len(queued)-i), zap.Error(err))
			return
		}
		sent++
	}
	t.log.Debug("flushed buffered frames", zap.Int("count", sent), zap.Int("stale", stale))
}

func (t *Transport) readLoop(conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
			}
			intentional := t.intentional
			t.mu.Unlock()
			_ = conn.Close()

			if !intentional && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.log.Warn("socket closed", zap.Error(err))
			}
			t.handler.OnClose(err, intentional)
			return
		}
		t.handler.OnMessage(data)
	}
}
