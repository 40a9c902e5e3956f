package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

type recordingHandler struct {
	mu       sync.Mutex
	opens    int
	messages []string
	closed   chan bool
	onOpen   func()
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan bool, 4)}
}

func (h *recordingHandler) OnOpen() {
	h.mu.Lock()
	h.opens++
	fn := h.onOpen
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (h *recordingHandler) OnMessage(data []byte) {
	h.mu.Lock()
	h.messages = append(h.messages, string(data))
	h.mu.Unlock()
}

func (h *recordingHandler) OnClose(_ error, intentional bool) {
	h.closed <- intentional
}

func (h *recordingHandler) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...)
}

type echoServer struct {
	srv      *httptest.Server
	mu       sync.Mutex
	received []string
	conns    []*websocket.Conn
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	es := &echoServer{}
	up := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	es.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.conns = append(es.conns, c)
		es.mu.Unlock()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			es.mu.Lock()
			es.received = append(es.received, string(data))
			es.mu.Unlock()
			_ = c.WriteMessage(mt, []byte("echo:"+string(data)))
		}
	}))
	t.Cleanup(es.srv.Close)
	return es
}

func (es *echoServer) url() string {
	return "ws" + strings.TrimPrefix(es.srv.URL, "http")
}

func (es *echoServer) dropAll() {
	es.mu.Lock()
	defer es.mu.Unlock()
	for _, c := range es.conns {
		_ = c.Close()
	}
	es.conns = nil
}

func (es *echoServer) receivedFrames() []string {
	es.mu.Lock()
	defer es.mu.Unlock()
	return append([]string(nil), es.received...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestOpenSendReceiveClose(t *testing.T) {
	es := newEchoServer(t)
	h := newRecordingHandler()
	tr, err := New(Config{URL: es.url(), Handler: h, Log: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if !tr.Connected() {
		t.Fatal("expected connected")
	}
	if err := tr.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, func() bool { return len(h.snapshot()) == 1 })
	if got := h.snapshot()[0]; got != "echo:hello" {
		t.Fatalf("unexpected message %q", got)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case intentional := <-h.closed:
		if !intentional {
			t.Fatal("expected intentional close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnClose not called")
	}
	if tr.Connected() {
		t.Fatal("expected disconnected after close")
	}
}

func TestBufferedFramesFlushAfterOpen(t *testing.T) {
	es := newEchoServer(t)
	h := newRecordingHandler()
	tr, _ := New(Config{URL: es.url(), Handler: h})
	h.onOpen = func() {
		if err := tr.Send([]byte("auth")); err != nil {
			t.Errorf("send from OnOpen: %v", err)
		}
	}

	for _, f := range []string{"one", "two"} {
		if err := tr.Send([]byte(f)); err != nil {
			t.Fatalf("buffered send: %v", err)
		}
	}
	if tr.Queued() != 2 {
		t.Fatalf("expected 2 queued, got %d", tr.Queued())
	}

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, func() bool { return len(es.receivedFrames()) == 3 })
	got := es.receivedFrames()
	if got[0] != "auth" || got[1] != "one" || got[2] != "two" {
		t.Fatalf("unexpected order %v", got)
	}
	if tr.Queued() != 0 {
		t.Fatal("expected queue drained")
	}
	_ = tr.Close()
}

func TestStaleBufferedFramesAreDropped(t *testing.T) {
	es := newEchoServer(t)
	h := newRecordingHandler()
	tr, _ := New(Config{URL: es.url(), Handler: h})

	var (
		mu   sync.Mutex
		live = true
	)
	valid := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return live
	}
	if err := tr.SendIf([]byte("op"), valid); err != nil {
		t.Fatalf("buffered send: %v", err)
	}
	if err := tr.Send([]byte("plain")); err != nil {
		t.Fatalf("buffered send: %v", err)
	}
	mu.Lock()
	live = false
	mu.Unlock()

	if err := tr.SendIf([]byte("late"), valid); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if tr.Queued() != 2 {
		t.Fatalf("expected 2 queued, got %d", tr.Queued())
	}

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, func() bool { return len(es.receivedFrames()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if got := es.receivedFrames(); len(got) != 1 || got[0] != "plain" {
		t.Fatalf("expected only the plain frame, got %v", got)
	}
	_ = tr.Close()
}

func TestRemoteCloseIsUnintentional(t *testing.T) {
	es := newEchoServer(t)
	h := newRecordingHandler()
	tr, _ := New(Config{URL: es.url(), Handler: h})
	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, func() bool {
		es.mu.Lock()
		defer es.mu.Unlock()
		return len(es.conns) == 1
	})

	es.dropAll()
	select {
	case intentional := <-h.closed:
		if intentional {
			t.Fatal("expected unintentional close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnClose not called")
	}

	if err := tr.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	h.mu.Lock()
	opens := h.opens
	h.mu.Unlock()
	if opens != 2 {
		t.Fatalf("expected 2 opens, got %d", opens)
	}
	_ = tr.Close()
}

func TestQueueFull(t *testing.T) {
	tr, _ := New(Config{URL: "ws://unused", Handler: newRecordingHandler(), QueueSize: 1})
	if err := tr.Send([]byte("a")); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := tr.Send([]byte("b")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	_ = tr.Close()
	if tr.Queued() != 0 {
		t.Fatal("expected close to drop buffered frames")
	}
}

type failingDialer struct{ err error }

func (f failingDialer) Dial(context.Context, string) (Conn, error) { return nil, f.err }

func TestOpenPropagatesDialError(t *testing.T) {
	boom := errors.New("refused")
	tr, _ := New(Config{URL: "ws://unused", Handler: newRecordingHandler(), Dialer: failingDialer{err: boom}})
	if err := tr.Open(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if tr.Connected() {
		t.Fatal("expected not connected")
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{Handler: newRecordingHandler()}); err == nil {
		t.Fatal("expected error without url")
	}
	if _, err := New(Config{URL: "ws://x"}); err == nil {
		t.Fatal("expected error without handler")
	}
}

func TestReconnectPolicyBackoff(t *testing.T) {
	p := NewReconnectPolicy(100*time.Millisecond, 10)
	for i := 0; i < 10; i++ {
		d, ok := p.Next()
		if !ok {
			t.Fatalf("attempt %d: expected ok", i)
		}
		want := 100 * time.Millisecond * time.Duration(1<<i)
		if d != want {
			t.Fatalf("attempt %d: delay %s, want %s", i, d, want)
		}
		if p.Attempt() != i+1 {
			t.Fatalf("attempt counter %d, want %d", p.Attempt(), i+1)
		}
	}
	if _, ok := p.Next(); ok {
		t.Fatal("expected no 11th attempt")
	}
	if p.Attempt() != 10 {
		t.Fatalf("counter must stay at cap, got %d", p.Attempt())
	}

	p.Reset()
	d, ok := p.Next()
	if !ok || d != 100*time.Millisecond {
		t.Fatalf("expected base delay after reset, got %s %v", d, ok)
	}
}

func TestReconnectPolicyDefaults(t *testing.T) {
	p := NewReconnectPolicy(0, 0)
	if p.MaxAttempts() != 10 || p.Delay(0) != time.Second || p.Delay(3) != 8*time.Second {
		t.Fatalf("unexpected defaults: max=%d d0=%s d3=%s", p.MaxAttempts(), p.Delay(0), p.Delay(3))
	}
}
