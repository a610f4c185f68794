package supertrack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Fakes
// ============================================================================

// fakeConn is a scripted connection: tests push frames or errors into it and
// inspect what the client wrote.
type fakeConn struct {
	frames chan []byte
	errs   chan error
	done   chan struct{}

	mu        sync.Mutex
	writes    [][]byte
	closeCode int
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case err := <-c.errs:
		return nil, err
	case <-c.done:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeConn) deliver(t *testing.T, frame string) {
	t.Helper()
	select {
	case c.frames <- []byte(frame):
	case <-time.After(2 * time.Second):
		t.Fatal("fake conn frame buffer full")
	}
}

func (c *fakeConn) fail(err error) {
	c.errs <- err
}

func (c *fakeConn) sentFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *fakeConn) closedWith() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// fakeTransport hands out fakeConns, optionally failing the first N dials
// (or every dial when failures is negative).
type fakeTransport struct {
	mu       sync.Mutex
	failures int
	dials    []string
	conns    []*fakeConn
}

func (tr *fakeTransport) Dial(ctx context.Context, url string) (Conn, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.dials = append(tr.dials, url)
	if tr.failures != 0 {
		if tr.failures > 0 {
			tr.failures--
		}
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	tr.conns = append(tr.conns, conn)
	return conn, nil
}

func (tr *fakeTransport) dialCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.dials)
}

func (tr *fakeTransport) lastDialURL() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.dials) == 0 {
		return ""
	}
	return tr.dials[len(tr.dials)-1]
}

func (tr *fakeTransport) lastConn() *fakeConn {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.conns) == 0 {
		return nil
	}
	return tr.conns[len(tr.conns)-1]
}

// blockingTransport parks Dial until released, to observe the connecting
// state from another goroutine.
type blockingTransport struct {
	release chan struct{}

	mu   sync.Mutex
	conn *fakeConn
}

func (tr *blockingTransport) Dial(ctx context.Context, url string) (Conn, error) {
	select {
	case <-tr.release:
		conn := newFakeConn()
		tr.mu.Lock()
		tr.conn = conn
		tr.mu.Unlock()
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (tr *blockingTransport) dialedConn() *fakeConn {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.conn
}

// timerCapture records reconnect callbacks instead of scheduling them, so
// tests drive retries explicitly. The callbacks must never run while the
// client holds its own lock, hence fire is a separate step.
type timerCapture struct {
	mu        sync.Mutex
	callbacks []func()
	delays    []time.Duration
}

func (tc *timerCapture) afterFunc(d time.Duration, f func()) *time.Timer {
	tc.mu.Lock()
	tc.callbacks = append(tc.callbacks, f)
	tc.delays = append(tc.delays, d)
	tc.mu.Unlock()
	return time.NewTimer(time.Hour)
}

func (tc *timerCapture) count() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.callbacks)
}

func (tc *timerCapture) fire(t *testing.T, i int) {
	tc.mu.Lock()
	if i >= len(tc.callbacks) {
		tc.mu.Unlock()
		t.Fatalf("no captured timer at index %d", i)
	}
	f := tc.callbacks[i]
	tc.mu.Unlock()
	f()
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestSocket(tr Transport, config SocketConfig) *SocketClient {
	config.Transport = tr
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = -1
	}
	return NewSocketClient("ws://localhost:7071/api/ws", config)
}

// ============================================================================
// Connect
// ============================================================================

func TestSocketConnect(t *testing.T) {
	t.Run("opens and reports state", func(t *testing.T) {
		tr := &fakeTransport{}
		c := newTestSocket(tr, SocketConfig{})

		connected := make(chan struct{}, 1)
		c.OnConnected(func() { connected <- struct{}{} })

		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.State() != StateOpen {
			t.Fatalf("expected open, got %s", c.State())
		}
		if !c.IsConnected() {
			t.Fatal("expected IsConnected")
		}
		select {
		case <-connected:
		default:
			t.Fatal("connected handler not called")
		}
	})

	t.Run("idempotent while open", func(t *testing.T) {
		tr := &fakeTransport{}
		c := newTestSocket(tr, SocketConfig{})

		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("unexpected error on repeat connect: %v", err)
		}
		if tr.dialCount() != 1 {
			t.Fatalf("expected 1 dial, got %d", tr.dialCount())
		}
	})

	t.Run("dial failure surfaces error and schedules retry", func(t *testing.T) {
		tr := &fakeTransport{failures: -1}
		capture := &timerCapture{}
		c := newTestSocket(tr, SocketConfig{ReconnectInterval: 123 * time.Millisecond})
		c.afterFunc = capture.afterFunc

		var gotErr error
		c.OnError(func(err error) { gotErr = err })

		attempts := make(chan int, 1)
		c.OnReconnecting(func(attempt int, delay time.Duration) {
			if delay != 123*time.Millisecond {
				t.Errorf("expected configured delay, got %v", delay)
			}
			attempts <- attempt
		})

		err := c.Connect(context.Background())
		if err == nil {
			t.Fatal("expected dial error")
		}
		if gotErr == nil {
			t.Fatal("error handler not called")
		}
		if c.State() != StateReconnecting {
			t.Fatalf("expected reconnecting, got %s", c.State())
		}
		if capture.count() != 1 {
			t.Fatalf("expected 1 scheduled retry, got %d", capture.count())
		}
		select {
		case a := <-attempts:
			if a != 1 {
				t.Fatalf("expected attempt 1, got %d", a)
			}
		default:
			t.Fatal("reconnecting handler not called")
		}
	})

	t.Run("token appended to dial URL", func(t *testing.T) {
		tr := &fakeTransport{}
		c := newTestSocket(tr, SocketConfig{Token: "tok en"})

		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := tr.lastDialURL(); !strings.Contains(got, "?token=tok+en") {
			t.Fatalf("expected token in dial URL, got %s", got)
		}
	})
}

// ============================================================================
// Dispatch
// ============================================================================

func TestSocketDispatch(t *testing.T) {
	connect := func(t *testing.T) (*SocketClient, *fakeConn) {
		t.Helper()
		tr := &fakeTransport{}
		c := newTestSocket(tr, SocketConfig{})
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		return c, tr.lastConn()
	}

	t.Run("typed handler receives data field", func(t *testing.T) {
		c, conn := connect(t)
		got := make(chan json.RawMessage, 1)
		c.On(EventNotification, func(eventType string, payload json.RawMessage) {
			if eventType != EventNotification {
				t.Errorf("unexpected event type %s", eventType)
			}
			got <- payload
		})

		conn.deliver(t, `{"type":"notification","data":{"id":"n1","title":"hi"}}`)

		select {
		case payload := <-got:
			var n Notification
			if err := json.Unmarshal(payload, &n); err != nil {
				t.Fatalf("decode payload: %v", err)
			}
			if n.ID != "n1" || n.Title != "hi" {
				t.Fatalf("unexpected notification: %+v", n)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
		}
	})

	t.Run("catch-all receives full envelope for other types", func(t *testing.T) {
		c, conn := connect(t)
		got := make(chan []byte, 1)
		c.On(EventMessage, func(eventType string, payload json.RawMessage) {
			if eventType != EventTaskCompleted {
				t.Errorf("expected original type, got %s", eventType)
			}
			got <- payload
		})

		frame := `{"type":"task.completed","data":{"taskId":"t1"}}`
		conn.deliver(t, frame)

		select {
		case payload := <-got:
			if string(payload) != frame {
				t.Fatalf("expected full envelope, got %s", payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("catch-all not called")
		}
	})

	t.Run("message type delivered once with data field", func(t *testing.T) {
		c, conn := connect(t)
		got := make(chan json.RawMessage, 2)
		c.On(EventMessage, func(eventType string, payload json.RawMessage) {
			got <- payload
		})

		conn.deliver(t, `{"type":"message","data":{"text":"hello"}}`)

		select {
		case payload := <-got:
			if string(payload) != `{"text":"hello"}` {
				t.Fatalf("expected data field, got %s", payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
		}
		select {
		case payload := <-got:
			t.Fatalf("unexpected second delivery: %s", payload)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("missing type defaults to message with whole payload", func(t *testing.T) {
		c, conn := connect(t)
		got := make(chan json.RawMessage, 1)
		c.On(EventMessage, func(eventType string, payload json.RawMessage) {
			got <- payload
		})

		conn.deliver(t, `{"hello":"world"}`)

		select {
		case payload := <-got:
			if string(payload) != `{"hello":"world"}` {
				t.Fatalf("expected whole payload, got %s", payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
		}
	})

	t.Run("malformed payload goes verbatim to catch-all only", func(t *testing.T) {
		c, conn := connect(t)
		var raw []byte
		typedCalls := 0
		sentinel := make(chan struct{}, 1)

		c.On(EventMessage, func(eventType string, payload json.RawMessage) {
			if raw == nil {
				raw = append([]byte(nil), payload...)
			}
		})
		c.On(EventNotification, func(eventType string, payload json.RawMessage) {
			typedCalls++
			sentinel <- struct{}{}
		})

		// Frames route in order, so once the sentinel lands the malformed
		// frame has been fully dispatched.
		conn.deliver(t, `not json at all`)
		conn.deliver(t, `{"type":"notification","data":{}}`)

		select {
		case <-sentinel:
		case <-time.After(2 * time.Second):
			t.Fatal("sentinel frame not dispatched")
		}

		if string(raw) != `not json at all` {
			t.Fatalf("expected verbatim payload, got %q", raw)
		}
		if typedCalls != 1 {
			t.Fatalf("typed handler saw %d calls, expected only the sentinel", typedCalls)
		}
	})

	t.Run("unsubscribe removes handler", func(t *testing.T) {
		c, conn := connect(t)
		removedCalls := 0
		sentinel := make(chan struct{}, 1)

		off := c.On(EventNotification, func(eventType string, payload json.RawMessage) {
			removedCalls++
		})
		c.On(EventNotification, func(eventType string, payload json.RawMessage) {
			sentinel <- struct{}{}
		})
		off()

		conn.deliver(t, `{"type":"notification","data":{}}`)

		select {
		case <-sentinel:
		case <-time.After(2 * time.Second):
			t.Fatal("remaining handler not called")
		}
		if removedCalls != 0 {
			t.Fatal("unsubscribed handler was called")
		}
	})

	t.Run("panicking handler does not stop dispatch", func(t *testing.T) {
		c, conn := connect(t)
		got := make(chan struct{}, 1)

		c.On(EventNotification, func(eventType string, payload json.RawMessage) {
			panic("handler bug")
		})
		c.On(EventNotification, func(eventType string, payload json.RawMessage) {
			got <- struct{}{}
		})

		conn.deliver(t, `{"type":"notification","data":{}}`)

		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("second handler not called after panic")
		}
	})
}

// ============================================================================
// Send
// ============================================================================

func TestSocketSend(t *testing.T) {
	t.Run("before connect returns ErrNotConnected", func(t *testing.T) {
		c := newTestSocket(&fakeTransport{}, SocketConfig{})
		err := c.Send(context.Background(), "hello")
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("while connecting returns ErrNotConnected", func(t *testing.T) {
		tr := &blockingTransport{release: make(chan struct{})}
		c := newTestSocket(tr, SocketConfig{})

		done := make(chan error, 1)
		go func() { done <- c.Connect(context.Background()) }()
		waitFor(t, func() bool { return c.State() == StateConnecting }, "never reached connecting")

		if err := c.Send(context.Background(), "hello"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}

		close(tr.release)
		if err := <-done; err != nil {
			t.Fatalf("connect: %v", err)
		}
	})

	t.Run("while reconnecting returns ErrNotConnected", func(t *testing.T) {
		tr := &fakeTransport{failures: -1}
		c := newTestSocket(tr, SocketConfig{})
		c.afterFunc = (&timerCapture{}).afterFunc

		c.Connect(context.Background())
		if c.State() != StateReconnecting {
			t.Fatalf("expected reconnecting, got %s", c.State())
		}
		if err := c.Send(context.Background(), "hello"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("string and bytes sent verbatim", func(t *testing.T) {
		tr := &fakeTransport{}
		c := newTestSocket(tr, SocketConfig{})
		c.Connect(context.Background())
		conn := tr.lastConn()

		if err := c.Send(context.Background(), "plain text"); err != nil {
			t.Fatalf("send string: %v", err)
		}
		if err := c.Send(context.Background(), []byte(`{"pre":"encoded"}`)); err != nil {
			t.Fatalf("send bytes: %v", err)
		}

		frames := conn.sentFrames()
		if len(frames) != 2 {
			t.Fatalf("expected 2 frames, got %d", len(frames))
		}
		if string(frames[0]) != "plain text" {
			t.Fatalf("string not verbatim: %q", frames[0])
		}
		if string(frames[1]) != `{"pre":"encoded"}` {
			t.Fatalf("bytes not verbatim: %q", frames[1])
		}
	})

	t.Run("other values JSON-encoded", func(t *testing.T) {
		tr := &fakeTransport{}
		c := newTestSocket(tr, SocketConfig{})
		c.Connect(context.Background())

		if err := c.Send(context.Background(), map[string]int{"a": 1}); err != nil {
			t.Fatalf("send: %v", err)
		}
		frames := tr.lastConn().sentFrames()
		if string(frames[0]) != `{"a":1}` {
			t.Fatalf("unexpected frame: %q", frames[0])
		}
	})

	t.Run("SendEvent wraps in typed envelope", func(t *testing.T) {
		tr := &fakeTransport{}
		c := newTestSocket(tr, SocketConfig{})
		c.Connect(context.Background())

		err := c.SendEvent(context.Background(), EventTaskCreated, map[string]string{"taskId": "t1"})
		if err != nil {
			t.Fatalf("send event: %v", err)
		}

		frames := tr.lastConn().sentFrames()
		var env Envelope
		if err := json.Unmarshal(frames[0], &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Type != EventTaskCreated {
			t.Fatalf("expected %s, got %s", EventTaskCreated, env.Type)
		}
		if string(env.Data) != `{"taskId":"t1"}` {
			t.Fatalf("unexpected data: %s", env.Data)
		}
	})
}

// ============================================================================
// Reconnect
// ============================================================================

func TestSocketReconnect(t *testing.T) {
	t.Run("stops after max consecutive failures", func(t *testing.T) {
		tr := &fakeTransport{failures: -1}
		capture := &timerCapture{}
		c := newTestSocket(tr, SocketConfig{MaxReconnectAttempts: 3})
		c.afterFunc = capture.afterFunc

		if err := c.Connect(context.Background()); err == nil {
			t.Fatal("expected dial error")
		}
		if capture.count() != 1 {
			t.Fatalf("expected 1 scheduled retry, got %d", capture.count())
		}

		capture.fire(t, 0)
		if capture.count() != 2 {
			t.Fatalf("expected 2 scheduled retries, got %d", capture.count())
		}

		capture.fire(t, 1)
		if capture.count() != 2 {
			t.Fatalf("expected no retry after attempts exhausted, got %d", capture.count())
		}
		if tr.dialCount() != 3 {
			t.Fatalf("expected 3 total dials, got %d", tr.dialCount())
		}
		if c.State() != StateClosed {
			t.Fatalf("expected closed, got %s", c.State())
		}
	})

	t.Run("attempt counter resets on successful open", func(t *testing.T) {
		tr := &fakeTransport{failures: 1}
		capture := &timerCapture{}
		c := newTestSocket(tr, SocketConfig{MaxReconnectAttempts: 3})
		c.afterFunc = capture.afterFunc

		var mu sync.Mutex
		var attempts []int
		c.OnReconnecting(func(attempt int, delay time.Duration) {
			mu.Lock()
			attempts = append(attempts, attempt)
			mu.Unlock()
		})

		c.Connect(context.Background())
		capture.fire(t, 0) // second dial succeeds
		waitFor(t, c.IsConnected, "never reconnected")

		tr.lastConn().fail(errors.New("dropped"))
		waitFor(t, func() bool { return capture.count() == 2 }, "retry not scheduled after drop")

		mu.Lock()
		defer mu.Unlock()
		if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 1 {
			t.Fatalf("expected attempts [1 1], got %v", attempts)
		}
	})

	t.Run("intentional close cancels pending reconnect", func(t *testing.T) {
		tr := &fakeTransport{failures: -1}
		capture := &timerCapture{}
		c := newTestSocket(tr, SocketConfig{})
		c.afterFunc = capture.afterFunc

		c.Connect(context.Background())
		if capture.count() != 1 {
			t.Fatalf("expected scheduled retry, got %d", capture.count())
		}

		if err := c.Close(0, "shutting down"); err != nil {
			t.Fatalf("close: %v", err)
		}

		// Even if the timer had fired before Stop, the callback must notice
		// the intentional close and do nothing.
		capture.fire(t, 0)
		if tr.dialCount() != 1 {
			t.Fatalf("expected no dial after close, got %d", tr.dialCount())
		}
		if c.State() != StateClosed {
			t.Fatalf("expected closed, got %s", c.State())
		}
	})

	t.Run("unintentional drop schedules retry", func(t *testing.T) {
		tr := &fakeTransport{}
		capture := &timerCapture{}
		c := newTestSocket(tr, SocketConfig{})
		c.afterFunc = capture.afterFunc

		disconnected := make(chan string, 1)
		c.OnDisconnected(func(code int, reason string) { disconnected <- reason })

		c.Connect(context.Background())
		tr.lastConn().fail(errors.New("peer went away"))

		waitFor(t, func() bool { return capture.count() == 1 }, "retry not scheduled")
		select {
		case reason := <-disconnected:
			if !strings.Contains(reason, "peer went away") {
				t.Fatalf("unexpected reason: %s", reason)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("disconnected handler not called")
		}

		capture.fire(t, 0)
		waitFor(t, c.IsConnected, "never reconnected")
	})
}

// ============================================================================
// Ping
// ============================================================================

func TestSocketPing(t *testing.T) {
	t.Run("resolves on matching pong", func(t *testing.T) {
		tr := &fakeTransport{}
		c := newTestSocket(tr, SocketConfig{})
		c.Connect(context.Background())
		conn := tr.lastConn()

		type result struct {
			pong *PongPayload
			err  error
		}
		done := make(chan result, 1)
		go func() {
			pong, err := c.Ping(context.Background())
			done <- result{pong, err}
		}()

		waitFor(t, func() bool { return len(conn.sentFrames()) == 1 }, "ping never sent")

		var env Envelope
		if err := json.Unmarshal(conn.sentFrames()[0], &env); err != nil {
			t.Fatalf("decode ping: %v", err)
		}
		if env.Type != EventPing {
			t.Fatalf("expected ping frame, got %s", env.Type)
		}
		var body struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(env.Data, &body); err != nil {
			t.Fatalf("decode ping body: %v", err)
		}

		conn.deliver(t, fmt.Sprintf(`{"type":"pong","data":{"requestId":%q}}`, body.RequestID))

		select {
		case r := <-done:
			if r.err != nil {
				t.Fatalf("ping: %v", r.err)
			}
			if r.pong.RequestID != body.RequestID {
				t.Fatalf("request id mismatch: %s vs %s", r.pong.RequestID, body.RequestID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("ping never resolved")
		}
	})

	t.Run("fails when not connected", func(t *testing.T) {
		c := newTestSocket(&fakeTransport{}, SocketConfig{})
		if _, err := c.Ping(context.Background()); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		tr := &fakeTransport{}
		c := newTestSocket(tr, SocketConfig{})
		c.Connect(context.Background())
		conn := tr.lastConn()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := c.Ping(ctx)
			done <- err
		}()

		waitFor(t, func() bool { return len(conn.sentFrames()) == 1 }, "ping never sent")
		cancel()

		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("expected context.Canceled, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("ping never returned")
		}
	})
}

// ============================================================================
// Heartbeat
// ============================================================================

// answerPings replies to every ping frame the client writes until stop is
// closed.
func answerPings(conn *fakeConn, stop chan struct{}) {
	answered := make(map[string]bool)
	for {
		select {
		case <-stop:
			return
		case <-time.After(2 * time.Millisecond):
		}
		for _, frame := range conn.sentFrames() {
			var env Envelope
			if json.Unmarshal(frame, &env) != nil || env.Type != EventPing {
				continue
			}
			var body PongPayload
			if json.Unmarshal(env.Data, &body) != nil || answered[body.RequestID] {
				continue
			}
			answered[body.RequestID] = true
			pong := fmt.Sprintf(`{"type":"pong","data":{"requestId":%q}}`, body.RequestID)
			select {
			case conn.frames <- []byte(pong):
			case <-stop:
				return
			}
		}
	}
}

func TestSocketHeartbeat(t *testing.T) {
	pingCount := func(conn *fakeConn) int {
		n := 0
		for _, frame := range conn.sentFrames() {
			var env Envelope
			if json.Unmarshal(frame, &env) == nil && env.Type == EventPing {
				n++
			}
		}
		return n
	}

	t.Run("answered pings keep the connection open", func(t *testing.T) {
		tr := &fakeTransport{}
		c := newTestSocket(tr, SocketConfig{HeartbeatInterval: 10 * time.Millisecond})

		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		conn := tr.lastConn()

		stop := make(chan struct{})
		defer close(stop)
		go answerPings(conn, stop)

		waitFor(t, func() bool { return pingCount(conn) >= 2 }, "heartbeat pings never sent")

		if !c.IsConnected() {
			t.Fatal("expected connection to stay open")
		}
		if conn.closedWith() != 0 {
			t.Fatalf("connection closed with %d", conn.closedWith())
		}
	})

	t.Run("unanswered ping force-closes so reconnect takes over", func(t *testing.T) {
		tr := &fakeTransport{}
		capture := &timerCapture{}
		c := newTestSocket(tr, SocketConfig{HeartbeatInterval: 10 * time.Millisecond})
		c.afterFunc = capture.afterFunc
		c.pingTimeout = 20 * time.Millisecond

		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("connect: %v", err)
		}
		conn := tr.lastConn()

		waitFor(t, func() bool { return conn.closedWith() == CloseGoingAway }, "heartbeat never force-closed the connection")
		waitFor(t, func() bool { return capture.count() == 1 }, "reconnect not scheduled after heartbeat failure")
		if c.State() != StateReconnecting {
			t.Fatalf("expected reconnecting, got %s", c.State())
		}
	})
}

// ============================================================================
// Close
// ============================================================================

func TestSocketClose(t *testing.T) {
	t.Run("emits disconnected with code and reason", func(t *testing.T) {
		tr := &fakeTransport{}
		c := newTestSocket(tr, SocketConfig{})
		c.Connect(context.Background())

		type disc struct {
			code   int
			reason string
		}
		got := make(chan disc, 1)
		c.OnDisconnected(func(code int, reason string) { got <- disc{code, reason} })

		if err := c.Close(CloseNormal, "done"); err != nil {
			t.Fatalf("close: %v", err)
		}

		select {
		case d := <-got:
			if d.code != CloseNormal || d.reason != "done" {
				t.Fatalf("unexpected disconnect: %+v", d)
			}
		default:
			t.Fatal("disconnected handler not called")
		}
		if c.State() != StateClosed {
			t.Fatalf("expected closed, got %s", c.State())
		}
		if c.IsConnected() {
			t.Fatal("still reports connected")
		}
		if tr.lastConn().closedWith() != CloseNormal {
			t.Fatalf("transport closed with %d", tr.lastConn().closedWith())
		}
	})

	t.Run("zero code defaults to normal closure", func(t *testing.T) {
		tr := &fakeTransport{}
		c := newTestSocket(tr, SocketConfig{})
		c.Connect(context.Background())

		got := make(chan int, 1)
		c.OnDisconnected(func(code int, reason string) { got <- code })

		c.Close(0, "bye")
		if code := <-got; code != CloseNormal {
			t.Fatalf("expected %d, got %d", CloseNormal, code)
		}
	})

	t.Run("close before connect is safe", func(t *testing.T) {
		c := newTestSocket(&fakeTransport{}, SocketConfig{})
		got := make(chan struct{}, 1)
		c.OnDisconnected(func(code int, reason string) { got <- struct{}{} })

		if err := c.Close(CloseNormal, "never opened"); err != nil {
			t.Fatalf("close: %v", err)
		}
		select {
		case <-got:
		default:
			t.Fatal("disconnected handler not called")
		}
		if c.State() != StateClosed {
			t.Fatalf("expected closed, got %s", c.State())
		}
	})

	t.Run("no reconnect after intentional close", func(t *testing.T) {
		tr := &fakeTransport{}
		capture := &timerCapture{}
		c := newTestSocket(tr, SocketConfig{})
		c.afterFunc = capture.afterFunc

		disconnects := 0
		var mu sync.Mutex
		c.OnDisconnected(func(code int, reason string) {
			mu.Lock()
			disconnects++
			mu.Unlock()
		})

		c.Connect(context.Background())
		c.Close(CloseNormal, "done")

		// The read loop unblocks after the close; give it a beat to prove it
		// neither double-reports nor schedules a retry.
		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if disconnects != 1 {
			t.Fatalf("expected 1 disconnect event, got %d", disconnects)
		}
		if capture.count() != 0 {
			t.Fatalf("expected no scheduled retry, got %d", capture.count())
		}
	})

	t.Run("close during dial discards the late connection", func(t *testing.T) {
		tr := &blockingTransport{release: make(chan struct{})}
		c := newTestSocket(tr, SocketConfig{})

		connected := make(chan struct{}, 1)
		c.OnConnected(func() { connected <- struct{}{} })

		done := make(chan error, 1)
		go func() { done <- c.Connect(context.Background()) }()
		waitFor(t, func() bool { return c.State() == StateConnecting }, "never reached connecting")

		if err := c.Close(CloseNormal, "shutting down"); err != nil {
			t.Fatalf("close: %v", err)
		}

		close(tr.release)
		if err := <-done; err != nil {
			t.Fatalf("connect: %v", err)
		}

		waitFor(t, func() bool {
			conn := tr.dialedConn()
			return conn != nil && conn.closedWith() == CloseNormal
		}, "late connection not discarded")
		if c.State() != StateClosed {
			t.Fatalf("expected closed, got %s", c.State())
		}
		if c.IsConnected() {
			t.Fatal("close lost to a late dial")
		}
		select {
		case <-connected:
			t.Fatal("connected handler called after close")
		default:
		}
	})
}
