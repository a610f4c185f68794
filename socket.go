package supertrack

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// SocketConfig configures a SocketClient.
type SocketConfig struct {
	// Token is appended to the dial URL as a query parameter when set.
	Token string
	// MaxReconnectAttempts is the number of consecutive failed attempts
	// after which the client stays closed.
	MaxReconnectAttempts int
	// ReconnectInterval is the fixed delay between attempts.
	ReconnectInterval time.Duration
	// HeartbeatInterval is the ping cadence on an open connection.
	// Negative disables the heartbeat.
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client
	Transport         Transport
	Logger            *zerolog.Logger
}

func (c *SocketConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 3 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Transport == nil {
		c.Transport = &wsTransport{httpClient: c.HTTPClient}
	}
	if c.Logger == nil {
		l := zerolog.Nop()
		c.Logger = &l
	}
}

// SocketState represents the connection lifecycle state.
type SocketState string

const (
	StateIdle         SocketState = "idle"
	StateConnecting   SocketState = "connecting"
	StateOpen         SocketState = "open"
	StateClosing      SocketState = "closing"
	StateClosed       SocketState = "closed"
	StateReconnecting SocketState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the generic event callback type. Handlers registered for
// EventMessage additionally receive the full envelope of every other typed
// event, and the verbatim text of payloads that could not be parsed.
type EventHandler func(eventType string, payload json.RawMessage)

type registration struct {
	id uint64
	fn EventHandler
}

type eventDispatcher struct {
	mu             sync.RWMutex
	nextID         uint64
	generic        map[string][]registration
	onConnected    []func()
	onDisconnected []func(code int, reason string)
	onReconnecting []func(attempt int, delay time.Duration)
	onError        []func(err error)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		generic: make(map[string][]registration),
	}
}

// on registers h under eventType and returns a func that removes exactly
// that registration, dropping the type entry once it empties.
func (d *eventDispatcher) on(eventType string, h EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.generic[eventType] = append(d.generic[eventType], registration{id: id, fn: h})
	d.mu.Unlock()

	return func() { d.off(eventType, id) }
}

func (d *eventDispatcher) off(eventType string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.generic[eventType]
	for i, r := range regs {
		if r.id == id {
			regs = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	if len(regs) == 0 {
		delete(d.generic, eventType)
		return
	}
	d.generic[eventType] = regs
}

// dispatch routes one parsed envelope: handlers for its type receive the
// data field, and when the type is not EventMessage the catch-all handlers
// additionally receive the full envelope. Handlers run synchronously so a
// connection's messages are observed in arrival order.
func (d *eventDispatcher) dispatch(env Envelope, raw json.RawMessage) {
	d.mu.RLock()
	typed := append([]registration(nil), d.generic[env.Type]...)
	var catchAll []registration
	if env.Type != EventMessage {
		catchAll = append([]registration(nil), d.generic[EventMessage]...)
	}
	d.mu.RUnlock()

	for _, r := range typed {
		safeInvoke(r.fn, env.Type, env.Data)
	}
	for _, r := range catchAll {
		safeInvoke(r.fn, env.Type, raw)
	}
}

// dispatchRaw hands an unparseable payload to the catch-all handlers only.
func (d *eventDispatcher) dispatchRaw(raw []byte) {
	d.mu.RLock()
	regs := append([]registration(nil), d.generic[EventMessage]...)
	d.mu.RUnlock()

	for _, r := range regs {
		safeInvoke(r.fn, EventMessage, raw)
	}
}

func safeInvoke(h EventHandler, eventType string, payload json.RawMessage) {
	defer func() { recover() }() // swallow panics in user callbacks
	h(eventType, payload)
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h()
		}()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(code, reason)
		}()
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(attempt, delay)
		}()
	}
}

func (d *eventDispatcher) emitError(err error) {
	d.mu.RLock()
	handlers := append([]func(error){}, d.onError...)
	d.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(err)
		}()
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	interval    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(config *SocketConfig) *reconnector {
	return &reconnector{
		interval:    config.ReconnectInterval,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

// next records a failed attempt and reports whether another try is allowed,
// returning the fixed delay to wait before it.
func (r *reconnector) next() (time.Duration, bool) {
	r.attempt++
	if r.maxAttempts > 0 && r.attempt >= r.maxAttempts {
		return 0, false
	}
	return r.interval, true
}

// reset clears the attempt counter. Called only on a successful open.
func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// SocketClient
// ============================================================================

// PongPayload is the response to a ping control message.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// SocketClient maintains one logical persistent connection with automatic
// recovery and type-routed message delivery.
type SocketClient struct {
	url    string
	config *SocketConfig

	mu               sync.Mutex
	conn             Conn
	state            SocketState
	intentionalClose bool
	// gen counts intentional closes. In-flight dials and fired reconnect
	// callbacks capture it when they start and stand down once a Close
	// has bumped it.
	gen            uint64
	reconnectTimer *time.Timer
	cancelFn       context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector
	log        zerolog.Logger

	// afterFunc schedules the reconnect timer; tests substitute it to
	// drive the state machine without real delays.
	afterFunc func(d time.Duration, f func()) *time.Timer

	// pingTimeout bounds the wait for a pong reply; tests shorten it.
	pingTimeout time.Duration

	pendingMu    sync.Mutex
	pendingPings map[string]chan PongPayload
}

// NewSocketClient creates a socket client for the given endpoint.
// Call Connect to establish the connection.
func NewSocketClient(endpoint string, config SocketConfig) *SocketClient {
	cfg := config
	cfg.defaults()
	return &SocketClient{
		url:          endpoint,
		config:       &cfg,
		state:        StateIdle,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(&cfg),
		log:          cfg.Logger.With().Str("component", "socket").Logger(),
		afterFunc:    time.AfterFunc,
		pingTimeout:  10 * time.Second,
		pendingPings: make(map[string]chan PongPayload),
	}
}

// On registers a handler for envelopes of the given type and returns an
// unsubscribe func that removes exactly that handler.
func (c *SocketClient) On(eventType string, h EventHandler) func() {
	return c.dispatcher.on(eventType, h)
}

// OnConnected registers a handler for the connected meta-event.
func (c *SocketClient) OnConnected(h func()) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onConnected = append(c.dispatcher.onConnected, h)
	c.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (c *SocketClient) OnDisconnected(h func(code int, reason string)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onDisconnected = append(c.dispatcher.onDisconnected, h)
	c.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (c *SocketClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onReconnecting = append(c.dispatcher.onReconnecting, h)
	c.dispatcher.mu.Unlock()
}

// OnError registers a handler for transport-level errors.
func (c *SocketClient) OnError(h func(err error)) {
	c.dispatcher.mu.Lock()
	c.dispatcher.onError = append(c.dispatcher.onError, h)
	c.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (c *SocketClient) State() SocketState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the transport exists and is open.
func (c *SocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.state == StateOpen
}

func (c *SocketClient) dialURL() string {
	if c.config.Token == "" {
		return c.url
	}
	sep := "?"
	if strings.Contains(c.url, "?") {
		sep = "&"
	}
	return c.url + sep + "token=" + url.QueryEscape(c.config.Token)
}

// Connect establishes the connection. It is idempotent: when already open
// or opening it returns immediately. A failed dial schedules the next
// reconnect attempt before returning the error.
func (c *SocketClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateOpen || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	gen := c.gen
	c.mu.Unlock()

	conn, err := c.config.Transport.Dial(ctx, c.dialURL())
	if err != nil {
		c.mu.Lock()
		if c.gen != gen {
			// A Close landed during the dial; the state belongs to it (or
			// to a newer Connect) now.
			c.mu.Unlock()
			return fmt.Errorf("socket dial: %w", err)
		}
		c.state = StateClosed
		c.mu.Unlock()

		c.dispatcher.emitError(err)
		c.maybeReconnect()
		return fmt.Errorf("socket dial: %w", err)
	}

	// The connection outlives the dial context; Close governs its lifetime.
	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.gen != gen {
		// A Close landed during the dial; discard the late connection rather
		// than resurrect a client the caller shut down.
		c.mu.Unlock()
		cancel()
		conn.Close(CloseNormal, "closed during connect")
		return nil
	}
	c.conn = conn
	c.state = StateOpen
	c.cancelFn = cancel
	c.recon.reset()
	c.mu.Unlock()

	c.log.Debug().Str("url", c.url).Msg("connected")
	c.dispatcher.emitConnected()

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx)

	return nil
}

// Close marks the shutdown as intentional, cancels any pending reconnect
// timer, and closes the transport. Code 0 means a normal closure.
func (c *SocketClient) Close(code int, reason string) error {
	if code == 0 {
		code = CloseNormal
	}

	c.mu.Lock()
	c.intentionalClose = true
	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	if conn != nil {
		c.state = StateClosing
	} else {
		c.state = StateClosed
	}
	c.mu.Unlock()

	c.clearPendingPings()

	if conn == nil {
		c.dispatcher.emitDisconnected(code, reason)
		return nil
	}

	err := conn.Close(code, reason)
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.dispatcher.emitDisconnected(code, reason)
	return err
}

// Send transmits a payload as-is: strings and byte slices go verbatim,
// anything else is JSON-serialized. Returns ErrNotConnected without
// transmitting unless the state is Open.
func (c *SocketClient) Send(ctx context.Context, payload any) error {
	data, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return c.write(ctx, data)
}

// SendEvent wraps data in a typed envelope before transmission.
func (c *SocketClient) SendEvent(ctx context.Context, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Type: eventType, Data: raw})
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

func (c *SocketClient) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if conn == nil || state != StateOpen {
		return ErrNotConnected
	}
	return conn.Write(ctx, data)
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// Ping sends a ping control message and waits for the matching pong.
func (c *SocketClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := uuid.NewString()

	ch := make(chan PongPayload, 1)
	c.pendingMu.Lock()
	c.pendingPings[requestID] = ch
	c.pendingMu.Unlock()

	err := c.SendEvent(ctx, EventPing, map[string]string{"requestId": requestID})
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case pong, ok := <-ch:
		if !ok {
			// Channel closed by a connection teardown.
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-time.After(c.pingTimeout):
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pendingPings, requestID)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *SocketClient) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			// A loop whose conn was already replaced or shut down must not
			// touch the state that now belongs to the new connection.
			if c.intentionalClose || c.conn != conn {
				c.mu.Unlock()
				return
			}
			c.state = StateClosed
			c.conn = nil
			cancel := c.cancelFn
			c.cancelFn = nil
			c.mu.Unlock()

			if cancel != nil {
				cancel()
			}
			c.clearPendingPings()

			c.log.Debug().Err(err).Msg("read failed")
			c.dispatcher.emitDisconnected(0, err.Error())
			c.maybeReconnect()
			return
		}

		c.route(data)
	}
}

// route implements the dispatch algorithm: payloads that do not parse as an
// envelope go verbatim to the catch-all handlers; parsed envelopes go to
// their type's handlers with the data field, defaulting the type to
// "message" and the data to the whole payload.
func (c *SocketClient) route(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.dispatcher.dispatchRaw(raw)
		return
	}
	if env.Type == "" {
		env.Type = EventMessage
	}
	if env.Data == nil {
		env.Data = json.RawMessage(raw)
	}

	if env.Type == EventPong {
		c.resolvePing(env.Data)
	}

	c.dispatcher.dispatch(env, raw)
}

func (c *SocketClient) resolvePing(payload json.RawMessage) {
	var p PongPayload
	if json.Unmarshal(payload, &p) != nil || p.RequestID == "" {
		return
	}
	c.pendingMu.Lock()
	ch, ok := c.pendingPings[p.RequestID]
	if ok {
		delete(c.pendingPings, p.RequestID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- p
	}
}

func (c *SocketClient) heartbeatLoop(ctx context.Context) {
	if c.config.HeartbeatInterval < 0 {
		return
	}

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			s := c.state
			conn := c.conn
			c.mu.Unlock()
			if s != StateOpen {
				return
			}

			if _, err := c.Ping(ctx); err != nil {
				// Force-close so the read loop takes the reconnect path.
				c.log.Warn().Err(err).Msg("heartbeat failed")
				if conn != nil {
					conn.Close(CloseGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

// maybeReconnect schedules the next attempt after an unintentional drop,
// or stays Closed once the configured attempts are exhausted.
func (c *SocketClient) maybeReconnect() {
	c.mu.Lock()
	if c.intentionalClose {
		c.mu.Unlock()
		return
	}
	delay, ok := c.recon.next()
	attempt := c.recon.attempt
	if !ok {
		c.mu.Unlock()
		c.log.Warn().Int("attempts", attempt).Msg("reconnect attempts exhausted")
		return
	}
	c.state = StateReconnecting
	gen := c.gen
	c.reconnectTimer = c.afterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		// A Close since scheduling bumps gen, and stands even when a newer
		// Connect has already cleared intentionalClose.
		stale := c.intentionalClose || c.gen != gen
		c.mu.Unlock()
		if stale {
			return
		}
		c.Connect(context.Background())
	})
	c.mu.Unlock()

	c.log.Debug().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
	c.dispatcher.emitReconnecting(attempt, delay)
}

func (c *SocketClient) clearPendingPings() {
	c.pendingMu.Lock()
	for k, ch := range c.pendingPings {
		close(ch)
		delete(c.pendingPings, k)
	}
	c.pendingMu.Unlock()
}
