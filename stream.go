package supertrack

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// StreamClient
// ============================================================================

// StreamConfig configures a StreamClient.
type StreamConfig struct {
	// Token is appended to the stream URL as a query parameter when set.
	Token      string
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

func (c *StreamConfig) defaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		l := zerolog.Nop()
		c.Logger = &l
	}
}

// StreamClient consumes a one-directional server-push stream with
// text-event semantics. Unlike SocketClient it has no reconnect loop of
// its own: the owner drives it through Connect and Close.
type StreamClient struct {
	url    string
	config *StreamConfig

	mu               sync.Mutex
	state            SocketState
	intentionalClose bool
	cancelFn         context.CancelFunc

	handlerMu sync.RWMutex
	onMessage []func(data any)
	onOpen    []func()
	onError   []func(err error)

	log zerolog.Logger
}

// NewStreamClient creates a stream client for the given endpoint.
// Call Connect to open the stream.
func NewStreamClient(endpoint string, config StreamConfig) *StreamClient {
	cfg := config
	cfg.defaults()
	return &StreamClient{
		url:    endpoint,
		config: &cfg,
		state:  StateIdle,
		log:    cfg.Logger.With().Str("component", "stream").Logger(),
	}
}

// OnMessage registers a handler for stream events. The payload is the
// JSON-decoded value when the event parses, otherwise the raw string.
func (s *StreamClient) OnMessage(h func(data any)) {
	s.handlerMu.Lock()
	s.onMessage = append(s.onMessage, h)
	s.handlerMu.Unlock()
}

// OnOpen registers a handler invoked when the stream opens.
func (s *StreamClient) OnOpen(h func()) {
	s.handlerMu.Lock()
	s.onOpen = append(s.onOpen, h)
	s.handlerMu.Unlock()
}

// OnError registers a handler for stream-level errors.
func (s *StreamClient) OnError(h func(err error)) {
	s.handlerMu.Lock()
	s.onError = append(s.onError, h)
	s.handlerMu.Unlock()
}

// State returns the current stream state.
func (s *StreamClient) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the stream is open.
func (s *StreamClient) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen
}

func (s *StreamClient) dialURL() string {
	if s.config.Token == "" {
		return s.url
	}
	sep := "?"
	if strings.Contains(s.url, "?") {
		sep = "&"
	}
	return s.url + sep + "token=" + url.QueryEscape(s.config.Token)
}

// Connect opens the stream. It is idempotent while the stream is open or
// opening.
func (s *StreamClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateOpen || s.state == StateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, s.dialURL(), nil)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return fmt.Errorf("stream connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		return fmt.Errorf("stream HTTP %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.state = StateOpen
	s.cancelFn = cancel
	s.mu.Unlock()

	s.log.Debug().Str("url", s.url).Msg("stream opened")
	s.emitOpen()

	go s.readLoop(connCtx, resp)

	return nil
}

// Close tears down the stream and clears its handle.
func (s *StreamClient) Close() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	s.state = StateClosed
	s.mu.Unlock()
	return nil
}

func (s *StreamClient) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		payload := strings.TrimPrefix(line, "data: ")
		var decoded any
		if json.Unmarshal([]byte(payload), &decoded) != nil {
			s.emitMessage(payload)
			continue
		}
		s.emitMessage(decoded)
	}

	// On intentional close the state belongs to Close, and possibly to a
	// Connect that already reopened the stream.
	s.mu.Lock()
	intentional := s.intentionalClose
	if !intentional {
		s.state = StateClosed
	}
	s.mu.Unlock()
	if intentional {
		return
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("stream ended")
	}
	s.log.Debug().Err(err).Msg("stream closed")
	s.emitError(err)
}

func (s *StreamClient) emitMessage(data any) {
	s.handlerMu.RLock()
	handlers := append([]func(any){}, s.onMessage...)
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(data)
		}()
	}
}

func (s *StreamClient) emitOpen() {
	s.handlerMu.RLock()
	handlers := append([]func(){}, s.onOpen...)
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h()
		}()
	}
}

func (s *StreamClient) emitError(err error) {
	s.handlerMu.RLock()
	handlers := append([]func(error){}, s.onError...)
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(err)
		}()
	}
}
