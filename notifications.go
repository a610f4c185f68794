package supertrack

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// DefaultNotificationCapacity bounds the in-memory notification cache.
const DefaultNotificationCapacity = 50

// NotificationOptions configures a NotificationService.
type NotificationOptions struct {
	// Capacity bounds the cache; past it the oldest entry is evicted.
	Capacity int
	// API enables Refresh, the REST read-state sync. Optional.
	API    *Client
	Logger *zerolog.Logger
}

// NotificationHandlers holds the callbacks a NotificationService surfaces.
// SetHandlers merges non-nil fields into the current set.
type NotificationHandlers struct {
	OnNotification func(n Notification)
	OnStatusChange func(connected bool)
	OnError        func(err error)
}

// ============================================================================
// Control message payloads
// ============================================================================

// MarkReadPayload is the control message sent when one notification is read.
type MarkReadPayload struct {
	NotificationID string `json:"notificationId"`
	Read           bool   `json:"read"`
}

// MarkAllReadPayload is the control message sent when the whole feed is read.
type MarkAllReadPayload struct {
	AllRead bool `json:"allRead"`
}

// ============================================================================
// NotificationService
// ============================================================================

// NotificationService turns a SocketClient's notification-typed messages into
// a bounded, queryable cache with read-state. Construct one per socket; there
// is no shared global instance.
type NotificationService struct {
	socket   *SocketClient
	api      *Client
	capacity int
	log      zerolog.Logger

	mu    sync.RWMutex
	cache []Notification

	handlerMu sync.RWMutex
	handlers  NotificationHandlers
}

// NewNotificationService wraps socket with a notification cache. opts may be
// nil for defaults.
func NewNotificationService(socket *SocketClient, opts *NotificationOptions) (*NotificationService, error) {
	if socket == nil {
		return nil, errors.New("notification service requires a socket client")
	}

	capacity := DefaultNotificationCapacity
	var api *Client
	logger := zerolog.Nop()
	if opts != nil {
		if opts.Capacity > 0 {
			capacity = opts.Capacity
		}
		api = opts.API
		if opts.Logger != nil {
			logger = *opts.Logger
		}
	}

	s := &NotificationService{
		socket:   socket,
		api:      api,
		capacity: capacity,
		log:      logger.With().Str("component", "notifications").Logger(),
	}

	socket.On(EventNotification, s.handleNotification)
	socket.OnConnected(func() { s.emitStatus(true) })
	socket.OnDisconnected(func(code int, reason string) { s.emitStatus(false) })
	socket.OnError(func(err error) { s.emitError(err) })

	return s, nil
}

// Socket returns the underlying socket client, for registering handlers on
// other event types alongside the notification feed.
func (s *NotificationService) Socket() *SocketClient {
	return s.socket
}

// SetHandlers merges the non-nil callbacks into the current handler set.
func (s *NotificationService) SetHandlers(h NotificationHandlers) {
	s.handlerMu.Lock()
	if h.OnNotification != nil {
		s.handlers.OnNotification = h.OnNotification
	}
	if h.OnStatusChange != nil {
		s.handlers.OnStatusChange = h.OnStatusChange
	}
	if h.OnError != nil {
		s.handlers.OnError = h.OnError
	}
	s.handlerMu.Unlock()
}

// Connect opens the underlying socket. Failures surface both through the
// returned error and the OnError handler (via the socket's error callback).
func (s *NotificationService) Connect(ctx context.Context) error {
	if err := s.socket.Connect(ctx); err != nil {
		return errors.Wrap(err, "notification connect")
	}
	return nil
}

// Disconnect closes the underlying socket and cancels any pending reconnect.
func (s *NotificationService) Disconnect() error {
	return s.socket.Close(CloseNormal, "client disconnect")
}

// Reconnect is disconnect followed by connect.
func (s *NotificationService) Reconnect(ctx context.Context) error {
	if err := s.Disconnect(); err != nil {
		s.log.Debug().Err(err).Msg("disconnect before reconnect failed")
	}
	return s.Connect(ctx)
}

// IsConnected reports whether the underlying socket is open.
func (s *NotificationService) IsConnected() bool {
	return s.socket.IsConnected()
}

// ============================================================================
// Cache
// ============================================================================

// handleNotification ingests one notification-typed message. The record is
// validated before the cache is touched, so a malformed payload never leaves
// the cache partially updated.
func (s *NotificationService) handleNotification(eventType string, payload json.RawMessage) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		s.emitError(errors.Wrap(err, "decode notification"))
		return
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	s.mu.Lock()
	s.cache = append([]Notification{n}, s.cache...)
	if len(s.cache) > s.capacity {
		s.cache = s.cache[:s.capacity]
	}
	s.mu.Unlock()

	s.log.Debug().Str("id", n.ID).Str("type", string(n.Type)).Msg("notification cached")
	s.emitNotification(n)
}

// Notifications returns a copy of the cache, newest first.
func (s *NotificationService) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification(nil), s.cache...)
}

// UnreadCount returns the number of cached unread records.
func (s *NotificationService) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for i := range s.cache {
		if !s.cache[i].Read {
			count++
		}
	}
	return count
}

// MarkAsRead marks the cached record as read and, when the socket is open,
// sends the mark-read control message. Returns false when the id is unknown.
func (s *NotificationService) MarkAsRead(ctx context.Context, id string) bool {
	s.mu.Lock()
	found := false
	for i := range s.cache {
		if s.cache[i].ID == id {
			s.cache[i].Read = true
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return false
	}

	if s.socket.IsConnected() {
		err := s.socket.SendEvent(ctx, EventMarkRead, MarkReadPayload{NotificationID: id, Read: true})
		if err != nil {
			s.log.Debug().Err(err).Str("id", id).Msg("mark-read send failed")
		}
	}
	return true
}

// MarkAllAsRead marks every cached record as read and, when the socket is
// open, sends the mark-all-read control message. Idempotent.
func (s *NotificationService) MarkAllAsRead(ctx context.Context) {
	s.mu.Lock()
	for i := range s.cache {
		s.cache[i].Read = true
	}
	s.mu.Unlock()

	if s.socket.IsConnected() {
		err := s.socket.SendEvent(ctx, EventMarkAllRead, MarkAllReadPayload{AllRead: true})
		if err != nil {
			s.log.Debug().Err(err).Msg("mark-all-read send failed")
		}
	}
}

// Refresh replaces the cache from the REST feed, bounded at capacity. It
// requires the API client passed in NotificationOptions.
func (s *NotificationService) Refresh(ctx context.Context) error {
	if s.api == nil {
		return errors.New("no API client configured")
	}

	result, err := s.api.Notifications().List(ctx)
	if err != nil {
		return errors.Wrap(err, "refresh notifications")
	}

	fresh := result.Notifications
	if len(fresh) > s.capacity {
		fresh = fresh[:s.capacity]
	}

	s.mu.Lock()
	s.cache = append([]Notification(nil), fresh...)
	s.mu.Unlock()

	s.log.Debug().Int("count", len(fresh)).Msg("notification cache refreshed")
	return nil
}

// ============================================================================
// Handler emit helpers
// ============================================================================

func (s *NotificationService) emitNotification(n Notification) {
	s.handlerMu.RLock()
	h := s.handlers.OnNotification
	s.handlerMu.RUnlock()
	if h == nil {
		return
	}
	defer func() { recover() }() // swallow panics in user callbacks
	h(n)
}

func (s *NotificationService) emitStatus(connected bool) {
	s.handlerMu.RLock()
	h := s.handlers.OnStatusChange
	s.handlerMu.RUnlock()
	if h == nil {
		return
	}
	defer func() { recover() }()
	h(connected)
}

func (s *NotificationService) emitError(err error) {
	s.handlerMu.RLock()
	h := s.handlers.OnError
	s.handlerMu.RUnlock()
	if h == nil {
		return
	}
	defer func() { recover() }()
	h(err)
}
