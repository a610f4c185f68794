package supertrack

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ============================================================================
// Shared Types
// ============================================================================

// ErrNotConnected is returned by Send and SendEvent when the socket is not
// in the open state. Expected during reconnect windows; check with errors.Is.
var ErrNotConnected = errors.New("socket: not connected")

// APIError is the normalized failure result of a request client call.
// Status is 0 when no response was received (network or timeout failure).
type APIError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Body    string `json:"body,omitempty"`
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return "request failed: " + e.Message
	}
	return fmt.Sprintf("request failed with status %d: %s", e.Status, e.Message)
}

// Retryable reports whether the failure is transient: no response at all,
// or a 5xx status. 4xx responses are permanent and never retried.
func (e *APIError) Retryable() bool {
	return e.Status == 0 || (e.Status >= 500 && e.Status <= 599)
}

// ============================================================================
// Wire Envelope
// ============================================================================

// Envelope is the wire unit for socket and stream traffic.
// An incoming payload without a recognizable type is routed as "message"
// with the whole payload as data.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationType classifies a notification record.
type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationSuccess NotificationType = "success"
	NotificationWarning NotificationType = "warning"
	NotificationError   NotificationType = "error"
	NotificationSync    NotificationType = "sync"
	NotificationMessage NotificationType = "message"
	NotificationUpdate  NotificationType = "update"
)

// Notification is one record in the notification feed.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	CreatedAt string           `json:"createdAt"`
	Read      bool             `json:"read"`
	Link      string           `json:"link,omitempty"`
	Data      json.RawMessage  `json:"data,omitempty"`
}

// NotificationListResult is the REST response for the notification feed.
type NotificationListResult struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
}

// ============================================================================
// Platform Status
// ============================================================================

// HealthResult reports platform availability.
type HealthResult struct {
	Status    string `json:"status"`
	Version   string `json:"version,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}
