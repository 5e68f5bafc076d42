package events

import (
	"time"

	"github.com/PEDSnet/PEDSnet-Lessidentify/internal/scrub"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeScrubWarning represents an advisory warning raised while scrubbing
	EventTypeScrubWarning EventType = "scrub_warning"
	// EventTypeRecordScrubbed represents a completed scrub call
	EventTypeRecordScrubbed EventType = "record_scrubbed"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// ScrubWarningEvent carries a warning emitted by the scrubbing engine.
// The payload includes the original and shifted values, matching what
// the engine logs.
type ScrubWarningEvent struct {
	RequestID string        `json:"request_id,omitempty"`
	Warning   scrub.Warning `json:"warning"`
}

// RecordScrubbedEvent summarizes one scrub call. It carries counts
// only, never record contents.
type RecordScrubbedEvent struct {
	RequestID    string  `json:"request_id,omitempty"`
	Records      int     `json:"records"`
	Fields       int     `json:"fields"`
	Warnings     int     `json:"warnings"`
	ProcessingMS float64 `json:"processing_ms"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	TotalRequests    int64  `json:"total_requests"`
	TotalRecords     int64  `json:"total_records"`
	TotalWarnings    int64  `json:"total_warnings"`
	Persons          int    `json:"persons"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows a subscription beyond event types.
type EventFilter struct {
	// WarningKinds limits scrub_warning events to the listed kinds.
	WarningKinds []string `json:"warning_kinds,omitempty"`
}
