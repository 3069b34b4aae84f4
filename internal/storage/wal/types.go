package wal

import "encoding/json"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCommand EventType = "COMMAND" // Committed node command, applied in seq order
	EventInstall EventType = "INSTALL" // Primitive snapshot installed from a primary
)

// Event represents a WAL event record
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing, also the log index)
	Type      EventType       `json:"type"`      // Event type
	Data      json.RawMessage `json:"data"`      // Encoded command
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
