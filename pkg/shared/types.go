package shared

import (
	"encoding/json"
	"time"
)

// API Response types
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Details []FieldDetail `json:"details,omitempty"`
}

// FieldDetail is one field-level validation failure reported by the backend.
type FieldDetail struct {
	Loc  []string `json:"loc,omitempty"`
	Msg  string   `json:"msg"`
	Type string   `json:"type,omitempty"`
}

// Record is a loosely-typed inbound entity as decoded from REST or push JSON.
// Numbers are kept as json.Number so no precision or "absent vs zero" is lost
// before normalization.
type Record map[string]interface{}

// Message is one inbound push event after envelope decoding.
type Message struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
	Subject    string          `json:"subject,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Logger is the minimal logging surface components accept. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// Health check
type HealthStatus struct {
	Status     string            `json:"status"`
	Service    string            `json:"service"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	Connection string            `json:"connection"`
	Timestamp  time.Time         `json:"timestamp"`
	Details    map[string]string `json:"details,omitempty"`
}

// Constants
const (
	// Entity kinds
	KindRobot = "robot"
	KindShelf = "shelf"
	KindTask  = "task"
	KindZone  = "zone"

	// Update sources
	SourcePush     = "push"
	SourceFastPoll = "fast_poll"
	SourceSlowPoll = "slow_poll"
	SourceSnapshot = "snapshot"
	SourceCommand  = "command"
	SourceCache    = "cache"
	SourceAdmin    = "admin"

	// Yaw units
	YawRadians = "radians"
	YawDegrees = "degrees"
)
