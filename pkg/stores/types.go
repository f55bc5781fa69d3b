package stores

import (
	"context"
	"time"
)

// InstallStatus is the outcome of an install attempt.
type InstallStatus string

const (
	InstallStatusInstalled InstallStatus = "installed"
	InstallStatusFailed    InstallStatus = "failed"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// InstallRecord is one finished download attempt of a module.
type InstallRecord struct {
	ID         int64         `json:"id"`
	ModuleID   string        `json:"module_id"`
	Version    string        `json:"version"`
	Source     string        `json:"source"`
	Status     InstallStatus `json:"status"`
	Path       *string       `json:"path,omitempty"`
	Code       *string       `json:"code,omitempty"`
	Reason     *string       `json:"reason,omitempty"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// EventRecord is a journaled lifecycle event.
type EventRecord struct {
	Seq       int64      `json:"seq"`
	EventID   string     `json:"event_id"`
	ModuleID  *string    `json:"module_id,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Source    string     `json:"source"`
	Message   string     `json:"message"`
	Data      *string    `json:"data,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// EventQuery filters ListEvents. Zero fields match everything.
type EventQuery struct {
	ModuleID string
	Type     string
	Level    EventLevel
	Since    time.Time
	Limit    int
	Offset   int

	// Tail selects the last Limit matching events instead of the first.
	// Results are in append order either way.
	Tail bool
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Install history
	RecordInstall(ctx context.Context, rec *InstallRecord) error
	ListInstallRecords(ctx context.Context, moduleID string, limit, offset int) ([]*InstallRecord, error)
	LatestInstall(ctx context.Context, moduleID string) (*InstallRecord, error)

	// Event journal
	AppendEvent(ctx context.Context, event *EventRecord) error
	ListEvents(ctx context.Context, q EventQuery) ([]*EventRecord, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
