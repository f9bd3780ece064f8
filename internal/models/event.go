package models

import (
	"time"

	"github.com/google/uuid"
)

// EventLog represents an audit entry for a flashing workflow
type EventLog struct {
	ID        uuid.UUID `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`

	WorkflowID uuid.UUID `json:"workflowId" db:"workflow_id"`
	Step       int       `json:"step" db:"step"`
	MACAddress string    `json:"macAddress,omitempty" db:"mac_address"`

	Type        EventType  `json:"type" db:"type"`
	Level       EventLevel `json:"level" db:"level"`
	Code        string     `json:"code" db:"code"`
	Description string     `json:"description" db:"description"`

	Details Variables `json:"details,omitempty" db:"details"`
}

// EventType represents event types
type EventType string

const (
	// Action lifecycle
	EventTypeActionStarted   EventType = "ACTION_STARTED"
	EventTypeActionSucceeded EventType = "ACTION_SUCCEEDED"
	EventTypeActionFailed    EventType = "ACTION_FAILED"

	// Navigation
	EventTypeStepChanged EventType = "STEP_CHANGED"
	EventTypeModeChanged EventType = "MODE_CHANGED"
	EventTypeRestarted   EventType = "RESTARTED"
)

// EventLevel represents event severity levels
type EventLevel string

const (
	EventLevelDebug   EventLevel = "DEBUG"
	EventLevelInfo    EventLevel = "INFO"
	EventLevelWarning EventLevel = "WARNING"
	EventLevelError   EventLevel = "ERROR"
)

// ImageBackup registers a flash image produced by the console.
type ImageBackup struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	WorkflowID uuid.UUID  `json:"workflowId" db:"workflow_id"`
	MACAddress string     `json:"macAddress,omitempty" db:"mac_address"`
	Provenance Provenance `json:"provenance" db:"provenance"`
	Size       int        `json:"size" db:"size"`
	SHA256     string     `json:"sha256" db:"sha256"`
	Reference  string     `json:"reference,omitempty" db:"reference"`
}
