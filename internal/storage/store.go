package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tonieflash/flash-console/internal/models"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidData = errors.New("invalid data")
)

// Store defines the storage interface. List methods return newest first; a
// non-positive limit returns every match.
type Store interface {
	// Event log methods
	CreateEventLog(ctx context.Context, event *models.EventLog) error
	ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error)

	// Image backup methods
	SaveImageBackup(ctx context.Context, backup *models.ImageBackup) error
	GetImageBackup(ctx context.Context, id uuid.UUID) (*models.ImageBackup, error)
	ListImageBackups(ctx context.Context, macAddress string, limit, offset int) ([]*models.ImageBackup, int64, error)

	// Close the store
	Close() error
}

// EventLogFilters represents filters for event logs
type EventLogFilters struct {
	WorkflowID *uuid.UUID
	MACAddress *string
	Type       *models.EventType
	Level      *models.EventLevel
	StartTime  *time.Time
	EndTime    *time.Time
}

func (f EventLogFilters) match(ev *models.EventLog) bool {
	switch {
	case f.WorkflowID != nil && ev.WorkflowID != *f.WorkflowID:
		return false
	case f.MACAddress != nil && ev.MACAddress != *f.MACAddress:
		return false
	case f.Type != nil && ev.Type != *f.Type:
		return false
	case f.Level != nil && ev.Level != *f.Level:
		return false
	case f.StartTime != nil && ev.CreatedAt.Before(*f.StartTime):
		return false
	case f.EndTime != nil && ev.CreatedAt.After(*f.EndTime):
		return false
	}
	return true
}
