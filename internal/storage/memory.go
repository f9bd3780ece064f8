package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tonieflash/flash-console/internal/models"
)

// MemoryStore keeps the audit trail in process memory. It is used when no
// database is configured and by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	events  []*models.EventLog
	backups []*models.ImageBackup
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// CreateEventLog stores a copy of event
func (s *MemoryStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if event == nil {
		return ErrInvalidData
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	cp := *event
	cp.Details = event.Details.Clone()
	s.mu.Lock()
	s.events = append(s.events, &cp)
	s.mu.Unlock()
	return nil
}

// ListEventLogs lists event logs with filters, newest first
func (s *MemoryStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	var matched []*models.EventLog
	for _, ev := range s.events {
		if filters.match(ev) {
			cp := *ev
			cp.Details = ev.Details.Clone()
			matched = append(matched, &cp)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, limit, offset), int64(len(matched)), nil
}

// SaveImageBackup stores a copy of backup
func (s *MemoryStore) SaveImageBackup(ctx context.Context, backup *models.ImageBackup) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if backup == nil {
		return ErrInvalidData
	}
	if backup.ID == uuid.Nil {
		backup.ID = uuid.New()
	}
	if backup.CreatedAt.IsZero() {
		backup.CreatedAt = time.Now()
	}

	cp := *backup
	s.mu.Lock()
	s.backups = append(s.backups, &cp)
	s.mu.Unlock()
	return nil
}

// GetImageBackup gets a backup record by ID
func (s *MemoryStore) GetImageBackup(ctx context.Context, id uuid.UUID) (*models.ImageBackup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.backups {
		if b.ID == id {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// ListImageBackups lists backup records, optionally for one box, newest first
func (s *MemoryStore) ListImageBackups(ctx context.Context, macAddress string, limit, offset int) ([]*models.ImageBackup, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	var matched []*models.ImageBackup
	for _, b := range s.backups {
		if macAddress == "" || b.MACAddress == macAddress {
			cp := *b
			matched = append(matched, &cp)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return page(matched, limit, offset), int64(len(matched)), nil
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
