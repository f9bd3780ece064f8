package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tonieflash/flash-console/internal/models"
)

// CreateEventLog creates an event log entry
func (s *PostgresStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO event_logs (
            id, created_at, workflow_id, step, mac_address,
            type, level, code, description, details
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID, event.CreatedAt, event.WorkflowID, event.Step, event.MACAddress,
		event.Type, event.Level, event.Code, event.Description, event.Details,
	)
	return err
}

// ListEventLogs lists event logs with filters, newest first
func (s *PostgresStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	query := "SELECT COUNT(*) FROM event_logs WHERE 1=1"
	args := []interface{}{}
	argCount := 0

	add := func(clause string, v interface{}) {
		argCount++
		query += fmt.Sprintf(" AND "+clause, argCount)
		args = append(args, v)
	}

	if filters.WorkflowID != nil {
		add("workflow_id = $%d", *filters.WorkflowID)
	}
	if filters.MACAddress != nil {
		add("mac_address = $%d", *filters.MACAddress)
	}
	if filters.Type != nil {
		add("type = $%d", *filters.Type)
	}
	if filters.Level != nil {
		add("level = $%d", *filters.Level)
	}
	if filters.StartTime != nil {
		add("created_at >= $%d", *filters.StartTime)
	}
	if filters.EndTime != nil {
		add("created_at <= $%d", *filters.EndTime)
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	selectQuery := strings.Replace(query, "SELECT COUNT(*)",
		"SELECT id, created_at, workflow_id, step, mac_address, type, level, code, description, details", 1)

	argCount++
	selectQuery += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argCount)
	args = append(args, limitArg(limit))

	argCount++
	selectQuery += fmt.Sprintf(" OFFSET $%d", argCount)
	args = append(args, offset)

	rows, err := s.getDB().QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		event := &models.EventLog{}
		err := rows.Scan(
			&event.ID, &event.CreatedAt, &event.WorkflowID, &event.Step, &event.MACAddress,
			&event.Type, &event.Level, &event.Code, &event.Description, &event.Details,
		)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}

	return events, count, rows.Err()
}
