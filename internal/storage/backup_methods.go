package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tonieflash/flash-console/internal/models"
)

// SaveImageBackup registers a produced image
func (s *PostgresStore) SaveImageBackup(ctx context.Context, backup *models.ImageBackup) error {
	if backup.ID == uuid.Nil {
		backup.ID = uuid.New()
	}
	if backup.CreatedAt.IsZero() {
		backup.CreatedAt = time.Now()
	}

	query := `
        INSERT INTO image_backups (
            id, created_at, workflow_id, mac_address, provenance, size, sha256, reference
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.getDB().ExecContext(ctx, query,
		backup.ID, backup.CreatedAt, backup.WorkflowID, backup.MACAddress,
		backup.Provenance, backup.Size, backup.SHA256, backup.Reference,
	)
	return err
}

// GetImageBackup gets a backup record by ID
func (s *PostgresStore) GetImageBackup(ctx context.Context, id uuid.UUID) (*models.ImageBackup, error) {
	query := `
        SELECT id, created_at, workflow_id, mac_address, provenance, size, sha256, reference
        FROM image_backups WHERE id = $1`

	b := &models.ImageBackup{}
	err := s.getDB().QueryRowContext(ctx, query, id).Scan(
		&b.ID, &b.CreatedAt, &b.WorkflowID, &b.MACAddress,
		&b.Provenance, &b.Size, &b.SHA256, &b.Reference,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListImageBackups lists backup records, optionally for one box, newest first
func (s *PostgresStore) ListImageBackups(ctx context.Context, macAddress string, limit, offset int) ([]*models.ImageBackup, int64, error) {
	where := ""
	args := []interface{}{}
	if macAddress != "" {
		where = " WHERE mac_address = $1"
		args = append(args, macAddress)
	}

	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM image_backups"+where, args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, created_at, workflow_id, mac_address, provenance, size, sha256, reference
        FROM image_backups` + where
	if macAddress != "" {
		query += " ORDER BY created_at DESC LIMIT $2 OFFSET $3"
	} else {
		query += " ORDER BY created_at DESC LIMIT $1 OFFSET $2"
	}
	args = append(args, limitArg(limit), offset)

	rows, err := s.getDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var backups []*models.ImageBackup
	for rows.Next() {
		b := &models.ImageBackup{}
		if err := rows.Scan(
			&b.ID, &b.CreatedAt, &b.WorkflowID, &b.MACAddress,
			&b.Provenance, &b.Size, &b.SHA256, &b.Reference,
		); err != nil {
			return nil, 0, err
		}
		backups = append(backups, b)
	}

	return backups, count, rows.Err()
}
