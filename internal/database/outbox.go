package database

import (
	"context"
	"fmt"
	"time"

	"seminarhall/internal/models"
)

const outboxColumns = `id, sink, event_type, payload, status, retry_count, last_error, created_at, processed_at, next_retry_at`

func (db *DB) CreateOutboxTask(ctx context.Context, task *models.OutboxTask) error {
	query := `INSERT INTO outbox (sink, event_type, payload, status, retry_count, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	if task.Status == "" {
		task.Status = models.OutboxPending
	}
	result, err := db.ExecContext(ctx, query,
		task.Sink,
		task.EventType,
		task.Payload,
		task.Status,
		task.RetryCount,
		task.LastError,
		now,
		task.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	task.CreatedAt = now

	return nil
}

// GetPendingOutboxTasks returns due pending and retry tasks, oldest first.
func (db *DB) GetPendingOutboxTasks(ctx context.Context, limit int) ([]models.OutboxTask, error) {
	query := `SELECT ` + outboxColumns + `
              FROM outbox
              WHERE status IN ('pending', 'retry') AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC, id ASC LIMIT ?`
	return db.queryOutbox(ctx, query, time.Now().UTC(), limit)
}

func (db *DB) GetFailedOutboxTasks(ctx context.Context) ([]models.OutboxTask, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox WHERE status = 'failed' ORDER BY created_at DESC`
	return db.queryOutbox(ctx, query)
}

func (db *DB) queryOutbox(ctx context.Context, query string, args ...any) ([]models.OutboxTask, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var tasks []models.OutboxTask
	for rows.Next() {
		var t models.OutboxTask
		err := rows.Scan(
			&t.ID, &t.Sink, &t.EventType, &t.Payload, &t.Status, &t.RetryCount, &t.LastError, &t.CreatedAt, &t.ProcessedAt, &t.NextRetryAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (db *DB) UpdateOutboxTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []interface{}
	now := time.Now().UTC()

	switch status {
	case models.OutboxRetry:
		query = `UPDATE outbox SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []interface{}{status, errMsg, utcPtr(nextRetryAt), id}
	case models.OutboxCompleted, models.OutboxFailed:
		query = `UPDATE outbox SET status = ?, last_error = ?, next_retry_at = NULL, processed_at = ? WHERE id = ?`
		args = []interface{}{status, nullString(errMsg), now, id}
	default:
		query = `UPDATE outbox SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, nullString(errMsg), utcPtr(nextRetryAt), id}
	}

	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update outbox task status: %w", err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
