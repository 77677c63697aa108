package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// StartRecord creates an in-progress deployment record for a pipeline run.
func (s *Store) StartRecord(ctx context.Context, appName, queueID string) (int64, error) {
	app, err := s.GetApp(ctx, appName)
	if err != nil {
		return 0, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_records (application_id, queue_id, status, started_at)
		VALUES (?, ?, ?, ?)
	`, app.ID, queueID, RecordInProgress, nowString())
	if err != nil {
		return 0, fmt.Errorf("failed to insert deployment record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return id, nil
}

// FinishRecord finalizes a record once. Records that already left
// in_progress are not touched again.
func (s *Store) FinishRecord(ctx context.Context, id int64, status, logs string, commitHash, errMsg *string) error {
	var startedAtStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM deployment_records WHERE id = ?`, id).Scan(&startedAtStr)
	if err == sql.ErrNoRows {
		return fmt.Errorf("deployment record %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to query deployment record: %w", err)
	}

	startedAt, err := parseTime(startedAtStr)
	if err != nil {
		return err
	}
	now := time.Now()
	duration := now.Sub(startedAt).Seconds()

	_, err = s.db.ExecContext(ctx, `
		UPDATE deployment_records
		SET status = ?, logs = ?, commit_hash = ?, completed_at = ?,
		    duration_seconds = ?, error_message = ?
		WHERE id = ? AND status = ?
	`, status, logs, commitHash, formatTime(now), duration, errMsg, id, RecordInProgress)
	if err != nil {
		return fmt.Errorf("failed to finalize deployment record: %w", err)
	}

	return nil
}

// RecordsForApp returns the newest limit records of an application.
func (s *Store) RecordsForApp(ctx context.Context, appName string, limit int) ([]DeploymentRecord, error) {
	app, err := s.GetApp(ctx, appName)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, application_id, queue_id, status, logs, commit_hash, started_at,
		       completed_at, duration_seconds, error_message
		FROM deployment_records
		WHERE application_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, app.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query deployment history: %w", err)
	}
	defer rows.Close()

	records := []DeploymentRecord{}
	for rows.Next() {
		record, err := scanDeploymentRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment record: %w", err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}

// scanDeploymentRecord scans a database row into a DeploymentRecord
// Works with both *sql.Row and *sql.Rows
func scanDeploymentRecord(s scanner) (*DeploymentRecord, error) {
	var record DeploymentRecord
	var startedAtStr string
	var completedAtStr sql.NullString

	err := s.Scan(
		&record.ID,
		&record.ApplicationID,
		&record.QueueID,
		&record.Status,
		&record.Logs,
		&record.CommitHash,
		&startedAtStr,
		&completedAtStr,
		&record.DurationSeconds,
		&record.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	if record.StartedAt, err = parseTime(startedAtStr); err != nil {
		return nil, err
	}
	if record.CompletedAt, err = parseNullTime(completedAtStr); err != nil {
		return nil, err
	}

	return &record, nil
}
