package store

import (
	"context"
	"database/sql"
	"fmt"
)

const queueColumns = `id, app_name, kind, options, status, logs, created_at,
	started_at, completed_at, error_message`

// CreateEntry persists a new queued entry. ID, AppName, Kind and Options
// must be set by the caller.
func (s *Store) CreateEntry(ctx context.Context, e *QueueEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_queue (id, app_name, kind, options, status, logs, created_at)
		VALUES (?, ?, ?, ?, ?, '', ?)
	`, e.ID, e.AppName, e.Kind, string(e.Options), QueueQueued, nowString())
	if isUniqueViolation(err) {
		return fmt.Errorf("queue entry %s: %w", e.ID, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}
	return nil
}

// GetEntry returns one queue entry.
func (s *Store) GetEntry(ctx context.Context, id string) (*QueueEntry, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM deployment_queue WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query queue entry: %w", err)
	}
	return e, nil
}

// ListEntries returns every entry, newest first.
func (s *Store) ListEntries(ctx context.Context) ([]QueueEntry, error) {
	return s.queryEntries(ctx, `SELECT `+queueColumns+` FROM deployment_queue ORDER BY rowid DESC`)
}

// ListQueued returns queued entries in creation order.
func (s *Store) ListQueued(ctx context.Context) ([]QueueEntry, error) {
	return s.queryEntries(ctx, `SELECT `+queueColumns+` FROM deployment_queue WHERE status = ? ORDER BY rowid ASC`, QueueQueued)
}

// CountByStatus returns the number of entries per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM deployment_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue entries: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ClaimEntry moves an entry from queued to building. It reports false
// when the entry was not queued, so an entry can be claimed only once.
func (s *Store) ClaimEntry(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployment_queue SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, QueueBuilding, nowString(), id, QueueQueued)
	if err != nil {
		return false, fmt.Errorf("failed to claim queue entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// AppendLog appends text to the entry's log.
func (s *Store) AppendLog(ctx context.Context, id, text string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deployment_queue SET logs = logs || ? WHERE id = ?`, text, id)
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// CompleteEntry marks a building entry completed.
func (s *Store) CompleteEntry(ctx context.Context, id string) error {
	return s.finishEntry(ctx, id, QueueCompleted, nil)
}

// FailEntry marks a building entry failed with msg.
func (s *Store) FailEntry(ctx context.Context, id, msg string) error {
	return s.finishEntry(ctx, id, QueueFailed, &msg)
}

func (s *Store) finishEntry(ctx context.Context, id, status string, msg *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployment_queue SET status = ?, completed_at = ?, error_message = ?
		WHERE id = ? AND status = ?
	`, status, nowString(), msg, id, QueueBuilding)
	if err != nil {
		return fmt.Errorf("failed to finish queue entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %s is not building", id)
	}
	return nil
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...interface{}) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	entries := []QueueEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return entries, nil
}

func scanEntry(s scanner) (*QueueEntry, error) {
	var e QueueEntry
	var options, createdAt string
	var startedAt, completedAt, errMsg sql.NullString

	err := s.Scan(&e.ID, &e.AppName, &e.Kind, &options, &e.Status, &e.Logs,
		&createdAt, &startedAt, &completedAt, &errMsg)
	if err != nil {
		return nil, err
	}

	e.Options = []byte(options)
	e.ErrorMessage = errMsg.String
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if e.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}

	return &e, nil
}

// FailInterrupted fails every entry still building, which after a restart
// means its worker died mid-pipeline. It returns the entries it failed.
func (s *Store) FailInterrupted(ctx context.Context, msg string) ([]QueueEntry, error) {
	building, err := s.queryEntries(ctx, `SELECT `+queueColumns+` FROM deployment_queue WHERE status = ? ORDER BY rowid ASC`, QueueBuilding)
	if err != nil {
		return nil, err
	}

	failed := building[:0]
	for _, e := range building {
		res, err := s.db.ExecContext(ctx, `
			UPDATE deployment_queue SET status = ?, completed_at = ?, error_message = ?
			WHERE id = ? AND status = ?
		`, QueueFailed, nowString(), msg, e.ID, QueueBuilding)
		if err != nil {
			return failed, fmt.Errorf("failed to fail interrupted entry %s: %w", e.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			continue
		}
		e.Status = QueueFailed
		e.ErrorMessage = msg
		failed = append(failed, e)
	}
	return failed, nil
}
