package store

import (
	"context"
	"fmt"
	"sort"
)

// SetEnv upserts one environment variable.
func (s *Store) SetEnv(ctx context.Context, appName, key, value string) error {
	return s.SetEnvBatch(ctx, appName, map[string]string{key: value})
}

// SetEnvBatch upserts several environment variables in one transaction.
func (s *Store) SetEnvBatch(ctx context.Context, appName string, vars map[string]string) error {
	app, err := s.GetApp(ctx, appName)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, key := range sortedKeys(vars) {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO environment_variables (application_id, key, value)
			VALUES (?, ?, ?)
			ON CONFLICT(application_id, key) DO UPDATE SET value = excluded.value
		`, app.ID, key, vars[key])
		if err != nil {
			return fmt.Errorf("failed to upsert %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteEnv removes one variable; reports whether it existed.
func (s *Store) DeleteEnv(ctx context.Context, appName, key string) (bool, error) {
	n, err := s.DeleteEnvBatch(ctx, appName, []string{key})
	return n > 0, err
}

// DeleteEnvBatch removes several variables and returns how many existed.
func (s *Store) DeleteEnvBatch(ctx context.Context, appName string, keys []string) (int, error) {
	app, err := s.GetApp(ctx, appName)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	removed := 0
	for _, key := range keys {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM environment_variables WHERE application_id = ? AND key = ?`, app.ID, key)
		if err != nil {
			return 0, fmt.Errorf("failed to delete %s: %w", key, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return removed, nil
}

// ListEnv returns the application's variables sorted by key.
func (s *Store) ListEnv(ctx context.Context, appName string) ([]EnvVar, error) {
	app, err := s.GetApp(ctx, appName)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM environment_variables WHERE application_id = ? ORDER BY key`, app.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query environment: %w", err)
	}
	defer rows.Close()

	vars := []EnvVar{}
	for rows.Next() {
		var v EnvVar
		if err := rows.Scan(&v.Key, &v.Value); err != nil {
			return nil, fmt.Errorf("failed to scan environment variable: %w", err)
		}
		vars = append(vars, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return vars, nil
}

// EnvMap returns the application's variables as a map.
func (s *Store) EnvMap(ctx context.Context, appName string) (map[string]string, error) {
	vars, err := s.ListEnv(ctx, appName)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(vars))
	for _, v := range vars {
		m[v.Key] = v.Value
	}
	return m, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
