package store

import (
	"context"
	"database/sql"
	"fmt"
)

const appColumns = `id, name, repository, branch, deploy_path, start_command,
	build_command, install_command, runtime, port, status, created_at, updated_at`

// UpsertApp creates the application if it does not exist, or merges the
// provided fields into the existing row. Reports whether a row was created.
// New applications without an explicit port get the lowest free port.
func (s *Store) UpsertApp(ctx context.Context, in AppUpsert) (*Application, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanApp(tx.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM applications WHERE name = ?`, in.Name))
	if err != nil && err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to query application: %w", err)
	}

	now := nowString()
	created := existing == nil

	if created {
		app := Application{Name: in.Name, Branch: "main", Runtime: "node", Status: AppStopped}
		mergeUpsert(&app, in)

		if in.Port == nil {
			port, err := lowestFreePort(ctx, tx, s.portStart)
			if err != nil {
				return nil, false, err
			}
			app.Port = port
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO applications
			(name, repository, branch, deploy_path, start_command, build_command,
			 install_command, runtime, port, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, app.Name, app.Repository, app.Branch, app.DeployPath, app.StartCommand,
			app.BuildCommand, app.InstallCommand, app.Runtime, app.Port, app.Status, now, now)
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("port %d: %w", app.Port, ErrConflict)
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert application: %w", err)
		}
	} else {
		app := *existing
		mergeUpsert(&app, in)

		_, err = tx.ExecContext(ctx, `
			UPDATE applications SET
				repository = ?, branch = ?, deploy_path = ?, start_command = ?,
				build_command = ?, install_command = ?, runtime = ?, port = ?,
				status = ?, updated_at = ?
			WHERE id = ?
		`, app.Repository, app.Branch, app.DeployPath, app.StartCommand,
			app.BuildCommand, app.InstallCommand, app.Runtime, app.Port,
			app.Status, now, app.ID)
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("port %d: %w", app.Port, ErrConflict)
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to update application: %w", err)
		}
	}

	app, err := scanApp(tx.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM applications WHERE name = ?`, in.Name))
	if err != nil {
		return nil, false, fmt.Errorf("failed to reload application: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return app, created, nil
}

func mergeUpsert(app *Application, in AppUpsert) {
	if in.Repository != nil {
		app.Repository = *in.Repository
	}
	if in.Branch != nil && *in.Branch != "" {
		app.Branch = *in.Branch
	}
	if in.DeployPath != nil {
		app.DeployPath = *in.DeployPath
	}
	if in.StartCommand != nil {
		app.StartCommand = *in.StartCommand
	}
	if in.BuildCommand != nil {
		app.BuildCommand = *in.BuildCommand
	}
	if in.InstallCommand != nil {
		app.InstallCommand = *in.InstallCommand
	}
	if in.Runtime != nil && *in.Runtime != "" {
		app.Runtime = *in.Runtime
	}
	if in.Port != nil {
		app.Port = *in.Port
	}
	if in.Status != nil {
		app.Status = *in.Status
	}
}

// lowestFreePort returns the smallest port >= start not held by any application.
func lowestFreePort(ctx context.Context, tx *sql.Tx, start int) (int, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT port FROM applications WHERE port >= ? ORDER BY port`, start)
	if err != nil {
		return 0, fmt.Errorf("failed to query ports: %w", err)
	}
	defer rows.Close()

	candidate := start
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return 0, fmt.Errorf("failed to scan port: %w", err)
		}
		if port > candidate {
			break
		}
		if port == candidate {
			candidate++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating ports: %w", err)
	}

	if candidate > 65535 {
		return 0, fmt.Errorf("no free port at or above %d", start)
	}
	return candidate, nil
}

// GetApp returns the application with the given name.
func (s *Store) GetApp(ctx context.Context, name string) (*Application, error) {
	app, err := scanApp(s.db.QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM applications WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("application %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query application: %w", err)
	}
	return app, nil
}

// ListApps returns every application ordered by name.
func (s *Store) ListApps(ctx context.Context) ([]Application, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+appColumns+` FROM applications ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query applications: %w", err)
	}
	defer rows.Close()

	apps := []Application{}
	for rows.Next() {
		app, err := scanApp(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		apps = append(apps, *app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return apps, nil
}

// SetAppStatus updates only the lifecycle status of an application.
func (s *Store) SetAppStatus(ctx context.Context, name, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE applications SET status = ?, updated_at = ? WHERE name = ?`,
		status, nowString(), name)
	if err != nil {
		return fmt.Errorf("failed to update application status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("application %q: %w", name, ErrNotFound)
	}
	return nil
}

// DeleteApp removes an application. Domains, environment variables and
// deployment records go with it.
func (s *Store) DeleteApp(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM applications WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete application: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("application %q: %w", name, ErrNotFound)
	}
	return nil
}

func scanApp(s scanner) (*Application, error) {
	var app Application
	var createdAt, updatedAt string

	err := s.Scan(
		&app.ID,
		&app.Name,
		&app.Repository,
		&app.Branch,
		&app.DeployPath,
		&app.StartCommand,
		&app.BuildCommand,
		&app.InstallCommand,
		&app.Runtime,
		&app.Port,
		&app.Status,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if app.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if app.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &app, nil
}
