package store

import (
	"context"
	"database/sql"
	"fmt"
)

const domainSelect = `
	SELECT d.id, d.application_id, a.name, d.domain, d.is_primary, d.ssl_enabled, d.created_at
	FROM domain_bindings d
	JOIN applications a ON a.id = d.application_id`

// AddDomain binds domain to the named application. Domains are unique
// across all applications; a duplicate yields ErrConflict.
func (s *Store) AddDomain(ctx context.Context, appName, domain string, primary bool) (*DomainBinding, error) {
	app, err := s.GetApp(ctx, appName)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_bindings (application_id, domain, is_primary, ssl_enabled, created_at)
		VALUES (?, ?, ?, 1, ?)
	`, app.ID, domain, primary, nowString())
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("domain %q: %w", domain, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert domain: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return s.GetDomain(ctx, id)
}

// GetDomain returns one domain binding.
func (s *Store) GetDomain(ctx context.Context, id int64) (*DomainBinding, error) {
	d, err := scanDomain(s.db.QueryRowContext(ctx, domainSelect+` WHERE d.id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("domain %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query domain: %w", err)
	}
	return d, nil
}

// RemoveDomain deletes a binding and returns what was removed.
func (s *Store) RemoveDomain(ctx context.Context, id int64) (*DomainBinding, error) {
	d, err := s.GetDomain(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM domain_bindings WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to delete domain: %w", err)
	}
	return d, nil
}

// ListDomains returns every binding, or only those of appName when set.
func (s *Store) ListDomains(ctx context.Context, appName string) ([]DomainBinding, error) {
	query := domainSelect
	var args []interface{}
	if appName != "" {
		query += ` WHERE a.name = ?`
		args = append(args, appName)
	}
	query += ` ORDER BY a.name, d.is_primary DESC, d.domain`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query domains: %w", err)
	}
	defer rows.Close()

	domains := []DomainBinding{}
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		domains = append(domains, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return domains, nil
}

// Routes returns every domain with its application's port, ordered for
// stable proxy config output.
func (s *Store) Routes(ctx context.Context) ([]Route, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.name, d.domain, a.port
		FROM domain_bindings d
		JOIN applications a ON a.id = d.application_id
		ORDER BY a.name, d.domain
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var r Route
		if err := rows.Scan(&r.AppName, &r.Domain, &r.Port); err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return routes, nil
}

func scanDomain(s scanner) (*DomainBinding, error) {
	var d DomainBinding
	var createdAt string

	if err := s.Scan(&d.ID, &d.ApplicationID, &d.AppName, &d.Domain, &d.IsPrimary, &d.SSLEnabled, &createdAt); err != nil {
		return nil, err
	}

	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = t

	return &d, nil
}
