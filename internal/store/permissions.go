package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Permission represents a row in the tool_permissions table.
type Permission struct {
	CallerID  int64      `json:"caller_id"`
	ToolName  string     `json:"tool_name"`
	IsAllowed bool       `json:"is_allowed"`
	GrantedAt time.Time  `json:"granted_at"`
	GrantedBy *int64     `json:"granted_by,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	RevokedBy *int64     `json:"revoked_by,omitempty"`
	Notes     *string    `json:"notes,omitempty"`
}

// Permits reports whether the row allows the call: allowed and not revoked.
func (p *Permission) Permits() bool {
	return p != nil && p.IsAllowed && p.RevokedAt == nil
}

// GrantParams holds the fields for a grant.
type GrantParams struct {
	CallerID  int64
	ToolName  string
	GrantedBy *int64
	Notes     *string
}

const permissionColumns = `caller_id, tool_name, is_allowed, granted_at, granted_by, revoked_at, revoked_by, notes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPermission(row rowScanner) (*Permission, error) {
	var (
		p         Permission
		grantedBy sql.NullInt64
		revokedAt sql.NullTime
		revokedBy sql.NullInt64
		notes     sql.NullString
	)
	if err := row.Scan(&p.CallerID, &p.ToolName, &p.IsAllowed, &p.GrantedAt,
		&grantedBy, &revokedAt, &revokedBy, &notes); err != nil {
		return nil, err
	}
	if grantedBy.Valid {
		p.GrantedBy = &grantedBy.Int64
	}
	if revokedAt.Valid {
		p.RevokedAt = &revokedAt.Time
	}
	if revokedBy.Valid {
		p.RevokedBy = &revokedBy.Int64
	}
	if notes.Valid {
		p.Notes = &notes.String
	}
	return &p, nil
}

// Lookup returns the permission row for (callerID, toolName), or nil if none exists.
func (s *Store) Lookup(ctx context.Context, callerID int64, toolName string) (*Permission, error) {
	p, err := scanPermission(s.db.QueryRowContext(ctx,
		`SELECT `+permissionColumns+`
		 FROM tool_permissions
		 WHERE caller_id = $1 AND tool_name = $2`,
		callerID, toolName,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Lookup: %w", err)
	}
	return p, nil
}

const grantSQL = `
	INSERT INTO tool_permissions (caller_id, tool_name, is_allowed, granted_at, granted_by, notes)
	VALUES ($1, $2, TRUE, now(), $3, $4)
	ON CONFLICT (caller_id, tool_name) DO UPDATE SET
		is_allowed = TRUE,
		granted_at = now(),
		granted_by = EXCLUDED.granted_by,
		revoked_at = NULL,
		revoked_by = NULL,
		notes      = COALESCE(EXCLUDED.notes, tool_permissions.notes)
	RETURNING ` + permissionColumns

// Grant allows toolName for the caller, re-enabling a revoked row if one exists.
func (s *Store) Grant(ctx context.Context, params GrantParams) (*Permission, error) {
	p, err := scanPermission(s.db.QueryRowContext(ctx, grantSQL,
		params.CallerID, params.ToolName, nullableInt(params.GrantedBy), nullableString(params.Notes),
	))
	if err != nil {
		return nil, fmt.Errorf("Grant: %w", err)
	}
	return p, nil
}

// Revoke marks the caller's permission for toolName revoked. It reports
// whether an active grant existed.
func (s *Store) Revoke(ctx context.Context, callerID int64, toolName string, revokedBy *int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_permissions SET
			is_allowed = FALSE,
			revoked_at = now(),
			revoked_by = $3
		WHERE caller_id = $1 AND tool_name = $2 AND revoked_at IS NULL`,
		callerID, toolName, nullableInt(revokedBy),
	)
	if err != nil {
		return false, fmt.Errorf("Revoke: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("Revoke: %w", err)
	}
	return n > 0, nil
}

// BulkGrant grants every tool in toolNames to the caller in one transaction.
func (s *Store) BulkGrant(ctx context.Context, callerID int64, toolNames []string, grantedBy *int64) ([]*Permission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("BulkGrant: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, grantSQL)
	if err != nil {
		return nil, fmt.Errorf("BulkGrant: prepare: %w", err)
	}
	defer stmt.Close()

	out := make([]*Permission, 0, len(toolNames))
	for _, tool := range toolNames {
		p, err := scanPermission(stmt.QueryRowContext(ctx, callerID, tool, nullableInt(grantedBy), nil))
		if err != nil {
			return nil, fmt.Errorf("BulkGrant(%s): %w", tool, err)
		}
		out = append(out, p)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("BulkGrant: commit: %w", err)
	}
	return out, nil
}

// List returns every permission row for the caller, revoked rows included.
func (s *Store) List(ctx context.Context, callerID int64) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+permissionColumns+`
		 FROM tool_permissions
		 WHERE caller_id = $1
		 ORDER BY tool_name`,
		callerID,
	)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	defer rows.Close()

	var out []*Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("List: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return out, nil
}

// nullableInt returns nil (SQL NULL) if the pointer is nil.
func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// nullableString returns nil (SQL NULL) if the pointer is nil.
func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
