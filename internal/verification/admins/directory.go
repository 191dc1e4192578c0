// Package admins resolves the admin capability. Admin identity is injected
// into the service and middleware through these directories; nothing reads a
// shared allowlist directly.
package admins

import (
	"context"
	"database/sql"
	"fmt"

	id "vetting/pkg/domain"
)

// Directory answers whether a user holds the admin capability.
type Directory interface {
	IsAdmin(ctx context.Context, userID id.UserID) (bool, error)
}

// StaticDirectory is a fixed set of admins, usually from configuration.
type StaticDirectory struct {
	ids map[id.UserID]struct{}
}

// NewStaticDirectory parses raw user IDs. Any malformed ID is an error so a
// typo in configuration stops startup.
func NewStaticDirectory(raw []string) (*StaticDirectory, error) {
	d := &StaticDirectory{ids: make(map[id.UserID]struct{}, len(raw))}
	for _, s := range raw {
		userID, err := id.ParseUserID(s)
		if err != nil {
			return nil, fmt.Errorf("admin user id %q: %w", s, err)
		}
		d.ids[userID] = struct{}{}
	}
	return d, nil
}

func (d *StaticDirectory) IsAdmin(_ context.Context, userID id.UserID) (bool, error) {
	_, ok := d.ids[userID]
	return ok, nil
}

// PostgresDirectory reads the admin_users table.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) IsAdmin(ctx context.Context, userID id.UserID) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM admin_users WHERE user_id = $1)`,
		userID.String(),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check admin_users: %w", err)
	}
	return exists, nil
}

// Grant adds userID to admin_users. Granting twice is a no-op.
func (d *PostgresDirectory) Grant(ctx context.Context, userID id.UserID) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO admin_users (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`,
		userID.String(),
	)
	if err != nil {
		return fmt.Errorf("grant admin: %w", err)
	}
	return nil
}

// Revoke removes userID from admin_users.
func (d *PostgresDirectory) Revoke(ctx context.Context, userID id.UserID) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM admin_users WHERE user_id = $1`, userID.String())
	if err != nil {
		return fmt.Errorf("revoke admin: %w", err)
	}
	return nil
}

// Open returns the one directory a deployment consults. With a database the
// admin_users table is authoritative and the configured IDs only seed it.
// Without a database the configured IDs are the directory.
func Open(ctx context.Context, db *sql.DB, configured []string) (Directory, error) {
	static, err := NewStaticDirectory(configured)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return static, nil
	}
	pg := NewPostgresDirectory(db)
	for userID := range static.ids {
		if err := pg.Grant(ctx, userID); err != nil {
			return nil, fmt.Errorf("seed admin_users: %w", err)
		}
	}
	return pg, nil
}
