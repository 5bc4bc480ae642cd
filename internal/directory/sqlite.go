package directory

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// SQLDirectory is a Directory backed by the local principals table. A
// deployment integrating a real identity provider swaps this implementation.
type SQLDirectory struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLDirectory creates a sqlite-backed principal directory
func NewSQLDirectory(db *sql.DB, logger *zap.Logger) *SQLDirectory {
	return &SQLDirectory{
		db:     db,
		logger: logger,
	}
}

// FindByID returns the principal with the given ID, or (nil, nil) when absent
func (d *SQLDirectory) FindByID(ctx context.Context, id string) (*Principal, error) {
	query := `SELECT id, display_name, email, phone, role FROM principals WHERE id = ?`

	var p Principal
	err := d.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.DisplayName, &p.Email, &p.Phone, &p.Role)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		d.logger.Error("Failed to find principal", zap.String("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to find principal: %w", err)
	}

	return &p, nil
}

// FindByRole returns all principals holding the given role
func (d *SQLDirectory) FindByRole(ctx context.Context, role string) ([]*Principal, error) {
	query := `SELECT id, display_name, email, phone, role FROM principals WHERE role = ? ORDER BY id ASC`

	rows, err := d.db.QueryContext(ctx, query, role)
	if err != nil {
		d.logger.Error("Failed to find principals by role", zap.String("role", role), zap.Error(err))
		return nil, fmt.Errorf("failed to find principals by role: %w", err)
	}
	defer rows.Close()

	var principals []*Principal
	for rows.Next() {
		var p Principal
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Email, &p.Phone, &p.Role); err != nil {
			return nil, fmt.Errorf("failed to scan principal: %w", err)
		}
		principals = append(principals, &p)
	}

	return principals, rows.Err()
}

// Upsert creates or replaces a principal record
func (d *SQLDirectory) Upsert(ctx context.Context, p *Principal) error {
	query := `
		INSERT INTO principals (id, display_name, email, phone, role)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			email = excluded.email,
			phone = excluded.phone,
			role = excluded.role
	`
	if _, err := d.db.ExecContext(ctx, query, p.ID, p.DisplayName, p.Email, p.Phone, p.Role); err != nil {
		d.logger.Error("Failed to upsert principal", zap.String("id", p.ID), zap.Error(err))
		return fmt.Errorf("failed to upsert principal: %w", err)
	}
	return nil
}
