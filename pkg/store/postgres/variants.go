package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/quantpulse/quantpulse/pkg/variants"
)

const variantColumns = `
	id, name, base_indicator_type, variant_type, description, parameters,
	is_system, created_by, user_id, scope, is_deleted,
	created_at, updated_at, deleted_at, schema_version`

// Insert writes a new variant row. The parameters column is JSONB so
// invalid documents are rejected by the database as well.
func (s *Store) Insert(ctx context.Context, v *variants.Variant) error {
	const query = `
		INSERT INTO indicator_variants (
			id, name, base_indicator_type, variant_type, description, parameters,
			is_system, created_by, user_id, scope, is_deleted,
			created_at, updated_at, schema_version
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14)`

	return s.exec(ctx, 0, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query,
			v.ID, v.Name, v.BaseIndicatorType, v.VariantType, v.Description, v.Parameters,
			v.IsSystem, v.CreatedBy, v.UserID, v.Scope, v.IsDeleted,
			v.CreatedAt.UTC(), v.UpdatedAt.UTC(), v.SchemaVersion)
		if err != nil {
			return fmt.Errorf("insert variant %s: %w", v.ID, err)
		}
		return nil
	})
}

// FindByID returns (nil, nil) for a missing or soft-deleted variant.
func (s *Store) FindByID(ctx context.Context, id string) (*variants.Variant, error) {
	query := `SELECT` + variantColumns + `
		FROM indicator_variants
		WHERE id = $1 AND NOT is_deleted`

	var v variants.Variant
	err := s.read(ctx, func(ctx context.Context) error {
		return s.db.GetContext(ctx, &v, query, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading variant %s: %w", id, err)
	}
	return &v, nil
}

// Find returns matches ordered by created_at descending.
func (s *Store) Find(ctx context.Context, f variants.Filter) ([]*variants.Variant, error) {
	query := `SELECT` + variantColumns + `
		FROM indicator_variants
		WHERE NOT is_deleted`
	var args []interface{}

	if f.VariantType != "" {
		args = append(args, f.VariantType)
		query += fmt.Sprintf(" AND variant_type = $%d", len(args))
	}
	if f.BaseIndicatorType != "" {
		args = append(args, f.BaseIndicatorType)
		query += fmt.Sprintf(" AND base_indicator_type = $%d", len(args))
	}
	if f.Scope != "" {
		args = append(args, f.Scope)
		query += fmt.Sprintf(" AND scope = $%d", len(args))
	}
	if f.UserID != "" {
		args = append(args, f.UserID)
		if f.IncludeGlobal {
			query += fmt.Sprintf(" AND (user_id = $%d OR scope = '%s')", len(args), variants.ScopeGlobal)
		} else {
			query += fmt.Sprintf(" AND user_id = $%d", len(args))
		}
	}
	query += " ORDER BY created_at DESC"

	var out []*variants.Variant
	err := s.read(ctx, func(ctx context.Context) error {
		rows, err := s.db.QueryxContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var v variants.Variant
			if err := rows.StructScan(&v); err != nil {
				return err
			}
			out = append(out, &v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("listing variants: %w", err)
	}
	return out, nil
}

// Update rewrites the mutable columns of a live row.
func (s *Store) Update(ctx context.Context, v *variants.Variant) error {
	const query = `
		UPDATE indicator_variants
		SET name = $2, description = $3, parameters = $4::jsonb,
		    scope = $5, updated_at = $6
		WHERE id = $1 AND NOT is_deleted`

	return s.exec(ctx, 0, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query,
			v.ID, v.Name, v.Description, v.Parameters, v.Scope, v.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("update variant %s: %w", v.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return variants.ErrVariantNotFound
		}
		return nil
	})
}

// MarkDeleted soft-deletes; ok is false when the row is absent or
// already deleted.
func (s *Store) MarkDeleted(ctx context.Context, id string, at time.Time) (bool, error) {
	const query = `
		UPDATE indicator_variants
		SET is_deleted = TRUE, deleted_at = $2, updated_at = $2
		WHERE id = $1 AND NOT is_deleted`

	var ok bool
	err := s.exec(ctx, 0, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, id, at.UTC())
		if err != nil {
			return fmt.Errorf("delete variant %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		ok = n > 0
		return nil
	})
	return ok, err
}
