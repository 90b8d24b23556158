package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"seminarhall/internal/domain"
	"seminarhall/internal/models"
)

func scanResource(row rowScanner) (*models.Resource, error) {
	var (
		r        models.Resource
		features string
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Capacity, &r.Location, &features, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(features), &r.Features); err != nil {
		return nil, fmt.Errorf("decode features of %s: %w", r.ID, err)
	}
	return &r, nil
}

func (s *store) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	row := s.q.QueryRowContext(ctx, `SELECT id, name, capacity, location, features, created_at FROM resources WHERE id = ?`, id)
	r, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("resource", id)
	}
	if err != nil {
		return nil, mapError("get resource", err)
	}
	return r, nil
}

func (s *store) ListResources(ctx context.Context) ([]*models.Resource, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT id, name, capacity, location, features, created_at FROM resources ORDER BY name, id`)
	if err != nil {
		return nil, mapError("list resources", err)
	}
	defer rows.Close()

	var out []*models.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, mapError("scan resource", err)
		}
		out = append(out, r)
	}
	return out, mapError("iterate resources", rows.Err())
}

func (s *store) InsertResource(ctx context.Context, r *models.Resource) error {
	features, err := json.Marshal(models.NormalizeFeatures(r.Features))
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	_, err = s.q.ExecContext(ctx, `INSERT INTO resources (id, name, capacity, location, features, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Capacity, r.Location, string(features), r.CreatedAt,
	)
	return mapError("insert resource", err)
}

func (s *store) DeleteResource(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id)
	if err != nil {
		return mapError("delete resource", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError("delete resource", err)
	}
	if n == 0 {
		return domain.NotFound("resource", id)
	}
	return nil
}
