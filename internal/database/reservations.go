package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"seminarhall/internal/domain"
	"seminarhall/internal/models"
)

const reservationColumns = `id, resource_id, requester_id, date, period, reason, status,
    rejection_reason, arrival, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var (
		r         models.Reservation
		status    string
		rejection sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.ResourceID, &r.RequesterID, &r.Date, &r.Period, &r.Reason, &status,
		&rejection, &r.Arrival, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = models.Status(status)
	r.RejectionReason = rejection.String
	return &r, nil
}

func (s *store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("reservation", id)
	}
	if err != nil {
		return nil, mapError("get reservation", err)
	}
	return r, nil
}

func (s *store) FindReservations(ctx context.Context, filter models.ReservationFilter) ([]*models.Reservation, error) {
	var (
		where []string
		args  []any
	)
	if filter.ResourceID != "" {
		where = append(where, "resource_id = ?")
		args = append(args, filter.ResourceID)
	}
	if filter.RequesterID != "" {
		where = append(where, "requester_id = ?")
		args = append(args, filter.RequesterID)
	}
	if filter.Date != nil {
		where = append(where, "date = ?")
		args = append(args, filter.Date.String())
	}
	if filter.Period != 0 {
		where = append(where, "period = ?")
		args = append(args, filter.Period)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `SELECT ` + reservationColumns + ` FROM reservations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError("find reservations", err)
	}
	defer rows.Close()

	var out []*models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, mapError("scan reservation", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate reservations", err)
	}
	return out, nil
}

func (s *store) InsertReservation(ctx context.Context, r *models.Reservation) error {
	if r.Version == 0 {
		r.Version = 1
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO reservations (`+reservationColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ResourceID, r.RequesterID, r.Date, r.Period, r.Reason, string(r.Status),
		nullString(r.RejectionReason), r.Arrival, r.Version, r.CreatedAt, r.UpdatedAt,
	)
	return mapError("insert reservation", err)
}

// UpdateReservation writes the mutable fields when the stored version matches.
func (s *store) UpdateReservation(ctx context.Context, r *models.Reservation) error {
	res, err := s.q.ExecContext(ctx, `UPDATE reservations
        SET status = ?, rejection_reason = ?, updated_at = ?, version = version + 1
        WHERE id = ? AND version = ?`,
		string(r.Status), nullString(r.RejectionReason), r.UpdatedAt, r.ID, r.Version,
	)
	if err != nil {
		return mapError("update reservation", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError("update reservation", err)
	}
	if affected == 0 {
		if _, getErr := s.GetReservation(ctx, r.ID); getErr != nil {
			return getErr
		}
		return mapError("update reservation", ErrConcurrentModification)
	}
	r.Version++
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
