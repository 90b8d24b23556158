package service

import (
	"context"

	"seminarhall/internal/domain"
	"seminarhall/internal/models"
)

// ConflictChecker answers slot occupancy questions from inside a transaction.
type ConflictChecker struct{}

// FindActiveConflict returns the reservation holding key, or nil.
func (ConflictChecker) FindActiveConflict(ctx context.Context, store domain.Store, key models.SlotKey) (*models.Reservation, error) {
	holders, err := store.FindReservations(ctx, models.ForKey(key, models.HoldingStatuses...))
	if err != nil {
		return nil, err
	}
	if len(holders) == 0 {
		return nil, nil
	}
	models.SortByArrival(holders)
	return holders[0], nil
}

// Waitlist returns the waitlisted reservations of key in promotion order.
func (ConflictChecker) Waitlist(ctx context.Context, store domain.Store, key models.SlotKey) ([]*models.Reservation, error) {
	queue, err := store.FindReservations(ctx, models.ForKey(key, models.StatusWaitlisted))
	if err != nil {
		return nil, err
	}
	models.SortByArrival(queue)
	return queue, nil
}
