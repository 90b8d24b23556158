package service

import (
	"context"
	"time"

	"seminarhall/internal/domain"
	"seminarhall/internal/models"
)

// BookingPolicy limits what a faculty requester may ask for. Admins are exempt.
type BookingPolicy struct {
	DailyQuota  int
	HorizonDays int
	Location    *time.Location
}

// Window returns the first and last bookable dates relative to now.
func (p BookingPolicy) Window(now time.Time) (models.Date, models.Date) {
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	today := models.DateOf(now.In(loc))
	return today, today.AddDays(p.HorizonDays)
}

func (p BookingPolicy) CheckWindow(actor models.Actor, date models.Date, now time.Time) error {
	if actor.IsAdmin() {
		return nil
	}
	from, to := p.Window(now)
	if date.Before(from) || date.After(to) {
		return domain.OutOfWindow(date, from, to)
	}
	return nil
}

// CheckQuota counts the requester's non-terminal reservations on date.
func (p BookingPolicy) CheckQuota(ctx context.Context, store domain.Store, actor models.Actor, date models.Date) error {
	if actor.IsAdmin() || p.DailyQuota <= 0 {
		return nil
	}
	d := date
	held, err := store.FindReservations(ctx, models.ReservationFilter{
		RequesterID: actor.ID,
		Date:        &d,
		Statuses:    models.NonTerminalStatuses,
	})
	if err != nil {
		return err
	}
	if len(held) >= p.DailyQuota {
		return domain.QuotaExceeded(p.DailyQuota, date)
	}
	return nil
}
