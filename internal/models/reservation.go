package models

import (
	"fmt"
	"sort"
	"time"
)

type Reservation struct {
	ID              string    `json:"id"`
	ResourceID      string    `json:"resource_id"`
	RequesterID     string    `json:"requester_id"`
	Date            Date      `json:"date"`
	Period          int       `json:"period"`
	Reason          string    `json:"reason"`
	Status          Status    `json:"status"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
	Arrival         int64     `json:"arrival"`
	Version         int64     `json:"version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (r *Reservation) Key() SlotKey {
	return SlotKey{ResourceID: r.ResourceID, Date: r.Date, Period: r.Period}
}

func (r *Reservation) Clone() *Reservation {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// SlotKey identifies one (resource, date, period) cell.
type SlotKey struct {
	ResourceID string
	Date       Date
	Period     int
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s|%s|%d", k.ResourceID, k.Date, k.Period)
}

// ReservationFilter selects reservations; zero fields match everything.
type ReservationFilter struct {
	ResourceID  string
	RequesterID string
	Statuses    []Status
	Date        *Date
	Period      int
}

// ForKey builds a filter for one slot restricted to the given statuses.
func ForKey(key SlotKey, statuses ...Status) ReservationFilter {
	d := key.Date
	return ReservationFilter{
		ResourceID: key.ResourceID,
		Date:       &d,
		Period:     key.Period,
		Statuses:   statuses,
	}
}

func (f ReservationFilter) Matches(r *Reservation) bool {
	if f.ResourceID != "" && r.ResourceID != f.ResourceID {
		return false
	}
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.Date != nil && r.Date != *f.Date {
		return false
	}
	if f.Period != 0 && r.Period != f.Period {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// SortByArrival orders by arrival ascending, ties broken by id ascending.
func SortByArrival(rs []*Reservation) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].Arrival == rs[j].Arrival {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].Arrival < rs[j].Arrival
	})
}

// SortByCreated orders by creation time, newest last.
func SortByCreated(rs []*Reservation) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

// Actor is the authenticated caller of an engine operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// SystemActor performs automatic promotions.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// SlotState describes one period of a resource on a date.
type SlotState struct {
	Period         int          `json:"period"`
	Start          string       `json:"start"`
	End            string       `json:"end"`
	Holder         *Reservation `json:"holder,omitempty"`
	WaitlistLength int          `json:"waitlist_length"`
}
