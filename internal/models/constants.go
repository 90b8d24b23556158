package models

// Status is the lifecycle state of a reservation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusBooked     Status = "booked"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
	StatusWaitlisted Status = "waitlisted"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusAccepted,
	StatusBooked,
	StatusRejected,
	StatusCancelled,
	StatusWaitlisted,
}

// ParseStatus converts raw input into a known Status.
func ParseStatus(raw string) (Status, bool) {
	for _, s := range AllStatuses {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

// IsTerminal reports whether the reservation can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusCancelled
}

// HoldsSlot reports whether a reservation in this status occupies its key.
func (s Status) HoldsSlot() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusBooked:
		return true
	default:
		return false
	}
}

// IsConfirmed reports whether the status is accepted or booked.
func (s Status) IsConfirmed() bool {
	return s == StatusAccepted || s == StatusBooked
}

// HoldingStatuses are the statuses that block a new holder for the same key.
var HoldingStatuses = []Status{StatusPending, StatusAccepted, StatusBooked}

// NonTerminalStatuses are counted against the per-day quota.
var NonTerminalStatuses = []Status{StatusPending, StatusAccepted, StatusBooked, StatusWaitlisted}

// Role is the closed set of actor roles accepted at the engine boundary.
type Role string

const (
	RoleFaculty Role = "faculty"
	RoleAdmin   Role = "admin"
	// RoleSystem is used for automatic promotions and is never accepted from callers.
	RoleSystem Role = "system"
)

// ParseRole accepts only faculty and admin.
func ParseRole(raw string) (Role, bool) {
	switch Role(raw) {
	case RoleFaculty:
		return RoleFaculty, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// Mode selects the allocation policy for the process.
type Mode string

const (
	// ModeModerated rejects requests for a held slot with a conflict.
	ModeModerated Mode = "moderated"
	// ModeWaitlist queues requests for a held slot and promotes them FIFO.
	ModeWaitlist Mode = "waitlist"
)

const (
	// DefaultDailyQuota is the number of non-terminal reservations a faculty member may hold per date.
	DefaultDailyQuota = 2

	// DefaultHorizonDays is how many days ahead of today a faculty member may book.
	DefaultHorizonDays = 2

	// DefaultStorageTimeoutSeconds ограничение времени одного обращения к хранилищу
	DefaultStorageTimeoutSeconds = 5

	// DefaultMaxRetries количество повторов при временных ошибках хранилища
	DefaultMaxRetries = 3

	// OutboxQueueSize размер очереди воркера доставки событий
	OutboxQueueSize = 128
)
