package domain

import (
	"context"

	"seminarhall/internal/models"
)

// Store is the set of reads and writes the engine performs inside one transaction.
type Store interface {
	GetResource(ctx context.Context, id string) (*models.Resource, error)
	ListResources(ctx context.Context) ([]*models.Resource, error)
	InsertResource(ctx context.Context, resource *models.Resource) error
	DeleteResource(ctx context.Context, id string) error

	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	FindReservations(ctx context.Context, filter models.ReservationFilter) ([]*models.Reservation, error)
	InsertReservation(ctx context.Context, reservation *models.Reservation) error
	// UpdateReservation applies the change only if the stored version matches and bumps it.
	UpdateReservation(ctx context.Context, reservation *models.Reservation) error
}

// Repository is a Store that can run a function atomically.
type Repository interface {
	Store
	// WithTx commits every write made through tx if fn returns nil and discards them otherwise.
	WithTx(ctx context.Context, fn func(tx Store) error) error
	Ping(ctx context.Context) error
	Close() error
}

// KeyLocker serializes work on one slot key across goroutines or processes.
type KeyLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type ReservationService interface {
	CreateReservation(ctx context.Context, actor models.Actor, req CreateReservationRequest) (*models.Reservation, error)
	TransitionReservation(ctx context.Context, actor models.Actor, id string, target models.Status, reason string) (*models.Reservation, error)
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
	ListReservations(ctx context.Context, filter models.ReservationFilter) ([]*models.Reservation, error)
	WaitlistPosition(ctx context.Context, id string) (int, error)
	AllowedTransitions(ctx context.Context, actor models.Actor, id string) (*models.Reservation, []models.Status, error)
	SlotBoard(ctx context.Context, resourceID string, date string) ([]models.SlotState, error)
}

type ResourceService interface {
	CreateResource(ctx context.Context, actor models.Actor, resource *models.Resource) (*models.Resource, error)
	GetResource(ctx context.Context, id string) (*models.Resource, error)
	ListResources(ctx context.Context) ([]*models.Resource, error)
	DeleteResource(ctx context.Context, actor models.Actor, id string) ([]*models.Reservation, error)
}

// CreateReservationRequest carries raw caller input; the engine validates every field.
type CreateReservationRequest struct {
	ResourceID string `json:"resource_id"`
	Date       string `json:"date"`
	Period     int    `json:"period"`
	Reason     string `json:"reason"`
}
