package service

import (
	"context"
	"strings"
	"time"

	"seminarhall/internal/domain"
	"seminarhall/internal/events"
	"seminarhall/internal/metrics"
	"seminarhall/internal/models"
)

// ResourceService manages halls. It shares the engine's store, clock and state machine
// so that cascaded cancellations follow the same rules as any other transition.
type ResourceService struct {
	engine   *AllocationService
	snapshot Snapshotter
}

var _ domain.ResourceService = (*ResourceService)(nil)

// Snapshotter copies the store aside before destructive operations.
type Snapshotter interface {
	Snapshot(ctx context.Context, label string) (string, error)
}

type ResourceOption func(*ResourceService)

// WithSnapshotter takes a store snapshot before a hall and its reservations are removed.
func WithSnapshotter(sn Snapshotter) ResourceOption {
	return func(s *ResourceService) { s.snapshot = sn }
}

func NewResourceService(engine *AllocationService, opts ...ResourceOption) *ResourceService {
	s := &ResourceService{engine: engine}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ResourceService) CreateResource(ctx context.Context, actor models.Actor, resource *models.Resource) (*models.Resource, error) {
	e := s.engine
	if err := validateActor(actor); err != nil {
		return nil, e.fail("create_resource", err, actor)
	}
	if !actor.IsAdmin() {
		return nil, e.fail("create_resource", domain.Forbidden("only an admin may create resources"), actor)
	}

	r, err := normalizeResource(resource)
	if err != nil {
		return nil, e.fail("create_resource", err, actor)
	}
	if r.ID == "" {
		r.ID = e.newID()
	}
	r.CreatedAt = e.clock()

	ctx, cancel := e.storageContext(ctx)
	defer cancel()
	if err := e.withRetry(ctx, func() error { return e.repo.InsertResource(ctx, r) }); err != nil {
		return nil, e.fail("create_resource", err, actor)
	}

	e.logger.Info().Str("resource_id", r.ID).Str("name", r.Name).Str("actor_id", actor.ID).Msg("resource created")
	return r, nil
}

func (s *ResourceService) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	e := s.engine
	ctx, cancel := e.storageContext(ctx)
	defer cancel()

	var r *models.Resource
	err := e.withRetry(ctx, func() error {
		var err error
		r, err = e.repo.GetResource(ctx, id)
		return err
	})
	if err != nil {
		return nil, e.fail("get_resource", err, models.Actor{})
	}
	return r, nil
}

func (s *ResourceService) ListResources(ctx context.Context) ([]*models.Resource, error) {
	e := s.engine
	ctx, cancel := e.storageContext(ctx)
	defer cancel()

	var out []*models.Resource
	err := e.withRetry(ctx, func() error {
		var err error
		out, err = e.repo.ListResources(ctx)
		return err
	})
	if err != nil {
		return nil, e.fail("list_resources", err, models.Actor{})
	}
	return out, nil
}

// DeleteResource removes the hall and cancels every non-terminal reservation on it in one transaction.
func (s *ResourceService) DeleteResource(ctx context.Context, actor models.Actor, id string) ([]*models.Reservation, error) {
	e := s.engine
	defer metrics.ObserveOperation("delete_resource", time.Now())

	if err := validateActor(actor); err != nil {
		return nil, e.fail("delete_resource", err, actor)
	}
	if !actor.IsAdmin() {
		return nil, e.fail("delete_resource", domain.Forbidden("only an admin may delete resources"), actor)
	}

	if s.snapshot != nil {
		if _, err := s.GetResource(ctx, id); err != nil {
			return nil, err
		}
		path, err := s.snapshot.Snapshot(ctx, "delete "+id)
		if err != nil {
			return nil, e.fail("delete_resource", domain.Transient("snapshot", err), actor)
		}
		e.logger.Info().Str("resource_id", id).Str("path", path).Msg("snapshot taken before resource delete")
	}

	ctx, cancel := e.storageContext(ctx)
	defer cancel()

	var cancelled []*models.Reservation
	var previous []models.Status
	err := e.withRetry(ctx, func() error {
		cancelled, previous = nil, nil
		return e.repo.WithTx(ctx, func(tx domain.Store) error {
			if _, err := tx.GetResource(ctx, id); err != nil {
				return err
			}
			open, err := tx.FindReservations(ctx, models.ReservationFilter{
				ResourceID: id,
				Statuses:   models.NonTerminalStatuses,
			})
			if err != nil {
				return err
			}
			models.SortByArrival(open)

			now := e.clock()
			for _, r := range open {
				from := r.Status
				if err := e.machine.Apply(actor, r, models.StatusCancelled, "", now); err != nil {
					return err
				}
				if err := tx.UpdateReservation(ctx, r); err != nil {
					return err
				}
				cancelled = append(cancelled, r)
				previous = append(previous, from)
			}
			return tx.DeleteResource(ctx, id)
		})
	})
	if err != nil {
		return nil, e.fail("delete_resource", err, actor)
	}

	e.logger.Info().
		Str("resource_id", id).
		Int("cancelled", len(cancelled)).
		Str("actor_id", actor.ID).
		Msg("resource deleted")
	for i, r := range cancelled {
		metrics.IncTransition(string(previous[i]), string(r.Status))
		e.publishEvent(events.EventReservationCancelled, r, previous[i], actor, false)
	}
	return cancelled, nil
}

// Seed inserts halls that are not stored yet. Existing ids are left untouched.
func (s *ResourceService) Seed(ctx context.Context, halls []models.Resource) (int, error) {
	e := s.engine
	inserted := 0
	for i := range halls {
		r, err := normalizeResource(&halls[i])
		if err != nil {
			return inserted, err
		}
		if r.ID == "" {
			return inserted, domain.Validation("id", "seeded resource %q needs an id", r.Name)
		}

		_, err = s.GetResource(ctx, r.ID)
		if err == nil {
			continue
		}
		if domain.KindOf(err) != domain.KindNotFound {
			return inserted, err
		}

		r.CreatedAt = e.clock()
		sctx, cancel := e.storageContext(ctx)
		err = e.withRetry(sctx, func() error { return e.repo.InsertResource(sctx, r) })
		cancel()
		if err != nil {
			return inserted, err
		}
		inserted++
	}
	if inserted > 0 {
		e.logger.Info().Int("count", inserted).Msg("resources seeded")
	}
	return inserted, nil
}

func normalizeResource(in *models.Resource) (*models.Resource, error) {
	if in == nil {
		return nil, domain.Validation("resource", "must not be empty")
	}
	r := in.Clone()
	r.ID = strings.TrimSpace(r.ID)
	r.Name = strings.TrimSpace(r.Name)
	r.Location = strings.TrimSpace(r.Location)
	if r.Name == "" {
		return nil, domain.Validation("name", "must not be empty")
	}
	if r.Capacity <= 0 {
		return nil, domain.Validation("capacity", "must be positive, got %d", r.Capacity)
	}
	for i, f := range r.Features {
		r.Features[i] = strings.TrimSpace(f)
	}
	r.Features = models.NormalizeFeatures(r.Features)
	return r, nil
}
