package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"seminarhall/internal/config"
	"seminarhall/internal/domain"
	"seminarhall/internal/events"
	"seminarhall/internal/metrics"
	"seminarhall/internal/models"
	"seminarhall/internal/slots"
	"seminarhall/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AllocationService is the single entry point for creating and mutating reservations.
type AllocationService struct {
	repo      domain.Repository
	calendar  *slots.Calendar
	locker    domain.KeyLocker
	eventBus  domain.EventPublisher
	machine   *StateMachine
	conflicts ConflictChecker
	policy    BookingPolicy
	mode      models.Mode
	timeout   time.Duration
	retry     worker.RetryPolicy
	now       func() time.Time
	newID     func() string
	arrival   atomic.Int64
	logger    *zerolog.Logger
}

var _ domain.ReservationService = (*AllocationService)(nil)

type Option func(*AllocationService)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *AllocationService) { s.now = now }
}

// WithIDGenerator replaces the UUIDv7 generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *AllocationService) { s.newID = fn }
}

func NewAllocationService(
	repo domain.Repository,
	calendar *slots.Calendar,
	locker domain.KeyLocker,
	eventBus domain.EventPublisher,
	cfg config.AllocationConfig,
	logger *zerolog.Logger,
	opts ...Option,
) *AllocationService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	mode := cfg.Mode
	if mode == "" {
		mode = models.ModeModerated
	}
	s := &AllocationService{
		repo:     repo,
		calendar: calendar,
		locker:   locker,
		eventBus: eventBus,
		machine:  NewStateMachine(mode),
		policy: BookingPolicy{
			DailyQuota:  cfg.DailyQuota,
			HorizonDays: cfg.HorizonDays,
			Location:    cfg.Location(),
		},
		mode:    mode,
		timeout: cfg.StorageTimeout,
		retry: worker.RetryPolicy{
			MaxRetries:    cfg.MaxRetries,
			InitialDelay:  cfg.RetryDelay,
			MaxDelay:      time.Second,
			BackoffFactor: 2,
		},
		now:    time.Now,
		newID:  newUUID,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *AllocationService) Mode() models.Mode {
	return s.mode
}

func (s *AllocationService) Calendar() *slots.Calendar {
	return s.calendar
}

func (s *AllocationService) CreateReservation(ctx context.Context, actor models.Actor, req domain.CreateReservationRequest) (*models.Reservation, error) {
	defer metrics.ObserveOperation("create", time.Now())

	created, err := s.createReservation(ctx, actor, req)
	if err != nil {
		return nil, s.fail("create", err, actor)
	}

	metrics.IncReservationCreated(string(created.Status))
	s.logger.Info().
		Str("reservation_id", created.ID).
		Str("resource_id", created.ResourceID).
		Str("date", created.Date.String()).
		Int("period", created.Period).
		Str("status", string(created.Status)).
		Str("requester_id", actor.ID).
		Msg("reservation created")
	s.publishEvent(events.EventReservationCreated, created, "", actor, false)
	return created, nil
}

func (s *AllocationService) createReservation(ctx context.Context, actor models.Actor, req domain.CreateReservationRequest) (*models.Reservation, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	resourceID := strings.TrimSpace(req.ResourceID)
	if resourceID == "" {
		return nil, domain.Validation("resource_id", "must not be empty")
	}
	date, err := models.ParseDate(strings.TrimSpace(req.Date))
	if err != nil {
		return nil, domain.Validation("date", "%v", err)
	}
	if _, err := s.calendar.Describe(req.Period); err != nil {
		return nil, domain.Validation("period", "%v", err)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, domain.Validation("reason", "must not be empty")
	}

	now := s.clock()
	if err := s.policy.CheckWindow(actor, date, now); err != nil {
		return nil, err
	}

	key := models.SlotKey{ResourceID: resourceID, Date: date, Period: req.Period}
	var created *models.Reservation
	err = s.withSlot(ctx, key, func(ctx context.Context) error {
		created = nil
		return s.repo.WithTx(ctx, func(tx domain.Store) error {
			if _, err := tx.GetResource(ctx, resourceID); err != nil {
				return err
			}
			if err := s.policy.CheckQuota(ctx, tx, actor, date); err != nil {
				return err
			}

			status, err := s.initialStatus(ctx, tx, actor, key)
			if err != nil {
				return err
			}

			r := &models.Reservation{
				ID:          s.newID(),
				ResourceID:  resourceID,
				RequesterID: actor.ID,
				Date:        date,
				Period:      req.Period,
				Reason:      reason,
				Status:      status,
				Arrival:     s.nextArrival(now),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.InsertReservation(ctx, r); err != nil {
				return err
			}
			created = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// initialStatus decides between pending, waitlisted and a conflict for a new request on key.
func (s *AllocationService) initialStatus(ctx context.Context, tx domain.Store, actor models.Actor, key models.SlotKey) (models.Status, error) {
	holder, err := s.conflicts.FindActiveConflict(ctx, tx, key)
	if err != nil {
		return "", err
	}
	if holder == nil {
		return models.StatusPending, nil
	}
	if s.mode != models.ModeWaitlist || holder.RequesterID == actor.ID {
		return "", domain.Conflict(holder)
	}

	queue, err := s.conflicts.Waitlist(ctx, tx, key)
	if err != nil {
		return "", err
	}
	for _, w := range queue {
		if w.RequesterID == actor.ID {
			return "", domain.Conflict(w)
		}
	}
	return models.StatusWaitlisted, nil
}

func (s *AllocationService) TransitionReservation(ctx context.Context, actor models.Actor, id string, target models.Status, reason string) (*models.Reservation, error) {
	defer metrics.ObserveOperation("transition", time.Now())

	updated, from, promoted, err := s.transitionReservation(ctx, actor, id, target, reason)
	if err != nil {
		return nil, s.fail("transition", err, actor)
	}

	metrics.IncTransition(string(from), string(updated.Status))
	s.logger.Info().
		Str("reservation_id", updated.ID).
		Str("from", string(from)).
		Str("to", string(updated.Status)).
		Str("actor_id", actor.ID).
		Str("actor_role", string(actor.Role)).
		Msg("reservation transitioned")

	eventType := events.EventReservationUpdated
	if updated.Status == models.StatusCancelled {
		eventType = events.EventReservationCancelled
	}
	s.publishEvent(eventType, updated, from, actor, false)

	if promoted != nil {
		s.announcePromotion(promoted)
	}
	return updated, nil
}

func (s *AllocationService) transitionReservation(ctx context.Context, actor models.Actor, id string, target models.Status, reason string) (*models.Reservation, models.Status, *models.Reservation, error) {
	if err := validateActor(actor); err != nil {
		return nil, "", nil, err
	}
	if _, ok := models.ParseStatus(string(target)); !ok {
		return nil, "", nil, domain.Validation("status", "unknown status %q", target)
	}

	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	var current *models.Reservation
	err := s.withRetry(ctx, func() error {
		var err error
		current, err = s.repo.GetReservation(ctx, id)
		return err
	})
	if err != nil {
		return nil, "", nil, err
	}

	var (
		updated  *models.Reservation
		promoted *models.Reservation
		from     models.Status
	)
	key := current.Key()
	err = s.withSlot(ctx, key, func(ctx context.Context) error {
		updated, promoted = nil, nil
		return s.repo.WithTx(ctx, func(tx domain.Store) error {
			r, err := tx.GetReservation(ctx, id)
			if err != nil {
				return err
			}
			from = r.Status
			now := s.clock()

			if err := s.machine.Apply(actor, r, target, reason, now); err != nil {
				return err
			}
			if err := tx.UpdateReservation(ctx, r); err != nil {
				return err
			}
			updated = r

			if from.HoldsSlot() && !r.Status.HoldsSlot() {
				promoted, err = s.promoteNext(ctx, tx, key, now)
				if err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, "", nil, err
	}
	return updated, from, promoted, nil
}

// promoteNext accepts the earliest waitlisted reservation of a key that no longer has a holder.
func (s *AllocationService) promoteNext(ctx context.Context, tx domain.Store, key models.SlotKey, now time.Time) (*models.Reservation, error) {
	if s.mode != models.ModeWaitlist {
		return nil, nil
	}
	holder, err := s.conflicts.FindActiveConflict(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if holder != nil {
		return nil, nil
	}

	queue, err := s.conflicts.Waitlist(ctx, tx, key)
	if err != nil || len(queue) == 0 {
		return nil, err
	}

	next := queue[0]
	if err := s.machine.Apply(models.SystemActor, next, models.StatusAccepted, "", now); err != nil {
		return nil, err
	}
	if err := tx.UpdateReservation(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *AllocationService) announcePromotion(promoted *models.Reservation) {
	metrics.IncPromotion()
	metrics.IncTransition(string(models.StatusWaitlisted), string(promoted.Status))
	s.logger.Info().
		Str("reservation_id", promoted.ID).
		Str("requester_id", promoted.RequesterID).
		Msg("waitlisted reservation promoted")
	s.publishEvent(events.EventReservationUpdated, promoted, models.StatusWaitlisted, models.SystemActor, true)
}

func (s *AllocationService) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	var r *models.Reservation
	err := s.withRetry(ctx, func() error {
		var err error
		r, err = s.repo.GetReservation(ctx, id)
		return err
	})
	if err != nil {
		return nil, s.fail("get", err, models.Actor{})
	}
	return r, nil
}

func (s *AllocationService) ListReservations(ctx context.Context, filter models.ReservationFilter) ([]*models.Reservation, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	var out []*models.Reservation
	err := s.withRetry(ctx, func() error {
		var err error
		out, err = s.repo.FindReservations(ctx, filter)
		return err
	})
	if err != nil {
		return nil, s.fail("list", err, models.Actor{})
	}
	return out, nil
}

// AllowedTransitions lists the statuses actor may move reservation id to right now.
func (s *AllocationService) AllowedTransitions(ctx context.Context, actor models.Actor, id string) (*models.Reservation, []models.Status, error) {
	if err := validateActor(actor); err != nil {
		return nil, nil, s.fail("transitions", err, actor)
	}
	r, err := s.GetReservation(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return r, s.machine.Options(actor, r), nil
}

// WaitlistPosition returns the 1-based place of a waitlisted reservation, or 0.
func (s *AllocationService) WaitlistPosition(ctx context.Context, id string) (int, error) {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	position := 0
	err := s.withRetry(ctx, func() error {
		position = 0
		r, err := s.repo.GetReservation(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != models.StatusWaitlisted {
			return nil
		}
		queue, err := s.conflicts.Waitlist(ctx, s.repo, r.Key())
		if err != nil {
			return err
		}
		for i, w := range queue {
			if w.ID == r.ID {
				position = i + 1
				break
			}
		}
		return nil
	})
	if err != nil {
		return 0, s.fail("waitlist_position", err, models.Actor{})
	}
	return position, nil
}

// SlotBoard describes every period of a resource on a date.
func (s *AllocationService) SlotBoard(ctx context.Context, resourceID string, rawDate string) ([]models.SlotState, error) {
	date, err := models.ParseDate(strings.TrimSpace(rawDate))
	if err != nil {
		return nil, s.fail("board", domain.Validation("date", "%v", err), models.Actor{})
	}

	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	var reservations []*models.Reservation
	err = s.withRetry(ctx, func() error {
		if _, err := s.repo.GetResource(ctx, resourceID); err != nil {
			return err
		}
		var err error
		reservations, err = s.repo.FindReservations(ctx, models.ReservationFilter{
			ResourceID: resourceID,
			Date:       &date,
			Statuses:   append(append([]models.Status(nil), models.HoldingStatuses...), models.StatusWaitlisted),
		})
		return err
	})
	if err != nil {
		return nil, s.fail("board", err, models.Actor{})
	}

	models.SortByArrival(reservations)
	board := make([]models.SlotState, 0, s.calendar.PeriodCount())
	for _, p := range s.calendar.Periods() {
		state := models.SlotState{Period: p.Index, Start: p.Start, End: p.End}
		for _, r := range reservations {
			if r.Period != p.Index {
				continue
			}
			if r.Status == models.StatusWaitlisted {
				state.WaitlistLength++
			} else if state.Holder == nil {
				state.Holder = r
			}
		}
		board = append(board, state)
	}
	return board, nil
}

// withSlot runs fn under the key lease with retries of transient failures.
func (s *AllocationService) withSlot(ctx context.Context, key models.SlotKey, fn func(ctx context.Context) error) error {
	ctx, cancel := s.storageContext(ctx)
	defer cancel()

	unlock, err := s.locker.Lock(ctx, key.String())
	if err != nil {
		return domain.Transient("acquire slot lease", err)
	}
	defer unlock()

	return s.withRetry(ctx, func() error { return fn(ctx) })
}

func (s *AllocationService) withRetry(ctx context.Context, op func() error) error {
	err := s.retry.Do(ctx, domain.IsTransient, func(attempt int, err error) {
		metrics.IncStorageRetry()
		s.logger.Warn().Err(err).Int("attempt", attempt).Msg("transient storage failure, retrying")
	}, op)
	return normalizeError(err)
}

// storageContext bounds a call by the configured timeout; an earlier caller deadline wins.
func (s *AllocationService) storageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *AllocationService) clock() time.Time {
	return s.now().UTC().Round(0)
}

// nextArrival is strictly increasing within the process.
func (s *AllocationService) nextArrival(now time.Time) int64 {
	for {
		last := s.arrival.Load()
		next := now.UnixNano()
		if next <= last {
			next = last + 1
		}
		if s.arrival.CompareAndSwap(last, next) {
			return next
		}
	}
}

func (s *AllocationService) publishEvent(eventType string, r *models.Reservation, from models.Status, actor models.Actor, promoted bool) {
	if s.eventBus == nil {
		return
	}
	payload := events.ReservationEventPayload{
		Reservation:    *r,
		PreviousStatus: from,
		ChangedBy:      actor.ID,
		ChangedByRole:  actor.Role,
		Promoted:       promoted,
	}
	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Str("reservation_id", r.ID).Msg("publish event")
	}
}

func (s *AllocationService) fail(op string, err error, actor models.Actor) error {
	kind := domain.KindOf(err)
	metrics.IncEngineError(op, string(kind))

	ev := s.logger.Warn()
	if kind == domain.KindInternal || kind == domain.KindTransient {
		ev = s.logger.Error()
	}
	ev.Err(err).Str("operation", op).Str("kind", string(kind)).Str("actor_id", actor.ID).Msg("engine call failed")
	return err
}

func validateActor(actor models.Actor) error {
	if strings.TrimSpace(actor.ID) == "" {
		return domain.Validation("actor_id", "must not be empty")
	}
	if _, ok := models.ParseRole(string(actor.Role)); !ok {
		return domain.Validation("actor_role", "unknown role %q", actor.Role)
	}
	return nil
}

func normalizeError(err error) error {
	if err == nil || domain.KindOf(err) != domain.KindInternal {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Transient("storage timeout", err)
	}
	return err
}
