package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"seminarhall/internal/config"
	"seminarhall/internal/database"
	"seminarhall/internal/domain"
	"seminarhall/internal/events"
	"seminarhall/internal/lease"
	"seminarhall/internal/models"
	"seminarhall/internal/slots"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// testNow is a Sunday; the booking window runs 2025-03-09..2025-03-11.
var testNow = time.Date(2025, 3, 9, 10, 0, 0, 0, time.UTC)

const testDay = "2025-03-10"

var admin = models.Actor{ID: "admin-1", Role: models.RoleAdmin}

func faculty(id string) models.Actor {
	return models.Actor{ID: id, Role: models.RoleFaculty}
}

func request(resourceID string, period int) domain.CreateReservationRequest {
	return domain.CreateReservationRequest{ResourceID: resourceID, Date: testDay, Period: period, Reason: "Lecture"}
}

func testConfig(mode models.Mode) config.AllocationConfig {
	return config.AllocationConfig{
		Mode:           mode,
		DailyQuota:     models.DefaultDailyQuota,
		HorizonDays:    models.DefaultHorizonDays,
		StorageTimeout: 2 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
		Timezone:       "UTC",
	}
}

type recordedEvent struct {
	Type    string
	Payload *events.ReservationEventPayload
}

type harness struct {
	engine    *AllocationService
	resources *ResourceService
	repo      domain.Repository

	mu     sync.Mutex
	events []recordedEvent
}

func newHarness(t *testing.T, mode models.Mode) *harness {
	return newHarnessWith(t, testConfig(mode), database.NewMemoryRepository(), lease.NewMemoryLocker())
}

func newHarnessWith(t *testing.T, cfg config.AllocationConfig, repo domain.Repository, locker domain.KeyLocker) *harness {
	t.Helper()
	logger := zerolog.Nop()
	h := &harness{repo: repo}

	bus := events.NewEventBus()
	bus.SubscribeAll(func(ev *events.Event) error {
		payload, err := events.DecodeReservation(ev.Payload)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.events = append(h.events, recordedEvent{Type: ev.Type, Payload: payload})
		h.mu.Unlock()
		return nil
	})

	var seq atomic.Int64
	h.engine = NewAllocationService(repo, slots.Default(), locker, bus, cfg, &logger,
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string { return fmt.Sprintf("r-%03d", seq.Add(1)) }),
	)
	h.resources = NewResourceService(h.engine)

	for _, id := range []string{"h1", "h2"} {
		_, err := h.resources.CreateResource(context.Background(), admin, &models.Resource{
			ID:       id,
			Name:     "Hall " + id,
			Capacity: 60,
			Location: "Main building",
			Features: []string{"Projector"},
		})
		require.NoError(t, err)
	}
	return h
}

func (h *harness) create(t *testing.T, actor models.Actor, resourceID string, period int) *models.Reservation {
	t.Helper()
	r, err := h.engine.CreateReservation(context.Background(), actor, request(resourceID, period))
	require.NoError(t, err)
	return r
}

func (h *harness) transition(t *testing.T, actor models.Actor, id string, to models.Status, reason string) *models.Reservation {
	t.Helper()
	r, err := h.engine.TransitionReservation(context.Background(), actor, id, to, reason)
	require.NoError(t, err)
	return r
}

func (h *harness) status(t *testing.T, id string) models.Status {
	t.Helper()
	r, err := h.engine.GetReservation(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

func (h *harness) recorded() []recordedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]recordedEvent(nil), h.events...)
}

func (h *harness) eventsOfType(eventType string) []recordedEvent {
	var out []recordedEvent
	for _, ev := range h.recorded() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// flakyRepository fails the first n transactions with a transient error.
type flakyRepository struct {
	domain.Repository
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyRepository) WithTx(ctx context.Context, fn func(tx domain.Store) error) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return domain.Transient("begin transaction", fmt.Errorf("database is locked"))
	}
	return f.Repository.WithTx(ctx, fn)
}

// stallingRepository blocks every transaction until the context ends.
type stallingRepository struct {
	domain.Repository
}

func (s stallingRepository) WithTx(ctx context.Context, fn func(tx domain.Store) error) error {
	<-ctx.Done()
	return ctx.Err()
}

type lockerFunc func(ctx context.Context, key string) (func(), error)

func (f lockerFunc) Lock(ctx context.Context, key string) (func(), error) {
	return f(ctx, key)
}
