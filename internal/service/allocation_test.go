package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"seminarhall/internal/database"
	"seminarhall/internal/domain"
	"seminarhall/internal/events"
	"seminarhall/internal/lease"
	"seminarhall/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateReservation(t *testing.T) {
	h := newHarness(t, models.ModeModerated)

	r := h.create(t, faculty("u1"), "h1", 3)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Equal(t, "h1", r.ResourceID)
	assert.Equal(t, "u1", r.RequesterID)
	assert.Equal(t, "2025-03-10", r.Date.String())
	assert.Equal(t, 3, r.Period)
	assert.Equal(t, "Lecture", r.Reason)
	assert.Empty(t, r.RejectionReason)
	assert.Equal(t, testNow.UnixNano(), r.Arrival)
	assert.True(t, r.CreatedAt.Equal(testNow))

	stored, err := h.engine.GetReservation(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Status, stored.Status)

	created := h.eventsOfType(events.EventReservationCreated)
	require.Len(t, created, 1)
	assert.Equal(t, r.ID, created[0].Payload.Reservation.ID)
	assert.Equal(t, "u1", created[0].Payload.ChangedBy)
	assert.Equal(t, models.RoleFaculty, created[0].Payload.ChangedByRole)
}

func TestCreateReservationValidation(t *testing.T) {
	h := newHarness(t, models.ModeModerated)

	tests := []struct {
		name  string
		actor models.Actor
		req   domain.CreateReservationRequest
		field string
	}{
		{"empty actor", models.Actor{Role: models.RoleFaculty}, request("h1", 1), "actor_id"},
		{"system actor", models.SystemActor, request("h1", 1), "actor_role"},
		{"unknown role", models.Actor{ID: "u1", Role: "dean"}, request("h1", 1), "actor_role"},
		{"empty resource", faculty("u1"), request(" ", 1), "resource_id"},
		{"bad date", faculty("u1"), domain.CreateReservationRequest{ResourceID: "h1", Date: "2025-3-10", Period: 1, Reason: "x"}, "date"},
		{"period zero", faculty("u1"), request("h1", 0), "period"},
		{"period past end", faculty("u1"), request("h1", 9), "period"},
		{"empty reason", faculty("u1"), domain.CreateReservationRequest{ResourceID: "h1", Date: testDay, Period: 1, Reason: "  "}, "reason"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.engine.CreateReservation(context.Background(), tt.actor, tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)

			var derr *domain.Error
			require.True(t, errors.As(err, &derr))
			assert.Equal(t, tt.field, derr.Field)
		})
	}

	list, err := h.engine.ListReservations(context.Background(), models.ReservationFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, h.recorded())
}

func TestCreateReservationUnknownResource(t *testing.T) {
	h := newHarness(t, models.ModeModerated)

	_, err := h.engine.CreateReservation(context.Background(), faculty("u1"), request("missing", 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateReservationModeratedConflict(t *testing.T) {
	h := newHarness(t, models.ModeModerated)
	first := h.create(t, faculty("u1"), "h1", 3)

	_, err := h.engine.CreateReservation(context.Background(), faculty("u2"), request("h1", 3))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)

	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	require.NotNil(t, derr.Holder)
	assert.Equal(t, first.ID, derr.Holder.ID)

	// другой период или зал не конфликтует
	h.create(t, faculty("u2"), "h1", 4)
	h.create(t, faculty("u2"), "h2", 3)

	// a vacated slot is free again
	h.transition(t, faculty("u1"), first.ID, models.StatusCancelled, "")
	again := h.create(t, faculty("u3"), "h1", 3)
	assert.Equal(t, models.StatusPending, again.Status)
}

func TestBookingWindow(t *testing.T) {
	h := newHarness(t, models.ModeModerated)
	ctx := context.Background()

	tests := []struct {
		date  string
		actor models.Actor
		ok    bool
	}{
		{"2025-03-09", faculty("u1"), true},
		{"2025-03-11", faculty("u2"), true},
		{"2025-03-12", faculty("u3"), false},
		{"2025-03-08", faculty("u4"), false},
		{"2025-04-20", admin, true},
		{"2025-03-01", admin, true},
	}

	for _, tt := range tests {
		t.Run(tt.date+"/"+tt.actor.ID, func(t *testing.T) {
			_, err := h.engine.CreateReservation(ctx, tt.actor, domain.CreateReservationRequest{
				ResourceID: "h1", Date: tt.date, Period: 1, Reason: "Lecture",
			})
			if tt.ok {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, domain.ErrOutOfWindow)
		})
	}
}

func TestDailyQuota(t *testing.T) {
	h := newHarness(t, models.ModeModerated)
	ctx := context.Background()
	u1 := faculty("u1")

	first := h.create(t, u1, "h1", 1)
	h.create(t, u1, "h2", 2)

	_, err := h.engine.CreateReservation(ctx, u1, request("h1", 3))
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)

	// another date has its own quota
	_, err = h.engine.CreateReservation(ctx, u1, domain.CreateReservationRequest{
		ResourceID: "h1", Date: "2025-03-11", Period: 3, Reason: "Lecture",
	})
	require.NoError(t, err)

	// terminal reservations do not count
	h.transition(t, u1, first.ID, models.StatusCancelled, "")
	h.create(t, u1, "h1", 3)

	for period := 4; period <= 8; period++ {
		h.create(t, admin, "h1", period)
	}
}

func TestDailyQuotaCountsWaitlisted(t *testing.T) {
	h := newHarness(t, models.ModeWaitlist)
	ctx := context.Background()

	h.create(t, faculty("u1"), "h1", 1)
	h.create(t, faculty("u1"), "h1", 2)

	w1 := h.create(t, faculty("u2"), "h1", 1)
	w2 := h.create(t, faculty("u2"), "h1", 2)
	assert.Equal(t, models.StatusWaitlisted, w1.Status)
	assert.Equal(t, models.StatusWaitlisted, w2.Status)

	_, err := h.engine.CreateReservation(ctx, faculty("u2"), request("h2", 1))
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestTransitionReservation(t *testing.T) {
	h := newHarness(t, models.ModeModerated)
	ctx := context.Background()
	r := h.create(t, faculty("u1"), "h1", 3)

	_, err := h.engine.TransitionReservation(ctx, faculty("u1"), r.ID, models.StatusAccepted, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.engine.TransitionReservation(ctx, faculty("u2"), r.ID, models.StatusCancelled, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.engine.TransitionReservation(ctx, admin, r.ID, models.StatusBooked, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = h.engine.TransitionReservation(ctx, admin, r.ID, "archived", "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.engine.TransitionReservation(ctx, admin, "missing", models.StatusAccepted, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	accepted := h.transition(t, admin, r.ID, models.StatusAccepted, "")
	assert.Equal(t, models.StatusAccepted, accepted.Status)
	assert.Equal(t, r.Version+1, accepted.Version)

	_, err = h.engine.TransitionReservation(ctx, admin, r.ID, models.StatusRejected, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, models.StatusAccepted, h.status(t, r.ID))

	rejected := h.transition(t, admin, r.ID, models.StatusRejected, "Exam week")
	assert.Equal(t, "Exam week", rejected.RejectionReason)

	_, err = h.engine.TransitionReservation(ctx, admin, r.ID, models.StatusCancelled, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	updates := h.eventsOfType(events.EventReservationUpdated)
	require.Len(t, updates, 2)
	assert.Equal(t, models.StatusPending, updates[0].Payload.PreviousStatus)
	assert.Equal(t, models.StatusRejected, updates[1].Payload.Reservation.Status)
	assert.Equal(t, "admin-1", updates[1].Payload.ChangedBy)
}

func TestAllowedTransitions(t *testing.T) {
	h := newHarness(t, models.ModeModerated)
	ctx := context.Background()
	r := h.create(t, faculty("u1"), "h1", 2)

	got, targets, err := h.engine.AllowedTransitions(ctx, admin, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, []models.Status{models.StatusAccepted, models.StatusCancelled, models.StatusRejected}, targets)

	_, targets, err = h.engine.AllowedTransitions(ctx, faculty("u1"), r.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.Status{models.StatusCancelled}, targets)

	_, targets, err = h.engine.AllowedTransitions(ctx, faculty("u2"), r.ID)
	require.NoError(t, err)
	assert.Empty(t, targets)

	_, _, err = h.engine.AllowedTransitions(ctx, models.Actor{}, r.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, _, err = h.engine.AllowedTransitions(ctx, admin, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransitionCancelledEvent(t *testing.T) {
	h := newHarness(t, models.ModeModerated)
	r := h.create(t, faculty("u1"), "h1", 1)
	h.transition(t, faculty("u1"), r.ID, models.StatusCancelled, "")

	cancelled := h.eventsOfType(events.EventReservationCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, r.ID, cancelled[0].Payload.Reservation.ID)
	assert.Equal(t, models.StatusPending, cancelled[0].Payload.PreviousStatus)
	assert.Empty(t, h.eventsOfType(events.EventReservationUpdated))
}

func TestWaitlistPromotionFIFO(t *testing.T) {
	h := newHarness(t, models.ModeWaitlist)
	ctx := context.Background()

	holder := h.create(t, faculty("u1"), "h1", 3)
	require.Equal(t, models.StatusPending, holder.Status)

	w2 := h.create(t, faculty("u2"), "h1", 3)
	w3 := h.create(t, faculty("u3"), "h1", 3)
	w4 := h.create(t, faculty("u4"), "h1", 3)
	for _, w := range []*models.Reservation{w2, w3, w4} {
		assert.Equal(t, models.StatusWaitlisted, w.Status)
	}
	assert.Less(t, w2.Arrival, w3.Arrival)
	assert.Less(t, w3.Arrival, w4.Arrival)

	for i, w := range []*models.Reservation{w2, w3, w4} {
		pos, err := h.engine.WaitlistPosition(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, i+1, pos)
	}
	pos, err := h.engine.WaitlistPosition(ctx, holder.ID)
	require.NoError(t, err)
	assert.Zero(t, pos)

	// accepting keeps the slot held
	h.transition(t, admin, holder.ID, models.StatusAccepted, "")
	assert.Equal(t, models.StatusWaitlisted, h.status(t, w2.ID))

	h.transition(t, faculty("u1"), holder.ID, models.StatusCancelled, "")
	assert.Equal(t, models.StatusAccepted, h.status(t, w2.ID))
	assert.Equal(t, models.StatusWaitlisted, h.status(t, w3.ID))

	promoted := h.eventsOfType(events.EventReservationUpdated)
	last := promoted[len(promoted)-1]
	assert.True(t, last.Payload.Promoted)
	assert.Equal(t, w2.ID, last.Payload.Reservation.ID)
	assert.Equal(t, models.StatusWaitlisted, last.Payload.PreviousStatus)
	assert.Equal(t, models.SystemActor.ID, last.Payload.ChangedBy)

	pos, err = h.engine.WaitlistPosition(ctx, w3.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	// leaving the queue promotes nobody
	h.transition(t, faculty("u3"), w3.ID, models.StatusCancelled, "")
	assert.Equal(t, models.StatusAccepted, h.status(t, w2.ID))
	assert.Equal(t, models.StatusWaitlisted, h.status(t, w4.ID))

	h.transition(t, admin, w2.ID, models.StatusRejected, "Room needed for exams")
	assert.Equal(t, models.StatusAccepted, h.status(t, w4.ID))

	confirmed, err := h.engine.ListReservations(ctx, models.ReservationFilter{
		ResourceID: "h1",
		Statuses:   []models.Status{models.StatusAccepted, models.StatusBooked},
	})
	require.NoError(t, err)
	require.Len(t, confirmed, 1)
	assert.Equal(t, w4.ID, confirmed[0].ID)
}

func TestWaitlistRejectsSelfQueueing(t *testing.T) {
	h := newHarness(t, models.ModeWaitlist)
	ctx := context.Background()

	holder := h.create(t, faculty("u1"), "h1", 3)
	_, err := h.engine.CreateReservation(ctx, faculty("u1"), request("h1", 3))
	assert.ErrorIs(t, err, domain.ErrConflict)

	waiting := h.create(t, faculty("u2"), "h1", 3)
	_, err = h.engine.CreateReservation(ctx, faculty("u2"), request("h1", 3))
	require.Error(t, err)
	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, domain.KindConflict, derr.Kind)
	assert.Equal(t, waiting.ID, derr.Holder.ID)

	assert.Equal(t, models.StatusPending, h.status(t, holder.ID))
}

func TestWaitlistTieBreakByID(t *testing.T) {
	repo := database.NewMemoryRepository()
	ctx := context.Background()
	date := models.Date{Year: 2025, Month: time.March, Day: 10}
	for _, id := range []string{"w-b", "w-a", "w-c"} {
		arrival := int64(100)
		if id == "w-c" {
			arrival = 50
		}
		require.NoError(t, repo.InsertReservation(ctx, &models.Reservation{
			ID: id, ResourceID: "h1", RequesterID: id, Date: date, Period: 2,
			Reason: "x", Status: models.StatusWaitlisted, Arrival: arrival,
			CreatedAt: testNow, UpdatedAt: testNow,
		}))
	}

	queue, err := ConflictChecker{}.Waitlist(ctx, repo, models.SlotKey{ResourceID: "h1", Date: date, Period: 2})
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, "w-c", queue[0].ID)
	assert.Equal(t, "w-a", queue[1].ID)
	assert.Equal(t, "w-b", queue[2].ID)
}

func TestSlotBoard(t *testing.T) {
	h := newHarness(t, models.ModeWaitlist)
	ctx := context.Background()

	holder := h.create(t, faculty("u1"), "h1", 3)
	h.create(t, faculty("u2"), "h1", 3)
	h.create(t, faculty("u3"), "h1", 3)
	cancelled := h.create(t, faculty("u4"), "h1", 5)
	h.transition(t, faculty("u4"), cancelled.ID, models.StatusCancelled, "")
	h.create(t, faculty("u4"), "h2", 1)

	board, err := h.engine.SlotBoard(ctx, "h1", testDay)
	require.NoError(t, err)
	require.Len(t, board, 8)
	for i, s := range board {
		assert.Equal(t, i+1, s.Period)
		assert.NotEmpty(t, s.Start)
		assert.NotEmpty(t, s.End)
	}
	require.NotNil(t, board[2].Holder)
	assert.Equal(t, holder.ID, board[2].Holder.ID)
	assert.Equal(t, 2, board[2].WaitlistLength)
	assert.Nil(t, board[4].Holder)
	assert.Nil(t, board[0].Holder)
	assert.Equal(t, "11:00", board[2].Start)

	_, err = h.engine.SlotBoard(ctx, "missing", testDay)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.engine.SlotBoard(ctx, "h1", "10.03.2025")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestReadsAreIdempotent(t *testing.T) {
	h := newHarness(t, models.ModeModerated)
	ctx := context.Background()
	r1 := h.create(t, faculty("u1"), "h1", 1)
	h.create(t, faculty("u2"), "h1", 2)
	h.create(t, faculty("u1"), "h2", 1)

	a, err := h.engine.GetReservation(ctx, r1.ID)
	require.NoError(t, err)
	b, err := h.engine.GetReservation(ctx, r1.ID)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	mine, err := h.engine.ListReservations(ctx, models.ReservationFilter{RequesterID: "u1"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	hall, err := h.engine.ListReservations(ctx, models.ReservationFilter{ResourceID: "h1"})
	require.NoError(t, err)
	assert.Len(t, hall, 2)

	again, err := h.engine.ListReservations(ctx, models.ReservationFilter{ResourceID: "h1"})
	require.NoError(t, err)
	assert.Equal(t, hall, again)

	none, err := h.engine.ListReservations(ctx, models.ReservationFilter{Statuses: []models.Status{models.StatusBooked}})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTransientStorageIsRetried(t *testing.T) {
	flaky := &flakyRepository{Repository: database.NewMemoryRepository()}
	h := newHarnessWith(t, testConfig(models.ModeModerated), flaky, lease.NewMemoryLocker())

	flaky.failures.Store(2)
	r, err := h.engine.CreateReservation(context.Background(), faculty("u1"), request("h1", 1))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Equal(t, int32(3), flaky.calls.Load())

	flaky.calls.Store(0)
	flaky.failures.Store(10)
	_, err = h.engine.CreateReservation(context.Background(), faculty("u2"), request("h1", 2))
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.True(t, domain.IsTransient(err))
	assert.Equal(t, int32(4), flaky.calls.Load())
}

func TestStorageTimeoutIsTransient(t *testing.T) {
	cfg := testConfig(models.ModeModerated)
	cfg.StorageTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 0
	h := newHarnessWith(t, cfg, stallingRepository{Repository: database.NewMemoryRepository()}, lease.NewMemoryLocker())

	start := time.Now()
	_, err := h.engine.CreateReservation(context.Background(), faculty("u1"), request("h1", 1))
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLeaseFailureIsTransient(t *testing.T) {
	locker := lockerFunc(func(ctx context.Context, key string) (func(), error) {
		return nil, errors.New("redis: connection refused")
	})
	h := newHarnessWith(t, testConfig(models.ModeModerated), database.NewMemoryRepository(), locker)

	_, err := h.engine.CreateReservation(context.Background(), faculty("u1"), request("h1", 1))
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestLeaseKeyIsSlotKey(t *testing.T) {
	var keys []string
	locker := lockerFunc(func(ctx context.Context, key string) (func(), error) {
		keys = append(keys, key)
		return func() {}, nil
	})
	h := newHarnessWith(t, testConfig(models.ModeModerated), database.NewMemoryRepository(), locker)

	r := h.create(t, faculty("u1"), "h1", 4)
	h.transition(t, admin, r.ID, models.StatusAccepted, "")
	assert.Equal(t, []string{"h1|2025-03-10|4", "h1|2025-03-10|4"}, keys)
}

func TestScenario(t *testing.T) {
	t.Run("moderated", func(t *testing.T) {
		h := newHarness(t, models.ModeModerated)
		ctx := context.Background()

		r1 := h.create(t, faculty("u1"), "h1", 3)
		assert.Equal(t, models.StatusPending, r1.Status)

		_, err := h.engine.CreateReservation(ctx, faculty("u2"), request("h1", 3))
		assert.ErrorIs(t, err, domain.ErrConflict)

		h.transition(t, admin, r1.ID, models.StatusAccepted, "")
		booked := h.transition(t, admin, r1.ID, models.StatusBooked, "")
		assert.Equal(t, models.StatusBooked, booked.Status)
		h.transition(t, faculty("u1"), r1.ID, models.StatusCancelled, "")
	})

	t.Run("waitlist", func(t *testing.T) {
		h := newHarness(t, models.ModeWaitlist)

		r1 := h.create(t, faculty("u1"), "h1", 3)
		r2 := h.create(t, faculty("u2"), "h1", 3)
		assert.Equal(t, models.StatusWaitlisted, r2.Status)

		h.transition(t, admin, r1.ID, models.StatusAccepted, "")
		h.transition(t, admin, r1.ID, models.StatusBooked, "")
		h.transition(t, admin, r1.ID, models.StatusCancelled, "")

		assert.Equal(t, models.StatusAccepted, h.status(t, r2.ID))
		updates := h.eventsOfType(events.EventReservationUpdated)
		last := updates[len(updates)-1]
		assert.Equal(t, r2.ID, last.Payload.Reservation.ID)
		assert.True(t, last.Payload.Promoted)
	})
}
