package service

import (
	"context"
	"errors"
	"testing"

	"seminarhall/internal/domain"
	"seminarhall/internal/events"
	"seminarhall/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCreateResource(t *testing.T) {
	h := newHarness(t, models.ModeModerated)
	ctx := context.Background()

	_, err := h.resources.CreateResource(ctx, faculty("u1"), &models.Resource{Name: "Hall 3", Capacity: 10})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.resources.CreateResource(ctx, admin, &models.Resource{Name: " ", Capacity: 10})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.resources.CreateResource(ctx, admin, &models.Resource{Name: "Hall 3", Capacity: 0})
	assert.ErrorIs(t, err, domain.ErrValidation)

	created, err := h.resources.CreateResource(ctx, admin, &models.Resource{
		Name:     " Hall 3 ",
		Capacity: 40,
		Location: "North wing",
		Features: []string{"Whiteboard", " Projector", "Whiteboard"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Hall 3", created.Name)
	assert.Equal(t, []string{"Projector", "Whiteboard"}, created.Features)
	assert.True(t, created.CreatedAt.Equal(testNow))

	got, err := h.resources.GetResource(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)

	_, err = h.resources.CreateResource(ctx, admin, &models.Resource{ID: "h1", Name: "Duplicate", Capacity: 5})
	assert.ErrorIs(t, err, domain.ErrConflict)

	list, err := h.resources.ListResources(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	_, err = h.resources.GetResource(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteResourceCascades(t *testing.T) {
	h := newHarness(t, models.ModeWaitlist)
	ctx := context.Background()

	pending := h.create(t, faculty("u1"), "h1", 1)
	accepted := h.create(t, faculty("u1"), "h1", 2)
	h.transition(t, admin, accepted.ID, models.StatusAccepted, "")
	booked := h.create(t, faculty("u2"), "h1", 3)
	h.transition(t, admin, booked.ID, models.StatusAccepted, "")
	h.transition(t, admin, booked.ID, models.StatusBooked, "")
	waiting := h.create(t, faculty("u3"), "h1", 3)
	gone := h.create(t, faculty("u3"), "h1", 4)
	h.transition(t, faculty("u3"), gone.ID, models.StatusCancelled, "")
	other := h.create(t, faculty("u2"), "h2", 1)

	_, err := h.resources.DeleteResource(ctx, faculty("u1"), "h1")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	before := len(h.eventsOfType(events.EventReservationCancelled))
	cancelled, err := h.resources.DeleteResource(ctx, admin, "h1")
	require.NoError(t, err)
	require.Len(t, cancelled, 4)

	ids := map[string]bool{}
	for _, r := range cancelled {
		ids[r.ID] = true
		assert.Equal(t, models.StatusCancelled, r.Status)
	}
	for _, r := range []*models.Reservation{pending, accepted, booked, waiting} {
		assert.True(t, ids[r.ID], r.ID)
		assert.Equal(t, models.StatusCancelled, h.status(t, r.ID))
	}
	assert.False(t, ids[gone.ID])
	assert.Equal(t, models.StatusPending, h.status(t, other.ID))

	cancelEvents := h.eventsOfType(events.EventReservationCancelled)
	assert.Len(t, cancelEvents, before+4)
	for _, ev := range cancelEvents[before:] {
		assert.Equal(t, "admin-1", ev.Payload.ChangedBy)
		assert.False(t, ev.Payload.Promoted)
	}

	_, err = h.resources.GetResource(ctx, "h1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.resources.DeleteResource(ctx, admin, "h1")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.engine.CreateReservation(ctx, faculty("u4"), request("h1", 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type mockSnapshotter struct {
	mock.Mock
}

func (m *mockSnapshotter) Snapshot(ctx context.Context, label string) (string, error) {
	args := m.Called(ctx, label)
	return args.String(0), args.Error(1)
}

func TestDeleteResourceTakesSnapshotFirst(t *testing.T) {
	h := newHarness(t, models.ModeModerated)
	ctx := context.Background()
	snap := &mockSnapshotter{}
	resources := NewResourceService(h.engine, WithSnapshotter(snap))

	r := h.create(t, faculty("u1"), "h1", 1)

	snap.On("Snapshot", mock.Anything, "delete h2").Return("", errors.New("disk full")).Once()
	_, err := resources.DeleteResource(ctx, admin, "h2")
	assert.ErrorIs(t, err, domain.ErrTransient)
	_, err = resources.GetResource(ctx, "h2")
	require.NoError(t, err, "hall survives a failed snapshot")

	snap.On("Snapshot", mock.Anything, "delete h1").Return("/backups/seminarhall_h1.db", nil).Once()
	cancelled, err := resources.DeleteResource(ctx, admin, "h1")
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, models.StatusCancelled, h.status(t, r.ID))

	// no snapshot for a hall that does not exist
	_, err = resources.DeleteResource(ctx, admin, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = resources.DeleteResource(ctx, faculty("u1"), "h2")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	snap.AssertExpectations(t)
	snap.AssertNumberOfCalls(t, "Snapshot", 2)
}

func TestSeedResources(t *testing.T) {
	h := newHarness(t, models.ModeModerated)
	ctx := context.Background()

	halls := []models.Resource{
		{ID: "h1", Name: "Renamed", Capacity: 1},
		{ID: "h3", Name: "Hall 3", Capacity: 80, Features: []string{"AC"}},
		{ID: "h4", Name: "Hall 4", Capacity: 30},
	}
	n, err := h.resources.Seed(ctx, halls)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	h1, err := h.resources.GetResource(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "Hall h1", h1.Name)

	n, err = h.resources.Seed(ctx, halls)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.resources.Seed(ctx, []models.Resource{{Name: "No id", Capacity: 3}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
