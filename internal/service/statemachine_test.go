package service

import (
	"errors"
	"slices"
	"testing"
	"time"

	"seminarhall/internal/domain"
	"seminarhall/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineGrid(t *testing.T) {
	moderated := map[[2]models.Status]bool{
		{models.StatusPending, models.StatusAccepted}:   true,
		{models.StatusPending, models.StatusRejected}:   true,
		{models.StatusPending, models.StatusCancelled}:  true,
		{models.StatusAccepted, models.StatusBooked}:    true,
		{models.StatusAccepted, models.StatusRejected}:  true,
		{models.StatusAccepted, models.StatusCancelled}: true,
		{models.StatusBooked, models.StatusCancelled}:   true,
	}
	waitlist := map[[2]models.Status]bool{
		{models.StatusWaitlisted, models.StatusCancelled}: true,
		{models.StatusWaitlisted, models.StatusRejected}:  true,
		{models.StatusWaitlisted, models.StatusAccepted}:  true,
	}
	for k := range moderated {
		waitlist[k] = true
	}

	cases := map[models.Mode]map[[2]models.Status]bool{
		models.ModeModerated: moderated,
		models.ModeWaitlist:  waitlist,
	}

	now := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
	for mode, edges := range cases {
		m := NewStateMachine(mode)
		for _, from := range models.AllStatuses {
			for _, to := range models.AllStatuses {
				name := string(mode) + "/" + string(from) + "->" + string(to)
				t.Run(name, func(t *testing.T) {
					expected := edges[[2]models.Status{from, to}]
					assert.Equal(t, expected, slices.Contains(m.Targets(from), to))

					actor := models.Actor{ID: "admin-1", Role: models.RoleAdmin}
					if from == models.StatusWaitlisted && to == models.StatusAccepted {
						actor = models.SystemActor
					}
					r := &models.Reservation{ID: "r1", RequesterID: "u1", Status: from}
					err := m.Apply(actor, r, to, "reason given", now)
					if expected {
						require.NoError(t, err)
						assert.Equal(t, to, r.Status)
						assert.True(t, r.UpdatedAt.Equal(now))
						return
					}
					require.Error(t, err)
					assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
					assert.Equal(t, from, r.Status)
				})
			}
		}
	}
}

func TestStateMachineTerminalStatusesHaveNoTargets(t *testing.T) {
	m := NewStateMachine(models.ModeWaitlist)
	assert.Empty(t, m.Targets(models.StatusRejected))
	assert.Empty(t, m.Targets(models.StatusCancelled))
	assert.Equal(t, []models.Status{models.StatusAccepted, models.StatusCancelled, models.StatusRejected},
		m.Targets(models.StatusPending))
}

func TestStateMachineActorRules(t *testing.T) {
	m := NewStateMachine(models.ModeWaitlist)
	now := time.Now().UTC()
	owner := models.Actor{ID: "u1", Role: models.RoleFaculty}
	stranger := models.Actor{ID: "u2", Role: models.RoleFaculty}
	admin := models.Actor{ID: "admin-1", Role: models.RoleAdmin}

	tests := []struct {
		name   string
		actor  models.Actor
		from   models.Status
		to     models.Status
		reason string
		want   error
	}{
		{"faculty cannot accept", owner, models.StatusPending, models.StatusAccepted, "", domain.ErrForbidden},
		{"faculty cannot reject", owner, models.StatusPending, models.StatusRejected, "busy", domain.ErrForbidden},
		{"faculty cannot book", owner, models.StatusAccepted, models.StatusBooked, "", domain.ErrForbidden},
		{"stranger cannot cancel", stranger, models.StatusPending, models.StatusCancelled, "", domain.ErrForbidden},
		{"owner cancels", owner, models.StatusBooked, models.StatusCancelled, "", nil},
		{"admin cancels", admin, models.StatusAccepted, models.StatusCancelled, "", nil},
		{"admin cannot promote", admin, models.StatusWaitlisted, models.StatusAccepted, "", domain.ErrForbidden},
		{"system promotes", models.SystemActor, models.StatusWaitlisted, models.StatusAccepted, "", nil},
		{"reject needs reason", admin, models.StatusPending, models.StatusRejected, "   ", domain.ErrValidation},
		{"missing edge beats forbidden", owner, models.StatusCancelled, models.StatusAccepted, "", domain.ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &models.Reservation{ID: "r1", RequesterID: "u1", Status: tt.from}
			err := m.Apply(tt.actor, r, tt.to, tt.reason, now)
			if tt.want == nil {
				require.NoError(t, err)
				assert.Equal(t, tt.to, r.Status)
				return
			}
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.from, r.Status)
		})
	}
}

func TestStateMachineRejectionReason(t *testing.T) {
	m := NewStateMachine(models.ModeModerated)
	admin := models.Actor{ID: "admin-1", Role: models.RoleAdmin}
	r := &models.Reservation{ID: "r1", RequesterID: "u1", Status: models.StatusPending}

	require.NoError(t, m.Apply(admin, r, models.StatusRejected, "  hall under repair ", time.Now()))
	assert.Equal(t, "hall under repair", r.RejectionReason)

	r = &models.Reservation{ID: "r2", RequesterID: "u1", Status: models.StatusPending}
	require.NoError(t, m.Apply(admin, r, models.StatusAccepted, "ignored", time.Now()))
	assert.Empty(t, r.RejectionReason)
}

func TestStateMachineOptions(t *testing.T) {
	m := NewStateMachine(models.ModeWaitlist)
	admin := models.Actor{ID: "admin-1", Role: models.RoleAdmin}
	owner := models.Actor{ID: "u1", Role: models.RoleFaculty}
	other := models.Actor{ID: "u2", Role: models.RoleFaculty}

	pending := &models.Reservation{ID: "r1", RequesterID: "u1", Status: models.StatusPending}
	assert.Equal(t, []models.Status{models.StatusAccepted, models.StatusCancelled, models.StatusRejected}, m.Options(admin, pending))
	assert.Equal(t, []models.Status{models.StatusCancelled}, m.Options(owner, pending))
	assert.Empty(t, m.Options(other, pending))

	// promotion is never offered to people
	waiting := &models.Reservation{ID: "r2", RequesterID: "u1", Status: models.StatusWaitlisted}
	assert.Equal(t, []models.Status{models.StatusCancelled, models.StatusRejected}, m.Options(admin, waiting))
	assert.Equal(t, []models.Status{models.StatusAccepted}, m.Options(models.SystemActor, waiting))

	cancelled := &models.Reservation{ID: "r3", RequesterID: "u1", Status: models.StatusCancelled}
	assert.NotNil(t, m.Options(admin, cancelled))
	assert.Empty(t, m.Options(admin, cancelled))
}
