package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"seminarhall/internal/database"
	"seminarhall/internal/domain"
	"seminarhall/internal/lease"
	"seminarhall/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stressRepositories(t *testing.T) map[string]domain.Repository {
	logger := zerolog.Nop()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "stress.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return map[string]domain.Repository{
		"memory": database.NewMemoryRepository(),
		"sqlite": db,
	}
}

func createConcurrently(h *harness, n int) ([]*models.Reservation, []error) {
	results := make([]*models.Reservation, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = h.engine.CreateReservation(context.Background(), faculty(fmt.Sprintf("u%02d", i)), request("h1", 3))
		}(i)
	}
	close(start)
	wg.Wait()
	return results, errs
}

func TestConcurrentCreateModerated(t *testing.T) {
	const n = 20
	for name, repo := range stressRepositories(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarnessWith(t, testConfig(models.ModeModerated), repo, lease.NewMemoryLocker())
			results, errs := createConcurrently(h, n)

			succeeded := 0
			for i := range results {
				if errs[i] == nil {
					succeeded++
					assert.Equal(t, models.StatusPending, results[i].Status)
					continue
				}
				assert.ErrorIs(t, errs[i], domain.ErrConflict)
			}
			assert.Equal(t, 1, succeeded)

			held, err := h.engine.ListReservations(context.Background(), models.ReservationFilter{ResourceID: "h1"})
			require.NoError(t, err)
			assert.Len(t, held, 1)
		})
	}
}

func TestConcurrentCreateWaitlist(t *testing.T) {
	const n = 20
	for name, repo := range stressRepositories(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarnessWith(t, testConfig(models.ModeWaitlist), repo, lease.NewMemoryLocker())
			results, errs := createConcurrently(h, n)

			var holder *models.Reservation
			waitlisted := 0
			for i := range results {
				require.NoError(t, errs[i])
				switch results[i].Status {
				case models.StatusPending:
					require.Nil(t, holder)
					holder = results[i]
				case models.StatusWaitlisted:
					waitlisted++
				default:
					t.Fatalf("unexpected status %s", results[i].Status)
				}
			}
			require.NotNil(t, holder)
			assert.Equal(t, n-1, waitlisted)

			key := holder.Key()
			queue, err := ConflictChecker{}.Waitlist(context.Background(), repo, key)
			require.NoError(t, err)
			require.Len(t, queue, n-1)
			for i := 1; i < len(queue); i++ {
				assert.Less(t, queue[i-1].Arrival, queue[i].Arrival)
			}
			assert.Less(t, holder.Arrival, queue[0].Arrival)

			// drain the queue one holder at a time
			ctx := context.Background()
			current := holder.ID
			for i := 0; i < len(queue); i++ {
				h.transition(t, admin, current, models.StatusCancelled, "")
				assert.Equal(t, models.StatusAccepted, h.status(t, queue[i].ID))
				current = queue[i].ID

				confirmed, err := h.engine.ListReservations(ctx, models.ForKey(key, models.StatusAccepted, models.StatusBooked))
				require.NoError(t, err)
				assert.Len(t, confirmed, 1)
			}
		})
	}
}

func TestConcurrentCancellationPromotesOnce(t *testing.T) {
	for name, repo := range stressRepositories(t) {
		t.Run(name, func(t *testing.T) {
			h := newHarnessWith(t, testConfig(models.ModeWaitlist), repo, lease.NewMemoryLocker())
			holder := h.create(t, faculty("u1"), "h1", 3)
			h.transition(t, admin, holder.ID, models.StatusAccepted, "")
			w1 := h.create(t, faculty("u2"), "h1", 3)
			w2 := h.create(t, faculty("u3"), "h1", 3)

			actors := []models.Actor{faculty("u1"), admin, admin, faculty("u1")}
			errs := make([]error, len(actors))
			var wg sync.WaitGroup
			for i, actor := range actors {
				wg.Add(1)
				go func(i int, actor models.Actor) {
					defer wg.Done()
					_, errs[i] = h.engine.TransitionReservation(context.Background(), actor, holder.ID, models.StatusCancelled, "")
				}(i, actor)
			}
			wg.Wait()

			succeeded := 0
			for _, err := range errs {
				if err == nil {
					succeeded++
					continue
				}
				assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			}
			assert.Equal(t, 1, succeeded)
			assert.Equal(t, models.StatusAccepted, h.status(t, w1.ID))
			assert.Equal(t, models.StatusWaitlisted, h.status(t, w2.ID))
		})
	}
}
