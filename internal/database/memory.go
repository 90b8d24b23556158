package database

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"seminarhall/internal/domain"
	"seminarhall/internal/models"
)

// MemoryRepository keeps everything in process memory. A transaction works on a
// copy of the state that replaces the live one only on success.
type MemoryRepository struct {
	mu    sync.RWMutex
	state *memState

	outboxMu     sync.Mutex
	outbox       []models.OutboxTask
	nextOutboxID int64
}

var _ domain.Repository = (*MemoryRepository)(nil)

type memState struct {
	resources    map[string]*models.Resource
	reservations map[string]*models.Reservation
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{state: &memState{
		resources:    make(map[string]*models.Resource),
		reservations: make(map[string]*models.Reservation),
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		resources:    make(map[string]*models.Resource, len(s.resources)),
		reservations: make(map[string]*models.Reservation, len(s.reservations)),
	}
	for id, r := range s.resources {
		c.resources[id] = r
	}
	for id, r := range s.reservations {
		c.reservations[id] = r
	}
	return c
}

func (m *MemoryRepository) WithTx(ctx context.Context, fn func(tx domain.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return mapError("begin transaction", err)
	}

	staged := m.state.clone()
	if err := fn(&memStore{state: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return mapError("commit transaction", err)
	}
	m.state = staged
	return nil
}

func (m *MemoryRepository) read() *memStore {
	return &memStore{state: m.state}
}

func (m *MemoryRepository) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetResource(ctx, id)
}

func (m *MemoryRepository) ListResources(ctx context.Context) ([]*models.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListResources(ctx)
}

func (m *MemoryRepository) InsertResource(ctx context.Context, r *models.Resource) error {
	return m.WithTx(ctx, func(tx domain.Store) error { return tx.InsertResource(ctx, r) })
}

func (m *MemoryRepository) DeleteResource(ctx context.Context, id string) error {
	return m.WithTx(ctx, func(tx domain.Store) error { return tx.DeleteResource(ctx, id) })
}

func (m *MemoryRepository) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetReservation(ctx, id)
}

func (m *MemoryRepository) FindReservations(ctx context.Context, filter models.ReservationFilter) ([]*models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().FindReservations(ctx, filter)
}

func (m *MemoryRepository) InsertReservation(ctx context.Context, r *models.Reservation) error {
	return m.WithTx(ctx, func(tx domain.Store) error { return tx.InsertReservation(ctx, r) })
}

func (m *MemoryRepository) UpdateReservation(ctx context.Context, r *models.Reservation) error {
	return m.WithTx(ctx, func(tx domain.Store) error { return tx.UpdateReservation(ctx, r) })
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return mapError("ping", ctx.Err())
}

func (m *MemoryRepository) Close() error {
	return nil
}

// memStore operates on one state snapshot; records are cloned on the way in and out.
type memStore struct {
	state *memState
}

func (s *memStore) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapError("get resource", err)
	}
	r, ok := s.state.resources[id]
	if !ok {
		return nil, domain.NotFound("resource", id)
	}
	return r.Clone(), nil
}

func (s *memStore) ListResources(ctx context.Context) ([]*models.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapError("list resources", err)
	}
	out := make([]*models.Resource, 0, len(s.state.resources))
	for _, r := range s.state.resources {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *memStore) InsertResource(ctx context.Context, r *models.Resource) error {
	if err := ctx.Err(); err != nil {
		return mapError("insert resource", err)
	}
	if _, ok := s.state.resources[r.ID]; ok {
		return &domain.Error{Kind: domain.KindConflict, Message: "resource " + r.ID + " already exists"}
	}
	c := r.Clone()
	c.Features = models.NormalizeFeatures(c.Features)
	s.state.resources[r.ID] = c
	return nil
}

func (s *memStore) DeleteResource(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return mapError("delete resource", err)
	}
	if _, ok := s.state.resources[id]; !ok {
		return domain.NotFound("resource", id)
	}
	delete(s.state.resources, id)
	return nil
}

func (s *memStore) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapError("get reservation", err)
	}
	r, ok := s.state.reservations[id]
	if !ok {
		return nil, domain.NotFound("reservation", id)
	}
	return r.Clone(), nil
}

func (s *memStore) FindReservations(ctx context.Context, filter models.ReservationFilter) ([]*models.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapError("find reservations", err)
	}
	var out []*models.Reservation
	for _, r := range s.state.reservations {
		if filter.Matches(r) {
			out = append(out, r.Clone())
		}
	}
	models.SortByCreated(out)
	return out, nil
}

func (s *memStore) InsertReservation(ctx context.Context, r *models.Reservation) error {
	if err := ctx.Err(); err != nil {
		return mapError("insert reservation", err)
	}
	if _, ok := s.state.reservations[r.ID]; ok {
		return &domain.Error{Kind: domain.KindConflict, Message: "reservation " + r.ID + " already exists"}
	}
	if err := s.checkConfirmedUnique(r); err != nil {
		return err
	}
	if r.Version == 0 {
		r.Version = 1
	}
	s.state.reservations[r.ID] = r.Clone()
	return nil
}

func (s *memStore) UpdateReservation(ctx context.Context, r *models.Reservation) error {
	if err := ctx.Err(); err != nil {
		return mapError("update reservation", err)
	}
	current, ok := s.state.reservations[r.ID]
	if !ok {
		return domain.NotFound("reservation", r.ID)
	}
	if current.Version != r.Version {
		return mapError("update reservation", ErrConcurrentModification)
	}
	if err := s.checkConfirmedUnique(r); err != nil {
		return err
	}
	next := current.Clone()
	next.Status = r.Status
	next.RejectionReason = r.RejectionReason
	next.UpdatedAt = r.UpdatedAt
	next.Version++
	s.state.reservations[r.ID] = next
	r.Version = next.Version
	return nil
}

// checkConfirmedUnique mirrors the partial unique index of the SQLite schema.
func (s *memStore) checkConfirmedUnique(r *models.Reservation) error {
	if !r.Status.IsConfirmed() {
		return nil
	}
	for id, other := range s.state.reservations {
		if id != r.ID && other.Status.IsConfirmed() && other.Key() == r.Key() {
			return &domain.Error{Kind: domain.KindConflict, Message: "slot already confirmed for " + id, Holder: other.Clone()}
		}
	}
	return nil
}

func (m *MemoryRepository) CreateOutboxTask(ctx context.Context, task *models.OutboxTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.outboxMu.Lock()
	defer m.outboxMu.Unlock()

	m.nextOutboxID++
	task.ID = m.nextOutboxID
	task.CreatedAt = time.Now().UTC()
	if task.Status == "" {
		task.Status = models.OutboxPending
	}
	m.outbox = append(m.outbox, *task)
	return nil
}

func (m *MemoryRepository) GetPendingOutboxTasks(ctx context.Context, limit int) ([]models.OutboxTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.outboxMu.Lock()
	defer m.outboxMu.Unlock()

	now := time.Now()
	var out []models.OutboxTask
	for _, t := range m.outbox {
		if t.Status != models.OutboxPending && t.Status != models.OutboxRetry {
			continue
		}
		if t.NextRetryAt != nil && t.NextRetryAt.After(now) {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetFailedOutboxTasks returns dead-lettered tasks, oldest first.
func (m *MemoryRepository) GetFailedOutboxTasks(ctx context.Context) ([]models.OutboxTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.outboxMu.Lock()
	defer m.outboxMu.Unlock()

	var out []models.OutboxTask
	for _, t := range m.outbox {
		if t.Status == models.OutboxFailed {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryRepository) UpdateOutboxTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.outboxMu.Lock()
	defer m.outboxMu.Unlock()

	for i := range m.outbox {
		t := &m.outbox[i]
		if t.ID != id {
			continue
		}
		t.Status = status
		if errMsg != "" {
			msg := errMsg
			t.LastError = &msg
		}
		switch status {
		case models.OutboxRetry:
			t.RetryCount++
			t.NextRetryAt = nextRetryAt
		case models.OutboxCompleted, models.OutboxFailed:
			now := time.Now().UTC()
			t.ProcessedAt = &now
			t.NextRetryAt = nil
		default:
			t.NextRetryAt = nextRetryAt
		}
		return nil
	}
	return domain.NotFound("outbox task", strconv.FormatInt(id, 10))
}
