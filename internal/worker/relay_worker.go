package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"seminarhall/internal/events"
	"seminarhall/internal/metrics"
	"seminarhall/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Sink delivers one reservation event to an external system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, eventType string, payload []byte) error
}

// OutboxStore persists delivery tasks.
type OutboxStore interface {
	CreateOutboxTask(ctx context.Context, task *models.OutboxTask) error
	GetPendingOutboxTasks(ctx context.Context, limit int) ([]models.OutboxTask, error)
	UpdateOutboxTaskStatus(ctx context.Context, id int64, status, errMsg string, nextRetryAt *time.Time) error
}

// RelayWorker moves committed reservation events from the outbox to sinks.
// Events are handed over after the reservation tx commits, so a crash or a
// failed insert at that point loses the event for every sink. Once a task is
// stored, delivery is at-least-once: it may reach a sink again after a crash.
type RelayWorker struct {
	store         OutboxStore
	sinks         map[string]Sink
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.OutboxTask
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        *zerolog.Logger
}

type RelayOptions struct {
	Redis        *redis.Client
	RedisQueue   string
	PollInterval time.Duration
	BatchSize    int
	Logger       *zerolog.Logger
}

// NewRelayWorker builds a worker with sane defaults.
func NewRelayWorker(store OutboxStore, sinks []Sink, retry RetryPolicy, opts RelayOptions) *RelayWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if opts.RedisQueue == "" {
		opts.RedisQueue = "seminarhall:outbox"
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = 20
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}

	bySink := make(map[string]Sink, len(sinks))
	for _, s := range sinks {
		bySink[s.Name()] = s
	}

	return &RelayWorker{
		store:         store,
		sinks:         bySink,
		redis:         opts.Redis,
		retryPolicy:   retry,
		queue:         make(chan models.OutboxTask, models.OutboxQueueSize),
		redisQueueKey: opts.RedisQueue,
		deadLetterKey: opts.RedisQueue + ":deadletter",
		pollInterval:  opts.PollInterval,
		batchSize:     opts.BatchSize,
		logger:        opts.Logger,
	}
}

// Handler adapts the worker to an events.EventHandler.
func (w *RelayWorker) Handler(timeout time.Duration) events.EventHandler {
	return func(e *events.Event) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return w.EnqueueEvent(ctx, e.Type, e.Payload)
	}
}

// EnqueueEvent persists one task per sink and schedules it via redis or the in-memory queue.
func (w *RelayWorker) EnqueueEvent(ctx context.Context, eventType string, payload []byte) error {
	if eventType == "" {
		return errors.New("event type is required")
	}
	if !json.Valid(payload) {
		return errors.New("event payload must be valid JSON")
	}

	var errs []error
	for name := range w.sinks {
		task := models.OutboxTask{
			Sink:      name,
			EventType: eventType,
			Payload:   string(payload),
			Status:    models.OutboxPending,
			CreatedAt: time.Now(),
		}
		if err := w.store.CreateOutboxTask(ctx, &task); err != nil {
			metrics.IncOutboxDelivery(name, "enqueue_failed")
			w.logger.Error().Err(err).Str("sink", name).Str("event", eventType).Msg("outbox enqueue failed, event dropped")
			errs = append(errs, fmt.Errorf("persist outbox task for %s: %w", name, err))
			continue
		}
		w.schedule(ctx, task)
	}
	return errors.Join(errs...)
}

func (w *RelayWorker) schedule(ctx context.Context, task models.OutboxTask) {
	if w.redis != nil {
		if err := w.pushRedis(ctx, task); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("outbox redis push failed, fallback to memory queue")
		} else {
			return
		}
	}

	select {
	case w.queue <- task:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("outbox memory queue full, task left to polling")
	}
}

// Start launches main loop; stops when ctx is done.
func (w *RelayWorker) Start(ctx context.Context) {
	w.logger.Info().Int("sinks", len(w.sinks)).Msg("outbox relay started")
	defer w.logger.Info().Msg("outbox relay stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := w.ProcessOnce(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("outbox fetch pending")
		}
		if n > 0 {
			continue
		}
		timer := time.NewTimer(w.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ProcessOnce handles queued tasks first, then one batch of due tasks from the store.
// It returns the number of tasks processed.
func (w *RelayWorker) ProcessOnce(ctx context.Context) (int, error) {
	processed := 0
	for {
		t, ok := w.tryLocalQueue()
		if !ok {
			break
		}
		w.processTask(ctx, &t)
		processed++
	}
	if processed > 0 {
		return processed, nil
	}

	if t, ok := w.tryRedis(ctx); ok {
		w.processTask(ctx, &t)
		return 1, nil
	}

	tasks, err := w.store.GetPendingOutboxTasks(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	for i := range tasks {
		w.processTask(ctx, &tasks[i])
	}
	return len(tasks), nil
}

func (w *RelayWorker) tryLocalQueue() (models.OutboxTask, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.OutboxTask{}, false
	}
}

func (w *RelayWorker) tryRedis(ctx context.Context) (models.OutboxTask, bool) {
	if w.redis == nil {
		return models.OutboxTask{}, false
	}
	res, err := w.redis.RPop(ctx, w.redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			w.logger.Warn().Err(err).Msg("outbox redis pop")
		}
		return models.OutboxTask{}, false
	}
	var task models.OutboxTask
	if err := json.Unmarshal([]byte(res), &task); err != nil {
		w.logger.Error().Err(err).Msg("decode redis outbox task")
		return models.OutboxTask{}, false
	}
	return task, true
}

func (w *RelayWorker) processTask(ctx context.Context, task *models.OutboxTask) {
	sink, ok := w.sinks[task.Sink]
	if !ok {
		w.failTask(ctx, task, fmt.Errorf("unknown sink %q", task.Sink))
		return
	}

	if err := sink.Deliver(ctx, task.EventType, []byte(task.Payload)); err != nil {
		metrics.IncOutboxDelivery(task.Sink, "error")
		w.retryOrFail(ctx, task, err)
		return
	}

	metrics.IncOutboxDelivery(task.Sink, "ok")
	if err := w.store.UpdateOutboxTaskStatus(ctx, task.ID, models.OutboxCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark outbox task completed")
	}
}

func (w *RelayWorker) retryOrFail(ctx context.Context, task *models.OutboxTask, cause error) {
	attempt := task.RetryCount + 1
	if attempt >= w.retryPolicy.MaxRetries {
		w.failTask(ctx, task, cause)
		return
	}

	nextTime := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	if err := w.store.UpdateOutboxTaskStatus(ctx, task.ID, models.OutboxRetry, cause.Error(), &nextTime); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark outbox task retry")
	}
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Str("sink", task.Sink).Int("attempt", attempt).Msg("outbox delivery failed, will retry")
}

func (w *RelayWorker) failTask(ctx context.Context, task *models.OutboxTask, cause error) {
	if err := w.store.UpdateOutboxTaskStatus(ctx, task.ID, models.OutboxFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark outbox task failed")
	}
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Str("sink", task.Sink).Msg("outbox task moved to dead letter")
	w.pushDeadLetter(ctx, task)
}

func (w *RelayWorker) pushRedis(ctx context.Context, task models.OutboxTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *RelayWorker) pushDeadLetter(ctx context.Context, task *models.OutboxTask) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(task)
	if err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("encode deadletter")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("deadletter push")
	}
}
