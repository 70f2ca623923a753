package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"counselbook/internal/domain"
	"counselbook/internal/metrics"
	"counselbook/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisQueueKey = "tasks:queue"
	deadLetterKey = "tasks:deadletter"
)

// TaskWorker consumes task_queue rows and delivers side effects: notifications and
// spreadsheet mirroring. Failures never reach the operation that enqueued the task.
type TaskWorker struct {
	repo         domain.TaskRepository
	notifier     domain.Notifier
	sheets       domain.SheetsWriter
	redis        *redis.Client
	retryPolicy  RetryPolicy
	queue        chan models.Task
	pollInterval time.Duration
	batchSize    int
	logger       *zerolog.Logger
	now          func() time.Time
}

// Options tune queue sizes and polling. Zero values fall back to defaults.
type Options struct {
	QueueSize    int
	PollInterval time.Duration
	BatchSize    int
}

// NewTaskWorker builds a worker with sane defaults. sheets and redisClient may be nil.
func NewTaskWorker(
	repo domain.TaskRepository,
	notifier domain.Notifier,
	sheets domain.SheetsWriter,
	redisClient *redis.Client,
	retry RetryPolicy,
	opts Options,
	logger *zerolog.Logger,
) *TaskWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 1 * time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = models.WorkerQueueSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "task_worker").Logger()

	return &TaskWorker{
		repo:         repo,
		notifier:     notifier,
		sheets:       sheets,
		redis:        redisClient,
		retryPolicy:  retry,
		queue:        make(chan models.Task, opts.QueueSize),
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		logger:       &l,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueNotification schedules a notification for delivery.
func (w *TaskWorker) EnqueueNotification(ctx context.Context, bookingID int64, n models.Notification) error {
	if n.Recipient == "" {
		return fmt.Errorf("%w: notification recipient is required", domain.ErrValidation)
	}
	return w.enqueue(ctx, models.TaskNotify, bookingID, n)
}

// EnqueueSheetUpsert schedules mirroring of the booking into the spreadsheet.
// It is a no-op when no spreadsheet writer is configured.
func (w *TaskWorker) EnqueueSheetUpsert(ctx context.Context, booking *models.Booking) error {
	if w.sheets == nil {
		return nil
	}
	if booking == nil || booking.ID == 0 {
		return fmt.Errorf("%w: booking id is required", domain.ErrValidation)
	}
	return w.enqueue(ctx, models.TaskSheetUpsert, booking.ID, booking)
}

// enqueue persists task to DB and schedules it via redis or in-memory queue.
func (w *TaskWorker) enqueue(ctx context.Context, taskType string, bookingID int64, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	task := models.Task{
		TaskType:  taskType,
		BookingID: bookingID,
		Payload:   string(data),
		Status:    models.TaskStatusPending,
	}
	if err := w.repo.CreateTask(ctx, &task); err != nil {
		return fmt.Errorf("persist task: %w", err)
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, redisQueueKey, task); err != nil {
			w.logger.Warn().Err(err).Int64("task_id", task.ID).Msg("redis push failed, fallback to memory queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- task:
	default:
		w.logger.Warn().Int64("task_id", task.ID).Msg("in-memory queue full, task left to polling")
	}
	return nil
}

// Start runs the main loop until ctx is done.
func (w *TaskWorker) Start(ctx context.Context) {
	w.logger.Info().Msg("task worker started")
	defer w.logger.Info().Msg("task worker stopped")

	for ctx.Err() == nil {
		if t, ok := w.tryLocalQueue(); ok {
			w.processTask(ctx, &t)
			continue
		}

		if t, ok := w.tryRedis(ctx); ok {
			w.processTask(ctx, &t)
			continue
		}

		tasks, err := w.repo.GetPendingTasks(ctx, w.batchSize)
		if err != nil {
			w.logger.Error().Err(err).Msg("fetch pending tasks")
		}
		if len(tasks) == 0 {
			w.idle(ctx)
			continue
		}
		for i := range tasks {
			w.processTask(ctx, &tasks[i])
		}
	}
}

func (w *TaskWorker) idle(ctx context.Context) {
	timer := time.NewTimer(w.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case t := <-w.queue:
		w.processTask(ctx, &t)
	}
}

func (w *TaskWorker) tryLocalQueue() (models.Task, bool) {
	select {
	case t := <-w.queue:
		return t, true
	default:
		return models.Task{}, false
	}
}

func (w *TaskWorker) tryRedis(ctx context.Context) (models.Task, bool) {
	if w.redis == nil {
		return models.Task{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.logger.Warn().Err(err).Msg("redis BRPOP failed")
		}
		return models.Task{}, false
	}
	if len(res) != 2 {
		return models.Task{}, false
	}
	var task models.Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("decode redis task")
		return models.Task{}, false
	}
	return task, true
}

func (w *TaskWorker) processTask(ctx context.Context, task *models.Task) {
	if err := w.handle(ctx, task); err != nil {
		if isPermanent(err) {
			w.failTask(ctx, task, err)
			return
		}
		w.retryOrFail(ctx, task, err)
		return
	}

	metrics.IncTask(task.TaskType, "completed")
	if err := w.repo.UpdateTaskStatus(ctx, task.ID, models.TaskStatusCompleted, "", nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark completed")
	}
}

func (w *TaskWorker) handle(ctx context.Context, task *models.Task) error {
	switch task.TaskType {
	case models.TaskNotify:
		var n models.Notification
		if err := json.Unmarshal([]byte(task.Payload), &n); err != nil {
			return permanent(fmt.Errorf("decode payload: %w", err))
		}
		if w.notifier == nil {
			return permanent(errors.New("notifier is not configured"))
		}
		return w.notifier.Notify(ctx, n)
	case models.TaskSheetUpsert:
		var b models.Booking
		if err := json.Unmarshal([]byte(task.Payload), &b); err != nil {
			return permanent(fmt.Errorf("decode payload: %w", err))
		}
		if w.sheets == nil {
			return permanent(errors.New("sheets writer is not configured"))
		}
		return w.sheets.UpsertBooking(ctx, &b)
	default:
		return permanent(fmt.Errorf("unknown task type: %s", task.TaskType))
	}
}

func (w *TaskWorker) retryOrFail(ctx context.Context, task *models.Task, cause error) {
	attempt := task.RetryCount + 1
	if w.retryPolicy.Exhausted(attempt) {
		w.failTask(ctx, task, cause)
		return
	}

	metrics.IncTask(task.TaskType, "retry")
	next := w.now().Add(w.retryPolicy.NextDelay(attempt))
	w.logger.Warn().Err(cause).Int64("task_id", task.ID).Int("attempt", attempt).Time("next_retry_at", next).Msg("task failed, scheduling retry")
	if err := w.repo.UpdateTaskStatus(ctx, task.ID, models.TaskStatusRetry, cause.Error(), &next); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark retry")
	}
}

func (w *TaskWorker) failTask(ctx context.Context, task *models.Task, cause error) {
	metrics.IncTask(task.TaskType, "failed")
	w.logger.Error().Err(cause).Int64("task_id", task.ID).Str("type", task.TaskType).Msg("task failed permanently")
	if err := w.repo.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("mark failed")
	}
	if w.redis == nil {
		return
	}
	if err := w.pushRedis(ctx, deadLetterKey, *task); err != nil {
		w.logger.Error().Err(err).Int64("task_id", task.ID).Msg("deadletter push")
	}
}

func (w *TaskWorker) pushRedis(ctx context.Context, key string, task models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, key, data).Err()
}
