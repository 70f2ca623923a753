package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"counselbook/internal/database"
	"counselbook/internal/domain"
	"counselbook/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessTaskSuccess(t *testing.T) {
	db := newTestDB(t)
	notifier := &fakeNotifier{}
	worker := NewTaskWorker(db, notifier, nil, nil, RetryPolicy{}, Options{}, nil)

	ctx := context.Background()
	n := models.Notification{Recipient: "user-1", Subject: "Booking rejected", Body: "provider unavailable"}
	require.NoError(t, worker.EnqueueNotification(ctx, 7, n))

	task, ok := worker.tryLocalQueue()
	require.True(t, ok, "expected task in local queue")
	worker.processTask(ctx, &task)

	status, retryCount, nextRetry := loadTaskStatus(t, db, task.ID)
	assert.Equal(t, models.TaskStatusCompleted, status)
	assert.Equal(t, 0, retryCount)
	assert.False(t, nextRetry.Valid)
	require.Len(t, notifier.sent(), 1)
	assert.Equal(t, n, notifier.sent()[0])
}

func TestProcessTaskRetry(t *testing.T) {
	db := newTestDB(t)
	notifier := &fakeNotifier{err: errors.New("boom")}
	worker := NewTaskWorker(db, notifier, nil, nil, RetryPolicy{MaxRetries: 3, InitialDelay: time.Second}, Options{}, nil)

	ctx := context.Background()
	require.NoError(t, worker.EnqueueNotification(ctx, 2, models.Notification{Recipient: "user-1"}))

	task, ok := worker.tryLocalQueue()
	require.True(t, ok)
	worker.processTask(ctx, &task)

	status, retryCount, nextRetry := loadTaskStatus(t, db, task.ID)
	assert.Equal(t, models.TaskStatusRetry, status)
	assert.Equal(t, 1, retryCount)
	require.True(t, nextRetry.Valid)
	assert.True(t, nextRetry.Time.After(time.Now().Add(-time.Second)))
}

func TestProcessTaskFailPushesDeadLetter(t *testing.T) {
	db := newTestDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	notifier := &fakeNotifier{err: errors.New("fatal")}
	worker := NewTaskWorker(db, notifier, nil, rdb, RetryPolicy{MaxRetries: 1}, Options{}, nil)

	ctx := context.Background()
	require.NoError(t, worker.EnqueueNotification(ctx, 3, models.Notification{Recipient: "user-1"}))

	task, ok := worker.tryRedis(ctx)
	require.True(t, ok, "expected task in redis queue")
	worker.processTask(ctx, &task)

	status, _, _ := loadTaskStatus(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, status)

	dead, err := mr.List(deadLetterKey)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	var deadTask models.Task
	require.NoError(t, json.Unmarshal([]byte(dead[0]), &deadTask))
	assert.Equal(t, task.ID, deadTask.ID)
}

func TestProcessTaskUnknownTypeFailsImmediately(t *testing.T) {
	db := newTestDB(t)
	worker := NewTaskWorker(db, &fakeNotifier{}, nil, nil, RetryPolicy{MaxRetries: 5}, Options{}, nil)

	ctx := context.Background()
	task := models.Task{TaskType: "mystery", BookingID: 1, Payload: "{}"}
	require.NoError(t, db.CreateTask(ctx, &task))

	worker.processTask(ctx, &task)

	status, retryCount, _ := loadTaskStatus(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, status)
	assert.Equal(t, 0, retryCount)
}

func TestProcessTaskBadPayload(t *testing.T) {
	db := newTestDB(t)
	worker := NewTaskWorker(db, &fakeNotifier{}, nil, nil, RetryPolicy{}, Options{}, nil)

	ctx := context.Background()
	task := models.Task{TaskType: models.TaskNotify, BookingID: 1, Payload: "invalid json"}
	require.NoError(t, db.CreateTask(ctx, &task))

	worker.processTask(ctx, &task)

	status, _, _ := loadTaskStatus(t, db, task.ID)
	assert.Equal(t, models.TaskStatusFailed, status)
}

func TestEnqueueSheetUpsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	t.Run("NoWriterIsNoop", func(t *testing.T) {
		worker := NewTaskWorker(db, &fakeNotifier{}, nil, nil, RetryPolicy{}, Options{}, nil)
		require.NoError(t, worker.EnqueueSheetUpsert(ctx, &models.Booking{ID: 1}))
		_, ok := worker.tryLocalQueue()
		assert.False(t, ok)
	})

	t.Run("Delivered", func(t *testing.T) {
		sheets := &fakeSheets{}
		worker := NewTaskWorker(db, &fakeNotifier{}, sheets, nil, RetryPolicy{}, Options{}, nil)
		booking := &models.Booking{ID: 9, UserID: "user-1", ProviderID: "provider-1", Status: models.StatusAccepted}
		require.NoError(t, worker.EnqueueSheetUpsert(ctx, booking))

		task, ok := worker.tryLocalQueue()
		require.True(t, ok)
		worker.processTask(ctx, &task)

		require.Len(t, sheets.upserts, 1)
		assert.Equal(t, int64(9), sheets.upserts[0].ID)
		assert.Equal(t, models.StatusAccepted, sheets.upserts[0].Status)
	})

	t.Run("MissingID", func(t *testing.T) {
		worker := NewTaskWorker(db, &fakeNotifier{}, &fakeSheets{}, nil, RetryPolicy{}, Options{}, nil)
		err := worker.EnqueueSheetUpsert(ctx, &models.Booking{})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestEnqueueNotificationRequiresRecipient(t *testing.T) {
	worker := NewTaskWorker(newTestDB(t), &fakeNotifier{}, nil, nil, RetryPolicy{}, Options{}, nil)
	err := worker.EnqueueNotification(context.Background(), 1, models.Notification{Body: "hi"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStartDrainsQueueAndStops(t *testing.T) {
	db := newTestDB(t)
	notifier := &fakeNotifier{}
	worker := NewTaskWorker(db, notifier, nil, nil, RetryPolicy{}, Options{PollInterval: 20 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Start(ctx)
		close(done)
	}()

	require.NoError(t, worker.EnqueueNotification(ctx, 1, models.Notification{Recipient: "provider-1"}))
	assert.Eventually(t, func() bool { return len(notifier.sent()) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestStartPicksUpPersistedTasks(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	payload, _ := json.Marshal(models.Notification{Recipient: "user-2"})
	task := models.Task{TaskType: models.TaskNotify, BookingID: 4, Payload: string(payload)}
	require.NoError(t, db.CreateTask(ctx, &task))

	notifier := &fakeNotifier{}
	worker := NewTaskWorker(db, notifier, nil, nil, RetryPolicy{}, Options{PollInterval: 20 * time.Millisecond}, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go worker.Start(runCtx)

	assert.Eventually(t, func() bool {
		status, _, _ := loadTaskStatus(t, db, task.ID)
		return status == models.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryPolicy(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialDelay: time.Second, Multiplier: 3, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 3*time.Second, policy.NextDelay(2))
	assert.Equal(t, 5*time.Second, policy.NextDelay(3), "capped")
	assert.Equal(t, 5*time.Second, policy.NextDelay(50))
	assert.Equal(t, time.Second, RetryPolicy{}.NextDelay(0))
	assert.Equal(t, 4*time.Second, RetryPolicy{InitialDelay: time.Second}.NextDelay(3))

	assert.False(t, policy.Exhausted(2))
	assert.True(t, policy.Exhausted(3))

	assert.True(t, isPermanent(fmt.Errorf("wrapped: %w", permanent(errors.New("bad payload")))))
	assert.False(t, isPermanent(errors.New("timeout")))
}

// Helpers

type fakeNotifier struct {
	mu   sync.Mutex
	err  error
	seen []models.Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, n)
	return f.err
}

func (f *fakeNotifier) sent() []models.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Notification(nil), f.seen...)
}

type fakeSheets struct {
	err     error
	upserts []*models.Booking
}

func (f *fakeSheets) UpsertBooking(_ context.Context, b *models.Booking) error {
	f.upserts = append(f.upserts, b)
	return f.err
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(filepath.Join(t.TempDir(), "worker.db"), &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func loadTaskStatus(t *testing.T, db *database.DB, id int64) (status string, retryCount int, nextRetry sql.NullTime) {
	t.Helper()
	row := db.QueryRowContext(context.Background(), `SELECT status, retry_count, next_retry_at FROM task_queue WHERE id = ?`, id)
	require.NoError(t, row.Scan(&status, &retryCount, &nextRetry))
	return status, retryCount, nextRetry
}
