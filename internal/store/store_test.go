package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/webclinic017/nuclaw/internal/model"
)

func openTestStore(t *testing.T) *TaskStore {
	t.Helper()

	s, err := Open(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "nuclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTask(kind model.ScheduleKind, value string) *model.ScheduledTask {
	return &model.ScheduledTask{
		ID:            uuid.New().String(),
		GroupFolder:   "family",
		ChatJID:       "12345@g.us",
		Prompt:        "summarize the day",
		ScheduleKind:  kind,
		ScheduleValue: value,
		Status:        model.TaskStatusActive,
		CreatedAt:     time.Now(),
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := newTask(model.ScheduleCron, "0 0 9 * * *")
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Prompt, got.Prompt)
	assert.Equal(t, model.ScheduleCron, got.ScheduleKind)
	assert.Equal(t, model.TaskStatusActive, got.Status)
	assert.Equal(t, "isolated", got.ContextMode)
	assert.Nil(t, got.NextRun)
	assert.Nil(t, got.LastRun)
	assert.Nil(t, got.LastResult)
}

func TestGetTaskMissing(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetTask(context.Background(), "no-such-task")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateTaskInvalidKind(t *testing.T) {
	s := openTestStore(t)

	task := newTask(model.ScheduleKind("weekly"), "whatever")
	err := s.CreateTask(context.Background(), task)
	assert.ErrorIs(t, err, ErrInvalidScheduleKind)
}

func TestListDueTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	dueNil := newTask(model.ScheduleInterval, "3600000")
	duePast := newTask(model.ScheduleInterval, "3600000")
	duePast.NextRun = &past
	notDue := newTask(model.ScheduleInterval, "3600000")
	notDue.NextRun = &future
	paused := newTask(model.ScheduleInterval, "3600000")
	paused.Status = model.TaskStatusPaused

	for _, task := range []*model.ScheduledTask{dueNil, duePast, notDue, paused} {
		require.NoError(t, s.CreateTask(ctx, task))
	}

	due, err := s.ListDueTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)

	// Null next-run sorts first, then ascending due time.
	assert.Equal(t, dueNil.ID, due[0].ID)
	assert.Equal(t, duePast.ID, due[1].ID)
}

func TestListDueTasksEmpty(t *testing.T) {
	s := openTestStore(t)

	due, err := s.ListDueTasks(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestUpdateNextRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := newTask(model.ScheduleInterval, "3600000")
	require.NoError(t, s.CreateTask(ctx, task))

	next := time.Now().Add(time.Hour).Round(time.Millisecond)
	require.NoError(t, s.UpdateNextRun(ctx, task.ID, next))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.WithinDuration(t, next, *got.NextRun, time.Second)

	// The task is no longer due.
	due, err := s.ListDueTasks(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestUpdateNextRunMissingTask(t *testing.T) {
	s := openTestStore(t)

	err := s.UpdateNextRun(context.Background(), "no-such-task", time.Now())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestUpdateLastRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := newTask(model.ScheduleCron, "0 0 9 * * *")
	require.NoError(t, s.CreateTask(ctx, task))

	runAt := time.Now()
	result := "all done"
	require.NoError(t, s.UpdateLastRun(ctx, task.ID, runAt, &result))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRun)
	assert.WithinDuration(t, runAt, *got.LastRun, time.Second)
	require.NotNil(t, got.LastResult)
	assert.Equal(t, "all done", *got.LastResult)
}

func TestMarkCompletedClearsNextRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := newTask(model.ScheduleOnce, "2025-01-01T00:00:00Z")
	next := time.Now().Add(-time.Minute)
	task.NextRun = &next
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.MarkCompleted(ctx, task.ID))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusCompleted, got.Status)
	assert.Nil(t, got.NextRun)
}

func TestMarkFailedKeepsSchedule(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := newTask(model.ScheduleCron, "0 0 9 * * *")
	next := time.Now().Add(time.Hour)
	task.NextRun = &next
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.MarkFailed(ctx, task.ID))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusFailed, got.Status)
	assert.NotNil(t, got.NextRun)
}

func TestPauseAndResume(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := newTask(model.ScheduleInterval, "3600000")
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.PauseTask(ctx, task.ID))
	due, err := s.ListDueTasks(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, s.ResumeTask(ctx, task.ID))
	due, err = s.ListDueTasks(ctx, time.Now())
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestAppendAndListRunLogs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	task := newTask(model.ScheduleInterval, "3600000")
	require.NoError(t, s.CreateTask(ctx, task))

	result := "ok"
	errText := "agent execution failed"
	logs := []*model.TaskRunLog{
		{
			ID:       uuid.New().String(),
			TaskID:   task.ID,
			RunAt:    time.Now().Add(-2 * time.Minute),
			Duration: 1500 * time.Millisecond,
			Status:   model.RunStatusSuccess,
			Result:   &result,
		},
		{
			ID:       uuid.New().String(),
			TaskID:   task.ID,
			RunAt:    time.Now().Add(-time.Minute),
			Duration: 30 * time.Second,
			Status:   model.RunStatusTimeout,
			Error:    &errText,
		},
	}
	for _, log := range logs {
		require.NoError(t, s.AppendRunLog(ctx, log))
	}

	got, err := s.ListRunLogs(ctx, task.ID, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first.
	assert.Equal(t, model.RunStatusTimeout, got[0].Status)
	require.NotNil(t, got[0].Error)
	assert.Equal(t, errText, *got[0].Error)
	assert.Nil(t, got[0].Result)

	assert.Equal(t, model.RunStatusSuccess, got[1].Status)
	assert.Equal(t, 1500*time.Millisecond, got[1].Duration)
	require.NotNil(t, got[1].Result)
	assert.Equal(t, "ok", *got[1].Result)
}

func TestConcurrentWriters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tasks := make([]*model.ScheduledTask, 8)
	for i := range tasks {
		tasks[i] = newTask(model.ScheduleInterval, "60000")
		require.NoError(t, s.CreateTask(ctx, tasks[i]))
	}

	done := make(chan error, len(tasks))
	for _, task := range tasks {
		go func(task *model.ScheduledTask) {
			log := &model.TaskRunLog{
				ID:       uuid.New().String(),
				TaskID:   task.ID,
				RunAt:    time.Now(),
				Duration: time.Second,
				Status:   model.RunStatusSuccess,
			}
			if err := s.AppendRunLog(ctx, log); err != nil {
				done <- err
				return
			}
			done <- s.UpdateLastRun(ctx, task.ID, time.Now(), nil)
		}(task)
	}

	for range tasks {
		require.NoError(t, <-done)
	}

	for _, task := range tasks {
		logs, err := s.ListRunLogs(ctx, task.ID, 10)
		require.NoError(t, err)
		assert.Len(t, logs, 1)
	}
}
