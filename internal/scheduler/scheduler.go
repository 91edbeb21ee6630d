// Package scheduler drives recurring and one-shot agent task execution: it
// polls the task store on a fixed cadence, dispatches due tasks into
// isolated sandbox runs under a concurrency ceiling, and persists each
// outcome along with the task's next occurrence.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webclinic017/nuclaw/internal/events"
	"github.com/webclinic017/nuclaw/internal/model"
	"github.com/webclinic017/nuclaw/internal/monitor"
	"github.com/webclinic017/nuclaw/internal/runner"
)

// TaskStore is the persistence boundary the scheduler depends on. Every
// method must be atomic with respect to the row it touches and safe for
// concurrent use by multiple in-flight executions plus the poll driver.
type TaskStore interface {
	ListDueTasks(ctx context.Context, now time.Time) ([]*model.ScheduledTask, error)
	GetTask(ctx context.Context, id string) (*model.ScheduledTask, error)
	AppendRunLog(ctx context.Context, log *model.TaskRunLog) error
	UpdateLastRun(ctx context.Context, taskID string, runAt time.Time, lastResult *string) error
	UpdateNextRun(ctx context.Context, taskID string, nextRun time.Time) error
	MarkCompleted(ctx context.Context, taskID string) error
	MarkFailed(ctx context.Context, taskID string) error
}

// AgentRunner executes one request in an isolated sandbox.
type AgentRunner interface {
	Run(req *model.AgentRequest, timeout time.Duration) (*runner.RunResult, error)
	WriteRunLog(groupFolder, sessionID string, res *model.AgentResult) error
}

// RunPublisher announces completed runs to the messaging front ends.
type RunPublisher interface {
	PublishRun(ctx context.Context, event *events.RunEvent) error
}

// ResourceProbe reports the latest host resource reading, logged alongside
// each non-empty poll to correlate dispatch latency with host pressure.
type ResourceProbe interface {
	Latest() *monitor.Snapshot
}

// Config holds the scheduler tunables.
type Config struct {
	// PollInterval is the tick cadence; TaskTimeout is the per-run budget
	// and is generally much larger than the tick.
	PollInterval  time.Duration
	TaskTimeout   time.Duration
	MaxConcurrent int
	Location      *time.Location

	// Monitor is optional; when set, its latest snapshot is logged with
	// each non-empty poll.
	Monitor ResourceProbe
}

// Scheduler owns the poll timer and the concurrency slots; it can be
// instantiated multiple times, there is no package-level state.
type Scheduler struct {
	logger *zap.Logger
	store  TaskStore
	runner AgentRunner
	pub    RunPublisher // nil disables run events
	calc   *Calculator
	cfg    Config

	sem chan struct{}
	wg  sync.WaitGroup

	// A task stays due in the store until its run completes, so a run
	// that outlasts the poll interval would be re-selected on every tick.
	// inFlight suppresses re-dispatch of a task that is already running.
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a scheduler. pub may be nil.
func New(logger *zap.Logger, store TaskStore, agentRunner AgentRunner, pub RunPublisher, cfg Config) *Scheduler {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	logger = logger.Named("scheduler")
	return &Scheduler{
		logger:   logger,
		store:    store,
		runner:   agentRunner,
		pub:      pub,
		calc:     NewCalculator(logger, cfg.Location),
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		inFlight: make(map[string]struct{}),
	}
}

// Run drives the poll loop until ctx is cancelled, then waits for in-flight
// executions to drain before returning. The first poll happens one full
// interval after startup, never eagerly, and delayed ticks are dropped
// rather than batched (time.Ticker semantics).
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("Task scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("task_timeout", s.cfg.TaskTimeout),
		zap.Int("max_concurrent", s.cfg.MaxConcurrent))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Task scheduler shutting down, draining in-flight tasks")
			s.wg.Wait()
			s.logger.Info("Task scheduler stopped")
			return nil
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll queries due tasks and dispatches them in due order. An empty result
// is a normal, silent outcome.
func (s *Scheduler) poll(ctx context.Context) {
	tasks, err := s.store.ListDueTasks(ctx, time.Now())
	if err != nil {
		s.logger.Error("Failed to list due tasks", zap.Error(err))
		return
	}
	if len(tasks) == 0 {
		s.logger.Debug("No tasks due for execution")
		return
	}

	fields := []zap.Field{zap.Int("count", len(tasks))}
	if s.cfg.Monitor != nil {
		if snap := s.cfg.Monitor.Latest(); snap != nil {
			fields = append(fields,
				zap.Float64("cpu_percent", snap.CPUPercent),
				zap.Float64("memory_percent", snap.MemoryPercent))
		}
	}
	s.logger.Info("Found tasks due for execution", fields...)

	for _, task := range tasks {
		if !s.claim(task.ID) {
			s.logger.Debug("Task is still running, skipping re-dispatch",
				zap.String("task_id", task.ID))
			continue
		}

		// Wait for a free concurrency slot; stop dispatching on shutdown.
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			s.release(task.ID)
			return
		}

		s.wg.Add(1)
		go func(task *model.ScheduledTask) {
			defer s.wg.Done()
			defer s.release(task.ID)
			defer func() { <-s.sem }()
			defer func() {
				// A fault in one task never takes down the loop or its
				// siblings; it becomes that task's own failure.
				if r := recover(); r != nil {
					s.logger.Error("Task execution panicked",
						zap.String("task_id", task.ID),
						zap.Any("panic", r))
					if err := s.store.MarkFailed(context.Background(), task.ID); err != nil {
						s.logger.Error("Failed to mark panicked task failed",
							zap.String("task_id", task.ID),
							zap.Error(err))
					}
				}
			}()
			s.executeTask(task)
		}(task)
	}
}

// claim marks a task as in flight; it reports false when the task is
// already running so a slow run is never dispatched twice.
func (s *Scheduler) claim(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.inFlight[taskID]; running {
		return false
	}
	s.inFlight[taskID] = struct{}{}
	return true
}

func (s *Scheduler) release(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, taskID)
}

// executeTask runs one due task end to end. Persistence uses a background
// context: once a run is dispatched its outcome must be recorded even if
// shutdown was requested meanwhile.
func (s *Scheduler) executeTask(task *model.ScheduledTask) {
	ctx := context.Background()

	// The task may have been paused or cancelled since it was selected;
	// re-verify right before execution. The selection/dispatch race is
	// tolerated eventual consistency, not something to lock around.
	fresh, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		s.logger.Error("Failed to reload task", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if fresh == nil {
		s.logger.Warn("Due task no longer exists", zap.String("task_id", task.ID))
		return
	}
	if fresh.Status != model.TaskStatusActive {
		s.logger.Info("Task is no longer active, skipping",
			zap.String("task_id", task.ID),
			zap.String("status", string(fresh.Status)))
		return
	}

	session := "scheduled_" + fresh.ID
	req := &model.AgentRequest{
		Prompt:          fresh.Prompt,
		SessionID:       &session,
		GroupFolder:     fresh.GroupFolder,
		ChatJID:         fresh.ChatJID,
		IsMain:          false,
		IsScheduledTask: true,
	}

	s.logger.Info("Executing task",
		zap.String("task_id", fresh.ID),
		zap.String("group", fresh.GroupFolder))

	runAt := time.Now()
	out, err := s.runner.Run(req, s.cfg.TaskTimeout)
	if err != nil {
		// Infrastructure failure: nothing was actually attempted, so no
		// run log is written. The task stays due and is retried on a
		// later poll.
		s.logger.Error("Sandbox infrastructure failure",
			zap.String("task_id", fresh.ID),
			zap.Error(err))
		return
	}

	status := runStatus(out)
	resultText := out.Result.Result
	errText := out.Result.Error
	if out.TimedOut {
		msg := "task execution timed out"
		errText = &msg
	}

	runLog := &model.TaskRunLog{
		ID:       uuid.New().String(),
		TaskID:   fresh.ID,
		RunAt:    runAt,
		Duration: out.Elapsed,
		Status:   status,
		Result:   resultText,
		Error:    errText,
	}
	if err := s.store.AppendRunLog(ctx, runLog); err != nil {
		s.logger.Error("Failed to append run log",
			zap.String("task_id", fresh.ID),
			zap.Error(err))
	}

	lastResult := resultText
	if status != model.RunStatusSuccess {
		lastResult = errText
	}
	if err := s.store.UpdateLastRun(ctx, fresh.ID, runAt, lastResult); err != nil {
		s.logger.Error("Failed to update last run",
			zap.String("task_id", fresh.ID),
			zap.Error(err))
	}

	if err := s.runner.WriteRunLog(fresh.GroupFolder, session, out.Result); err != nil {
		s.logger.Warn("Failed to write run output log",
			zap.String("task_id", fresh.ID),
			zap.Error(err))
	}

	s.publish(ctx, fresh, runLog)
	s.reschedule(ctx, fresh, status)

	s.logger.Info("Task execution finished",
		zap.String("task_id", fresh.ID),
		zap.String("status", string(status)),
		zap.Duration("duration", out.Elapsed))
}

// reschedule applies the post-run state transition: a successful once task
// completes, a successful recurring task gets its next due time, any failed
// or timed-out task is marked failed with its schedule left alone.
func (s *Scheduler) reschedule(ctx context.Context, task *model.ScheduledTask, status model.RunStatus) {
	if status != model.RunStatusSuccess {
		if err := s.store.MarkFailed(ctx, task.ID); err != nil {
			s.logger.Error("Failed to mark task failed",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
		return
	}

	if task.ScheduleKind == model.ScheduleOnce {
		if err := s.store.MarkCompleted(ctx, task.ID); err != nil {
			s.logger.Error("Failed to mark task completed",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
		return
	}

	next := s.calc.Next(task, time.Now())
	if next == nil {
		// Unparseable schedule value: the task stays active with a stale
		// next-due time until externally repaired. Deliberately not a
		// task failure.
		s.logger.Warn("Task has no further occurrence, not rescheduling",
			zap.String("task_id", task.ID),
			zap.String("schedule_kind", string(task.ScheduleKind)),
			zap.String("schedule_value", task.ScheduleValue))
		return
	}
	if err := s.store.UpdateNextRun(ctx, task.ID, *next); err != nil {
		s.logger.Error("Failed to update next run",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

func (s *Scheduler) publish(ctx context.Context, task *model.ScheduledTask, runLog *model.TaskRunLog) {
	if s.pub == nil {
		return
	}
	event := &events.RunEvent{
		TaskID:      task.ID,
		GroupFolder: task.GroupFolder,
		ChatJID:     task.ChatJID,
		Status:      runLog.Status,
		RunAt:       runLog.RunAt,
		DurationMS:  runLog.Duration.Milliseconds(),
		Result:      runLog.Result,
		Error:       runLog.Error,
	}
	if err := s.pub.PublishRun(ctx, event); err != nil {
		s.logger.Warn("Failed to publish run event",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}

func runStatus(out *runner.RunResult) model.RunStatus {
	switch {
	case out.TimedOut:
		return model.RunStatusTimeout
	case out.Result.Status == "error":
		return model.RunStatusError
	default:
		return model.RunStatusSuccess
	}
}
