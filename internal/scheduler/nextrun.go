package scheduler

import (
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/webclinic017/nuclaw/internal/model"
)

// Calculator computes a task's next due time. The current time is always
// supplied by the caller so scheduling decisions stay deterministic in tests.
type Calculator struct {
	logger *zap.Logger
	loc    *time.Location
}

// NewCalculator creates a calculator evaluating cron expressions in loc.
func NewCalculator(logger *zap.Logger, loc *time.Location) *Calculator {
	if loc == nil {
		loc = time.UTC
	}
	return &Calculator{
		logger: logger.Named("nextrun"),
		loc:    loc,
	}
}

// Next returns the task's next due time strictly after now, or nil when the
// task has no further occurrence. A once task is consumed at creation and is
// never rescheduled here. An unparseable interval or cron value yields nil
// rather than an error: the task stays active with a stale next-due time,
// visible in the store until externally repaired.
func (c *Calculator) Next(task *model.ScheduledTask, now time.Time) *time.Time {
	switch task.ScheduleKind {
	case model.ScheduleCron:
		return c.nextCron(task, now)
	case model.ScheduleInterval:
		return c.nextInterval(task, now)
	case model.ScheduleOnce:
		return nil
	default:
		return nil
	}
}

func (c *Calculator) nextCron(task *model.ScheduledTask, now time.Time) *time.Time {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	spec, err := parser.Parse(task.ScheduleValue)
	if err != nil {
		c.logger.Error("Invalid cron expression",
			zap.String("task_id", task.ID),
			zap.String("expression", task.ScheduleValue),
			zap.Error(err))
		return nil
	}

	next := spec.Next(now.In(c.loc))
	if next.IsZero() {
		return nil
	}
	return &next
}

func (c *Calculator) nextInterval(task *model.ScheduledTask, now time.Time) *time.Time {
	millis, err := strconv.ParseInt(task.ScheduleValue, 10, 64)
	if err != nil {
		c.logger.Error("Invalid interval value",
			zap.String("task_id", task.ID),
			zap.String("value", task.ScheduleValue),
			zap.Error(err))
		return nil
	}

	next := now.Add(time.Duration(millis) * time.Millisecond)
	return &next
}
