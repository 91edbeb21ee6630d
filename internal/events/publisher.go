// Package events publishes task run outcomes to NATS JetStream. The
// messaging front ends consume these to deliver results back into their
// chats; the transport of those chat messages is not this package's concern.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/webclinic017/nuclaw/internal/model"
)

const (
	runStreamName    = "RUNS"
	runStreamSubject = "task.run.*"
	runSubjectPrefix = "task.run."

	streamMaxAge = 24 * time.Hour
)

// RunEvent describes one completed execution attempt.
type RunEvent struct {
	TaskID      string          `json:"task_id"`
	GroupFolder string          `json:"group_folder"`
	ChatJID     string          `json:"chat_jid"`
	Status      model.RunStatus `json:"status"`
	RunAt       time.Time       `json:"run_at"`
	DurationMS  int64           `json:"duration_ms"`
	Result      *string         `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
}

// Publisher publishes run events to JetStream.
type Publisher struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewPublisher creates a publisher and ensures the run stream exists.
func NewPublisher(js nats.JetStreamContext, logger *zap.Logger) (*Publisher, error) {
	p := &Publisher{
		logger: logger.Named("events"),
		js:     js,
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:     runStreamName,
		Subjects: []string{runStreamSubject},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  -1,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			p.logger.Info("Using existing run stream", zap.String("stream", runStreamName))
			return p, nil
		}
		return nil, fmt.Errorf("failed to create run stream: %w", err)
	}

	p.logger.Info("Created run stream", zap.String("stream", runStreamName))
	return p, nil
}

// PublishRun publishes one run event on task.run.<status>.
func (p *Publisher) PublishRun(ctx context.Context, event *RunEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}

	subject := runSubjectPrefix + string(event.Status)
	if _, err := p.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish run event: %w", err)
	}

	p.logger.Debug("Published run event",
		zap.String("task_id", event.TaskID),
		zap.String("subject", subject))
	return nil
}
