package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/webclinic017/nuclaw/internal/model"
	"github.com/webclinic017/nuclaw/internal/testutil"
)

func TestPublisherCreatesStream(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	logger := zaptest.NewLogger(t)
	_, err := NewPublisher(js, logger)
	require.NoError(t, err)

	info, err := js.StreamInfo(runStreamName)
	require.NoError(t, err)
	assert.Equal(t, []string{runStreamSubject}, info.Config.Subjects)

	// A second publisher reuses the existing stream.
	_, err = NewPublisher(js, logger)
	require.NoError(t, err)
}

func TestPublishRun(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	pub, err := NewPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	result := "daily summary sent"
	event := &RunEvent{
		TaskID:      "task-1",
		GroupFolder: "family",
		ChatJID:     "12345@g.us",
		Status:      model.RunStatusSuccess,
		RunAt:       time.Now().UTC(),
		DurationMS:  1500,
		Result:      &result,
	}

	done := make(chan struct{})
	var received [][]byte
	go func() {
		defer close(done)
		received, _ = testutil.ConsumeMessages(js, "task.run.success", 2*time.Second)
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, pub.PublishRun(context.Background(), event))
	<-done

	require.Len(t, received, 1)
	var got RunEvent
	require.NoError(t, json.Unmarshal(received[0], &got))
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
	assert.Equal(t, int64(1500), got.DurationMS)
	require.NotNil(t, got.Result)
	assert.Equal(t, "daily summary sent", *got.Result)
	assert.Nil(t, got.Error)
}

func TestPublishRunStatusSubjects(t *testing.T) {
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	pub, err := NewPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	errText := "task execution timed out"
	require.NoError(t, pub.PublishRun(context.Background(), &RunEvent{
		TaskID: "task-2",
		Status: model.RunStatusTimeout,
		RunAt:  time.Now().UTC(),
		Error:  &errText,
	}))

	msgs, err := testutil.ConsumeMessages(js, "task.run.timeout", time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	other, err := testutil.ConsumeMessages(js, "task.run.error", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, other)
}
