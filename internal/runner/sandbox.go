package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/webclinic017/nuclaw/internal/model"
)

// EnsureDaemon verifies the container platform is reachable. Individual runs
// still fail with their own infrastructure errors if the daemon goes away
// later; this is a startup-time check with a clearer message.
func (r *Runner) EnsureDaemon(ctx context.Context) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}
	return nil
}

// prepareGroupDir ensures the per-group workspace exists. Idempotent.
func (r *Runner) prepareGroupDir(groupFolder string) (string, error) {
	dir := filepath.Join(r.cfg.GroupsDir, groupFolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorkspace, err)
	}
	return dir, nil
}

// handoffTasks is the shape of current_tasks.json, read once by the agent
// at startup to discover what it was launched for.
type handoffTasks struct {
	Tasks []handoffTask `json:"tasks"`
}

type handoffTask struct {
	ID          string `json:"id"`
	Prompt      string `json:"prompt"`
	IsScheduled bool   `json:"is_scheduled"`
}

// handoffGroups is the shape of available_groups.json.
type handoffGroups struct {
	Groups map[string]handoffGroup `json:"groups"`
}

type handoffGroup struct {
	Name       string `json:"name"`
	Registered bool   `json:"registered"`
}

// writeHandoffBundle writes the side-channel context files the agent reads
// once at startup. The bundle is write-once per run: there is no further
// coordination with the sandbox after spawn.
func (r *Runner) writeHandoffBundle(req *model.AgentRequest) error {
	dir := filepath.Join(r.cfg.DataDir, "ipc", req.GroupFolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrHandoff, err)
	}

	id := "interactive"
	if req.SessionID != nil {
		id = *req.SessionID
	}
	tasks := handoffTasks{
		Tasks: []handoffTask{{
			ID:          id,
			Prompt:      req.Prompt,
			IsScheduled: req.IsScheduledTask,
		}},
	}
	if err := writeJSONFile(filepath.Join(dir, "current_tasks.json"), tasks); err != nil {
		return fmt.Errorf("%w: %v", ErrHandoff, err)
	}

	groups := handoffGroups{
		Groups: map[string]handoffGroup{
			req.GroupFolder: {Name: req.GroupFolder, Registered: true},
		},
	}
	if err := writeJSONFile(filepath.Join(dir, "available_groups.json"), groups); err != nil {
		return fmt.Errorf("%w: %v", ErrHandoff, err)
	}

	return nil
}

// WriteRunLog persists the structured result of a run as a JSON file under
// the group's log directory.
func (r *Runner) WriteRunLog(groupFolder, sessionID string, res *model.AgentResult) error {
	dir := filepath.Join(r.cfg.LogsDir, groupFolder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	entry := struct {
		Timestamp    time.Time `json:"timestamp"`
		GroupFolder  string    `json:"group_folder"`
		SessionID    string    `json:"session_id"`
		Status       string    `json:"status"`
		Result       *string   `json:"result,omitempty"`
		NewSessionID *string   `json:"new_session_id,omitempty"`
		Error        *string   `json:"error,omitempty"`
	}{
		Timestamp:    time.Now().UTC(),
		GroupFolder:  groupFolder,
		SessionID:    sessionID,
		Status:       res.Status,
		Result:       res.Result,
		NewSessionID: res.NewSessionID,
		Error:        res.Error,
	}

	name := fmt.Sprintf("run_%s_%s.json", sessionID, time.Now().UTC().Format("20060102_150405"))
	if err := writeJSONFile(filepath.Join(dir, name), entry); err != nil {
		return fmt.Errorf("failed to write run log file: %w", err)
	}

	r.logger.Debug("Wrote run output log",
		zap.String("group", groupFolder),
		zap.String("session_id", sessionID))
	return nil
}

func writeJSONFile(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
