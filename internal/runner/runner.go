// Package runner launches the agent inside an isolated sandbox process,
// feeds it one serialized request on stdin, and captures its output under a
// timeout and a byte ceiling.
package runner

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webclinic017/nuclaw/internal/model"
	"github.com/webclinic017/nuclaw/internal/protocol"
)

const truncationMarker = "\n[OUTPUT TRUNCATED - exceeded max size]"

// Config defines how sandbox processes are launched.
type Config struct {
	// Command is the sandbox launcher binary. "docker" selects the built-in
	// docker run invocation; anything else is executed with Args as-is,
	// which is also the hook tests use to substitute a plain shell.
	Command string
	Args    []string

	Image         string
	AssistantName string

	// DataDir holds the per-group handoff bundles and transient input
	// files; GroupsDir holds the mounted per-group workspaces; LogsDir
	// holds per-group run output logs.
	DataDir   string
	GroupsDir string
	LogsDir   string

	MaxOutputBytes int
}

// Runner executes agent requests in isolated sandbox processes.
type Runner struct {
	logger *zap.Logger
	cfg    Config
}

// New creates a runner.
func New(logger *zap.Logger, cfg Config) *Runner {
	return &Runner{
		logger: logger.Named("runner"),
		cfg:    cfg,
	}
}

// RunResult is the outcome of one sandbox run.
type RunResult struct {
	Result   *model.AgentResult
	Elapsed  time.Duration
	TimedOut bool
}

// Run executes one request in a fresh sandbox process. The request is
// serialized onto the process stdin, which is then closed to signal
// end-of-input. Output is captured up to the configured ceiling and raced
// against the timeout; on timeout the process is killed and whatever partial
// output was captured is parsed with success=false. A non-nil error means an
// infrastructure failure: nothing ran and there is no result to record.
//
// Run deliberately takes no context: shutdown never cancels an in-flight
// sandbox run, it only stops new runs from being dispatched.
func (r *Runner) Run(req *model.AgentRequest, timeout time.Duration) (*RunResult, error) {
	groupDir, err := r.prepareGroupDir(req.GroupFolder)
	if err != nil {
		return nil, err
	}
	if err := r.writeHandoffBundle(req); err != nil {
		return nil, err
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: serialize request: %v", ErrSpawn, err)
	}
	inputPath, err := r.writeInputFile(req, input)
	if err != nil {
		return nil, err
	}
	defer func() {
		// Transient artifact; cleanup failure is not escalated.
		if err := os.Remove(inputPath); err != nil && !os.IsNotExist(err) {
			r.logger.Debug("Failed to remove input file",
				zap.String("path", inputPath),
				zap.Error(err))
		}
	}()

	name, args := r.sandboxCommand(groupDir)
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	r.logger.Debug("Sandbox process started",
		zap.String("group", req.GroupFolder),
		zap.String("command", name))

	go func() {
		if _, err := stdin.Write(input); err != nil {
			r.logger.Debug("Failed to write sandbox stdin", zap.Error(err))
		}
		stdin.Close()
	}()

	buf := &captureBuffer{max: r.cfg.MaxOutputBytes}
	exited := make(chan bool, 1)
	go func() {
		buf.consume(stdout)
		exited <- cmd.Wait() == nil
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ok := <-exited:
		return &RunResult{
			Result:  protocol.Parse(buf.String(), ok),
			Elapsed: time.Since(start),
		}, nil
	case <-timer.C:
		if err := cmd.Process.Kill(); err != nil {
			r.logger.Warn("Failed to kill timed-out sandbox", zap.Error(err))
		}
		<-exited
		return &RunResult{
			Result:   protocol.Parse(buf.String(), false),
			Elapsed:  time.Since(start),
			TimedOut: true,
		}, nil
	}
}

// sandboxCommand builds the launch command for a run. The docker invocation
// mirrors the agent image contract: group workspace mounted read-write,
// credentials passed through the environment, agent reading stdin.
func (r *Runner) sandboxCommand(groupDir string) (string, []string) {
	if r.cfg.Command != "docker" {
		return r.cfg.Command, r.cfg.Args
	}

	args := []string{
		"run", "--rm", "-i",
		"-v", groupDir + ":/workspace/group",
		"-e", "CLAUDE_CODE_OAUTH_TOKEN",
	}
	if r.cfg.AssistantName != "" {
		args = append(args, "-e", "ASSISTANT_NAME="+r.cfg.AssistantName)
	}
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		args = append(args, "-e", "ANTHROPIC_API_KEY")
	}
	if os.Getenv("ANTHROPIC_BASE_URL") != "" {
		args = append(args, "-e", "ANTHROPIC_BASE_URL")
	}
	args = append(args,
		"--entrypoint", "/bin/sh",
		r.cfg.Image,
		"-c", "exec /usr/local/bin/claude",
	)
	return "docker", args
}

func (r *Runner) writeInputFile(req *model.AgentRequest, input []byte) (string, error) {
	tempDir := filepath.Join(r.cfg.DataDir, "temp")
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorkspace, err)
	}

	session := "interactive"
	if req.SessionID != nil {
		session = *req.SessionID
	}
	path := filepath.Join(tempDir, fmt.Sprintf("input_%s.json", session))
	if err := os.WriteFile(path, input, 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWorkspace, err)
	}
	return path, nil
}

// captureBuffer accumulates line-oriented output up to a byte ceiling. The
// timeout path reads partial contents concurrently with the consumer, hence
// the mutex.
type captureBuffer struct {
	mu        sync.Mutex
	b         strings.Builder
	max       int
	truncated bool
}

func (c *captureBuffer) consume(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if !c.appendLine(scanner.Text()) {
			break
		}
	}
	// Keep draining so a chatty agent doesn't block on a full pipe while
	// waiting to be killed.
	io.Copy(io.Discard, stdout)
}

func (c *captureBuffer) appendLine(line string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return false
	}
	if c.b.Len()+len(line) > c.max {
		c.b.WriteString(truncationMarker)
		c.truncated = true
		return false
	}
	c.b.WriteString(line)
	c.b.WriteByte('\n')
	return true
}

func (c *captureBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.String()
}
