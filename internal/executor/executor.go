// Package executor runs exactly one task end-to-end: provision workspace,
// launch the agent, stream its events, finalize (spec §4.3). Grounded on
// dronerd/core/tasks.go's job shape (update status at every failure point,
// never let an internal error escape) and on
// internals/tasky/queue.go's worker pattern for the active-process map
// that guards cancellation (spec §9 "active-process map").
package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/taskforge/taskforge/internal/eventstream"
	"github.com/taskforge/taskforge/internal/store"
	"github.com/taskforge/taskforge/internal/workspace"
)

// ExecutorError reports a failure in running a task's agent process
// itself (as opposed to a validation or store error), per spec §7's
// ExecutorError. Op names the step that failed: "workspace",
// "stdout_pipe", "start", or "agent_exit".
type ExecutorError struct {
	Op      string
	Message string
}

func (e *ExecutorError) Error() string { return fmt.Sprintf("executor: %s: %s", e.Op, e.Message) }

// OutputEvent is passed to the on_output callback for each parsed agent
// event (spec §4.3 step 5).
type OutputEvent struct {
	Severity string
	Message  string
	Raw      string
}

// Result is passed to the on_complete callback (spec §4.3 step 7/8).
type Result struct {
	Status       store.Status
	Output       string
	Plan         string
	Error        string
	ExitCode     *int
	InputTokens  *int
	OutputTokens *int
	Cost         *float64
}

type OutputFunc func(taskID int64, event OutputEvent)
type CompleteFunc func(taskID int64, result Result)

// AgentCommand builds the command for launching the agent, given the
// composed prompt; Run sets its working directory and environment. It is
// passed to New so tests can substitute a stub agent, much like
// workspace's execCommand seam.
type AgentCommand func(prompt string) *exec.Cmd

type Executor struct {
	workspaces *workspace.Manager
	logDir     string
	agentCmd   AgentCommand
	logger     *slog.Logger

	mu     sync.Mutex
	active map[int64]*runningProcess
}

type runningProcess struct {
	cmd       *exec.Cmd
	cancelled bool
}

func New(workspaces *workspace.Manager, logDir string, agentCmd AgentCommand, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		workspaces: workspaces,
		logDir:     logDir,
		agentCmd:   agentCmd,
		logger:     logger,
		active:     make(map[int64]*runningProcess),
	}
}

// DefaultAgentCommand builds argv for a real CLI agent binary, honoring
// spec §4.3 step 3: non-interactive, prompts disabled, structured
// event-stream output, verbose. workDir and env are set by Run.
func DefaultAgentCommand(binary string, extraArgs ...string) AgentCommand {
	return func(prompt string) *exec.Cmd {
		args := append([]string{
			"--non-interactive",
			"--dangerously-skip-permissions",
			"--output-format", "stream-json",
			"--verbose",
			"--print", prompt,
		}, extraArgs...)
		return exec.Command(binary, args...)
	}
}

// Run executes task end-to-end. Spec §4.3 steps 1-8.
func (e *Executor) Run(ctx context.Context, task *store.Task, onOutput OutputFunc, onComplete CompleteFunc) {
	branch, path, err := e.workspaces.Create(task.ID, task.Title)
	if err != nil {
		onComplete(task.ID, Result{
			Status:   store.StatusFailed,
			Error:    (&ExecutorError{Op: "workspace", Message: err.Error()}).Error(),
			ExitCode: intPtr(1),
		})
		return
	}

	prompt := composePrompt(string(task.Mode), task.Prompt)

	cmd := e.agentCmd(prompt)
	cmd.Dir = path
	cmd.Env = sanitizedEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		e.teardownFailed(task.ID, branch, path, "stdout_pipe", err.Error(), onComplete)
		return
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		e.teardownFailed(task.ID, branch, path, "start", err.Error(), onComplete)
		return
	}

	e.mu.Lock()
	e.active[task.ID] = &runningProcess{cmd: cmd}
	e.mu.Unlock()

	logFile, logErr := e.openTaskLog(task.ID)
	if logErr != nil {
		e.logger.Warn("failed to open per-task log file", slog.Int64("task_id", task.ID), slog.String("error", logErr.Error()))
	}
	if logFile != nil {
		defer logFile.Close()
	}

	var acc eventstream.Accumulator
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024) // spec §4.3 step 3: >= 1 MiB per chunk

	for scanner.Scan() {
		line := scanner.Bytes()
		if logFile != nil {
			if _, err := logFile.Write(append(append([]byte{}, line...), '\n')); err != nil {
				e.logger.Warn("failed to write task log line", slog.Int64("task_id", task.ID), slog.String("error", err.Error()))
			}
		}
		ev := eventstream.ParseLine(line)
		acc.Add(ev)
		onOutput(task.ID, OutputEvent{Severity: ev.Severity(), Message: eventMessage(ev), Raw: ev.Raw})
	}

	waitErr := cmd.Wait()

	e.mu.Lock()
	rp := e.active[task.ID]
	wasCancelled := rp != nil && rp.cancelled
	delete(e.active, task.ID)
	e.mu.Unlock()

	exitCode := exitCodeOf(cmd, waitErr)
	finalOutput, usage, cost := acc.Finalize()

	var result Result
	switch {
	case wasCancelled:
		result = Result{Status: store.StatusCancelled, ExitCode: &exitCode}
		_ = e.workspaces.Remove(path, branch)
	case exitCode == 0:
		plan, output := splitPlanAndOutput(string(task.Mode), finalOutput)
		result = Result{
			Status:   store.StatusCompleted,
			Output:   output,
			Plan:     plan,
			ExitCode: &exitCode,
		}
		if usage != nil {
			result.InputTokens = intPtr(usage.InputTokens)
			result.OutputTokens = intPtr(usage.OutputTokens)
		}
		result.Cost = cost
	default:
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = fmt.Sprintf("agent exited with code %d", exitCode)
		}
		result = Result{
			Status:   store.StatusFailed,
			Error:    (&ExecutorError{Op: "agent_exit", Message: errMsg}).Error(),
			ExitCode: &exitCode,
		}
		_ = e.workspaces.Remove(path, branch)
	}

	onComplete(task.ID, result)
}

// Cancel marks the registered child for task id, if any, as cancelled and
// kills it; Run removes the active-map entry once the process has exited
// and reports CANCELLED. Idempotent and safe on an unknown id (spec §4.3
// "Cancellation").
func (e *Executor) Cancel(taskID int64) {
	e.mu.Lock()
	rp, ok := e.active[taskID]
	if ok {
		rp.cancelled = true
	}
	e.mu.Unlock()
	if !ok || rp.cmd.Process == nil {
		return
	}
	_ = rp.cmd.Process.Kill()
}

func (e *Executor) teardownFailed(taskID int64, branch, path, op, message string, onComplete CompleteFunc) {
	_ = e.workspaces.Remove(path, branch)
	onComplete(taskID, Result{
		Status:   store.StatusFailed,
		Error:    (&ExecutorError{Op: op, Message: message}).Error(),
		ExitCode: intPtr(1),
	})
}

func (e *Executor) openTaskLog(taskID int64) (*os.File, error) {
	if e.logDir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(e.logDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(e.logDir, fmt.Sprintf("task-%d.log", taskID))
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// sanitizedEnv strips variables that would signal the agent it is being
// re-entered and disables telemetry, per spec §4.3 step 3.
func sanitizedEnv() []string {
	var out []string
	for _, kv := range os.Environ() {
		key := strings.SplitN(kv, "=", 2)[0]
		switch {
		case strings.Contains(key, "AGENT_SESSION"):
			continue
		case key == "CI":
			continue
		default:
			out = append(out, kv)
		}
	}
	out = append(out, "DISABLE_TELEMETRY=1", "ANALYTICS_DISABLED=1")
	return out
}

func eventMessage(e eventstream.Event) string {
	switch e.Kind {
	case eventstream.KindSystem:
		return "model: " + e.Model
	case eventstream.KindToolUse:
		return "tool: " + e.ToolName
	case eventstream.KindAssistant, eventstream.KindResult, eventstream.KindError:
		return e.Text
	default:
		return e.Raw
	}
}

func intPtr(v int) *int { return &v }

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
