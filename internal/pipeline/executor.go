package pipeline

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/task"
)

// CLIExecutor runs an internally-routed job's underlying CLI tool as a
// subprocess, writing the rendered Context Pack v1 text to its stdin.
//
// Grounded on internal/gates.runCaptured: the same buffered stdout/stderr
// capture and context-deadline handling, reused here for driving the
// executor binary itself rather than a gate script.
type CLIExecutor struct {
	RepoRoot       string
	DefaultTimeout time.Duration
	// Bin overrides the binary name per executor; unset entries fall back
	// to the executor's own name (codex, opencodecli).
	Bin map[task.Executor]string
}

func (e *CLIExecutor) binFor(ex task.Executor) string {
	if b, ok := e.Bin[ex]; ok && b != "" {
		return b
	}
	return string(ex)
}

// Run invokes the executor binary for j's model, piping renderedPrompt on
// stdin and capturing stdout/stderr, bounded by j.TimeoutMS (falling back
// to DefaultTimeout when unset).
func (e *CLIExecutor) Run(ctx context.Context, j *task.Job, t *task.Task, renderedPrompt string) (stdout, stderr string, exitCode int, err error) {
	timeout := e.DefaultTimeout
	if j.TimeoutMS > 0 {
		timeout = time.Duration(j.TimeoutMS) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin := e.binFor(j.Executor)
	args := []string{"--model", j.Model}
	cmd := exec.CommandContext(cctx, bin, args...)
	cmd.Dir = e.RepoRoot
	cmd.Stdin = strings.NewReader(renderedPrompt)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()

	if cctx.Err() == context.DeadlineExceeded {
		return stdout, stderr, -1, cctx.Err()
	}
	if runErr != nil {
		if ee, ok := runErr.(*exec.ExitError); ok {
			return stdout, stderr, ee.ExitCode(), nil
		}
		return stdout, stderr, -1, runErr
	}
	return stdout, stderr, 0, nil
}
