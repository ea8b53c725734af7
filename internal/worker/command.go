package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/ashita-ai/tsugi/internal/model"
)

// ModeCommand is the mode name of the shell command worker.
const ModeCommand = "command"

// ErrSandboxUnavailable is returned for sandbox=true jobs when no sandbox
// wrapper is configured.
var ErrSandboxUnavailable = errors.New("worker: sandbox requested but no sandbox wrapper is configured")

// maxErrorTail bounds how much output is echoed into a failure message.
const maxErrorTail = 2000

// CommandWorker runs job.Config.Task as a shell command in TargetRepo.
type CommandWorker struct {
	shell   string
	sandbox []string
}

// NewCommandWorker creates a CommandWorker. sandbox is an argv prefix
// (e.g. ["bwrap", "--unshare-all", "--"]) applied when a job sets
// sandbox=true; nil refuses such jobs.
func NewCommandWorker(shell string, sandbox []string) *CommandWorker {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &CommandWorker{shell: shell, sandbox: sandbox}
}

// Run executes the command and returns its combined output.
func (w *CommandWorker) Run(ctx context.Context, job model.WorkerJob) (string, error) {
	argv := []string{w.shell, "-c", job.Config.Task}
	if job.Config.Sandbox {
		if len(w.sandbox) == 0 {
			return "", ErrSandboxUnavailable
		}
		argv = append(append([]string{}, w.sandbox...), argv...)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = job.Config.TargetRepo
	cmd.WaitDelay = 5 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if ctx.Err() != nil {
		return out.String(), ctx.Err()
	}
	if err != nil {
		return out.String(), fmt.Errorf("worker: command: %w: %s", err, tail(out.String(), maxErrorTail))
	}
	return out.String(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "..." + string(r[len(r)-n:])
}
