package worker

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"

	"github.com/cuemby/taskcoordinator/pkg/protocol"
)

// execOutcome is the locally observed result of running a task's
// command, translated into a TaskResult status by runTask.
type execOutcome struct {
	status   string
	exitCode int
	stdout   []byte
}

// runCommand runs command in dir with env, capturing combined
// stdout+stderr and honoring wallTime as a hard kill deadline. Modeled
// on the coordinator's predecessor's exec-based health checker:
// exec.CommandContext plus a bytes.Buffer capture, generalized here to
// distinguish a wall-time kill and a signal death from a plain nonzero
// exit.
func runCommand(ctx context.Context, command string, dir string, env []string, wallTime time.Duration) execOutcome {
	runCtx := ctx
	var cancel context.CancelFunc
	if wallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, wallTime)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = env

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return execOutcome{status: protocol.StatusTimeout, exitCode: -1, stdout: out.Bytes()}
	}
	if err == nil {
		return execOutcome{status: protocol.StatusDone, exitCode: 0, stdout: out.Bytes()}
	}
	if ctx.Err() == context.Canceled {
		return execOutcome{status: protocol.StatusKilled, exitCode: -1, stdout: out.Bytes()}
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return execOutcome{status: protocol.StatusSignal, exitCode: -1, stdout: out.Bytes()}
		}
		return execOutcome{status: protocol.StatusDone, exitCode: exitErr.ExitCode(), stdout: out.Bytes()}
	}
	return execOutcome{status: protocol.StatusDone, exitCode: -1, stdout: out.Bytes()}
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
