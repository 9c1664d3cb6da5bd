package adapters

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"time"
)

// commandSpec describes one external tool invocation.
type commandSpec struct {
	argv []string
	dir  string
	env  []string
	// timeoutS bounds the run in seconds; 0 leaves it unbounded.
	timeoutS float64
	// captureStderr additionally buffers stderr for error details.
	captureStderr bool
}

// runResult reports how a subprocess ended. timedOut is set when the
// per-run deadline expired so callers can map it to a retryable
// timeout failure instead of a runtime error.
type runResult struct {
	exitCode int
	timedOut bool
	stderr   string
}

// runCommand executes spec with stdout and stderr teed into the stage
// log file. Cancellation of ctx surfaces as an error; exit codes and
// deadline expiry are reported in the result.
func runCommand(ctx context.Context, log *stageLogger, spec commandSpec) (runResult, error) {
	runCtx := ctx
	if spec.timeoutS > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(spec.timeoutS*float64(time.Second)))
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.argv[0], spec.argv[1:]...)
	cmd.Dir = spec.dir
	if spec.env != nil {
		cmd.Env = spec.env
	}
	out := log.Writer()
	cmd.Stdout = out
	var stderrBuf bytes.Buffer
	if spec.captureStderr {
		cmd.Stderr = io.MultiWriter(out, &stderrBuf)
	} else {
		cmd.Stderr = out
	}

	err := cmd.Run()
	result := runResult{stderr: stderrBuf.String()}
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return runResult{}, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		log.Line("[timeout] command deadline exceeded")
		result.exitCode = 1
		result.timedOut = true
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.exitCode = exitErr.ExitCode()
		return result, nil
	}
	return runResult{}, err
}
