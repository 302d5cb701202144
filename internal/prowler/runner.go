package prowler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"
)

// waitDelay bounds how long Wait blocks on output pipes held open by
// children of a killed process.
const waitDelay = 5 * time.Second

type StderrFunc func(ctx context.Context, line string)

type Command struct {
	Path    string
	Args    []string
	Env     []string
	Timeout time.Duration
}

type Result struct {
	Path     string
	Args     []string
	Started  time.Time
	Stopped  time.Time
	ExitCode int
	Stdout   *bytes.Buffer
	Stderr   *bytes.Buffer
	// TimedOut is set when the process was killed by Command.Timeout.
	TimedOut bool
	Err      error
}

// Run executes the command to completion. Stdout and stderr are captured,
// each stderr line is passed to stderrFunc as well. Err is nil only for a
// zero exit code; ExitCode is -1 when the process did not exit on its own.
func Run(ctx context.Context, proto Command, stderrFunc StderrFunc) Result {
	res := Result{
		Path:     proto.Path,
		Args:     append([]string(nil), proto.Args...),
		ExitCode: -1,
		Stdout:   &bytes.Buffer{},
		Stderr:   &bytes.Buffer{},
	}

	runCtx := ctx
	if proto.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, proto.Timeout)
		defer cancel()
	} else {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	}

	cmd := exec.CommandContext(runCtx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.WaitDelay = waitDelay
	cmd.Stdout = res.Stdout
	lines := &lineWriter{ctx: ctx, fn: stderrFunc, buf: res.Stderr}
	cmd.Stderr = lines

	res.Started = time.Now().UTC()
	err := cmd.Run()
	res.Stopped = time.Now().UTC()
	lines.flush()

	if cmd.ProcessState != nil && cmd.ProcessState.Exited() {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
	}
	res.Err = err
	return res
}

// lineWriter copies everything into buf and calls fn for each complete line.
type lineWriter struct {
	ctx     context.Context
	fn      StderrFunc
	buf     *bytes.Buffer
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.fn == nil {
		return len(p), nil
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.fn(w.ctx, string(bytes.TrimRight(w.partial[:i], "\r")))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.fn != nil && len(w.partial) > 0 {
		w.fn(w.ctx, string(w.partial))
		w.partial = nil
	}
}
