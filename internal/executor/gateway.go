package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

const (
	DefaultCommand = "openclaw"
	DefaultTimeout = 2 * time.Minute
)

// Result is what the gateway reports for one invocation.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Gateway runs an argument vector against the external CLI. A non-zero exit
// is reported through Result; err is reserved for spawn failures and
// timeouts.
type Gateway interface {
	Run(ctx context.Context, argv []string) (Result, error)
}

// ErrTimeout wraps gateway invocations that hit the wall-clock limit.
var ErrTimeout = errors.New("gateway timed out")

// CommandGateway shells out to Command.
type CommandGateway struct {
	Command string
	Timeout time.Duration
}

func (g CommandGateway) Run(ctx context.Context, argv []string) (Result, error) {
	name := g.Command
	if name == "" {
		name = DefaultCommand
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	// the command outlives worker shutdown; only the timeout stops it
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, argv...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		res.ExitCode = -1
		return res, fmt.Errorf("run %s: %w", name, err)
	}
	return res, nil
}
