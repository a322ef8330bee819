package executor

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"opsline/internal/domain"
)

// maxCaptured bounds stored output so step records stay short lines.
const maxCaptured = 64 << 10

// Outcome is the terminal result of one step.
type Outcome struct {
	OK     bool
	Output string
	Error  string
}

type Executor struct {
	Gateway Gateway
}

func New(g Gateway) Executor {
	return Executor{Gateway: g}
}

// Execute runs s to completion. Failures are reported in the Outcome, never
// as a panic or error.
func (x Executor) Execute(ctx context.Context, s domain.Step) Outcome {
	switch a := ActionFor(s).(type) {
	case NoteAction:
		return Outcome{OK: true, Output: a.Details}
	case GatewayAction:
		return x.runGateway(ctx, a)
	case UnknownAction:
		return Outcome{Error: fmt.Sprintf("unknown step kind %q", a.Kind)}
	default:
		return Outcome{Error: fmt.Sprintf("unhandled action %T", a)}
	}
}

func (x Executor) runGateway(ctx context.Context, a GatewayAction) Outcome {
	gw := x.Gateway
	if gw == nil {
		gw = CommandGateway{}
	}
	res, err := gw.Run(ctx, a.Args)
	detail := strings.TrimSpace(res.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(res.Stdout)
	}
	switch {
	case err != nil:
		msg := err.Error()
		if detail != "" {
			msg += ": " + detail
		}
		return Outcome{Error: truncate(msg)}
	case res.ExitCode != 0:
		if detail == "" {
			detail = fmt.Sprintf("exit status %d", res.ExitCode)
		}
		return Outcome{Error: truncate(detail), Output: truncate(res.Stdout)}
	default:
		return Outcome{OK: true, Output: truncate(res.Stdout)}
	}
}

func truncate(s string) string {
	if len(s) <= maxCaptured {
		return s
	}
	return Clip(s, maxCaptured) + "\n[truncated]"
}

// Clip returns the longest prefix of s that fits in max bytes without
// splitting a UTF-8 sequence.
func Clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	i := max
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
