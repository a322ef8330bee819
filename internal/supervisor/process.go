package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// OSProcess runs the worker as a detached child of Executable.
type OSProcess struct {
	// Executable defaults to the running binary.
	Executable string
}

func (p OSProcess) Spawn(ctx context.Context, args []string, logPath string) (int, error) {
	exe := p.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
	}
	out, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open worker log: %w", err)
	}
	defer out.Close()

	// not CommandContext: the child must outlive this process
	cmd := exec.Command(exe, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release worker: %w", err)
	}
	return pid, nil
}

func (OSProcess) Signal(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

// Alive probes pid with signal 0.
func (OSProcess) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
