package sandbox

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ProcessHost runs a worker as a child process
type ProcessHost struct {
	*exitNotifier
	cmd    *exec.Cmd
	err    error
	logger zerolog.Logger
}

// StartProcess spawns spec.Path with args followed by spec.Args. files are
// inherited by the child as descriptors 3, 4, ... in order. If the process
// cannot be started the returned host has already exited.
func StartProcess(spec *LaunchSpec, args []string, files []*os.File) (*ProcessHost, error) {
	h := &ProcessHost{
		exitNotifier: newExitNotifier(),
		logger:       log.Logger.With().Str("component", "sandbox").Logger(),
	}

	if spec.Path == "" {
		h.err = fmt.Errorf("launch spec has no path")
		h.markExited()
		return h, h.err
	}

	cmd := exec.Command(spec.Path, append(append([]string(nil), args...), spec.Args...)...)
	cmd.ExtraFiles = files
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		h.err = fmt.Errorf("failed to start worker %s: %w", spec.Path, err)
		h.markExited()
		return h, h.err
	}
	h.cmd = cmd
	h.logger.Debug().Str("path", spec.Path).Int("pid", cmd.Process.Pid).Msg("worker process started")

	go h.wait()
	return h, nil
}

func (h *ProcessHost) wait() {
	err := h.cmd.Wait()
	if err != nil {
		h.err = fmt.Errorf("worker process exited: %w", err)
		h.logger.Debug().Err(err).Msg("worker process exited")
	} else {
		h.logger.Debug().Msg("worker process exited cleanly")
	}
	h.markExited()
}

// Pid returns the child's process id, or 0 if it never started
func (h *ProcessHost) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Kill terminates the child without waiting for it
func (h *ProcessHost) Kill() error {
	if h.cmd == nil || h.HasExited() {
		return nil
	}
	return h.cmd.Process.Kill()
}

// Close waits for the child to exit and reports a non-zero exit
func (h *ProcessHost) Close() error {
	<-h.Exited()
	return h.err
}
