// Package container implements the Container Host Adapter (spec.md §4.A):
// starting/stopping long-lived daemon containers and running commands
// inside them via `docker exec`, exposing each exec's completion as a Go
// channel the way the source exposes it as a pollable socket.
package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/load"

	"github.com/ethereum/evmlab-fuzzer/internal/logging"
)

// Event is the completion notification delivered on an ExecHandle's Done
// channel — the Go-native stand-in for the source's pollable socket event.
type Event struct {
	ExitCode int
	Err      error
}

// ExecHandle is returned by Exec: it carries the command string that was
// run, a correlation id for log joins, and a channel that becomes readable
// exactly once, when the exec terminates.
type ExecHandle struct {
	Cmd    string
	ExecID uuid.UUID
	Done   <-chan Event
}

// Host is the contract spec.md §4.A defines: start/stop a daemon, exec
// inside it, and force-remove an image.
type Host interface {
	StartDaemon(ctx context.Context, name, image string, testFilesPath, logFilesPath string) error
	Exec(ctx context.Context, name string, argv []string) (*ExecHandle, error)
	Kill(name string) error
	RemoveImage(image string, force bool) error
}

// DockerHost drives the `docker` CLI directly. No example repo in the
// corpus imports a docker SDK as a direct dependency (see DESIGN.md), so
// this mirrors the corpus's own docker-via-os/exec orchestration style.
type DockerHost struct {
	log *logging.Logger
}

// NewDockerHost constructs a Host backed by the `docker` binary on PATH.
func NewDockerHost(log *logging.Logger) *DockerHost {
	if log == nil {
		log = logging.Discard()
	}
	return &DockerHost{log: log}
}

// StartDaemon starts a detached, auto-removing container running `sleep
// infinity`, with testFilesPath and logFilesPath bind-mounted read-write at
// /testfiles and /logs. Idempotent: a pre-existing container of the same
// name is killed first (spec.md §4.A).
func (h *DockerHost) StartDaemon(ctx context.Context, name, image, testFilesPath, logFilesPath string) error {
	_ = h.Kill(name) // best-effort; swallow "not found" per spec.md §4.A

	args := []string{
		"run", "--detach", "--rm",
		"--name", name,
		"--entrypoint", "sleep",
		"-v", fmt.Sprintf("%s:/testfiles/:rw", testFilesPath),
		"-v", fmt.Sprintf("%s:/logs/:rw", logFilesPath),
		image, "infinity",
	}
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(err, "container: starting daemon %s (%s): %s", name, image, stderr.String())
	}
	h.log.Info("started docker daemon", "name", name, "image", image)
	return nil
}

// Exec runs argv inside the named daemon and returns immediately; the
// returned handle's Done channel fires once the exec has terminated.
// Per spec.md §4.A, the canonical trace is never read from this channel —
// it is written by argv itself to a mounted log file; Done is a pure
// completion signal.
func (h *DockerHost) Exec(ctx context.Context, name string, argv []string) (*ExecHandle, error) {
	execID := uuid.New()
	full := append([]string{"exec", name}, argv...)
	cmdStr := fmt.Sprintf("docker %s", joinArgs(full))

	cmd := exec.CommandContext(ctx, "docker", full...)
	done := make(chan Event, 1)

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "container: starting exec %s in %s", execID, name)
	}
	h.log.Debug("started exec", "container", name, "exec_id", execID, "cmd", cmdStr)

	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		done <- Event{ExitCode: code, Err: err}
		close(done)
	}()

	return &ExecHandle{Cmd: cmdStr, ExecID: execID, Done: done}, nil
}

// Kill stops and removes the named container, swallowing "no such
// container" errors (spec.md §4.A, §7).
func (h *DockerHost) Kill(name string) error {
	if err := exec.Command("docker", "kill", name).Run(); err != nil {
		// best-effort: the container may simply not exist.
		h.log.Debug("kill: container not running (ignored)", "name", name, "error", err)
	}
	return nil
}

// RemoveImage force-removes a docker image, used to honor
// docker_force_update_image before daemons start (spec.md §6).
func (h *DockerHost) RemoveImage(image string, force bool) error {
	args := []string{"rmi"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, image)
	if err := exec.Command("docker", args...).Run(); err != nil {
		return errors.Wrapf(err, "container: removing image %s", image)
	}
	return nil
}

func joinArgs(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// LogHostLoad samples current host CPU load via gopsutil and logs it; the
// scheduler calls this alongside its MAX_PARALLEL saturation warning, which
// it logs at most once per saturationLogInterval, to make the "rare guard"
// of spec.md §4.F observable during an incident.
func LogHostLoad(log *logging.Logger) {
	avg, err := load.Avg()
	if err != nil {
		log.Debug("host load sample failed", "error", err)
		return
	}
	log.Info("host load sample", "load1", avg.Load1, "load5", avg.Load5, "sampled_at", time.Now().Format(time.RFC3339))
}
