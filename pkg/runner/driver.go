package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

// ErrLaunch is returned by drivers when the command could not be started.
var ErrLaunch = errors.New("scale: task launch failed")

// Mount binds a host directory into a container.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

// Container describes one command run.
type Container struct {
	Name       string
	Image      string // empty for commands run directly on the node
	Command    string
	Args       []string
	CPUs       float64
	MemMiB     float64
	Mounts     []Mount
	WorkDir    string
	Env        []string
	Privileged bool
}

// Driver runs commands. Run blocks until the command exits and returns its
// exit code; a negative code means the command was killed by a signal.
// Cancelling ctx must stop the command.
type Driver interface {
	Run(ctx context.Context, c Container) (int, error)
}

// DockerDriver runs containers with the docker CLI.
type DockerDriver struct {
	// Binary is the docker executable, "docker" by default.
	Binary string
	// KillGrace bounds how long a killed container may take to exit.
	KillGrace time.Duration
	Logger    *slog.Logger
}

// Args returns the docker run arguments for a container.
func (d *DockerDriver) Args(c Container) []string {
	args := []string{"run", "--rm", "--name", c.Name}
	if c.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(c.CPUs, 'f', -1, 64))
	}
	if c.MemMiB > 0 {
		args = append(args, "--memory", strconv.FormatInt(int64(c.MemMiB), 10)+"m")
	}
	if c.Privileged {
		args = append(args, "--privileged")
	}
	for _, m := range c.Mounts {
		spec := m.Host + ":" + m.Container
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	for _, e := range c.Env {
		args = append(args, "-e", e)
	}
	if c.WorkDir != "" {
		args = append(args, "-w", c.WorkDir)
	}
	args = append(args, c.Image, c.Command)
	return append(args, c.Args...)
}

func (d *DockerDriver) binary() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

// Run starts the container and waits for it. Cancelling ctx kills the
// container by name.
func (d *DockerDriver) Run(ctx context.Context, c Container) (int, error) {
	if c.Image == "" {
		return 0, fmt.Errorf("%w: container %s has no image", ErrLaunch, c.Name)
	}
	cmd := exec.CommandContext(ctx, d.binary(), d.Args(c)...)
	cmd.Cancel = func() error {
		kill := exec.Command(d.binary(), "kill", c.Name)
		if out, err := kill.CombinedOutput(); err != nil && d.Logger != nil {
			d.Logger.Warn("docker kill failed", "container", c.Name, "error", err, "output", string(out))
		}
		return nil
	}
	cmd.WaitDelay = d.KillGrace
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 10 * time.Second
	}

	code, err := wait(cmd)
	// docker itself failed before the container ran.
	if err == nil && code == 125 {
		return code, fmt.Errorf("%w: docker run exited 125", ErrLaunch)
	}
	return code, err
}

// ExecDriver runs commands directly on the node, in the work directory.
type ExecDriver struct{}

// Run starts the command and waits for it.
func (ExecDriver) Run(ctx context.Context, c Container) (int, error) {
	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	if len(c.Mounts) > 0 {
		cmd.Dir = c.Mounts[0].Host
	}
	cmd.Env = append(cmd.Environ(), c.Env...)
	return wait(cmd)
}

func wait(cmd *exec.Cmd) (int, error) {
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	err := cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
