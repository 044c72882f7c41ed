package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Spawner starts a peer executable with a fixed argument vector. Each Spawn
// call is one fork+exec.
type Spawner struct {
	// Path is the executable to run
	Path string
	// Args are the arguments after argv[0]
	Args []string
	// Env is the child environment; nil inherits ours
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// NewSpawner creates a spawner that inherits our stdio and environment.
func NewSpawner(path string, args ...string) *Spawner {
	return &Spawner{
		Path:   path,
		Args:   args,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Spawn starts the executable and returns a child handle.
func (s *Spawner) Spawn() (*Handle, error) {
	if s.Path == "" {
		return nil, fmt.Errorf("failed to start process: empty executable path")
	}

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = s.Env
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process %s: %w", s.Path, err)
	}

	h := &Handle{
		pid:    cmd.Process.Pid,
		exited: make(chan struct{}),
	}

	// Reap the child so a killed peer does not stay a zombie
	go func() {
		h.exitErr = cmd.Wait()
		close(h.exited)
	}()

	return h, nil
}
