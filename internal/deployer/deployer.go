package deployer

import "errors"

// ErrContainerNotFound is returned by InspectContainer for unknown containers.
var ErrContainerNotFound = errors.New("container not found")

// ContainerOpts holds the options for creating a container.
type ContainerOpts struct {
	Name        string
	Image       string
	Cmd         []string
	Env         map[string]string
	Labels      map[string]string
	NetworkMode string
	AutoRemove  bool
}

// CreateResult holds the result of creating a container.
type CreateResult struct {
	ContainerID string
}

// ContainerStatus holds the status of a container.
type ContainerStatus struct {
	ID      string
	Name    string
	State   string // running, exited, created, ...
	Running bool
}

// ExecResult holds the result of executing a command in a container.
// Stdout is kept as bytes since dump tools write binary formats.
type ExecResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   string
}
