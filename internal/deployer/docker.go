package deployer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerDeployer runs and inspects containers through the Docker API.
type DockerDeployer struct {
	host      string
	tlsConfig *tls.Config
}

// NewDockerDeployer creates a DockerDeployer talking to host. tlsConfig may be nil.
func NewDockerDeployer(host string, tlsConfig *tls.Config) *DockerDeployer {
	return &DockerDeployer{host: host, tlsConfig: tlsConfig}
}

func (d *DockerDeployer) newClient() (*client.Client, error) {
	opts := []client.Opt{
		client.WithHost(d.host),
		client.WithAPIVersionNegotiation(),
	}

	if d.tlsConfig != nil {
		httpClient := &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: d.tlsConfig,
			},
		}
		opts = append(opts, client.WithHTTPClient(httpClient))
	}

	return client.NewClientWithOpts(opts...)
}

func (d *DockerDeployer) PullImage(ctx context.Context, img string) (string, error) {
	cli, err := d.newClient()
	if err != nil {
		return "", fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	reader, err := cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return "", fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	// Drain the pull output.
	_, _ = io.Copy(io.Discard, reader)

	inspect, err := cli.ImageInspect(ctx, img)
	if err != nil {
		return "", fmt.Errorf("inspect image %s: %w", img, err)
	}

	digest := ""
	if len(inspect.RepoDigests) > 0 {
		digest = inspect.RepoDigests[0]
	}
	return digest, nil
}

// CreateContainer creates and starts a container.
func (d *DockerDeployer) CreateContainer(ctx context.Context, opts ContainerOpts) (*CreateResult, error) {
	cli, err := d.newClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	config := &container.Config{
		Image:  opts.Image,
		Cmd:    opts.Cmd,
		Env:    envList(opts.Env),
		Labels: opts.Labels,
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(opts.NetworkMode),
		AutoRemove:  opts.AutoRemove,
	}

	resp, err := cli.ContainerCreate(ctx, config, hostConfig, nil, nil, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("create container %s: %w", opts.Name, err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return &CreateResult{ContainerID: resp.ID}, fmt.Errorf("start container %s: %w", opts.Name, err)
	}

	return &CreateResult{ContainerID: resp.ID}, nil
}

func (d *DockerDeployer) RemoveContainer(ctx context.Context, containerID string) error {
	cli, err := d.newClient()
	if err != nil {
		return fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	return cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// InspectContainer reports the state of a container by name or id. Unknown
// containers return an error wrapping ErrContainerNotFound.
func (d *DockerDeployer) InspectContainer(ctx context.Context, containerID string) (*ContainerStatus, error) {
	cli, err := d.newClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	info, err := cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("inspect container %s: %w", containerID, ErrContainerNotFound)
		}
		return nil, fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	return &ContainerStatus{
		ID:      info.ID,
		Name:    info.Name,
		State:   string(info.State.Status),
		Running: info.State.Running,
	}, nil
}

// ExecInContainer runs cmd inside a container. env is scoped to this exec
// only and never set on the container itself.
func (d *DockerDeployer) ExecInContainer(ctx context.Context, containerNameOrID string, cmd []string, env map[string]string) (*ExecResult, error) {
	cli, err := d.newClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	defer cli.Close()

	execCfg := container.ExecOptions{
		Cmd:          cmd,
		Env:          envList(env),
		AttachStdout: true,
		AttachStderr: true,
	}

	execID, err := cli.ContainerExecCreate(ctx, containerNameOrID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create in %s: %w", containerNameOrID, err)
	}

	resp, err := cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach in %s: %w", containerNameOrID, err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("exec read output in %s: %w", containerNameOrID, err)
	}

	inspectResp, err := cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect in %s: %w", containerNameOrID, err)
	}

	return &ExecResult{
		ExitCode: inspectResp.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.String(),
	}, nil
}

// envList converts an env map to KEY=VALUE pairs in key order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
