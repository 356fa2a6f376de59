package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

// placeholderCommand keeps a sandbox alive when no workload command is given.
var placeholderCommand = []string{"sleep", "infinity"}

// DockerRuntime implements Runtime against a Docker Engine endpoint.
type DockerRuntime struct {
	cli    *client.Client
	logger *log.Logger
}

// NewDockerRuntime connects to the Docker daemon (host empty means the
// standard environment resolution) and verifies the connection with a ping.
func NewDockerRuntime(host string, logger *log.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if strings.TrimSpace(host) != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}

	return &DockerRuntime{cli: cli, logger: logger}, nil
}

// Close releases the client connection.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

func (r *DockerRuntime) Create(ctx context.Context, spec CreateSpec) (Handle, error) {
	command := spec.Command
	if len(command) == 0 {
		command = placeholderCommand
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for portProto, hostPort := range spec.Ports {
		port := nat.Port(portProto)
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: fmt.Sprintf("%d", hostPort)}}
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          command,
		Tty:          true,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		NetworkMode:     "bridge",
		PortBindings:    bindings,
		PublishAllPorts: spec.PublishAll,
	}

	created, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return Handle{}, classify(err)
	}

	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Never leave a half-provisioned unit behind.
		_ = r.cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return Handle{}, classify(err)
	}

	handle, err := r.Get(ctx, created.ID)
	if err != nil {
		return Handle{}, err
	}
	if r.logger != nil {
		r.logger.Debug("runtime unit provisioned", "id", handle.ShortID, "name", handle.Name, "image", handle.Image)
	}
	return handle, nil
}

func (r *DockerRuntime) List(ctx context.Context) ([]Handle, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, classify(err)
	}

	handles := make([]Handle, 0, len(containers))
	for _, c := range containers {
		ports := make(map[string]int)
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			ports[fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)] = int(p.PublicPort)
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		handles = append(handles, Handle{
			ID:      c.ID,
			ShortID: ShortID(c.ID),
			Name:    name,
			Image:   c.Image,
			Status:  normalizeStatus(c.State),
			Ports:   ports,
		})
	}
	return handles, nil
}

func (r *DockerRuntime) Get(ctx context.Context, id string) (Handle, error) {
	inspected, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return Handle{}, classify(err)
	}

	ports := make(map[string]int)
	if inspected.NetworkSettings != nil {
		for port, portBindings := range inspected.NetworkSettings.Ports {
			if len(portBindings) == 0 {
				continue
			}
			if hostPort, err := nat.ParsePort(portBindings[0].HostPort); err == nil && hostPort != 0 {
				ports[string(port)] = hostPort
			}
		}
	}

	status := StatusUnknown
	if inspected.State != nil {
		status = normalizeStatus(inspected.State.Status)
	}
	return Handle{
		ID:      inspected.ID,
		ShortID: ShortID(inspected.ID),
		Name:    strings.TrimPrefix(inspected.Name, "/"),
		Image:   inspected.Config.Image,
		Status:  status,
		Ports:   ports,
	}, nil
}

func (r *DockerRuntime) StopAndRemove(ctx context.Context, id string) error {
	if err := r.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		if classified := classify(err); classified == ErrNotFound || classified == ErrRuntimeUnavailable {
			return classified
		}
		return &OperationError{Stage: StageStop, Err: err}
	}
	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		if classified := classify(err); classified == ErrRuntimeUnavailable {
			return classified
		}
		return &OperationError{Stage: StageRemove, Err: err}
	}
	return nil
}

func (r *DockerRuntime) TailLogs(ctx context.Context, id string, lineLimit int) (string, error) {
	reader, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", lineLimit),
	})
	if err != nil {
		return "", classify(err)
	}
	defer reader.Close()

	// Sandboxes are created with a TTY, so the log stream is plain text.
	b, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read logs for %q: %w", id, err)
	}
	return string(b), nil
}

func (r *DockerRuntime) Exec(ctx context.Context, id string, command string) (string, error) {
	handle, err := r.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if handle.Status != StatusRunning {
		return "", ErrNotRunning
	}

	execCreated, err := r.cli.ContainerExecCreate(ctx, handle.ID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", classify(err)
	}

	attached, err := r.cli.ContainerExecAttach(ctx, execCreated.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", classify(err)
	}
	defer attached.Close()

	// Exec streams are multiplexed; demux both channels into one combined
	// output buffer.
	var combined bytes.Buffer
	if _, err := stdcopy.StdCopy(&combined, &combined, attached.Reader); err != nil && err != io.EOF {
		return "", fmt.Errorf("read exec output: %w", err)
	}
	return combined.String(), nil
}

func (r *DockerRuntime) AttachStream(ctx context.Context, id string) (io.ReadCloser, error) {
	handle, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if handle.Status != StatusRunning {
		return nil, ErrNotRunning
	}

	attached, err := r.cli.ContainerAttach(ctx, handle.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
		Logs:   true,
	})
	if err != nil {
		return nil, classify(err)
	}
	return &attachStream{resp: attached}, nil
}

type attachStream struct {
	resp types.HijackedResponse
}

func (s *attachStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *attachStream) Close() error {
	s.resp.Close()
	return nil
}

func normalizeStatus(state string) string {
	switch state {
	case "created":
		return StatusCreated
	case "running":
		return StatusRunning
	case "exited", "dead", "removing":
		return StatusStopped
	default:
		return StatusUnknown
	}
}

// classify maps Docker client errors onto the gateway taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return ErrRuntimeUnavailable
	case errdefs.IsConflict(err):
		return ErrNameConflict
	case errdefs.IsNotFound(err):
		return ErrNotFound
	default:
		return fmt.Errorf("runtime call failed: %w", err)
	}
}
