package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
)

const (
	defaultDockerImage = "node:20-alpine"
	dockerWorkdir      = "/workspace"
	containerPrefix    = "heysme-sandbox-"
	sandboxNetwork     = "heysme-sandbox"
	stopTimeoutSecs    = 5

	// Resource limits.
	memoryLimitBytes = 512 * 1024 * 1024 // 512MB
	cpuQuota         = 50000             // 0.5 CPU
	pidsLimit        = 256

	createRetryAttempts = 5
	createRetryDelay    = 250 * time.Millisecond
)

// previewPorts are published on random loopback ports.
var previewPorts = []int{3000, 5173}

// Docker is a Provider backed by local Docker containers.
type Docker struct {
	cli         *client.Client
	image       string
	previewHost string

	networkOnce sync.Once
	networkErr  error

	mu    sync.RWMutex
	ports map[string]map[int]string // sandbox id -> container port -> host port
}

// NewDocker connects to the Docker daemon from the environment.
func NewDocker(image string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if image == "" {
		image = defaultDockerImage
	}
	slog.Info("Docker client initialized", "image", image)
	return &Docker{
		cli:         cli,
		image:       image,
		previewHost: "localhost",
		ports:       make(map[string]map[int]string),
	}, nil
}

// Name implements Provider.
func (d *Docker) Name() string { return ProviderDocker }

// Close releases the Docker client.
func (d *Docker) Close() error {
	return d.cli.Close()
}

// Create implements Provider. The container idles until commands are exec'd.
func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	d.networkOnce.Do(func() { d.networkErr = d.ensureNetwork(context.WithoutCancel(ctx)) })
	if d.networkErr != nil {
		return "", d.networkErr
	}

	name := containerPrefix + uuid.NewString()[:12]
	exposed, bindings := portConfig(previewPorts)
	config := &container.Config{
		Image:        d.image,
		WorkingDir:   dockerWorkdir,
		Cmd:          []string{"sleep", "infinity"},
		Env:          envList(spec.Env),
		ExposedPorts: exposed,
		Labels: map[string]string{
			"heysme.coding_session_id": spec.SessionID,
			"heysme.managed":           "true",
		},
	}
	hostConfig := &container.HostConfig{
		NetworkMode:  container.NetworkMode(sandboxNetwork),
		PortBindings: bindings,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var id string
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, err := d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if err == nil {
			id, createErr = resp.ID, nil
			break
		}
		createErr = err
		errStr := strings.ToLower(err.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", err)
		}
		slog.Warn("Container name conflict during create, retrying", "container_name", name, "attempt", i+1, "error", err)
		name = containerPrefix + uuid.NewString()[:12]
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		if removeErr := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); removeErr != nil {
			slog.Warn("Failed to remove container after start failure", "container_id", id, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", id, err)
	}

	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		slog.Warn("Failed to inspect published ports", "container_id", id, "error", err)
	} else if inspect.NetworkSettings != nil {
		d.rememberPorts(id, inspect.NetworkSettings.Ports)
	}

	slog.Info("Container created and started", "container_id", id, "coding_session_id", spec.SessionID)
	return id, nil
}

// WriteFiles implements Provider by copying a tar archive into the workdir.
func (d *Docker) WriteFiles(ctx context.Context, id string, files []File) error {
	if len(files) == 0 {
		return nil
	}
	archive, err := tarFiles(files)
	if err != nil {
		return err
	}
	if err := d.cli.CopyToContainer(ctx, id, dockerWorkdir, archive, container.CopyToContainerOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("copy files to %s: %w", id, err)
	}
	return nil
}

// Exec implements Provider.
func (d *Docker) Exec(ctx context.Context, id string, cmd Command) (*ExecResult, error) {
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	started := time.Now()
	resp, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"sh", "-c", cmd.Cmd},
		Env:          envList(cmd.Env),
		WorkingDir:   dockerWorkdir,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("create exec in container %s: %w", id, err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attach exec %s: %w", resp.ID, err)
	}
	defer attach.Close()

	var stdout, stderr capped
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return nil, fmt.Errorf("inspect exec %s: %w", resp.ID, err)
	}
	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
		Duration: time.Since(started).Milliseconds(),
	}, nil
}

// Kill implements Provider. It stops and removes the container and is
// idempotent under concurrent calls.
func (d *Docker) Kill(ctx context.Context, id string) error {
	d.mu.Lock()
	delete(d.ports, id)
	d.mu.Unlock()

	timeout := stopTimeoutSecs
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", id)
			return nil
		}
		slog.Debug("Container stop returned error, continuing to remove", "container_id", id, "error", err)
	}

	if err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container_id", id, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", id, err)
	}

	slog.Info("Container stopped and removed", "container_id", id)
	return nil
}

// PreviewURL implements Provider using the host port published at creation.
func (d *Docker) PreviewURL(id string, port int) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	hostPort := d.ports[id][port]
	if hostPort == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%s", d.previewHost, hostPort)
}

func (d *Docker) rememberPorts(id string, published nat.PortMap) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ports[id] = hostPorts(published)
}

// ensureNetwork creates the bridge network sandboxes attach to.
func (d *Docker) ensureNetwork(ctx context.Context) error {
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == sandboxNetwork {
			return nil
		}
	}
	resp, err := d.cli.NetworkCreate(ctx, sandboxNetwork, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		if errdefs.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("create network %s: %w", sandboxNetwork, err)
	}
	slog.Info("Sandbox network created", "network_id", resp.ID)
	return nil
}

func portConfig(ports []int) (nat.PortSet, nat.PortMap) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", p))
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "127.0.0.1"}}
	}
	return exposed, bindings
}

func hostPorts(published nat.PortMap) map[int]string {
	out := make(map[int]string, len(published))
	for port, binds := range published {
		if port.Proto() != "tcp" || len(binds) == 0 {
			continue
		}
		out[port.Int()] = binds[0].HostPort
	}
	return out
}

// tarFiles packs project files into an archive rooted at the workdir.
func tarFiles(files []File) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	dirs := map[string]bool{}
	now := time.Now()

	sorted := make([]File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	for _, f := range sorted {
		name := path.Clean(strings.TrimPrefix(f.Path, "/"))
		if name == "." || strings.HasPrefix(name, "../") || name == ".." {
			return nil, fmt.Errorf("invalid file path %q", f.Path)
		}
		var missing []string
		for dir := path.Dir(name); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
			missing = append(missing, dir)
		}
		for i := len(missing) - 1; i >= 0; i-- {
			dir := missing[i]
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     dir + "/",
				Mode:     0o755,
				ModTime:  now,
			}); err != nil {
				return nil, fmt.Errorf("write tar dir: %w", err)
			}
		}
		if err := tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(f.Content)),
			ModTime:  now,
		}); err != nil {
			return nil, fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(f.Content); err != nil {
			return nil, fmt.Errorf("write tar body: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, errors.Join(errors.New("close tar"), err)
	}
	return &buf, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func ptr[T any](v T) *T {
	return &v
}
