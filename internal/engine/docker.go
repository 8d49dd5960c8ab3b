package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// SandboxChartDir is where the chart directory is mounted inside a sandbox.
const SandboxChartDir = "/charts"

const (
	sandboxUser    = "1000"
	sandboxWorkDir = "/work"
	requestFile    = "request.json"
	responseFile   = "response.json"

	defaultCleanupTimeout = 10 * time.Second

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 256

	logTail = "20"
)

// DockerConfig configures the sandboxed container backend.
type DockerConfig struct {
	Image string
	// Runtime is "" for the default runtime or "runsc" for gVisor.
	Runtime string
	// WorkDir holds per-run request/response directories on the host.
	WorkDir string
	// ChartDir is the host chart directory mounted into every run.
	ChartDir string
	// Network is the bridge network sandboxes join; created when missing.
	Network string
	// Env is passed to the sandbox, e.g. the model API key.
	Env map[string]string
}

// DockerEngine runs each analysis in a one-shot sandbox container. The run
// directory is mounted at /work: the engine reads request.json and writes
// response.json. Charts land in the mounted chart directory.
type DockerEngine struct {
	cli    *client.Client
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerEngine creates a Docker-backed engine.
func NewDockerEngine(cfg DockerConfig, logger *slog.Logger) (*DockerEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Image == "" {
		return nil, errors.New("engine: docker image is required")
	}
	var err error
	if cfg.WorkDir, err = filepath.Abs(cfg.WorkDir); err != nil {
		return nil, fmt.Errorf("resolve work dir: %w", err)
	}
	if cfg.ChartDir, err = filepath.Abs(cfg.ChartDir); err != nil {
		return nil, fmt.Errorf("resolve chart dir: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", cfg.WorkDir, err)
	}
	if err := shareWithSandbox(cfg.ChartDir); err != nil {
		return nil, err
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.Runtime != "" {
		logger.Info("Docker client initialized", "runtime", cfg.Runtime, "image", cfg.Image)
	} else {
		logger.Info("Docker client initialized", "runtime", "default", "image", cfg.Image)
	}
	return &DockerEngine{cli: cli, cfg: cfg, logger: logger}, nil
}

// Execute runs one sandbox container to completion and reads its response.
func (d *DockerEngine) Execute(ctx context.Context, req Request) (Result, error) {
	wire, err := requestToWire(req, SandboxChartDir)
	if err != nil {
		return Result{}, err
	}

	runDir, err := prepareRunDir(d.cfg.WorkDir)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := os.RemoveAll(runDir); err != nil {
			d.logger.Warn("Failed to remove run dir", "dir", runDir, "error", err)
		}
	}()
	if err := writeJSON(filepath.Join(runDir, requestFile), wire); err != nil {
		return Result{}, err
	}

	name := "dataroom-engine-" + uuid.NewString()[:8]
	resp, err := d.cli.ContainerCreate(ctx, d.containerConfig(), d.hostConfig(runDir), nil, nil, name)
	if err != nil {
		return Result{}, fmt.Errorf("%w: create container: %v", ErrUnavailable, err)
	}
	defer d.remove(resp.ID)

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("%w: start container %s: %v", ErrUnavailable, resp.ID, err)
	}
	d.logger.Debug("Engine container started", "container_id", resp.ID, "name", name)

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return Result{}, fmt.Errorf("wait for container %s: %w", resp.ID, err)
		}
	case st := <-statusCh:
		if st.Error != nil {
			return Result{}, &RemoteError{Code: "CONTAINER_WAIT", Message: st.Error.Message}
		}
		if st.StatusCode != 0 {
			return Result{}, &RemoteError{
				Code:    fmt.Sprintf("EXIT_%d", st.StatusCode),
				Message: d.tailLogs(resp.ID),
			}
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	data, err := os.ReadFile(filepath.Join(runDir, responseFile))
	if err != nil {
		return Result{}, &RemoteError{Code: "NO_RESPONSE", Message: "engine exited without writing a response"}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return Result{}, &RemoteError{Code: "BAD_RESPONSE", Message: err.Error()}
	}
	res, err := resultFromWire(out)
	if err != nil {
		return Result{}, err
	}
	res.Raw = hostChartPaths(res.Raw, d.cfg.ChartDir)
	return res, nil
}

func (d *DockerEngine) containerConfig() *container.Config {
	keys := make([]string, 0, len(d.cfg.Env))
	for k := range d.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	envVars := make([]string, 0, len(keys))
	for _, k := range keys {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, d.cfg.Env[k]))
	}
	return &container.Config{
		Image:      d.cfg.Image,
		User:       sandboxUser,
		WorkingDir: sandboxWorkDir,
		Env:        envVars,
		Labels:     map[string]string{"app": "dataroom-engine"},
	}
}

func (d *DockerEngine) hostConfig(runDir string) *container.HostConfig {
	hc := &container.HostConfig{
		Runtime: d.cfg.Runtime,
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: runDir, Target: sandboxWorkDir},
			{Type: mount.TypeBind, Source: d.cfg.ChartDir, Target: SandboxChartDir},
		},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}
	if d.cfg.Network != "" {
		hc.NetworkMode = container.NetworkMode(d.cfg.Network)
	}
	return hc
}

func (d *DockerEngine) tailLogs(containerID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCleanupTimeout)
	defer cancel()
	rc, err := d.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       logTail,
	})
	if err != nil {
		return "engine exited with an error"
	}
	defer rc.Close()
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "engine exited with an error"
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return msg
	}
	return strings.TrimSpace(stdout.String())
}

func (d *DockerEngine) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCleanupTimeout)
	defer cancel()
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return
		}
		d.logger.Warn("Failed to remove engine container", "container_id", containerID, "error", err)
	}
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (d *DockerEngine) EnsureNetwork(ctx context.Context) (string, error) {
	if d.cfg.Network == "" {
		return "", nil
	}
	networks, err := d.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == d.cfg.Network {
			return nw.ID, nil
		}
	}
	createResp, err := d.cli.NetworkCreate(ctx, d.cfg.Network, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", d.cfg.Network, err)
	}
	d.logger.Info("Engine network created", "network_id", createResp.ID, "name", d.cfg.Network)
	return createResp.ID, nil
}

// Health pings the Docker daemon.
func (d *DockerEngine) Health(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: docker ping: %v", ErrUnavailable, err)
	}
	return nil
}

// Close closes the Docker client.
func (d *DockerEngine) Close() error {
	return d.cli.Close()
}

// hostChartPaths rewrites sandbox chart paths in every string of v to the
// matching host path.
func hostChartPaths(v any, hostChartDir string) any {
	switch t := v.(type) {
	case string:
		return rewriteChartPaths(t, hostChartDir)
	case []any:
		for i := range t {
			t[i] = hostChartPaths(t[i], hostChartDir)
		}
		return t
	case map[string]any:
		for k, item := range t {
			t[k] = hostChartPaths(item, hostChartDir)
		}
		return t
	}
	return v
}

// sandboxChartPath matches SandboxChartDir at the start of a path token.
var sandboxChartPath = regexp.MustCompile(`(^|[^\w\-./\\:])` + regexp.QuoteMeta(SandboxChartDir) + `/`)

func rewriteChartPaths(s, hostChartDir string) string {
	return sandboxChartPath.ReplaceAllString(s, "${1}"+filepath.ToSlash(hostChartDir)+"/")
}

// sandboxDirMode opens a bind-mounted directory to the container's
// unprivileged user, whose uid differs from the server's.
const sandboxDirMode os.FileMode = 0o777

// shareWithSandbox creates dir if needed and makes it writable by the sandbox
// user. Chmod is explicit because MkdirAll is subject to the umask.
func shareWithSandbox(dir string) error {
	if err := os.MkdirAll(dir, sandboxDirMode); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	if err := os.Chmod(dir, sandboxDirMode); err != nil {
		return fmt.Errorf("share %s with sandbox: %w", dir, err)
	}
	return nil
}

// prepareRunDir creates a fresh run directory under workDir that the sandbox
// user can read request.json from and write response.json into.
func prepareRunDir(workDir string) (string, error) {
	dir, err := os.MkdirTemp(workDir, "run-")
	if err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	if err := os.Chmod(dir, sandboxDirMode); err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("share run dir with sandbox: %w", err)
	}
	return dir, nil
}

func writeJSON(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(name), err)
	}
	if err := os.WriteFile(name, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(name), err)
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
