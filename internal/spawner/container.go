package spawner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"workspace/internal/appinstance"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	containerIDTimeout    = 20 * time.Second
	containerReadyTimeout = 180 * time.Second

	ipPollAttempts = 60
	ipPollInterval = 3 * time.Second

	stopAttempts = 6
)

// ContainerOptions is the options blob for the container variant.
type ContainerOptions struct {
	Image       string   `json:"IMAGE"`
	NetworkName string   `json:"NETWORK_NAME"`
	Port        int      `json:"PORT"`
	Env         []string `json:"ENV"`
	MemoryMB    int64    `json:"MEMORY_MB"`
	CPU         float64  `json:"CPU"`
}

type containerInstanceID struct {
	ContainerID string `json:"container_id"`
}

// Container runs the application as a docker task on a dedicated network.
type Container struct {
	client   *client.Client
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

var _ Spawner = (*Container)(nil)

func NewContainer(cli *client.Client, recorder Recorder, logger *slog.Logger) *Container {
	return &Container{
		client:   cli,
		recorder: recorder,
		logger:   logger.With("component", "container-spawner"),
		now:      time.Now,
	}
}

func (c *Container) Tag() Tag { return TagContainer }

// Spawn materializes the container in phases; any failure after the task
// starts stops it so State converges on STOPPED.
func (c *Container) Spawn(ctx context.Context, req SpawnRequest) error {
	var opts ContainerOptions
	if err := json.Unmarshal(req.Options, &opts); err != nil {
		return fmt.Errorf("container options: %w", err)
	}
	if opts.Image == "" || opts.Port == 0 {
		return fmt.Errorf("container options: IMAGE and PORT are required")
	}

	if err := c.ensureImage(ctx, opts.Image); err != nil {
		return err
	}

	memoryMB := opts.MemoryMB
	if req.Memory > 0 {
		memoryMB = int64(req.Memory)
	}
	cpu := opts.CPU
	if req.CPU > 0 {
		cpu = float64(req.CPU) / 1024
	}

	cfg := &container.Config{
		Image: opts.Image,
		Env: append(opts.Env,
			"APPLICATION_USER_EMAIL="+req.UserEmail,
			"APPLICATION_USER_SSO_ID="+req.UserSSOID,
		),
		Labels: map[string]string{
			"managed_by":  "workspace",
			"public_host": req.PublicHost,
			"instance_id": req.InstanceID,
		},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   memoryMB * 1024 * 1024,
			NanoCPUs: int64(cpu * 1e9),
		},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			opts.NetworkName: {},
		},
	}

	name := "workspace-" + req.PublicHost
	resp, err := c.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID

	if err := c.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		c.remove(containerID)
		return fmt.Errorf("start container: %w", err)
	}
	c.logger.Info("Container started", "instance_id", req.InstanceID, "container_id", containerID)

	blob, _ := json.Marshal(containerInstanceID{ContainerID: containerID})
	if err := c.recorder.SetSpawnerInstanceID(ctx, req.InstanceID, string(blob)); err != nil {
		c.stopAndRemove(containerID)
		return err
	}

	// User may have DELETEd mid-spawn; don't leave an orphan running.
	inst, err := c.recorder.GetByID(ctx, req.InstanceID)
	if err != nil || inst.State != appinstance.StateSpawning {
		c.logger.Info("Instance gone mid-spawn, stopping container", "instance_id", req.InstanceID)
		c.stopAndRemove(containerID)
		return err
	}

	ip, err := c.waitForIP(ctx, containerID, opts.NetworkName)
	if err != nil {
		c.stopAndRemove(containerID)
		return err
	}

	proxyURL := fmt.Sprintf("http://%s:%d", ip, opts.Port)
	if err := c.recorder.SetProxyURL(ctx, req.InstanceID, proxyURL); err != nil {
		c.stopAndRemove(containerID)
		return err
	}
	c.logger.Info("Container ready", "instance_id", req.InstanceID, "proxy_url", proxyURL)
	return nil
}

func (c *Container) ensureImage(ctx context.Context, img string) error {
	_, err := c.client.ImageInspect(ctx, img)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}

	c.logger.Info("Image not found, pulling", "image", img)
	reader, err := c.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	return nil
}

func (c *Container) waitForIP(ctx context.Context, containerID, networkName string) (string, error) {
	for range ipPollAttempts {
		inspect, err := c.client.ContainerInspect(ctx, containerID)
		if err != nil {
			return "", fmt.Errorf("inspect container: %w", err)
		}
		if !inspect.State.Running {
			return "", fmt.Errorf("container exited while waiting for ip")
		}
		if net, ok := inspect.NetworkSettings.Networks[networkName]; ok && net.IPAddress != "" {
			return net.IPAddress, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(ipPollInterval):
		}
	}
	return "", fmt.Errorf("container ip not assigned after %d attempts", ipPollAttempts)
}

func (c *Container) State(ctx context.Context, options json.RawMessage, createdAt time.Time, spawnerInstanceID, proxyURL string) (appinstance.State, error) {
	return decideState(spawnerInstanceID, proxyURL, c.now().Sub(createdAt), containerIDTimeout, containerReadyTimeout, func() (bool, error) {
		containerID, err := parseContainerID(spawnerInstanceID)
		if err != nil {
			return false, err
		}
		inspect, err := c.client.ContainerInspect(ctx, containerID)
		if errdefs.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return inspect.State.Running, nil
	})
}

// Stop retries with exponential backoff: the docker daemon under load
// sometimes refuses the first stop of a heavy container.
func (c *Container) Stop(ctx context.Context, options json.RawMessage, spawnerInstanceID string) error {
	containerID, err := parseContainerID(spawnerInstanceID)
	if err != nil {
		return nil
	}

	timeout := 10
	backoff := time.Second
	var lastErr error
	for range stopAttempts {
		err := c.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
		if err == nil || errdefs.IsNotFound(err) {
			_ = c.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return fmt.Errorf("stop container %s: %w", containerID, lastErr)
}

func (c *Container) CanStop(options json.RawMessage, spawnerInstanceID string) bool {
	_, err := parseContainerID(spawnerInstanceID)
	return err == nil
}

func (c *Container) stopAndRemove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	timeout := 10
	if err := c.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		c.logger.Error("Failed to stop container", "container_id", containerID, "error", err)
	}
	c.remove(containerID)
}

func (c *Container) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		c.logger.Error("Failed to remove container", "container_id", containerID, "error", err)
	}
}

func parseContainerID(blob string) (string, error) {
	var id containerInstanceID
	if err := json.Unmarshal([]byte(blob), &id); err != nil {
		return "", fmt.Errorf("spawner instance id: %w", err)
	}
	if id.ContainerID == "" {
		return "", fmt.Errorf("spawner instance id: missing container_id")
	}
	return id.ContainerID, nil
}
