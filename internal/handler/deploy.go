package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

// DeployPayload represents the payload for deploy tasks: roll the named
// container over to a new image.
type DeployPayload struct {
	ContainerName string   `json:"container_name"`
	Image         string   `json:"image"`
	Cmd           []string `json:"cmd"`
	Env           []string `json:"env"`

	// StopTimeoutSeconds bounds the graceful stop of the old container.
	StopTimeoutSeconds int `json:"stop_timeout_seconds"`
}

// DeployReport is the result payload of a deploy task
type DeployReport struct {
	ContainerID string    `json:"container_id"`
	Image       string    `json:"image"`
	Replaced    bool      `json:"replaced"`
	DeployedAt  time.Time `json:"deployed_at"`
}

// DockerClient is the slice of the Docker API the deploy handler needs.
type DockerClient interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
}

// DeployHandler rolls application containers to a new image on the device.
type DeployHandler struct {
	logger *zap.Logger
	docker DockerClient
}

// NewDeployHandler connects to the local Docker daemon.
func NewDeployHandler(logger *zap.Logger) (*DeployHandler, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewDeployHandlerWithClient(cli, logger), nil
}

// NewDeployHandlerWithClient wraps an existing Docker client, for tests.
func NewDeployHandlerWithClient(docker DockerClient, logger *zap.Logger) *DeployHandler {
	return &DeployHandler{
		logger: logger.Named("deploy"),
		docker: docker,
	}
}

// Execute pulls the requested image, replaces the named container, and
// starts the new one.
func (h *DeployHandler) Execute(ctx context.Context, task *model.Task) (*model.TaskResult, error) {
	var payload DeployPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.ContainerName == "" || payload.Image == "" {
		return nil, fmt.Errorf("container_name and image are required")
	}

	h.logger.Info("Deploying container",
		zap.String("task_id", task.ID),
		zap.String("container", payload.ContainerName),
		zap.String("image", payload.Image))

	if err := h.pullIfMissing(ctx, payload.Image); err != nil {
		return nil, err
	}

	replaced, err := h.removeExisting(ctx, payload)
	if err != nil {
		return nil, err
	}

	created, err := h.docker.ContainerCreate(ctx, &container.Config{
		Image: payload.Image,
		Cmd:   payload.Cmd,
		Env:   payload.Env,
	}, nil, nil, nil, payload.ContainerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create container %s: %w", payload.ContainerName, err)
	}

	if err := h.docker.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container %s: %w", payload.ContainerName, err)
	}

	report, err := json.Marshal(DeployReport{
		ContainerID: created.ID,
		Image:       payload.Image,
		Replaced:    replaced,
		DeployedAt:  time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report: %w", err)
	}

	return &model.TaskResult{
		TaskID:      task.ID,
		Status:      model.TaskStatusCompleted,
		Result:      report,
		CompletedAt: time.Now(),
	}, nil
}

// pullIfMissing pulls the image unless it is already present locally.
func (h *DeployHandler) pullIfMissing(ctx context.Context, ref string) error {
	filter := filters.NewArgs()
	filter.Add("reference", ref)

	images, err := h.docker.ImageList(ctx, image.ListOptions{Filters: filter})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(images) > 0 {
		return nil
	}

	reader, err := h.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to read image pull output: %w", err)
	}
	return nil
}

// removeExisting stops and removes the current container with the target
// name, reporting whether one was there.
func (h *DeployHandler) removeExisting(ctx context.Context, payload DeployPayload) (bool, error) {
	filter := filters.NewArgs()
	filter.Add("name", payload.ContainerName)

	containers, err := h.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: filter})
	if err != nil {
		return false, fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		return false, nil
	}

	var stopTimeout *int
	if payload.StopTimeoutSeconds > 0 {
		stopTimeout = &payload.StopTimeoutSeconds
	}

	for _, c := range containers {
		if err := h.docker.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: stopTimeout}); err != nil {
			h.logger.Warn("Failed to stop old container, forcing removal",
				zap.String("container_id", c.ID),
				zap.Error(err))
		}
		if err := h.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			return false, fmt.Errorf("failed to remove container %s: %w", c.ID, err)
		}
	}
	return true, nil
}
