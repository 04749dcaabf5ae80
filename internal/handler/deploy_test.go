package handler

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rvql/ringmaster/internal/model"
)

// fakeDockerClient records calls and serves canned listings.
type fakeDockerClient struct {
	localImages []image.Summary
	running     []types.Container

	pulled  []string
	stopped []string
	removed []string
	started []string
	created []string
}

func (f *fakeDockerClient) ImageList(_ context.Context, _ image.ListOptions) ([]image.Summary, error) {
	return f.localImages, nil
}

func (f *fakeDockerClient) ImagePull(_ context.Context, refStr string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulled = append(f.pulled, refStr)
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeDockerClient) ContainerList(_ context.Context, _ container.ListOptions) ([]types.Container, error) {
	return f.running, nil
}

func (f *fakeDockerClient) ContainerStop(_ context.Context, containerID string, _ container.StopOptions) error {
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeDockerClient) ContainerRemove(_ context.Context, containerID string, _ container.RemoveOptions) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeDockerClient) ContainerCreate(_ context.Context, config *container.Config, _ *container.HostConfig,
	_ *network.NetworkingConfig, _ *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	f.created = append(f.created, containerName+":"+config.Image)
	return container.CreateResponse{ID: "new-container-id"}, nil
}

func (f *fakeDockerClient) ContainerStart(_ context.Context, containerID string, _ container.StartOptions) error {
	f.started = append(f.started, containerID)
	return nil
}

func deployTask(t *testing.T, payload DeployPayload) *model.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &model.Task{ID: "deploy-1", Type: "deploy", Payload: data}
}

func TestDeployFreshContainer(t *testing.T) {
	docker := &fakeDockerClient{}
	h := NewDeployHandlerWithClient(docker, zap.NewNop())

	result, err := h.Execute(context.Background(), deployTask(t, DeployPayload{
		ContainerName: "app",
		Image:         "registry.local/app:1.2.3",
	}))
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCompleted, result.Status)

	assert.Equal(t, []string{"registry.local/app:1.2.3"}, docker.pulled)
	assert.Empty(t, docker.stopped)
	assert.Empty(t, docker.removed)
	assert.Equal(t, []string{"app:registry.local/app:1.2.3"}, docker.created)
	assert.Equal(t, []string{"new-container-id"}, docker.started)

	var report DeployReport
	require.NoError(t, json.Unmarshal(result.Result, &report))
	assert.Equal(t, "new-container-id", report.ContainerID)
	assert.Equal(t, "registry.local/app:1.2.3", report.Image)
	assert.False(t, report.Replaced)
}

func TestDeployReplacesExisting(t *testing.T) {
	docker := &fakeDockerClient{
		running: []types.Container{{ID: "old-container-id"}},
	}
	h := NewDeployHandlerWithClient(docker, zap.NewNop())

	result, err := h.Execute(context.Background(), deployTask(t, DeployPayload{
		ContainerName:      "app",
		Image:              "registry.local/app:2.0.0",
		StopTimeoutSeconds: 5,
	}))
	require.NoError(t, err)
	require.Equal(t, model.TaskStatusCompleted, result.Status)

	assert.Equal(t, []string{"old-container-id"}, docker.stopped)
	assert.Equal(t, []string{"old-container-id"}, docker.removed)
	assert.Equal(t, []string{"new-container-id"}, docker.started)

	var report DeployReport
	require.NoError(t, json.Unmarshal(result.Result, &report))
	assert.True(t, report.Replaced)
}

func TestDeploySkipsPullWhenImagePresent(t *testing.T) {
	docker := &fakeDockerClient{
		localImages: []image.Summary{{ID: "sha256:abc"}},
	}
	h := NewDeployHandlerWithClient(docker, zap.NewNop())

	_, err := h.Execute(context.Background(), deployTask(t, DeployPayload{
		ContainerName: "app",
		Image:         "registry.local/app:1.2.3",
	}))
	require.NoError(t, err)
	assert.Empty(t, docker.pulled)
}

func TestDeployValidation(t *testing.T) {
	h := NewDeployHandlerWithClient(&fakeDockerClient{}, zap.NewNop())

	_, err := h.Execute(context.Background(), deployTask(t, DeployPayload{Image: "app:latest"}))
	require.Error(t, err)

	_, err = h.Execute(context.Background(), deployTask(t, DeployPayload{ContainerName: "app"}))
	require.Error(t, err)
}
