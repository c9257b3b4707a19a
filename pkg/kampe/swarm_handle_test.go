package kampe

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-triage/argus/pkg/domain"
	"github.com/argus-triage/argus/pkg/hermes"
)

type fakeEngine struct {
	mu sync.Mutex

	initErr   error
	createErr error
	created   []swarm.ServiceSpec
	tasks     []swarm.Task
	stats     container.StatsResponse
	sizes     map[string]int64
	logs      string
	children  []string
	hangOn    map[string]bool
	removeErr error

	removedContainers []string
	killed            []string
	removedServices   []string
	leaves            int
}

func (f *fakeEngine) SwarmInit(ctx context.Context, advertiseAddr string) error { return f.initErr }

func (f *fakeEngine) SwarmLeave(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeEngine) CreateService(ctx context.Context, spec swarm.ServiceSpec) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, spec)
	return "svc-1", nil
}

func (f *fakeEngine) RemoveService(ctx context.Context, serviceID string) error {
	f.removedServices = append(f.removedServices, serviceID)
	return nil
}

func (f *fakeEngine) ServiceLogs(ctx context.Context, serviceID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logs)), nil
}

func (f *fakeEngine) Tasks(ctx context.Context, serviceName string) ([]swarm.Task, error) {
	return f.tasks, nil
}

func (f *fakeEngine) Stats(ctx context.Context, containerID string) (container.StatsResponse, error) {
	return f.stats, nil
}

func (f *fakeEngine) ContainerSize(ctx context.Context, containerID string) (int64, bool, error) {
	size, ok := f.sizes[containerID]
	return size, ok, nil
}

func (f *fakeEngine) ServiceContainers(ctx context.Context, serviceName string) ([]string, error) {
	return f.children, nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, containerID string) error {
	if f.hangOn[containerID] {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.removeErr != nil {
		return f.removeErr
	}
	f.mu.Lock()
	f.removedContainers = append(f.removedContainers, containerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) KillContainer(ctx context.Context, containerID, signal string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, containerID+":"+signal)
	return nil
}

func newTestHandle(e *fakeEngine) *SwarmHandle {
	return newSwarmHandle(e, hermes.NewNopLogger(), SwarmOptions{RemoveTimeout: 20 * time.Millisecond})
}

func TestSwarmHandle_Create(t *testing.T) {
	e := &fakeEngine{}
	h := newTestHandle(e)

	spec := UnitSpec{
		Name:          "argus-1234abcd",
		Image:         "ubuntu",
		Command:       []string{"bash", "-c", "true"},
		RestartPolicy: "on-failure",
		Caps:          domain.ResourceCaps{MemoryBytes: 2e9, NanoCPUs: 1e9, NetworkKBps: 100},
		Mounts:        []domain.Mount{{Source: "/srv/helpers", Target: "/tmp"}},
		TTY:           true,
	}
	unit, err := h.Create(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, domain.UnitName("argus-1234abcd"), unit.Name)
	assert.Equal(t, "svc-1", unit.ServiceID)
	assert.Equal(t, domain.UnitStatePending, unit.State)
	assert.Empty(t, unit.ProcessID)
	assert.Equal(t, spec.Caps, unit.Caps)

	require.Len(t, e.created, 1)
	svc := e.created[0]
	assert.Equal(t, "argus-1234abcd", svc.Annotations.Name)
	assert.Equal(t, "ubuntu", svc.TaskTemplate.ContainerSpec.Image)
	assert.True(t, svc.TaskTemplate.ContainerSpec.TTY)
	assert.Equal(t, int64(2e9), svc.TaskTemplate.Resources.Limits.MemoryBytes)
	assert.Equal(t, int64(1e9), svc.TaskTemplate.Resources.Limits.NanoCPUs)
	assert.Equal(t, swarm.RestartPolicyConditionOnFailure, svc.TaskTemplate.RestartPolicy.Condition)
	require.Len(t, svc.TaskTemplate.ContainerSpec.Mounts, 1)
	assert.Equal(t, mount.TypeBind, svc.TaskTemplate.ContainerSpec.Mounts[0].Type)
	assert.Equal(t, "/tmp", svc.TaskTemplate.ContainerSpec.Mounts[0].Target)
}

func TestSwarmHandle_ProvisioningErrors(t *testing.T) {
	boom := errors.New("daemon unavailable")

	h := newTestHandle(&fakeEngine{createErr: boom})
	_, err := h.Create(context.Background(), UnitSpec{Name: "u"})
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "service create", perr.Op)
	assert.ErrorIs(t, err, boom)

	h = newTestHandle(&fakeEngine{initErr: boom})
	err = h.JoinCluster(context.Background())
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "swarm init", perr.Op)
}

func TestSwarmHandle_Status(t *testing.T) {
	now := time.Now()
	e := &fakeEngine{}
	h := newTestHandle(e)
	unit := &domain.SandboxUnit{Name: "u"}

	status, err := h.Status(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, domain.UnitStatePending, status.State)
	assert.False(t, status.Scheduled())

	e.tasks = []swarm.Task{
		{
			Meta: swarm.Meta{CreatedAt: now.Add(-time.Minute)},
			Status: swarm.TaskStatus{
				State:           swarm.TaskStateFailed,
				Err:             "exit 137",
				ContainerStatus: &swarm.ContainerStatus{ContainerID: "old"},
			},
		},
		{
			Meta: swarm.Meta{CreatedAt: now},
			Status: swarm.TaskStatus{
				State:           swarm.TaskStateRunning,
				ContainerStatus: &swarm.ContainerStatus{ContainerID: "new"},
			},
		},
	}
	status, err = h.Status(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, domain.UnitStateRunning, status.State)
	assert.Equal(t, domain.ProcessID("new"), status.ProcessID)
	assert.Empty(t, status.Err)
}

func TestTaskState(t *testing.T) {
	assert.Equal(t, domain.UnitStatePending, taskState(swarm.TaskStatePreparing))
	assert.Equal(t, domain.UnitStateRunning, taskState(swarm.TaskStateRunning))
	assert.Equal(t, domain.UnitStateComplete, taskState(swarm.TaskStateComplete))
	assert.Equal(t, domain.UnitStateFailed, taskState(swarm.TaskStateRejected))
	assert.Equal(t, domain.UnitStateFailed, taskState(swarm.TaskStateShutdown))
}

func TestSwarmHandle_StatsAndFilesystem(t *testing.T) {
	e := &fakeEngine{sizes: map[string]int64{"c1": 4096}}
	e.stats.MemoryStats.Usage = 42
	h := newTestHandle(e)

	unit := &domain.SandboxUnit{Name: "u"}
	_, err := h.Stats(context.Background(), unit)
	assert.ErrorIs(t, err, ErrNotYetScheduled)
	_, err = h.Filesystem(context.Background(), unit)
	assert.ErrorIs(t, err, ErrNotYetScheduled)

	unit.ProcessID = "c1"
	stats, err := h.Stats(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), stats.MemoryStats.Usage)

	size, err := h.Filesystem(context.Background(), unit)
	require.NoError(t, err)
	require.NotNil(t, size)
	assert.Equal(t, int64(4096), *size)

	unit.ProcessID = "gone"
	_, err = h.Filesystem(context.Background(), unit)
	assert.ErrorIs(t, err, ErrStaleReference)
}

func TestSwarmHandle_TerminateEscalatesToKill(t *testing.T) {
	e := &fakeEngine{
		children: []string{"c1", "c2"},
		hangOn:   map[string]bool{"c2": true},
	}
	h := newTestHandle(e)

	err := h.Terminate(context.Background(), &domain.SandboxUnit{Name: "u"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, e.removedContainers)
	assert.Equal(t, []string{"c2:SIGKILL"}, e.killed)
}

func TestSwarmHandle_TerminateReportsOtherErrors(t *testing.T) {
	e := &fakeEngine{children: []string{"c1"}, removeErr: errors.New("conflict")}
	h := newTestHandle(e)

	err := h.Terminate(context.Background(), &domain.SandboxUnit{Name: "u"})
	assert.ErrorContains(t, err, "conflict")
	assert.Empty(t, e.killed)
}

func TestSwarmHandle_RemoveAndLogs(t *testing.T) {
	e := &fakeEngine{logs: "hello\nworld\n"}
	h := newTestHandle(e)
	unit := &domain.SandboxUnit{Name: "u", ServiceID: "svc-9"}

	require.NoError(t, h.Remove(context.Background(), unit))
	assert.Equal(t, []string{"svc-9"}, e.removedServices)

	logs, err := h.Logs(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", logs)

	require.NoError(t, h.LeaveCluster(context.Background()))
	assert.Equal(t, 1, e.leaves)
}
