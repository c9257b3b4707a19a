package kampe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"

	"github.com/argus-triage/argus/pkg/domain"
	"github.com/argus-triage/argus/pkg/hermes"
)

// DefaultRemoveTimeout bounds a graceful container removal before escalation.
const DefaultRemoveTimeout = 10 * time.Second

// SwarmHandle runs each unit as a single-replica Docker Swarm service.
type SwarmHandle struct {
	engine        engine
	logger        hermes.Logger
	advertiseAddr string
	removeTimeout time.Duration
}

// SwarmOptions tune a SwarmHandle.
type SwarmOptions struct {
	AdvertiseAddr string
	RemoveTimeout time.Duration
}

// NewSwarmHandle wraps an already connected Docker client. The caller owns cli.
func NewSwarmHandle(cli *client.Client, logger hermes.Logger, opts SwarmOptions) *SwarmHandle {
	return newSwarmHandle(&dockerEngine{client: cli}, logger, opts)
}

func newSwarmHandle(e engine, logger hermes.Logger, opts SwarmOptions) *SwarmHandle {
	if opts.RemoveTimeout <= 0 {
		opts.RemoveTimeout = DefaultRemoveTimeout
	}
	return &SwarmHandle{
		engine:        e,
		logger:        logger,
		advertiseAddr: opts.AdvertiseAddr,
		removeTimeout: opts.RemoveTimeout,
	}
}

func (h *SwarmHandle) LeaveCluster(ctx context.Context) error {
	if err := h.engine.SwarmLeave(ctx); err != nil {
		return fmt.Errorf("failed to leave swarm: %w", err)
	}
	return nil
}

func (h *SwarmHandle) JoinCluster(ctx context.Context) error {
	if err := h.engine.SwarmInit(ctx, h.advertiseAddr); err != nil {
		return &ProvisioningError{Op: "swarm init", Err: err}
	}
	return nil
}

func (h *SwarmHandle) Create(ctx context.Context, spec UnitSpec) (*domain.SandboxUnit, error) {
	svc := serviceSpec(spec)
	id, err := h.engine.CreateService(ctx, svc)
	if err != nil {
		return nil, &ProvisioningError{Op: "service create", Err: err}
	}

	h.logger.Info(ctx, "Sandbox unit created", map[string]any{
		"unit":       spec.Name,
		"service_id": id,
		"image":      spec.Image,
	})

	return &domain.SandboxUnit{
		Name:      spec.Name,
		ServiceID: id,
		State:     domain.UnitStatePending,
		Image:     spec.Image,
		Mounts:    append([]domain.Mount(nil), spec.Mounts...),
		Caps:      spec.Caps,
		CreatedAt: time.Now(),
	}, nil
}

func serviceSpec(spec UnitSpec) swarm.ServiceSpec {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	return swarm.ServiceSpec{
		Annotations: swarm.Annotations{Name: string(spec.Name)},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image:   spec.Image,
				Command: spec.Command,
				TTY:     spec.TTY,
				Mounts:  mounts,
			},
			Resources: &swarm.ResourceRequirements{
				Limits: &swarm.Limit{
					NanoCPUs:    spec.Caps.NanoCPUs,
					MemoryBytes: spec.Caps.MemoryBytes,
				},
			},
			RestartPolicy: &swarm.RestartPolicy{
				Condition: swarm.RestartPolicyCondition(spec.RestartPolicy),
			},
		},
	}
}

// Status reports on the newest task of the unit's service. Older tasks of a
// restarted service are ignored.
func (h *SwarmHandle) Status(ctx context.Context, unit *domain.SandboxUnit) (domain.UnitStatus, error) {
	tasks, err := h.engine.Tasks(ctx, string(unit.Name))
	if err != nil {
		return domain.UnitStatus{}, fmt.Errorf("failed to list tasks: %w", err)
	}
	if len(tasks) == 0 {
		return domain.UnitStatus{State: domain.UnitStatePending}, nil
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Meta.CreatedAt.After(tasks[j].Meta.CreatedAt)
	})
	task := tasks[0]

	status := domain.UnitStatus{
		State: taskState(task.Status.State),
		Err:   task.Status.Err,
	}
	if cs := task.Status.ContainerStatus; cs != nil {
		status.ProcessID = domain.ProcessID(cs.ContainerID)
	}
	return status, nil
}

func taskState(s swarm.TaskState) domain.UnitState {
	switch s {
	case swarm.TaskStateRunning:
		return domain.UnitStateRunning
	case swarm.TaskStateComplete:
		return domain.UnitStateComplete
	case swarm.TaskStateFailed, swarm.TaskStateRejected, swarm.TaskStateShutdown,
		swarm.TaskStateOrphaned, swarm.TaskStateRemove:
		return domain.UnitStateFailed
	default:
		return domain.UnitStatePending
	}
}

func (h *SwarmHandle) Stats(ctx context.Context, unit *domain.SandboxUnit) (container.StatsResponse, error) {
	if unit.ProcessID == "" {
		return container.StatsResponse{}, ErrNotYetScheduled
	}
	return h.engine.Stats(ctx, string(unit.ProcessID))
}

func (h *SwarmHandle) Filesystem(ctx context.Context, unit *domain.SandboxUnit) (*int64, error) {
	if unit.ProcessID == "" {
		return nil, ErrNotYetScheduled
	}
	size, found, err := h.engine.ContainerSize(ctx, string(unit.ProcessID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrStaleReference
	}
	return &size, nil
}

func (h *SwarmHandle) Logs(ctx context.Context, unit *domain.SandboxUnit) (string, error) {
	rc, err := h.engine.ServiceLogs(ctx, unit.ServiceID)
	if err != nil {
		return "", fmt.Errorf("failed to fetch service logs: %w", err)
	}
	defer rc.Close()

	// Services run with a TTY, so the stream is not multiplexed.
	data, err := io.ReadAll(rc)
	if err != nil {
		return string(data), fmt.Errorf("failed to read service logs: %w", err)
	}
	return string(data), nil
}

func (h *SwarmHandle) Terminate(ctx context.Context, unit *domain.SandboxUnit) error {
	ids, err := h.engine.ServiceContainers(ctx, string(unit.Name))
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range ids {
		if err := h.removeContainer(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// removeContainer force-removes a container. Removal is known to hang under
// resource exhaustion (fork bombs), so a timeout escalates to SIGKILL.
func (h *SwarmHandle) removeContainer(ctx context.Context, id string) error {
	rctx, cancel := context.WithTimeout(ctx, h.removeTimeout)
	defer cancel()

	err := h.engine.RemoveContainer(rctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}

	h.logger.Warn(ctx, "Container removal timed out, sending SIGKILL", map[string]any{
		"container_id": id,
		"timeout":      h.removeTimeout.String(),
	})
	if err := h.engine.KillContainer(ctx, id, "SIGKILL"); err != nil {
		return fmt.Errorf("failed to kill container %s: %w", id, err)
	}
	return nil
}

func (h *SwarmHandle) Remove(ctx context.Context, unit *domain.SandboxUnit) error {
	target := unit.ServiceID
	if target == "" {
		target = string(unit.Name)
	}
	if err := h.engine.RemoveService(ctx, target); err != nil {
		return fmt.Errorf("failed to remove service %s: %w", unit.Name, err)
	}
	return nil
}

var _ SandboxHandle = (*SwarmHandle)(nil)
