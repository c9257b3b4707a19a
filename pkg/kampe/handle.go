package kampe

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/api/types/container"

	"github.com/argus-triage/argus/pkg/domain"
)

var (
	// ErrNotYetScheduled is returned by stats calls made before the unit has a
	// backing process.
	ErrNotYetScheduled = errors.New("unit not yet scheduled")

	// ErrStaleReference is returned when the backing process exited between
	// the status check and the fetch. Callers skip the tick.
	ErrStaleReference = errors.New("backing process no longer exists")
)

// ProvisioningError reports that the cluster or the unit could not be set up.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed during %s: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// UnitSpec is everything needed to create a unit.
type UnitSpec struct {
	Name          domain.UnitName
	Image         string
	Command       []string
	RestartPolicy string
	Caps          domain.ResourceCaps
	Mounts        []domain.Mount
	TTY           bool
}

// SandboxHandle is the narrow capability surface the monitor drives. Every call
// may fail independently; none is atomic with another.
type SandboxHandle interface {
	// LeaveCluster removes this host from cluster membership. Idempotent.
	LeaveCluster(ctx context.Context) error
	// JoinCluster makes this host a single-node cluster manager.
	JoinCluster(ctx context.Context) error
	// Create schedules the unit. Failures are *ProvisioningError.
	Create(ctx context.Context, spec UnitSpec) (*domain.SandboxUnit, error)
	Status(ctx context.Context, unit *domain.SandboxUnit) (domain.UnitStatus, error)
	Stats(ctx context.Context, unit *domain.SandboxUnit) (container.StatsResponse, error)
	// Filesystem returns the read/write layer size of the unit's process,
	// nil when the runtime reports none.
	Filesystem(ctx context.Context, unit *domain.SandboxUnit) (*int64, error)
	Logs(ctx context.Context, unit *domain.SandboxUnit) (string, error)
	// Terminate force-removes every process of the unit, escalating to a kill
	// signal when removal times out.
	Terminate(ctx context.Context, unit *domain.SandboxUnit) error
	// Remove deletes the unit's cluster-level name.
	Remove(ctx context.Context, unit *domain.SandboxUnit) error
}
