package domain

import (
	"time"

	"github.com/docker/docker/api/types/container"
)

// IDs

type UnitName string
type ProcessID string

// Unit lifecycle states as seen by the monitor.

type UnitState string

const (
	UnitStatePending  UnitState = "pending"
	UnitStateRunning  UnitState = "running"
	UnitStateFailed   UnitState = "failed"
	UnitStateComplete UnitState = "complete"
)

// Terminal reports whether the unit will not produce any further samples.
func (s UnitState) Terminal() bool {
	return s == UnitStateFailed || s == UnitStateComplete
}

// Resources

type ResourceCaps struct {
	MemoryBytes int64   `json:"memory_bytes" yaml:"memory_bytes"`
	NanoCPUs    int64   `json:"nano_cpus" yaml:"nano_cpus"`
	NetworkKBps float64 `json:"network_kbps" yaml:"network_kbps"`
}

// Mount binds a host path into the sandbox.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// SandboxUnit is the single runtime-managed execution context of one run.
// ProcessID is bound once through Observe and never rebound.
type SandboxUnit struct {
	Name      UnitName     `json:"name"`
	ServiceID string       `json:"service_id"`
	ProcessID ProcessID    `json:"process_id,omitempty"`
	State     UnitState    `json:"state"`
	Err       string       `json:"error,omitempty"`
	Image     string       `json:"image"`
	Mounts    []Mount      `json:"mounts"`
	Caps      ResourceCaps `json:"caps"`
	CreatedAt time.Time    `json:"created_at"`
}

// Observe records a backing process id. It returns true when pid differs from
// the one bound earlier, which callers treat as a respawn.
func (u *SandboxUnit) Observe(pid ProcessID) (respawned bool) {
	if pid == "" {
		return false
	}
	if u.ProcessID == "" {
		u.ProcessID = pid
		return false
	}
	return u.ProcessID != pid
}

// UnitStatus is one status observation of a unit.
type UnitStatus struct {
	State     UnitState `json:"state"`
	Err       string    `json:"error,omitempty"`
	ProcessID ProcessID `json:"process_id,omitempty"`
}

// Scheduled reports whether the runtime has bound the unit to a process.
func (s UnitStatus) Scheduled() bool {
	return s.ProcessID != ""
}

// Samples

// Sample holds the raw runtime stats and filesystem delta captured at one tick.
// SizeRw is nil when the runtime did not report a read/write layer size.
type Sample struct {
	Stats  container.StatsResponse `json:"stats"`
	SizeRw *int64                  `json:"size_rw,omitempty"`
}

// NetSample is one throughput reading in KB/s.
type NetSample float64

// Timeline is the append-only, tick-ordered record of one run.
type Timeline struct {
	Samples []Sample    `json:"samples"`
	Net     []NetSample `json:"net"`
}

func (t *Timeline) AddSample(s Sample) {
	t.Samples = append(t.Samples, s)
}

func (t *Timeline) AddNet(n NetSample) {
	t.Net = append(t.Net, n)
}

// Exit reasons for the polling phase.

type ExitReason string

const (
	ExitReasonTerminalState ExitReason = "terminal_state"
	ExitReasonDeadline      ExitReason = "deadline"
	ExitReasonRespawn       ExitReason = "respawn"
	ExitReasonCanceled      ExitReason = "canceled"
	ExitReasonError         ExitReason = "error"
)

// Report is the behavioural summary of one run.
type Report struct {
	Unit             UnitName      `json:"unit" yaml:"unit"`
	MaxMemoryRatio   float64       `json:"max_memory_ratio" yaml:"max_memory_ratio"`
	MaxCPURatio      float64       `json:"max_cpu_ratio" yaml:"max_cpu_ratio"`
	FilesystemGrowth int64         `json:"filesystem_growth_bytes" yaml:"filesystem_growth_bytes"`
	MaxNetworkKBps   float64       `json:"max_network_kbps" yaml:"max_network_kbps"`
	Reason           ExitReason    `json:"reason,omitempty" yaml:"reason,omitempty"`
	UnitError        string        `json:"unit_error,omitempty" yaml:"unit_error,omitempty"`
	PollError        string        `json:"poll_error,omitempty" yaml:"poll_error,omitempty"`
	Ticks            int           `json:"ticks" yaml:"ticks"`
	Duration         time.Duration `json:"duration" yaml:"duration"`
	Verdict          *Verdict      `json:"verdict,omitempty" yaml:"verdict,omitempty"`
}

// Verdict is the outcome of the triage rules for a report.
type Verdict struct {
	Suspicious bool     `json:"suspicious" yaml:"suspicious"`
	Matched    []string `json:"matched,omitempty" yaml:"matched,omitempty"`
}
