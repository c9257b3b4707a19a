package erinyes

import (
	"time"

	"github.com/argus-triage/argus/pkg/domain"
	"github.com/argus-triage/argus/pkg/kampe"
)

// Config is fixed for the lifetime of one run.
type Config struct {
	// Unit is the template for the sandbox unit. Command and
	// Caps.NetworkKBps are always taken from Bootstrap; Name is generated
	// from NamePrefix when empty.
	Unit       kampe.UnitSpec
	Bootstrap  kampe.Bootstrap
	NamePrefix string

	Interval        time.Duration
	Deadline        time.Duration
	TeardownTimeout time.Duration

	// HostCPUs is used when a stats payload does not say how many CPUs it
	// was measured over.
	HostCPUs int
}

const (
	DefaultInterval        = time.Second
	DefaultDeadline        = 60 * time.Second
	DefaultTeardownTimeout = 2 * time.Minute
)

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Deadline <= 0 {
		c.Deadline = DefaultDeadline
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = DefaultTeardownTimeout
	}
	if c.NamePrefix == "" {
		c.NamePrefix = "argus"
	}
}

// Result is everything a finished run produced.
type Result struct {
	Unit     *domain.SandboxUnit
	Timeline domain.Timeline
	Report   domain.Report

	Reason      domain.ExitReason
	UnitError   string
	PollErr     error
	TeardownErr error
	Logs        string

	Ticks    int
	Started  time.Time
	Finished time.Time
}
