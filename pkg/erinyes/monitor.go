package erinyes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/argus-triage/argus/pkg/domain"
	"github.com/argus-triage/argus/pkg/hermes"
	"github.com/argus-triage/argus/pkg/kampe"
	"github.com/argus-triage/argus/pkg/minos"
)

// Monitor drives one sandboxed run: Starting, Polling, Concluding, Done.
// It is single-use and not safe for concurrent use.
type Monitor struct {
	Handle  kampe.SandboxHandle
	Network NetworkSource
	Logger  hermes.Logger
	Metrics hermes.Metrics
	Config  Config

	// Now and Sleep are replaceable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewMonitor creates a Monitor. network may be nil when no side-channel is
// configured.
func NewMonitor(handle kampe.SandboxHandle, network NetworkSource, logger hermes.Logger, metrics hermes.Metrics, cfg Config) *Monitor {
	cfg.setDefaults()
	return &Monitor{
		Handle:  handle,
		Network: network,
		Logger:  logger,
		Metrics: metrics,
		Config:  cfg,
		Now:     time.Now,
		Sleep:   sleepContext,
	}
}

// Run executes the whole lifecycle. The only error returned is a
// *kampe.ProvisioningError from Starting, in which case nothing was created.
// Once the unit exists, every failure is recorded on the Result and teardown
// always runs.
func (m *Monitor) Run(ctx context.Context) (*Result, error) {
	unit, err := m.start(ctx)
	if err != nil {
		m.Metrics.IncCounter("argus_run_exit_total", 1, hermes.Label{Key: "reason", Value: "provisioning"})
		return nil, err
	}

	res := &Result{Unit: unit, Started: m.Now()}
	func() {
		defer m.conclude(ctx, res)
		m.poll(ctx, res)
	}()

	m.done(res)
	return res, nil
}

func (m *Monitor) start(ctx context.Context) (*domain.SandboxUnit, error) {
	// A crashed previous run may have left this host in a swarm.
	if err := m.Handle.LeaveCluster(ctx); err != nil {
		m.Logger.Warn(ctx, "Failed to leave stale cluster membership", map[string]any{"error": err})
	}

	if err := m.Handle.JoinCluster(ctx); err != nil {
		return nil, asProvisioning("cluster join", err)
	}

	spec := m.Config.Unit
	if spec.Name == "" {
		spec.Name = domain.UnitName(m.Config.NamePrefix + "-" + uuid.NewString()[:8])
	}
	// The recorded cap is the limit the bootstrap applies.
	spec.Command = m.Config.Bootstrap.Shell()
	spec.Caps.NetworkKBps = m.Config.Bootstrap.NetLimitKBps

	unit, err := m.Handle.Create(ctx, spec)
	if err != nil {
		return nil, asProvisioning("unit create", err)
	}

	m.Logger.Info(ctx, "Sandbox unit started", map[string]any{
		"unit":     unit.Name,
		"image":    spec.Image,
		"deadline": m.Config.Deadline.String(),
	})
	return unit, nil
}

func asProvisioning(op string, err error) error {
	var perr *kampe.ProvisioningError
	if errors.As(err, &perr) {
		return err
	}
	return &kampe.ProvisioningError{Op: op, Err: err}
}

// poll samples the unit once per interval until the unit reaches a terminal
// state, the deadline passes, the backing process changes, ctx is canceled,
// or a tick fails unexpectedly. Runtime calls share a budget of one interval
// past the deadline, so a hung call cannot extend polling.
func (m *Monitor) poll(ctx context.Context, res *Result) {
	defer func() {
		if r := recover(); r != nil {
			res.Reason = domain.ExitReasonError
			res.PollErr = fmt.Errorf("poll panicked: %v", r)
		}
	}()

	pctx, cancel := context.WithTimeout(ctx, m.Config.Deadline+m.Config.Interval)
	defer cancel()

	start := m.Now()
	for {
		tickStart := m.Now()
		if ctx.Err() != nil {
			res.Reason = domain.ExitReasonCanceled
			return
		}
		if pctx.Err() != nil || tickStart.Sub(start) > m.Config.Deadline {
			res.Reason = domain.ExitReasonDeadline
			return
		}

		res.Ticks++
		m.Metrics.IncCounter("argus_ticks_total", 1)

		reason, err := m.tick(pctx, res)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				res.Reason = domain.ExitReasonCanceled
			case pctx.Err() != nil:
				m.Logger.Warn(ctx, "Runtime call cut off at the deadline", map[string]any{"unit": res.Unit.Name, "error": err})
				res.Reason = domain.ExitReasonDeadline
			default:
				res.Reason = domain.ExitReasonError
				res.PollErr = err
			}
			return
		}
		if reason != "" {
			res.Reason = reason
			return
		}

		elapsed := m.Now().Sub(tickStart)
		m.Metrics.ObserveHistogram("argus_tick_seconds", elapsed.Seconds())
		if remaining := m.Config.Interval - elapsed; remaining > 0 {
			_ = m.Sleep(pctx, remaining)
		}
	}
}

// tick performs one observation. A non-empty reason ends polling.
func (m *Monitor) tick(ctx context.Context, res *Result) (domain.ExitReason, error) {
	unit := res.Unit

	status, err := m.Handle.Status(ctx, unit)
	if err != nil {
		return "", fmt.Errorf("status: %w", err)
	}
	unit.State = status.State
	if status.Err != "" {
		unit.Err = status.Err
	}
	if status.State.Terminal() {
		return domain.ExitReasonTerminalState, nil
	}

	m.sampleNetwork(ctx, res)

	if !status.Scheduled() {
		return "", nil
	}
	if unit.Observe(status.ProcessID) {
		m.Logger.Warn(ctx, "Backing process changed, stopping observation", map[string]any{
			"unit":     unit.Name,
			"original": unit.ProcessID,
			"observed": status.ProcessID,
		})
		return domain.ExitReasonRespawn, nil
	}

	return "", m.sampleSystem(ctx, res)
}

func (m *Monitor) sampleNetwork(ctx context.Context, res *Result) {
	if m.Network == nil {
		return
	}
	sample, ok, err := m.Network.Read(ctx)
	if err != nil {
		m.Logger.Warn(ctx, "Failed to read network side-channel", map[string]any{"error": err})
		return
	}
	if !ok {
		return
	}
	res.Timeline.AddNet(sample)
	m.Metrics.IncCounter("argus_samples_total", 1, hermes.Label{Key: "kind", Value: "network"})
}

// sampleSystem fetches stats and filesystem size. A race with the process
// exiting drops the sample; any other failure is returned.
func (m *Monitor) sampleSystem(ctx context.Context, res *Result) error {
	stats, err := m.Handle.Stats(ctx, res.Unit)
	if err != nil {
		return m.dropOrFail(ctx, "stats", err)
	}
	size, err := m.Handle.Filesystem(ctx, res.Unit)
	if err != nil {
		return m.dropOrFail(ctx, "filesystem", err)
	}

	res.Timeline.AddSample(domain.Sample{Stats: stats, SizeRw: size})
	m.Metrics.IncCounter("argus_samples_total", 1, hermes.Label{Key: "kind", Value: "system"})
	return nil
}

func (m *Monitor) dropOrFail(ctx context.Context, source string, err error) error {
	var reason string
	switch {
	case errors.Is(err, kampe.ErrStaleReference):
		reason = "stale_reference"
	case errors.Is(err, kampe.ErrNotYetScheduled):
		reason = "not_scheduled"
	default:
		return fmt.Errorf("%s: %w", source, err)
	}

	m.Logger.Debug(ctx, "Dropping system sample", map[string]any{"source": source, "reason": reason})
	m.Metrics.IncCounter("argus_samples_dropped_total", 1, hermes.Label{Key: "reason", Value: reason})
	return nil
}

// conclude tears the unit down. It runs on every exit path out of poll and
// ignores cancellation of ctx.
func (m *Monitor) conclude(ctx context.Context, res *Result) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.Config.TeardownTimeout)
	defer cancel()
	unit := res.Unit

	// Every step is guarded so a panic in one cannot skip the removal steps.
	err := guard("status", func() error {
		status, err := m.Handle.Status(tctx, unit)
		if err == nil && status.Err != "" {
			unit.Err = status.Err
		}
		return err
	})
	if err != nil {
		m.Logger.Debug(tctx, "Final status unavailable", map[string]any{"unit": unit.Name, "error": err})
	}
	if unit.Err != "" {
		res.UnitError = unit.Err
		m.Logger.Error(tctx, "Sandbox unit reported an error", map[string]any{
			"unit":  unit.Name,
			"error": unit.Err,
		})
	}

	var logs string
	err = guard("logs", func() (err error) {
		logs, err = m.Handle.Logs(tctx, unit)
		return err
	})
	if err != nil {
		m.Logger.Warn(tctx, "Failed to retrieve unit logs", map[string]any{"unit": unit.Name, "error": err})
	}
	res.Logs = logs
	m.Logger.Debug(tctx, "Unit logs", map[string]any{"unit": unit.Name, "logs": logs})

	res.TeardownErr = errors.Join(
		guard("terminate", func() error { return m.Handle.Terminate(tctx, unit) }),
		guard("remove", func() error { return m.Handle.Remove(tctx, unit) }),
		guard("leave", func() error { return m.Handle.LeaveCluster(tctx) }),
	)
	if res.TeardownErr != nil {
		m.Logger.Error(tctx, "Teardown incomplete", map[string]any{"unit": unit.Name, "error": res.TeardownErr})
	}

	res.Finished = m.Now()
	m.Logger.Info(tctx, "Sandbox unit torn down", map[string]any{
		"unit":   unit.Name,
		"reason": res.Reason,
		"ticks":  res.Ticks,
	})
}

// guard runs fn and turns a panic into an error.
func guard(step string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", step, r)
		}
	}()
	return fn()
}

func (m *Monitor) done(res *Result) {
	r := minos.Aggregate(res.Timeline, minos.Options{
		MemoryLimit: res.Unit.Caps.MemoryBytes,
		HostCPUs:    m.Config.HostCPUs,
	})
	r.Unit = res.Unit.Name
	r.Reason = res.Reason
	r.UnitError = res.UnitError
	if res.PollErr != nil {
		r.PollError = res.PollErr.Error()
	}
	r.Ticks = res.Ticks
	r.Duration = res.Finished.Sub(res.Started)
	res.Report = r

	m.Metrics.IncCounter("argus_run_exit_total", 1, hermes.Label{Key: "reason", Value: string(res.Reason)})
	m.Metrics.SetGauge("argus_report_memory_ratio", r.MaxMemoryRatio)
	m.Metrics.SetGauge("argus_report_cpu_ratio", r.MaxCPURatio)
	m.Metrics.SetGauge("argus_report_filesystem_bytes", float64(r.FilesystemGrowth))
	m.Metrics.SetGauge("argus_report_network_kbps", r.MaxNetworkKBps)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
