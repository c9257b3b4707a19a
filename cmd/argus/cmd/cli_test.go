package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-triage/argus/pkg/config"
	"github.com/argus-triage/argus/pkg/domain"
	"github.com/argus-triage/argus/pkg/hermes"
	"github.com/argus-triage/argus/pkg/kampe"
)

// scriptedHandle runs a unit that stays up for a few ticks, then fails.
type scriptedHandle struct {
	ticks   int
	calls   int
	spec    kampe.UnitSpec
	removed bool
}

func (h *scriptedHandle) LeaveCluster(ctx context.Context) error { return nil }
func (h *scriptedHandle) JoinCluster(ctx context.Context) error  { return nil }

func (h *scriptedHandle) Create(ctx context.Context, spec kampe.UnitSpec) (*domain.SandboxUnit, error) {
	h.spec = spec
	return &domain.SandboxUnit{Name: spec.Name, ServiceID: "svc", Caps: spec.Caps}, nil
}

func (h *scriptedHandle) Status(ctx context.Context, unit *domain.SandboxUnit) (domain.UnitStatus, error) {
	h.calls++
	if h.calls > h.ticks {
		return domain.UnitStatus{State: domain.UnitStateFailed, Err: "task: non-zero exit (1)", ProcessID: "c1"}, nil
	}
	return domain.UnitStatus{State: domain.UnitStateRunning, ProcessID: "c1"}, nil
}

func (h *scriptedHandle) Stats(ctx context.Context, unit *domain.SandboxUnit) (container.StatsResponse, error) {
	var s container.StatsResponse
	s.MemoryStats.Usage = 500
	s.MemoryStats.Limit = 1000
	s.PreCPUStats.SystemUsage = 100
	s.CPUStats.SystemUsage = 200
	s.CPUStats.CPUUsage.TotalUsage = 25
	s.CPUStats.OnlineCPUs = 1
	return s, nil
}

func (h *scriptedHandle) Filesystem(ctx context.Context, unit *domain.SandboxUnit) (*int64, error) {
	size := int64(1536)
	return &size, nil
}

func (h *scriptedHandle) Logs(ctx context.Context, unit *domain.SandboxUnit) (string, error) {
	return "Segmentation fault\n", nil
}

func (h *scriptedHandle) Terminate(ctx context.Context, unit *domain.SandboxUnit) error { return nil }

func (h *scriptedHandle) Remove(ctx context.Context, unit *domain.SandboxUnit) error {
	h.removed = true
	return nil
}

func factoryFor(h kampe.SandboxHandle, err error) handleFactory {
	return func(ctx context.Context, cfg *config.Config, logger hermes.Logger) (kampe.SandboxHandle, func(), error) {
		if err != nil {
			return nil, nil, err
		}
		return h, func() {}, nil
	}
}

func execute(t *testing.T, factory handleFactory, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd(factory)
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

type fixture struct {
	helper   string
	sample   string
	reports  string
	textfile string
	redis    *miniredis.Miniredis
	redisKey string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	f := &fixture{
		helper:   t.TempDir(),
		reports:  filepath.Join(t.TempDir(), "reports"),
		textfile: filepath.Join(t.TempDir(), "argus.prom"),
		redis:    miniredis.RunT(t),
		redisKey: "argus:failures",
	}
	f.sample = filepath.Join(f.helper, "samples", "dropper.sh")
	require.NoError(t, os.MkdirAll(filepath.Dir(f.sample), 0o755))
	require.NoError(t, os.WriteFile(f.sample, []byte("#!/bin/bash\nexit 1\n"), 0o644))

	t.Setenv("ARGUS_DEADLETTER_REDIS_ADDR", f.redis.Addr())
	t.Setenv("ARGUS_METRICS_TEXTFILE", f.textfile)
	return f
}

func (f *fixture) runArgs(extra ...string) []string {
	args := []string{
		"run", f.sample,
		"--helper-dir", f.helper,
		"--report-dir", f.reports,
		"--interval", "1ms",
		"--max-duration", "5s",
		"--log-level", "ERROR",
	}
	return append(args, extra...)
}

func TestRun_ReportArchivedAndFailureRecorded(t *testing.T) {
	f := newFixture(t)
	h := &scriptedHandle{ticks: 3}

	stdout, _, err := execute(t, factoryFor(h, nil), f.runArgs("-o", "json", "--net-limit", "64")...)
	require.NoError(t, err)

	var report domain.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.True(t, strings.HasPrefix(string(report.Unit), "argus-"))
	assert.Equal(t, domain.ExitReasonTerminalState, report.Reason)
	assert.Equal(t, "task: non-zero exit (1)", report.UnitError)
	assert.InDelta(t, 0.5, report.MaxMemoryRatio, 1e-9)
	assert.InDelta(t, 0.25, report.MaxCPURatio, 1e-9)
	assert.Equal(t, int64(1536), report.FilesystemGrowth)
	require.NotNil(t, report.Verdict)
	assert.False(t, report.Verdict.Suspicious)

	// unit spec derived from config
	assert.Equal(t, "ubuntu", h.spec.Image)
	assert.Equal(t, 64.0, h.spec.Caps.NetworkKBps)
	assert.Equal(t, []domain.Mount{{Source: f.helper, Target: "/tmp"}}, h.spec.Mounts)
	assert.Contains(t, h.spec.Command[2], "trickle -d 64 -u 64 bash /tmp/samples/dropper.sh")
	assert.True(t, h.removed)

	assert.FileExists(t, filepath.Join(f.reports, string(report.Unit), "report.json"))
	logs, err := os.ReadFile(filepath.Join(f.reports, string(report.Unit), "logs.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Segmentation fault\n", string(logs))

	items, err := f.redis.List(f.redisKey)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0], `"kind":"unit_error"`)

	prom, err := os.ReadFile(f.textfile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "argus_ticks_total")
	assert.Contains(t, string(prom), `argus_run_exit_total{reason="terminal_state"} 1`)
}

func TestRun_SuspiciousVerdictExitCode(t *testing.T) {
	f := newFixture(t)

	stdout, _, err := execute(t, factoryFor(&scriptedHandle{ticks: 2}, nil),
		f.runArgs("--rule", "memory >= 0.5", "--rule", "net_kbps > 1000.0")...)

	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, ExitSuspicious, ee.Code)
	assert.Contains(t, ee.Msg, "memory >= 0.5")

	assert.Contains(t, stdout, "Max Memory Usage is 50%, Max CPU Usage is 25%")
	assert.Contains(t, stdout, "Increase in Size of Filesystem: 1.50 KB")
	assert.Contains(t, stdout, "Max Network Usage is 0 KB/s")
	assert.Contains(t, stdout, "Verdict: SUSPICIOUS (memory >= 0.5)")
}

func TestRun_VerdictDisabled(t *testing.T) {
	f := newFixture(t)

	stdout, _, err := execute(t, factoryFor(&scriptedHandle{ticks: 2}, nil),
		f.runArgs("--rule", "memory >= 0.5", "--verdict=false", "-o", "json")...)
	require.NoError(t, err)

	var report domain.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	require.NotNil(t, report.Verdict)
	assert.False(t, report.Verdict.Suspicious)
}

func TestRun_InvalidRuleFailsBeforeProvisioning(t *testing.T) {
	f := newFixture(t)
	h := &scriptedHandle{}

	_, _, err := execute(t, factoryFor(h, nil), f.runArgs("--rule", "memory >")...)
	assert.ErrorContains(t, err, "invalid rule")
	assert.Empty(t, h.spec.Name)
}

func TestRun_ProvisioningFailureRecorded(t *testing.T) {
	f := newFixture(t)
	boom := &kampe.ProvisioningError{Op: "docker connect", Err: errors.New("connection refused")}

	_, _, err := execute(t, factoryFor(nil, boom), f.runArgs()...)
	var perr *kampe.ProvisioningError
	require.ErrorAs(t, err, &perr)

	items, err := f.redis.List(f.redisKey)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Contains(t, items[0], `"kind":"provisioning"`)
	assert.Contains(t, items[0], "connection refused")
}

func TestFailures_List(t *testing.T) {
	f := newFixture(t)
	boom := &kampe.ProvisioningError{Op: "docker connect", Err: errors.New("connection refused")}
	_, _, err := execute(t, factoryFor(nil, boom), f.runArgs()...)
	require.Error(t, err)
	_, _, err = execute(t, factoryFor(&scriptedHandle{ticks: 1}, nil), f.runArgs()...)
	require.NoError(t, err)

	out, _, err := execute(t, nil, "failures")
	require.NoError(t, err)
	assert.Contains(t, out, "KIND")
	assert.Contains(t, out, "provisioning")
	assert.Contains(t, out, "unit_error")

	out, _, err = execute(t, nil, "failures", "--limit", "1", "-o", "json")
	require.NoError(t, err)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "unit_error", recs[0]["kind"])
}

func TestFailures_RequiresRedis(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, _, err := execute(t, nil, "failures")
	assert.ErrorContains(t, err, "deadletter.redis_addr")
}

func TestRun_TargetOutsideHelperDir(t *testing.T) {
	f := newFixture(t)
	outside := filepath.Join(t.TempDir(), "x.sh")
	require.NoError(t, os.WriteFile(outside, []byte("true\n"), 0o644))

	_, _, err := execute(t, factoryFor(&scriptedHandle{}, nil), "run", outside, "--helper-dir", f.helper)
	assert.ErrorContains(t, err, "outside helper_dir")
}

func TestRun_UnknownOutputFormat(t *testing.T) {
	f := newFixture(t)
	_, _, err := execute(t, factoryFor(&scriptedHandle{}, nil), f.runArgs("-o", "xml")...)
	assert.ErrorContains(t, err, "unknown output format")
}

func TestReport_GetAndDelete(t *testing.T) {
	f := newFixture(t)

	stdout, _, err := execute(t, factoryFor(&scriptedHandle{ticks: 1}, nil), f.runArgs("-o", "json")...)
	require.NoError(t, err)
	var report domain.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	unit := string(report.Unit)

	out, _, err := execute(t, nil, "report", "get", unit, "--report-dir", f.reports, "-o", "yaml", "--logs")
	require.NoError(t, err)
	assert.Contains(t, out, "unit: "+unit)
	assert.Contains(t, out, "Segmentation fault")

	out, _, err = execute(t, nil, "report", "delete", unit, "--report-dir", f.reports)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted")

	_, _, err = execute(t, nil, "report", "get", unit, "--report-dir", f.reports)
	assert.ErrorContains(t, err, "no report for "+unit)
}

func TestReport_NotConfigured(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, _, err := execute(t, nil, "report", "get", "argus-00000000")
	assert.ErrorContains(t, err, "not configured")
}

func TestConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	configFile := filepath.Join(t.TempDir(), "argus.yaml")

	out, _, err := execute(t, nil, "config", "set", "image", "debian:12", "--config", configFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Set image to debian:12")

	data, err := os.ReadFile(configFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "image: debian:12")
	assert.NotContains(t, string(data), "net_limit_kb", "defaults are not persisted")

	out, _, err = execute(t, nil, "config", "get", "image", "--config", configFile)
	require.NoError(t, err)
	assert.Equal(t, "debian:12\n", out)

	out, _, err = execute(t, nil, "config", "view", "--config", configFile)
	require.NoError(t, err)
	assert.Contains(t, out, "image: debian:12")
	assert.Contains(t, out, "net_limit_kb: 100")
}
