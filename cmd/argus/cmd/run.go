package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/cobra"

	"github.com/argus-triage/argus/pkg/cocytus"
	"github.com/argus-triage/argus/pkg/config"
	"github.com/argus-triage/argus/pkg/domain"
	"github.com/argus-triage/argus/pkg/erebus"
	"github.com/argus-triage/argus/pkg/erinyes"
	"github.com/argus-triage/argus/pkg/hermes"
	"github.com/argus-triage/argus/pkg/kampe"
	"github.com/argus-triage/argus/pkg/typhon"
)

const exportTimeout = 10 * time.Second

func (a *app) runCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Execute a file in a sandbox and report its behaviour",
		Long: `Run executes the file inside a fresh single-node swarm service. The file must
live under the helper directory, which is mounted into the sandbox.`,
		Args: cobra.ExactArgs(1),
	}

	f := cmd.Flags()
	f.String("image", "ubuntu", "Sandbox image")
	f.Float64("net-limit", 100, "Bandwidth cap in KB/s")
	f.Bool("keep-alive", true, "Keep the sandbox alive after the file exits")
	f.Duration("max-duration", time.Minute, "Observation deadline")
	f.Duration("interval", time.Second, "Sampling interval")
	f.Int64("memory-limit", 2e9, "Memory cap in bytes")
	f.Int64("cpu-limit", 1e9, "CPU cap in units of 1e-9 CPUs")
	f.String("restart-policy", "on-failure", "Swarm restart condition: none, on-failure, any")
	f.String("helper-dir", ".", "Host directory mounted into the sandbox")
	f.String("telemetry-path", "", "Network side-channel path (default <helper-dir>/openPipes/nethogs_pipe)")
	f.String("report-dir", "", "Archive reports under this directory")
	f.String("docker-host", "", "Docker engine endpoint")
	f.StringSlice("rule", nil, "CEL verdict rule (repeatable); replaces the built-in rules")
	f.Bool("verdict", true, "Classify the report with the verdict rules")
	f.StringVarP(&output, "output", "o", "text", "Output format: text, json, yaml")

	bindings := map[string]string{
		"image":              "image",
		"net_limit_kb":       "net-limit",
		"keep_alive":         "keep-alive",
		"max_duration":       "max-duration",
		"interval":           "interval",
		"memory_limit_bytes": "memory-limit",
		"cpu_limit_nano":     "cpu-limit",
		"restart_policy":     "restart-policy",
		"helper_dir":         "helper-dir",
		"telemetry_path":     "telemetry-path",
		"report.dir":         "report-dir",
		"docker.host":        "docker-host",
		"rules":              "rule",
		"verdict":            "verdict",
	}
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		a.bind(cmd.Flags(), bindings)
		return a.run(cmd, args[0], output)
	}
	return cmd
}

func (a *app) run(cmd *cobra.Command, file, output string) error {
	if err := checkFormat(output); err != nil {
		return err
	}
	cfg, err := a.load()
	if err != nil {
		return err
	}
	if _, err := os.Stat(file); err != nil {
		return fmt.Errorf("cannot read target: %w", err)
	}
	if cfg.Target, err = cfg.SandboxTarget(file); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := hermes.NewSlogAdapterWith(cmd.ErrOrStderr(), cfg.Log.Format, cfg.Log.Level)

	classifier, err := newClassifier(cfg)
	if err != nil {
		return err
	}
	sink, closeSink, err := newSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()
	archive, err := newArchive(ctx, cfg)
	if err != nil {
		return err
	}

	metrics := hermes.NewPrometheusMetrics()
	defer exportMetrics(ctx, cfg, metrics, logger)

	handle, release, err := a.newHandle(ctx, cfg, logger)
	if err != nil {
		record(ctx, sink, cocytus.ProvisioningRecord(cfg.Image, cfg.Target, err), logger)
		return err
	}
	defer release()

	mon := erinyes.NewMonitor(handle, sideChannel(cfg), logger, metrics, monitorConfig(cfg, hostCPUs(ctx, logger)))
	res, err := mon.Run(ctx)
	if err != nil {
		record(ctx, sink, cocytus.ProvisioningRecord(cfg.Image, cfg.Target, err), logger)
		return err
	}

	// Results are kept even when the run was interrupted.
	post := context.WithoutCancel(ctx)

	report := res.Report
	verdict := classifier.Classify(post, report)
	report.Verdict = &verdict

	for _, rec := range cocytus.ReportRecords(report, cfg.Image, cfg.Target) {
		record(post, sink, rec, logger)
	}
	if archive != nil {
		if err := archive.Save(post, report, res.Logs); err != nil {
			logger.Warn(post, "Failed to archive report", map[string]any{"unit": report.Unit, "error": err})
		}
	}

	if err := render(cmd.OutOrStdout(), report, output); err != nil {
		return err
	}
	if verdict.Suspicious {
		return &ExitError{
			Code: ExitSuspicious,
			Msg:  "suspicious behaviour: " + strings.Join(verdict.Matched, "; "),
		}
	}
	return nil
}

func newClassifier(cfg *config.Config) (typhon.Classifier, error) {
	if !cfg.Verdict {
		return typhon.NoopClassifier{}, nil
	}
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = typhon.DefaultRules()
	}
	c, err := typhon.NewRuleBasedClassifier(rules)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func dockerHandle(ctx context.Context, cfg *config.Config, logger hermes.Logger) (kampe.SandboxHandle, func(), error) {
	cli, err := kampe.NewDockerClient(ctx, kampe.DockerOptions{
		Host:    cfg.Docker.Host,
		TLSCA:   cfg.Docker.TLSCA,
		TLSCert: cfg.Docker.TLSCert,
		TLSKey:  cfg.Docker.TLSKey,
	})
	if err != nil {
		return nil, nil, &kampe.ProvisioningError{Op: "docker connect", Err: err}
	}
	handle := kampe.NewSwarmHandle(cli, logger, kampe.SwarmOptions{
		AdvertiseAddr: cfg.AdvertiseAddr,
		RemoveTimeout: cfg.RemoveTimeout,
	})
	return handle, func() { _ = cli.Close() }, nil
}

func monitorConfig(cfg *config.Config, hostCPUs int) erinyes.Config {
	return erinyes.Config{
		Unit: kampe.UnitSpec{
			Image:         cfg.Image,
			RestartPolicy: cfg.RestartPolicy,
			Caps: domain.ResourceCaps{
				MemoryBytes: cfg.MemoryLimitBytes,
				NanoCPUs:    cfg.CPULimitNano,
			},
			Mounts: []domain.Mount{{Source: cfg.HelperDir, Target: cfg.MountTarget}},
			TTY:    true,
		},
		Bootstrap: kampe.Bootstrap{
			Installs:     kampe.DefaultInstalls(cfg.MountTarget),
			Collector:    kampe.DefaultCollector(cfg.MountTarget),
			Target:       cfg.Target,
			NetLimitKBps: cfg.NetLimitKB,
			KeepAlive:    cfg.KeepAlive,
		},
		NamePrefix:      cfg.ServicePrefix,
		Interval:        cfg.Interval,
		Deadline:        cfg.MaxDuration,
		TeardownTimeout: cfg.TeardownTimeout,
		HostCPUs:        hostCPUs,
	}
}

func sideChannel(cfg *config.Config) *erinyes.SideChannel {
	sc := erinyes.NewSideChannel(cfg.SideChannelPath())
	sc.ChunkSize = cfg.ChunkSize
	return sc
}

func hostCPUs(ctx context.Context, logger hermes.Logger) int {
	n, err := cpu.CountsWithContext(ctx, true)
	if err != nil || n <= 0 {
		logger.Warn(ctx, "Failed to count host CPUs, using runtime count", map[string]any{"error": err})
		return runtime.NumCPU()
	}
	return n
}

func newSink(ctx context.Context, cfg *config.Config, logger hermes.Logger) (cocytus.Sink, func(), error) {
	if cfg.DeadLetter.RedisAddr == "" {
		return cocytus.NewLogSink(logger), func() {}, nil
	}
	sink, err := cocytus.NewRedisSink(ctx, cfg.DeadLetter.RedisAddr, cfg.DeadLetter.RedisDB, cfg.DeadLetter.Key)
	if err != nil {
		return nil, nil, err
	}
	return sink, func() { _ = sink.Close() }, nil
}

func record(ctx context.Context, sink cocytus.Sink, rec *cocytus.Record, logger hermes.Logger) {
	if err := sink.Write(ctx, rec); err != nil {
		logger.Warn(ctx, "Failed to record run failure", map[string]any{"kind": rec.Kind, "error": err})
	}
}

// newArchive returns nil when archiving is not configured.
func newArchive(ctx context.Context, cfg *config.Config) (*erebus.Archive, error) {
	switch {
	case cfg.Report.S3.Bucket != "":
		s3 := cfg.Report.S3
		store, err := erebus.NewS3Store(ctx, erebus.S3Options{
			Endpoint:  s3.Endpoint,
			Region:    s3.Region,
			Bucket:    s3.Bucket,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return erebus.NewArchive(store), nil
	case cfg.Report.Dir != "":
		store, err := erebus.NewLocalStore(cfg.Report.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open report dir: %w", err)
		}
		return erebus.NewArchive(store), nil
	default:
		return nil, nil
	}
}

func exportMetrics(ctx context.Context, cfg *config.Config, metrics *hermes.PrometheusMetrics, logger hermes.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exportTimeout)
	defer cancel()

	if url := cfg.Metrics.Pushgateway; url != "" {
		if err := hermes.PushTo(ctx, metrics.Gatherer(), url, "argus"); err != nil {
			logger.Warn(ctx, "Failed to push metrics", map[string]any{"url": url, "error": err})
		}
	}
	if path := cfg.Metrics.Textfile; path != "" {
		if err := hermes.WriteTextfile(metrics.Gatherer(), path); err != nil {
			logger.Warn(ctx, "Failed to write metrics textfile", map[string]any{"path": path, "error": err})
		}
	}
}
