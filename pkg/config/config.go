package config

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. ARGUS_DOCKER_HOST.
const EnvPrefix = "ARGUS"

type Config struct {
	Target           string        `mapstructure:"target" yaml:"target"`
	Image            string        `mapstructure:"image" yaml:"image"`
	NetLimitKB       float64       `mapstructure:"net_limit_kb" yaml:"net_limit_kb"`
	KeepAlive        bool          `mapstructure:"keep_alive" yaml:"keep_alive"`
	MaxDuration      time.Duration `mapstructure:"max_duration" yaml:"max_duration"`
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	MemoryLimitBytes int64         `mapstructure:"memory_limit_bytes" yaml:"memory_limit_bytes"`
	CPULimitNano     int64         `mapstructure:"cpu_limit_nano" yaml:"cpu_limit_nano"`
	RestartPolicy    string        `mapstructure:"restart_policy" yaml:"restart_policy"`
	ServicePrefix    string        `mapstructure:"service_prefix" yaml:"service_prefix"`
	AdvertiseAddr    string        `mapstructure:"advertise_addr" yaml:"advertise_addr"`
	HelperDir        string        `mapstructure:"helper_dir" yaml:"helper_dir"`
	MountTarget      string        `mapstructure:"mount_target" yaml:"mount_target"`
	TelemetryPath    string        `mapstructure:"telemetry_path" yaml:"telemetry_path"`
	ChunkSize        int           `mapstructure:"chunk_size" yaml:"chunk_size"`
	RemoveTimeout    time.Duration `mapstructure:"remove_timeout" yaml:"remove_timeout"`
	TeardownTimeout  time.Duration `mapstructure:"teardown_timeout" yaml:"teardown_timeout"`

	Docker     DockerConfig     `mapstructure:"docker" yaml:"docker"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Report     ReportConfig     `mapstructure:"report" yaml:"report"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter" yaml:"deadletter"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`

	// Rules are CEL expressions; any match marks the report suspicious. An
	// empty list selects the built-in rules. Verdict false skips them all.
	Verdict bool     `mapstructure:"verdict" yaml:"verdict"`
	Rules   []string `mapstructure:"rules" yaml:"rules"`
}

type DockerConfig struct {
	Host    string `mapstructure:"host" yaml:"host"`
	TLSCA   string `mapstructure:"tls_ca" yaml:"tls_ca"`
	TLSCert string `mapstructure:"tls_cert" yaml:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key" yaml:"tls_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ReportConfig selects where reports are archived. S3 wins when a bucket is
// set; an empty Dir and bucket disables archiving.
type ReportConfig struct {
	Dir string   `mapstructure:"dir" yaml:"dir"`
	S3  S3Config `mapstructure:"s3" yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Region    string `mapstructure:"region" yaml:"region"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
}

type DeadLetterConfig struct {
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db" yaml:"redis_db"`
	Key       string `mapstructure:"key" yaml:"key"`
}

type MetricsConfig struct {
	Pushgateway string `mapstructure:"pushgateway" yaml:"pushgateway"`
	Textfile    string `mapstructure:"textfile" yaml:"textfile"`
}

// SetDefaults registers every key so environment overrides apply to all of
// them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("target", "")
	v.SetDefault("image", "ubuntu")
	v.SetDefault("net_limit_kb", 100)
	v.SetDefault("keep_alive", true)
	v.SetDefault("max_duration", 60*time.Second)
	v.SetDefault("interval", time.Second)
	v.SetDefault("memory_limit_bytes", int64(2e9))
	v.SetDefault("cpu_limit_nano", int64(1e9))
	v.SetDefault("restart_policy", "on-failure")
	v.SetDefault("service_prefix", "argus")
	v.SetDefault("advertise_addr", "")
	v.SetDefault("helper_dir", ".")
	v.SetDefault("mount_target", "/tmp")
	v.SetDefault("telemetry_path", "")
	v.SetDefault("chunk_size", 100)
	v.SetDefault("remove_timeout", 10*time.Second)
	v.SetDefault("teardown_timeout", 2*time.Minute)

	v.SetDefault("docker.host", "")
	v.SetDefault("docker.tls_ca", "")
	v.SetDefault("docker.tls_cert", "")
	v.SetDefault("docker.tls_key", "")

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "json")

	v.SetDefault("report.dir", "")
	v.SetDefault("report.s3.endpoint", "")
	v.SetDefault("report.s3.region", "us-east-1")
	v.SetDefault("report.s3.bucket", "")
	v.SetDefault("report.s3.access_key", "")
	v.SetDefault("report.s3.secret_key", "")

	v.SetDefault("deadletter.redis_addr", "")
	v.SetDefault("deadletter.redis_db", 0)
	v.SetDefault("deadletter.key", "argus:failures")

	v.SetDefault("metrics.pushgateway", "")
	v.SetDefault("metrics.textfile", "")

	v.SetDefault("verdict", true)
	v.SetDefault("rules", []string{})
}

// BindEnv makes ARGUS_<KEY> override any key, with dots mapped to
// underscores.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configured file if any, applies defaults and environment
// overrides, and decodes the result. A missing default config file is not an
// error; an explicitly named file that is missing is.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	BindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.HelperDir != "" {
		abs, err := filepath.Abs(cfg.HelperDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve helper_dir: %w", err)
		}
		cfg.HelperDir = abs
	}
	return &cfg, nil
}

var restartPolicies = map[string]bool{"none": true, "on-failure": true, "any": true}

// Validate checks everything a run needs.
func (c *Config) Validate() error {
	var errs []error
	if c.Target == "" {
		errs = append(errs, errors.New("target is required"))
	}
	if _, err := name.ParseReference(c.Image); err != nil {
		errs = append(errs, fmt.Errorf("invalid image %q: %w", c.Image, err))
	}
	if c.NetLimitKB <= 0 {
		errs = append(errs, fmt.Errorf("net_limit_kb must be positive, got %v", c.NetLimitKB))
	}
	if c.MaxDuration <= 0 {
		errs = append(errs, fmt.Errorf("max_duration must be positive, got %s", c.MaxDuration))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Interval))
	}
	if c.MemoryLimitBytes < 0 || c.CPULimitNano < 0 {
		errs = append(errs, errors.New("resource limits cannot be negative"))
	}
	if !restartPolicies[c.RestartPolicy] {
		errs = append(errs, fmt.Errorf("restart_policy must be one of none, on-failure, any; got %q", c.RestartPolicy))
	}
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize))
	}
	if c.HelperDir == "" {
		errs = append(errs, errors.New("helper_dir is required"))
	}
	if !path.IsAbs(c.MountTarget) {
		errs = append(errs, fmt.Errorf("mount_target must be absolute, got %q", c.MountTarget))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SideChannelPath is where the host reads the collector's output.
func (c *Config) SideChannelPath() string {
	if c.TelemetryPath != "" {
		return c.TelemetryPath
	}
	return filepath.Join(c.HelperDir, "openPipes", "nethogs_pipe")
}

// SandboxTarget maps a host file inside HelperDir to its path inside the
// sandbox. Files outside HelperDir are not visible to the sandbox.
func (c *Config) SandboxTarget(hostPath string) (string, error) {
	abs, err := filepath.Abs(hostPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(c.HelperDir, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside helper_dir %s", hostPath, c.HelperDir)
	}
	return path.Join(c.MountTarget, filepath.ToSlash(rel)), nil
}
