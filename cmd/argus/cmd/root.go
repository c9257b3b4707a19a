package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/argus-triage/argus/pkg/config"
	"github.com/argus-triage/argus/pkg/hermes"
	"github.com/argus-triage/argus/pkg/kampe"
)

// ExitSuspicious is the process exit code when a verdict rule matched.
const ExitSuspicious = 3

// ExitError carries a specific process exit code.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

// handleFactory connects to the sandbox runtime. The returned func releases
// the connection.
type handleFactory func(ctx context.Context, cfg *config.Config, logger hermes.Logger) (kampe.SandboxHandle, func(), error)

type app struct {
	v         *viper.Viper
	cfgFile   string
	newHandle handleFactory
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(dockerHandle)
}

func newRootCmd(factory handleFactory) *cobra.Command {
	a := &app{v: viper.New(), newHandle: factory}

	root := &cobra.Command{
		Use:   "argus",
		Short: "Argus sandbox triage",
		Long: `Argus runs an untrusted file inside a resource-capped Docker Swarm service,
watches its memory, CPU, filesystem and network behaviour, and reports the peaks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.initConfig()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default $HOME/.argus.yaml)")
	pf.String("log-level", "INFO", "Log level: DEBUG, INFO, WARN, ERROR")
	pf.String("log-format", "json", "Log format: json or text")
	_ = a.v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("log.format", pf.Lookup("log-format"))

	root.AddCommand(a.runCmd(), a.reportCmd(), a.failuresCmd(), a.configCmd())
	return root
}

func (a *app) initConfig() {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
		return
	}
	if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
	}
	a.v.SetConfigName(".argus")
	a.v.SetConfigType("yaml")
}

// bind maps config keys to flags of the command being executed. Several
// commands expose the same key, so binding happens at execution time.
func (a *app) bind(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if f := flags.Lookup(name); f != nil {
			_ = a.v.BindPFlag(key, f)
		}
	}
}

func (a *app) load() (*config.Config, error) {
	return config.Load(a.v)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := NewRootCmd().Execute(); err != nil {
		var ee *ExitError
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, ee.Msg)
			return ee.Code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
