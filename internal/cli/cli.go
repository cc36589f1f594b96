// Package cli implements the buildcore command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"buildcore/internal/config"
	"buildcore/internal/ctxlog"
	"buildcore/internal/engine"
)

// Exit codes. Scripts may rely on them.
const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// InvocationError is a usage mistake: unknown flag, wrong argument count,
// malformed value.
type InvocationError struct {
	Message string
}

func (e *InvocationError) Error() string { return e.Message }

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{Message: fmt.Sprintf(format, args...)}
}

// ExitError carries an explicit exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

func configError(err error) error { return &ExitError{Code: ExitConfigError, Err: err} }

// ExitCode maps an error returned by Run to an exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var inv *InvocationError
	if errors.As(err, &inv) {
		return ExitInvalidInvocation
	}
	var xe *ExitError
	if errors.As(err, &xe) {
		return xe.Code
	}
	return ExitInternalError
}

type app struct {
	v       *viper.Viper
	cfgFile string
	stdout  io.Writer
	stderr  io.Writer
}

// NewRootCommand builds the command tree. Output goes to stdout and stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: config.New(), stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "buildcore",
		Short:         "Incremental build execution core",
		Long:          `buildcore evaluates build rules over a memoized computation graph and runs their actions locally or on a remote execution cluster.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (yaml, toml or json)")
	pf.String("workspace", ".", "workspace root")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.String("cas-dir", "", "local content store directory")
	pf.String("remote", "", "remote execution endpoint host:port")
	a.bind(root, map[string]string{
		"workspace":     "workspace",
		"log.level":     "log-level",
		"cas.dir":       "cas-dir",
		"remote.target": "remote",
	}, true)

	root.AddCommand(
		a.workerCommand(),
		a.casCommand(),
		a.execCommand(),
		a.historyCommand(),
	)
	return root
}

// bind connects config keys to flags of cmd. Flags only override the file
// and environment when set explicitly.
func (a *app) bind(cmd *cobra.Command, keys map[string]string, persistent bool) {
	flags := cmd.Flags()
	if persistent {
		flags = cmd.PersistentFlags()
	}
	for key, name := range keys {
		if err := a.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding --%s: %v", name, err))
		}
	}
}

func (a *app) config() (config.Config, error) {
	c, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return config.Config{}, configError(err)
	}
	return c, nil
}

func (a *app) logger(c config.Config) *slog.Logger {
	return ctxlog.New(c.Log.Level, c.Log.Format, a.stderr)
}

func (a *app) open(ctx context.Context, c config.Config) (*engine.Engine, error) {
	e, err := engine.Open(ctx, c, engine.WithLogger(a.logger(c)))
	if err != nil {
		return nil, configError(err)
	}
	return e, nil
}

// args wraps a cobra argument validator so that its errors are usage errors.
func args(v cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := v(cmd, a); err != nil {
			return invalidInvocationf("%s: %v", cmd.CommandPath(), err)
		}
		return nil
	}
}

// Run executes the command line args and returns the exit code. Errors are
// printed to stderr.
func Run(ctx context.Context, argv []string, stdout, stderr io.Writer) int {
	root := NewRootCommand(stdout, stderr)
	root.SetArgs(argv)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "buildcore:", err)
	}
	return ExitCode(err)
}
