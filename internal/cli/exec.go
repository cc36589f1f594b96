package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"buildcore/internal/digest"
	"buildcore/internal/engine"
	"buildcore/internal/exec"
	"buildcore/internal/merkle"
)

type execFlags struct {
	inputs      []string
	outputs     []string
	outputDirs  []string
	env         []string
	workdir     string
	timeout     time.Duration
	noCache     bool
	retryable   bool
	materialize string
}

func (a *app) execCommand() *cobra.Command {
	var f execFlags
	cmd := &cobra.Command{
		Use:   "exec [flags] -- ARGV...",
		Short: "Run one action through the configured executor chain",
		Long: `exec captures the workspace files matching --input into an input tree,
runs ARGV in a sandbox (or on the remote cluster) and prints the action's
stdout and stderr. The exit code is 1 when the process exits non-zero.

Only variables given with --env are visible to the process. --env NAME
without a value copies NAME from the current environment.`,
		Args: args(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, argv []string) error {
			c, err := a.config()
			if err != nil {
				return err
			}
			e, err := a.open(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer e.Close()
			return a.runExec(cmd.Context(), e, a.logger(c), argv, f)
		},
	}
	fl := cmd.Flags()
	fl.StringArrayVarP(&f.inputs, "input", "i", nil, "workspace glob to include in the input tree (repeatable)")
	fl.StringArrayVarP(&f.outputs, "output", "o", nil, "output file to capture (repeatable)")
	fl.StringArrayVar(&f.outputDirs, "output-dir", nil, "output directory to capture (repeatable)")
	fl.StringArrayVarP(&f.env, "env", "e", nil, "NAME=VALUE or NAME (repeatable)")
	fl.StringVar(&f.workdir, "workdir", "", "working directory inside the input tree")
	fl.DurationVar(&f.timeout, "timeout", 0, "kill the process after this long")
	fl.BoolVar(&f.noCache, "no-cache", false, "never serve from or record into the action cache")
	fl.BoolVar(&f.retryable, "retryable", false, "retry on timeout")
	fl.StringVar(&f.materialize, "materialize", "", "write captured outputs into this directory")
	return cmd
}

func parseEnv(vars []string) (map[string]string, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(vars))
	for _, v := range vars {
		name, value, ok := strings.Cut(v, "=")
		if name == "" {
			return nil, invalidInvocationf("invalid --env %q", v)
		}
		if !ok {
			value = os.Getenv(name)
		}
		env[name] = value
	}
	return env, nil
}

func (a *app) runExec(ctx context.Context, e *engine.Engine, logger *slog.Logger, argv []string, f execFlags) error {
	env, err := parseEnv(f.env)
	if err != nil {
		return err
	}
	root := merkle.EmptyDigest
	if len(f.inputs) > 0 {
		v, err := e.Get(ctx, engine.SnapshotKey(f.inputs...))
		if err != nil {
			return fmt.Errorf("capturing inputs: %w", err)
		}
		root = v.(digest.Digest)
	}
	action := &exec.Action{
		Argv:              argv,
		Env:               env,
		InputRoot:         root,
		OutputFiles:       f.outputs,
		OutputDirectories: f.outputDirs,
		WorkingDirectory:  f.workdir,
		Timeout:           f.timeout,
		NoCache:           f.noCache,
		Retryable:         f.retryable,
		Description:       filepath.Base(argv[0]),
	}
	if err := action.Validate(); err != nil {
		return invalidInvocationf("%v", err)
	}

	res, err := e.Runner().Run(ctx, action)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}
	if err := a.copyBlob(ctx, e, res.Stdout, false); err != nil {
		return err
	}
	if err := a.copyBlob(ctx, e, res.Stderr, true); err != nil {
		return err
	}
	if f.materialize != "" {
		if _, err := merkle.Materialize(ctx, e.Store(), res.OutputRoot, f.materialize, e.Policy()); err != nil {
			return fmt.Errorf("materializing outputs: %w", err)
		}
	}
	ad, _ := action.Digest()
	logger.Info("action finished",
		"action", ad.String(),
		"exit_code", res.ExitCode,
		"location", res.Meta.Location,
		"cache_hit", res.Meta.CacheHit,
		"outputs", res.OutputRoot.String())
	if res.ExitCode != 0 {
		return &ExitError{Code: ExitFailure, Err: fmt.Errorf("%s exited with code %d", argv[0], res.ExitCode)}
	}
	return nil
}

func (a *app) copyBlob(ctx context.Context, e *engine.Engine, d digest.Digest, stderr bool) error {
	if d.Size == 0 {
		return nil
	}
	data, err := e.Store().Load(ctx, d)
	if err != nil {
		return err
	}
	w := a.stdout
	if stderr {
		w = a.stderr
	}
	_, err = w.Write(data)
	return err
}
