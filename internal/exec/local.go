package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"buildcore/internal/cas"
	"buildcore/internal/merkle"
)

// Runner executes actions.
type Runner interface {
	Run(ctx context.Context, a *Action) (*Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, a *Action) (*Result, error)

func (f RunnerFunc) Run(ctx context.Context, a *Action) (*Result, error) { return f(ctx, a) }

// LocalOptions configures a Local runner.
type LocalOptions struct {
	// SandboxRoot is where per-action sandboxes are created. Empty means
	// os.TempDir().
	SandboxRoot string

	// KeepSandboxes leaves sandboxes on disk for debugging.
	KeepSandboxes bool

	// Policy controls how inputs are materialized and outputs captured.
	Policy merkle.Policy

	Logger *slog.Logger
}

// Local runs actions as child processes in throwaway sandbox directories.
//
// Only the variables in Action.Env are visible to the process; the host
// environment is never inherited, not even to resolve a bare program name.
// Without a declared PATH, argv[0] must contain a path separator.
type Local struct {
	store cas.Store
	opts  LocalOptions
}

// NewLocal returns a runner that reads inputs from and writes outputs to
// store.
func NewLocal(store cas.Store, opts LocalOptions) *Local {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Local{store: store, opts: opts}
}

// Run materializes the input root, executes Argv and captures stdout,
// stderr and the declared outputs into the store.
//
// Outputs are only captured for a zero exit code, so a failed action never
// reports partial outputs.
func (l *Local) Run(ctx context.Context, a *Action) (*Result, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	setupErr := func(err error) error {
		return &ExecutionError{Kind: SandboxSetupFailure, Description: a.Description, Err: err}
	}

	sandbox, err := os.MkdirTemp(l.opts.SandboxRoot, "sandbox-")
	if err != nil {
		return nil, setupErr(fmt.Errorf("creating sandbox: %w", err))
	}
	if l.opts.KeepSandboxes {
		l.opts.Logger.Info("keeping sandbox", "dir", sandbox, "description", a.Description)
	} else {
		defer func() {
			if err := os.RemoveAll(sandbox); err != nil {
				l.opts.Logger.Warn("failed to remove sandbox", "dir", sandbox, "error", err)
			}
		}()
	}

	if a.InputRoot != merkle.EmptyDigest {
		if _, err := merkle.Materialize(ctx, l.store, a.InputRoot, sandbox, l.opts.Policy); err != nil {
			return nil, setupErr(fmt.Errorf("materializing inputs: %w", err))
		}
	}
	workDir := filepath.Join(sandbox, filepath.FromSlash(a.WorkingDirectory))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, setupErr(fmt.Errorf("creating working directory: %w", err))
	}
	for _, p := range a.OutputFiles {
		if err := os.MkdirAll(filepath.Dir(filepath.Join(workDir, filepath.FromSlash(p))), 0o755); err != nil {
			return nil, setupErr(fmt.Errorf("creating parent of output %s: %w", p, err))
		}
	}
	for _, p := range a.OutputDirectories {
		if err := os.MkdirAll(filepath.Join(workDir, filepath.FromSlash(p)), 0o755); err != nil {
			return nil, setupErr(fmt.Errorf("creating output directory %s: %w", p, err))
		}
	}

	stdout, stderr, exitCode, err := l.spawn(ctx, a, workDir)
	if err != nil {
		return nil, err
	}

	res := &Result{ExitCode: exitCode, Meta: Metadata{Location: LocationLocal, Attempts: 1}}
	if res.Stdout, err = l.store.Store(ctx, stdout); err != nil {
		return nil, fmt.Errorf("storing stdout: %w", err)
	}
	if res.Stderr, err = l.store.Store(ctx, stderr); err != nil {
		return nil, fmt.Errorf("storing stderr: %w", err)
	}
	var outputs []string
	if exitCode == 0 {
		outputs = a.Outputs()
	}
	res.OutputRoot, err = merkle.FromDisk(ctx, l.store, workDir, outputs, merkle.CaptureOptions{Policy: l.opts.Policy, AllowMissing: true})
	if err != nil {
		return nil, fmt.Errorf("capturing outputs: %w", err)
	}
	res.Meta.Duration = time.Since(start)
	l.opts.Logger.Debug("action finished",
		"description", a.Description,
		"exit_code", exitCode,
		"duration", res.Meta.Duration)
	return res, nil
}

// spawn runs the process in its own process group and kills the whole group
// on timeout or cancellation.
func (l *Local) spawn(ctx context.Context, a *Action, dir string) ([]byte, []byte, int, error) {
	prog, err := resolveProgram(a.Argv[0], a.Env)
	if err != nil {
		return nil, nil, 0, &ExecutionError{Kind: SandboxSetupFailure, Description: a.Description, Err: err}
	}
	cmd := &osexec.Cmd{Path: prog, Args: a.Argv, Dir: dir, Env: isolatedEnv(a.Env)}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, 0, &ExecutionError{Kind: SandboxSetupFailure, Description: a.Description, Err: fmt.Errorf("starting process: %w", err)}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if a.Timeout > 0 {
		t := time.NewTimer(a.Timeout)
		defer t.Stop()
		timeout = t.C
	}

	kill := func() {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
	}

	select {
	case <-ctx.Done():
		kill()
		return nil, nil, 0, fmt.Errorf("execution cancelled: %w", ctx.Err())
	case <-timeout:
		kill()
		return nil, nil, 0, &ExecutionError{
			Kind:        Timeout,
			Description: a.Description,
			Err:         fmt.Errorf("exceeded %v", a.Timeout),
		}
	case err = <-done:
	}

	exitCode := 0
	if err != nil {
		var exitErr *osexec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, nil, 0, &ExecutionError{Kind: SandboxSetupFailure, Description: a.Description, Err: err}
		}
		exitCode = exitErr.ExitCode()
		if exitCode < 0 {
			// Killed by a signal from outside the runner.
			exitCode = 128 + int(exitErr.Sys().(syscall.WaitStatus).Signal())
		}
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, nil
}

// isolatedEnv builds the process environment from the declared variables
// only, sorted for reproducibility. It never returns nil, so the host
// environment is not inherited.
func isolatedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range sortedKeys(env) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// lookPath resolves name against the declared PATH rather than the host's.
// resolveProgram finds the executable for argv0. Names containing a
// separator are used as given, relative ones against the sandbox. Bare names
// are searched only in the PATH the action declares.
func resolveProgram(argv0 string, env map[string]string) (string, error) {
	if strings.ContainsRune(argv0, filepath.Separator) {
		return argv0, nil
	}
	pathList, ok := env["PATH"]
	if !ok {
		return "", fmt.Errorf("%s: bare program name and the action declares no PATH", argv0)
	}
	return lookPath(argv0, pathList)
}

func lookPath(name, pathList string) (string, error) {
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		fi, err := os.Stat(p)
		if err != nil || fi.IsDir() || fi.Mode()&0o111 == 0 {
			continue
		}
		return p, nil
	}
	return "", fmt.Errorf("%s: not found in declared PATH", name)
}
