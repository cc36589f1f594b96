// Package exec runs sandboxed processes described by content-addressed
// actions and layers caching, bounding, retries and fallback on top.
//
// An Action is identified by the digest of its REAPI Action message, so the
// same action produces the same cache key locally and on a remote cluster.
package exec

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/durationpb"

	"buildcore/internal/digest"
	"buildcore/internal/merkle"
)

// ErrInvalidAction is returned for actions that cannot be executed.
var ErrInvalidAction = errors.New("invalid action")

// Action describes one process execution.
//
// Description, NoCache and Retryable do not change the action digest
// beyond REAPI's do_not_cache flag.
type Action struct {
	Argv []string          `json:"argv"`
	Env  map[string]string `json:"env,omitempty"`

	// InputRoot is the digest of the directory tree materialized as the
	// sandbox root.
	InputRoot digest.Digest `json:"input_root"`

	// OutputFiles and OutputDirectories are relative to WorkingDirectory.
	OutputFiles       []string `json:"output_files,omitempty"`
	OutputDirectories []string `json:"output_directories,omitempty"`
	WorkingDirectory  string   `json:"working_directory,omitempty"`

	Timeout  time.Duration     `json:"timeout,omitempty"`
	Platform map[string]string `json:"platform,omitempty"`

	NoCache     bool   `json:"no_cache,omitempty"`
	Retryable   bool   `json:"retryable,omitempty"`
	Description string `json:"description,omitempty"`
}

// Validate checks that a can be executed.
func (a *Action) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: action is nil", ErrInvalidAction)
	}
	if len(a.Argv) == 0 || a.Argv[0] == "" {
		return fmt.Errorf("%w: argv is empty", ErrInvalidAction)
	}
	if err := a.InputRoot.Validate(); err != nil {
		return fmt.Errorf("%w: input root: %v", ErrInvalidAction, err)
	}
	if a.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidAction)
	}
	check := func(kind, p string) error {
		if p == "" || path.IsAbs(p) || strings.HasPrefix(path.Clean(p), "..") {
			return fmt.Errorf("%w: %s %q must be relative and inside the sandbox", ErrInvalidAction, kind, p)
		}
		return nil
	}
	for _, p := range a.OutputFiles {
		if err := check("output file", p); err != nil {
			return err
		}
	}
	for _, p := range a.OutputDirectories {
		if err := check("output directory", p); err != nil {
			return err
		}
	}
	if a.WorkingDirectory != "" {
		if err := check("working directory", a.WorkingDirectory); err != nil {
			return err
		}
	}
	for k := range a.Env {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("%w: bad environment variable name %q", ErrInvalidAction, k)
		}
	}
	return nil
}

// Outputs returns the sorted union of output files and directories.
func (a *Action) Outputs() []string {
	out := make([]string, 0, len(a.OutputFiles)+len(a.OutputDirectories))
	out = append(out, a.OutputFiles...)
	out = append(out, a.OutputDirectories...)
	sort.Strings(out)
	return out
}

// Command returns the REAPI Command message for a. Repeated fields are
// sorted as REAPI requires.
func (a *Action) Command() *repb.Command {
	cmd := &repb.Command{
		Arguments:        append([]string(nil), a.Argv...),
		WorkingDirectory: a.WorkingDirectory,
	}
	for _, k := range sortedKeys(a.Env) {
		cmd.EnvironmentVariables = append(cmd.EnvironmentVariables, &repb.Command_EnvironmentVariable{Name: k, Value: a.Env[k]})
	}
	cmd.OutputFiles = sortedCopy(a.OutputFiles)
	cmd.OutputDirectories = sortedCopy(a.OutputDirectories)
	if p := a.platform(); p != nil {
		cmd.Platform = p
	}
	return cmd
}

func (a *Action) platform() *repb.Platform {
	if len(a.Platform) == 0 {
		return nil
	}
	p := &repb.Platform{}
	for _, k := range sortedKeys(a.Platform) {
		p.Properties = append(p.Properties, &repb.Platform_Property{Name: k, Value: a.Platform[k]})
	}
	return p
}

// Encoded holds the serialized REAPI messages describing an action.
type Encoded struct {
	Action        *repb.Action
	ActionBytes   []byte
	ActionDigest  digest.Digest
	CommandBytes  []byte
	CommandDigest digest.Digest
}

// Blobs returns the command and action blobs keyed by digest.
func (e *Encoded) Blobs() map[digest.Digest][]byte {
	return map[digest.Digest][]byte{
		e.ActionDigest:  e.ActionBytes,
		e.CommandDigest: e.CommandBytes,
	}
}

var deterministic = proto.MarshalOptions{Deterministic: true}

// Encode serializes a into its REAPI Command and Action messages.
func (a *Action) Encode() (*Encoded, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	cmdBytes, err := deterministic.Marshal(a.Command())
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}
	cmdDigest := digest.Of(cmdBytes)
	msg := &repb.Action{
		CommandDigest:   cmdDigest.Proto(),
		InputRootDigest: a.InputRoot.Proto(),
		DoNotCache:      a.NoCache,
		Platform:        a.platform(),
	}
	if a.Timeout > 0 {
		msg.Timeout = durationpb.New(a.Timeout)
	}
	actBytes, err := deterministic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling action: %w", err)
	}
	return &Encoded{
		Action:        msg,
		ActionBytes:   actBytes,
		ActionDigest:  digest.Of(actBytes),
		CommandBytes:  cmdBytes,
		CommandDigest: cmdDigest,
	}, nil
}

// Digest returns the action digest, the cache key of a.
func (a *Action) Digest() (digest.Digest, error) {
	enc, err := a.Encode()
	if err != nil {
		return digest.Digest{}, err
	}
	return enc.ActionDigest, nil
}

// ActionFromProto rebuilds an Action from REAPI messages received by a
// worker.
func ActionFromProto(act *repb.Action, cmd *repb.Command) (*Action, error) {
	root, err := digest.FromProto(act.GetInputRootDigest())
	if err != nil {
		return nil, fmt.Errorf("%w: input root: %v", ErrInvalidAction, err)
	}
	a := &Action{
		Argv:              append([]string(nil), cmd.GetArguments()...),
		InputRoot:         root,
		OutputFiles:       append([]string(nil), cmd.GetOutputFiles()...),
		OutputDirectories: append([]string(nil), cmd.GetOutputDirectories()...),
		WorkingDirectory:  cmd.GetWorkingDirectory(),
		NoCache:           act.GetDoNotCache(),
	}
	if t := act.GetTimeout(); t != nil {
		a.Timeout = t.AsDuration()
	}
	for _, ev := range cmd.GetEnvironmentVariables() {
		if a.Env == nil {
			a.Env = make(map[string]string)
		}
		a.Env[ev.GetName()] = ev.GetValue()
	}
	props := act.GetPlatform().GetProperties()
	if len(props) == 0 {
		props = cmd.GetPlatform().GetProperties()
	}
	for _, p := range props {
		if a.Platform == nil {
			a.Platform = make(map[string]string)
		}
		a.Platform[p.GetName()] = p.GetValue()
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// LoadAction reads the Action and Command messages for ad from l.
func LoadAction(ctx context.Context, l merkle.Loader, ad digest.Digest) (*Action, error) {
	var act repb.Action
	if err := loadProto(ctx, l, ad, &act); err != nil {
		return nil, fmt.Errorf("action: %w", err)
	}
	cd, err := digest.FromProto(act.GetCommandDigest())
	if err != nil {
		return nil, fmt.Errorf("%w: command digest: %v", ErrInvalidAction, err)
	}
	var cmd repb.Command
	if err := loadProto(ctx, l, cd, &cmd); err != nil {
		return nil, fmt.Errorf("command: %w", err)
	}
	return ActionFromProto(&act, &cmd)
}

func loadProto(ctx context.Context, l merkle.Loader, d digest.Digest, m proto.Message) error {
	data, err := l.Load(ctx, d)
	if err != nil {
		return err
	}
	if err := proto.Unmarshal(data, m); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrInvalidAction, d, err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}
