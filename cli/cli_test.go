package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	icl "buildcore/internal/cli"
)

// writeConfig lays out a workspace and a config file keeping every store
// under workDir.
func writeConfig(t *testing.T, workDir string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(workDir, "ws"), 0o755); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}
	cfg := fmt.Sprintf(`
workspace: %[1]s/ws
log:
  level: error
cas:
  dir: %[1]s/state/cas
cache:
  path: %[1]s/state/actions.db
history:
  path: %[1]s/state/history.db
exec:
  sandbox_root: %[1]s/state/sandbox
`, workDir)
	path := filepath.Join(workDir, "buildcore.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

type result struct {
	code   int
	stdout string
	stderr string
}

func run(t *testing.T, cfg string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := icl.Run(context.Background(), append([]string{"--config", cfg}, args...), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestExec_IdenticalRunsIdenticalOutputs(t *testing.T) {
	workDir := t.TempDir()
	cfg := writeConfig(t, workDir)
	writeFile(t, filepath.Join(workDir, "ws", "src", "in.txt"), "hello\n")

	args := []string{"exec",
		"--input", "src/*.txt",
		"--output", "out/result.txt",
		"--env", "PATH=/bin:/usr/bin",
		"--materialize", filepath.Join(workDir, "out"),
		"--", "/bin/sh", "-c", "mkdir -p out && tr a-z A-Z < src/in.txt > out/result.txt && cat out/result.txt",
	}
	r1 := run(t, cfg, args...)
	if r1.code != icl.ExitSuccess {
		t.Fatalf("run1 exit %d: %s", r1.code, r1.stderr)
	}
	if r1.stdout != "HELLO\n" {
		t.Fatalf("run1 stdout: %q", r1.stdout)
	}
	out1, err := os.ReadFile(filepath.Join(workDir, "out", "out", "result.txt"))
	if err != nil {
		t.Fatalf("materialized output: %v", err)
	}

	r2 := run(t, cfg, args...)
	if r2.code != icl.ExitSuccess {
		t.Fatalf("run2 exit %d: %s", r2.code, r2.stderr)
	}
	out2, err := os.ReadFile(filepath.Join(workDir, "out", "out", "result.txt"))
	if err != nil {
		t.Fatalf("materialized output: %v", err)
	}
	if r1.stdout != r2.stdout || string(out1) != string(out2) {
		t.Fatalf("outputs differ across identical runs")
	}

	// The second run was served from the action cache.
	s := run(t, cfg, "history", "summary")
	if s.code != icl.ExitSuccess {
		t.Fatalf("summary exit %d: %s", s.code, s.stderr)
	}
	for _, want := range []string{"total       2", "cache hits  1", "failures    0"} {
		if !strings.Contains(s.stdout, want) {
			t.Fatalf("summary missing %q:\n%s", want, s.stdout)
		}
	}
}

func TestExec_ExitCodeStability_FailingActionIsStable(t *testing.T) {
	workDir := t.TempDir()
	cfg := writeConfig(t, workDir)

	args := []string{"exec", "--", "/bin/sh", "-c", "echo nope >&2; exit 9"}
	r1 := run(t, cfg, args...)
	r2 := run(t, cfg, args...)
	if r1.code != icl.ExitFailure || r2.code != icl.ExitFailure {
		t.Fatalf("expected stable failure exit code; got %d and %d", r1.code, r2.code)
	}
	if !strings.Contains(r2.stderr, "nope") {
		t.Fatalf("expected action stderr to be forwarded, got %q", r2.stderr)
	}

	// A non-zero exit is a cacheable result: the second run is a hit.
	recs := failedHistory(t, cfg)
	if len(recs) != 2 || recs[0].ExitCode != 9 || recs[1].ExitCode != 9 || !recs[0].CacheHit || recs[1].CacheHit {
		t.Fatalf("unexpected history: %+v", recs)
	}

	// --no-cache runs it again.
	if r := run(t, cfg, "exec", "--no-cache", "--", "/bin/sh", "-c", "echo nope >&2; exit 9"); r.code != icl.ExitFailure {
		t.Fatalf("uncached run exit %d", r.code)
	}
	recs = failedHistory(t, cfg)
	if len(recs) != 3 || recs[0].CacheHit {
		t.Fatalf("unexpected history: %+v", recs)
	}
}

type historyRecord struct {
	ExitCode int
	CacheHit bool
}

func failedHistory(t *testing.T, cfg string) []historyRecord {
	t.Helper()
	l := run(t, cfg, "history", "list", "--failed", "--json")
	if l.code != icl.ExitSuccess {
		t.Fatalf("list exit %d: %s", l.code, l.stderr)
	}
	var recs []historyRecord
	if err := json.Unmarshal([]byte(l.stdout), &recs); err != nil {
		t.Fatalf("history json invalid: %v", err)
	}
	return recs
}

func TestCAS_PutGetHas(t *testing.T) {
	workDir := t.TempDir()
	cfg := writeConfig(t, workDir)
	blob := filepath.Join(workDir, "blob.bin")
	writeFile(t, blob, "content")

	put := run(t, cfg, "cas", "put", blob)
	if put.code != icl.ExitSuccess {
		t.Fatalf("put exit %d: %s", put.code, put.stderr)
	}
	d, _, _ := strings.Cut(strings.TrimSpace(put.stdout), "\t")

	get := run(t, cfg, "cas", "get", d)
	if get.code != icl.ExitSuccess || get.stdout != "content" {
		t.Fatalf("get: exit %d, stdout %q", get.code, get.stdout)
	}

	absent := "0000000000000000000000000000000000000000000000000000000000000000/3"
	has := run(t, cfg, "cas", "has", d, absent)
	if has.code != icl.ExitFailure {
		t.Fatalf("has exit: %d", has.code)
	}
	if !strings.Contains(has.stdout, d+"\tpresent") || !strings.Contains(has.stdout, absent+"\tmissing") {
		t.Fatalf("has stdout: %q", has.stdout)
	}

	if r := run(t, cfg, "cas", "get", absent); r.code != icl.ExitFailure {
		t.Fatalf("get of missing blob exit: %d", r.code)
	}
}

func TestInvocationErrors(t *testing.T) {
	workDir := t.TempDir()
	cfg := writeConfig(t, workDir)

	cases := map[string][]string{
		"unknown flag":   {"exec", "--bogus", "--", "true"},
		"missing argv":   {"exec"},
		"bad digest":     {"cas", "get", "not-a-digest"},
		"extra argument": {"history", "summary", "now"},
	}
	for name, args := range cases {
		if r := run(t, cfg, args...); r.code != icl.ExitInvalidInvocation {
			t.Errorf("%s: exit %d, want %d (%s)", name, r.code, icl.ExitInvalidInvocation, r.stderr)
		}
	}

	if r := run(t, filepath.Join(workDir, "missing.yaml"), "cas", "has", "x"); r.code != icl.ExitInvalidInvocation {
		t.Errorf("digest is validated before config: exit %d", r.code)
	}
	if r := run(t, filepath.Join(workDir, "missing.yaml"), "history", "summary"); r.code != icl.ExitConfigError {
		t.Errorf("missing config: exit %d, want %d", r.code, icl.ExitConfigError)
	}
}
