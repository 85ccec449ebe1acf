// Package gates implements C5: running the CI gate, the declared
// allowedTests commands, and the policy gate, each as a subprocess with
// captured stdout/stderr and persisted logs.
//
// Grounded on internal/attractor/gitutil.runGit's subprocess-capture shape
// (buffered stdout/stderr, a CommandError on failure) and engine's
// executeWithRetry timeout handling via exec.CommandContext.
package gates

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

// ciGateScript is the single fixed command RunCiGate and RunPolicyGate both
// invoke; behavior (strict vs. not) is selected with --strict.
const ciGateScript = "tools/scc/gates/run_ci_gates.py"

// policyTriggerGlobs is the touched-file set that arms RunPolicyGate.
var policyTriggerGlobs = []string{
	"factory_policy.json", "docs/**", "contracts/**", "roles/**",
	"skills/**", "eval/**", "patterns/**", "playbooks/**", "map/**",
}

func touchesPolicy(touched []string) bool {
	for _, p := range touched {
		for _, g := range policyTriggerGlobs {
			if ok, _ := doublestar.Match(g, p); ok {
				return true
			}
			if p == g {
				return true
			}
		}
	}
	return false
}

func runCaptured(ctx context.Context, repoRoot string, timeout time.Duration, name string, args ...string) (stdout, stderr []byte, exitCode int, durationMS int64, timedOut bool, err error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Dir = repoRoot
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	start := time.Now()
	runErr := cmd.Run()
	durationMS = time.Since(start).Milliseconds()
	stdout, stderr = outBuf.Bytes(), errBuf.Bytes()

	if cctx.Err() == context.DeadlineExceeded {
		return stdout, stderr, -1, durationMS, true, fmt.Errorf("%s: timed out after %s", name, timeout)
	}
	if runErr != nil {
		if ee, ok := runErr.(*exec.ExitError); ok {
			return stdout, stderr, ee.ExitCode(), durationMS, false, nil
		}
		return stdout, stderr, -1, durationMS, false, fmt.Errorf("%s: %w", name, runErr)
	}
	return stdout, stderr, 0, durationMS, false, nil
}

// persistLog writes data at rel and returns its path plus the sha256
// fingerprint the spec requires (stdoutSha256/stderrSha256). When cas is
// non-nil, the bytes are deduplicated through the blob CAS (see
// internal/store/blobcas.go) before the expected path is linked to them;
// the sha256 fingerprint is always computed fresh regardless of dedup.
func persistLog(st *store.Store, cas *store.BlobCAS, rel string, data []byte) (path, sha string, err error) {
	if cas != nil {
		if _, err := cas.PutLinked(data, rel); err != nil {
			return "", "", err
		}
	} else if err := st.SaveBytes(rel, data); err != nil {
		return "", "", err
	}
	sum := sha256.Sum256(data)
	return rel, hex.EncodeToString(sum[:]), nil
}

// Config bounds the gate runner: the repo root commands execute in, the
// store artifacts are written under, and the timeout applied to every
// subprocess. BlobCAS is optional; when set, gate logs are deduplicated by
// content before being linked at their spec-named path.
type Config struct {
	RepoRoot string
	Store    *store.Store
	BlobCAS  *store.BlobCAS
	Timeout  time.Duration
}

// RunCiGate runs the fixed CI gate script iff required: ciGateEnabled and
// the task was created on/after ciEnforceSinceMS. task.allowedTests is never
// consulted — CI gate scope is fixed.
func (c Config) RunCiGate(ctx context.Context, t *task.Task, strict bool, ciGateEnabled bool, ciEnforceSinceMS int64) (*task.GateResult, error) {
	required := ciGateEnabled && t.CreatedAt.UnixMilli() >= ciEnforceSinceMS
	if !required {
		return &task.GateResult{Ran: false, Required: false, Skipped: true, OK: true}, nil
	}

	args := []string{ciGateScript}
	if strict {
		args = append(args, "--strict")
	}
	args = append(args, "--submit", filepath.Join("artifacts", t.ID, "submit.json"))

	stdout, stderr, exitCode, durMS, timedOut, err := runCaptured(ctx, c.RepoRoot, c.Timeout, "python", args...)
	if err != nil && !timedOut {
		return nil, err
	}

	ts := time.Now().UnixMilli()
	var rnd [4]byte
	_, _ = rand.Read(rnd[:])
	suffix := hex.EncodeToString(rnd[:])
	stdoutRel := filepath.Join("ci_gate", fmt.Sprintf("ci_%d_%s.stdout.log", ts, suffix))
	stderrRel := filepath.Join("ci_gate", fmt.Sprintf("ci_%d_%s.stderr.log", ts, suffix))
	stdoutPath, stdoutSha, perr := persistLog(c.Store, c.BlobCAS, stdoutRel, stdout)
	if perr != nil {
		return nil, perr
	}
	stderrPath, stderrSha, perr := persistLog(c.Store, c.BlobCAS, stderrRel, stderr)
	if perr != nil {
		return nil, perr
	}

	return &task.GateResult{
		Ran: true, Required: true, OK: exitCode == 0 && !timedOut,
		ExitCode: exitCode, DurationMS: durMS,
		Command: strings.Join(append([]string{"python"}, args...), " "),
		TimedOut: timedOut, StdoutPath: stdoutPath, StderrPath: stderrPath,
		StdoutSHA256: stdoutSha, StderrSHA256: stderrSha,
	}, nil
}

// RunAllowedTests runs up to maxCommands of task.AllowedTests (external runs
// only), stopping at the first failure, and writes an evidence file.
func (c Config) RunAllowedTests(ctx context.Context, t *task.Task, isExternal bool, maxCommands int) (*task.GateResult, error) {
	if !isExternal {
		return &task.GateResult{Ran: false, Skipped: true, OK: true}, nil
	}
	if maxCommands <= 0 {
		maxCommands = 2
	}

	var lastResult *task.GateResult
	var ran []map[string]any
	for i, cmd := range t.AllowedTests {
		if i >= maxCommands {
			break
		}
		if strings.Contains(cmd, "run_ci_gates.py") {
			continue
		}
		parts := strings.Fields(cmd)
		if len(parts) == 0 {
			continue
		}
		stdout, stderr, exitCode, durMS, timedOut, err := runCaptured(ctx, c.RepoRoot, c.Timeout, parts[0], parts[1:]...)
		if err != nil && !timedOut {
			return nil, err
		}
		ok := exitCode == 0 && !timedOut
		ran = append(ran, map[string]any{
			"command": cmd, "ok": ok, "exitCode": exitCode, "durationMs": durMS,
			"stdoutTail": tail(stdout, 4096), "stderrTail": tail(stderr, 4096),
		})
		lastResult = &task.GateResult{
			Ran: true, Required: true, OK: ok, ExitCode: exitCode,
			DurationMS: durMS, Command: cmd, TimedOut: timedOut,
		}
		if !ok {
			break
		}
	}
	if lastResult == nil {
		lastResult = &task.GateResult{Ran: false, Skipped: true, OK: true}
	}

	if err := c.Store.SaveJSON(filepath.Join("artifacts", t.ID, "evidence", "allowed_tests.json"), map[string]any{"commands": ran}); err != nil {
		return nil, err
	}
	return lastResult, nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

// RunPolicyGate runs the same script as RunCiGate, gated on whether touched
// touches any policy-sensitive glob. It is strict by default.
func (c Config) RunPolicyGate(ctx context.Context, t *task.Task, touched []string, strict bool) (*task.GateResult, error) {
	if !touchesPolicy(touched) {
		return &task.GateResult{Ran: false, Skipped: true, OK: true}, nil
	}
	return c.RunCiGate(ctx, t, strict, true, 0)
}
