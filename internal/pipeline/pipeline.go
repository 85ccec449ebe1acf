// Package pipeline implements C12: the execution pipeline every dispatched
// job runs through once its underlying attempt finishes, whether that
// attempt ran in-process (internal runner) or was reported by an external
// worker via the worker API's Complete handler.
//
// Grounded on the teacher's Engine.executeWithRetry/finishNode sequence
// (diff outputs against a pre-run snapshot, persist the run's artifact
// bundle, then decide the node's terminal status and any follow-up work) —
// generalized here into: snapshot diff -> scope validation -> CI/policy/
// allowed-tests gates -> deterministic artifacts -> verdict -> state-event
// emission -> recovery routing -> parent progress bookkeeping.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/artifacts"
	"github.com/scc-gateway/scc-gateway/internal/board"
	"github.com/scc-gateway/scc-gateway/internal/events"
	"github.com/scc-gateway/scc-gateway/internal/gates"
	"github.com/scc-gateway/scc-gateway/internal/gwerr"
	"github.com/scc-gateway/scc-gateway/internal/hooks"
	"github.com/scc-gateway/scc-gateway/internal/pins"
	"github.com/scc-gateway/scc-gateway/internal/policy"
	"github.com/scc-gateway/scc-gateway/internal/recovery"
	"github.com/scc-gateway/scc-gateway/internal/schemavalidator"
	"github.com/scc-gateway/scc-gateway/internal/snapshot"
	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

// RoleSource resolves a role's write-scope policy for ValidatePatchScope.
type RoleSource interface {
	RolePolicy(role string) (*pins.RolePolicy, bool)
}

// Executor is the consumed collaborator that actually drives an external CLI
// tool for an internally-routed job. A worker-claimed job never reaches this
// interface — its result arrives through Complete instead.
type Executor interface {
	Run(ctx context.Context, j *task.Job, t *task.Task, renderedPrompt string) (stdout, stderr string, exitCode int, err error)
}

// Pipeline wires every collaborator C12 needs. Gates/CIEnforceSinceMS etc.
// are plain fields rather than re-derived from policy.File, since the spec
// leaves their exact source an open question (see DESIGN.md); a single
// struct literal in cmd/gateway is the one place that decides it.
type Pipeline struct {
	Board       *board.Board
	Store       *store.Store
	Policy      *policy.Policy
	Roles       RoleSource
	Validator   schemavalidator.SchemaValidator
	Recovery    *recovery.Recovery
	Hooks       *hooks.Hooks
	Fuses       *hooks.Fuses
	Events      *events.Log
	Gates       gates.Config
	Executor    Executor
	RepoRoot    string

	CIGateEnabled        bool
	CIEnforceSinceMS     int64
	CIStrict             bool
	AutoRollbackEnabled  bool
	AutoRollbackMaxFiles int
}

// RunInternal drives j's subprocess via p.Executor, then feeds the result
// through Finish. j.PreSnapshot must already be set (the scheduler captures
// it at dispatch time, spec §4.4).
func (p *Pipeline) RunInternal(ctx context.Context, j *task.Job, t *task.Task, renderedPrompt string) error {
	j.Status = task.JobRunning
	started := time.Now()
	j.StartedAt = &started

	stdout, stderr, exitCode, err := p.Executor.Run(ctx, j, t, renderedPrompt)
	j.Stdout, j.Stderr = stdout, stderr
	finished := time.Now()
	j.FinishedAt = &finished

	if err != nil {
		j.Status = task.JobFailed
		if errors.Is(err, context.DeadlineExceeded) {
			j.Error = string(gwerr.CodeTimeout)
			j.Reason = string(gwerr.CodeTimeout)
			if p.Fuses != nil {
				p.Fuses.RecordTimeout(finished)
			}
		} else {
			j.Error = string(gwerr.CodeToolingError)
			j.Reason = string(gwerr.CodeToolingError)
		}
	} else {
		j.ExitCode = &exitCode
		if exitCode == 0 {
			j.Status = task.JobDone
		} else {
			j.Status = task.JobFailed
			j.Reason = string(gwerr.CodeException)
			if j.Executor == task.ExecutorOpenCodeCLI && stdout == "" && p.Fuses != nil {
				p.Fuses.RecordOccliFlake(finished)
			}
		}
	}
	return p.Finish(ctx, j, t, false)
}

// touchedPaths projects a snapshot diff down to its path list.
func touchedPaths(diff []task.SnapshotEntry) []string {
	out := make([]string, 0, len(diff))
	for _, e := range diff {
		out = append(out, e.Path)
	}
	return out
}

// approximatePatchStats derives a PatchStats from the snapshot diff: the
// snapshot mechanism hashes whole-file content rather than lines (spec
// §4.4's diff is existence/hash-based, not a git line diff), so Added/
// Removed are a byte-presence approximation — one unit per changed file
// that still exists, one per file that was deleted — good enough to drive
// the max_loc scope check without requiring every executor to emit a real
// unified diff.
func approximatePatchStats(diff []task.SnapshotEntry) *task.PatchStats {
	stats := &task.PatchStats{Files: touchedPaths(diff)}
	for _, e := range diff {
		if e.Exists {
			stats.Added++
		} else {
			stats.Removed++
		}
	}
	return stats
}

// Finish runs the full post-attempt pipeline for j/t: diff the snapshot,
// validate patch scope, run the CI/policy/allowed-tests gates, write the
// deterministic artifact set, compute the verdict, emit the state event,
// route recovery fixups, and settle the task's board status. external
// marks whether j was completed by a worker (gates this reduced-trust path
// treats submit.json/allowedTests evidence as untrusted input).
func (p *Pipeline) Finish(ctx context.Context, j *task.Job, t *task.Task, external bool) error {
	now := time.Now()

	// A worker-reported attestation failure (e.g. nonce mismatch) already
	// populates j.PolicyViolations before Finish is ever called. Per spec
	// §7 that kind of violation is terminal for the current job, so it
	// short-circuits the gate/verdict pipeline entirely rather than
	// risking settle() routing it back to StatusReady for a retry.
	if len(j.PolicyViolations) > 0 {
		return p.finishPolicyViolation(j, t, now)
	}

	diff, err := snapshot.DiffSnapshot(p.RepoRoot, j.PreSnapshot)
	if err != nil {
		return err
	}
	j.SnapshotDiff = diff
	patchStats := approximatePatchStats(diff)
	j.PatchStats = patchStats

	var rolePolicy *pins.RolePolicy
	if p.Roles != nil {
		rolePolicy, _ = p.Roles.RolePolicy(t.Role)
	}
	scopeViolations := snapshot.ValidatePatchScope(touchedPaths(diff), patchStats, t.Pins, rolePolicy)
	for _, v := range scopeViolations {
		j.PolicyViolations = append(j.PolicyViolations, task.PolicyViolation{Code: string(v.Code), Message: v.Path})
	}

	ciGate, err := p.Gates.RunCiGate(ctx, t, p.CIStrict, p.CIGateEnabled, p.CIEnforceSinceMS)
	if err != nil {
		return err
	}
	policyGate, err := p.Gates.RunPolicyGate(ctx, t, touchedPaths(diff), true)
	if err != nil {
		return err
	}
	allowedTestsGate, err := p.Gates.RunAllowedTests(ctx, t, external, 2)
	if err != nil {
		return err
	}
	j.CIGate, j.PolicyGate, j.AllowedTests = ciGate, policyGate, allowedTestsGate

	submit, err := artifacts.EnsureArtifacts(p.Store, artifacts.Inputs{
		Job: j, Task: t, SnapshotDiff: diff, PatchStats: patchStats,
		CIGate: ciGate, PolicyGate: policyGate, AllowedTests: allowedTestsGate,
		Pins: t.Pins, External: external,
	})
	if err != nil {
		return err
	}

	hygieneOK := len(scopeViolations) == 0
	verdict, err := artifacts.ComputeVerdict(p.Store, p.Validator, t, submit, j, ciGate, policyGate, hygieneOK, now)
	if err != nil {
		return err
	}
	j.Verdict = verdict.Verdict

	if err := p.emitAndRecover(ctx, j, t, verdict, scopeViolations, now); err != nil {
		return err
	}

	return p.settle(j, t, verdict, now)
}

// finishPolicyViolation is the terminal path for a job that failed
// attestation (or another policy check) before reaching the gates. It
// emits POLICY_VIOLATION and fails the task outright rather than letting
// settle() treat it as a retryable FAIL.
func (p *Pipeline) finishPolicyViolation(j *task.Job, t *task.Task, now time.Time) error {
	j.Verdict = string(artifacts.VerdictFail)
	reason := ""
	if len(j.PolicyViolations) > 0 {
		reason = j.PolicyViolations[0].Code
	}

	if p.Events != nil {
		if err := p.Events.Emit(events.Record{
			TaskID: t.ID, JobID: j.ID, Type: policy.EventPolicyViolation, Model: j.Model,
			Executor: string(j.Executor), Success: false,
			Details: map[string]any{"policy_violations": j.PolicyViolations, "reason": reason},
			At: now,
		}); err != nil {
			return err
		}
	}
	if p.Hooks != nil {
		p.Hooks.RecordFeedback(hooks.FeedbackEvent{Type: "ci_gate_result", Reason: string(policy.EventPolicyViolation)}, now)
	}
	if t.ParentID != "" {
		if err := p.Board.BumpParentProgress(t.ParentID, string(policy.EventPolicyViolation), map[string]any{"policy_violations": j.PolicyViolations}, usageOf(j), "", 0); err != nil {
			return err
		}
	}
	return p.Board.SetStatus(t.ID, task.StatusFailed)
}

func (p *Pipeline) emitAndRecover(ctx context.Context, j *task.Job, t *task.Task, verdict artifacts.Verdict, scopeViolations []snapshot.ScopeViolation, now time.Time) error {
	eventType := policy.EventSuccess
	switch {
	case j.CIGate != nil && j.CIGate.Required && !j.CIGate.OK:
		eventType = policy.EventCIFailed
	case j.PolicyGate != nil && j.PolicyGate.Required && !j.PolicyGate.OK:
		eventType = policy.EventPolicyViolation
	case len(scopeViolations) > 0:
		eventType = policy.EventPolicyViolation
	case verdict.Verdict != artifacts.VerdictPass:
		eventType = policy.EventExecutorError
	}

	if p.Events != nil {
		if err := p.Events.Emit(events.Record{
			TaskID: t.ID, JobID: j.ID, Type: eventType, Model: j.Model,
			Executor: string(j.Executor), Success: verdict.Verdict == artifacts.VerdictPass,
			Details: map[string]any{"verdict": verdict.Verdict, "reasons": verdict.Reasons},
			At: now,
		}); err != nil {
			return err
		}
	}

	if p.Hooks != nil {
		if eventType != policy.EventSuccess {
			p.Hooks.RecordFeedback(hooks.FeedbackEvent{Type: "ci_gate_result", Reason: eventType}, now)
		}
	}

	if p.Recovery == nil {
		return nil
	}

	if j.CIGate != nil && j.CIGate.Required && !j.CIGate.OK {
		if _, err := p.Recovery.MaybeCreateCiFixupTask(t); err != nil {
			return err
		}
		if p.AutoRollbackEnabled {
			if _, err := p.Recovery.ApplyAutoRollbackOnCiFailed(t, touchedPaths(j.SnapshotDiff), j.PreSnapshotFull, p.AutoRollbackEnabled, policy.DocsOnly(t), p.AutoRollbackMaxFiles); err != nil {
				return err
			}
		}
	}
	if j.PolicyGate != nil && j.PolicyGate.Required && !j.PolicyGate.OK {
		if _, err := p.Recovery.MaybeCreatePolicyFixupTasks(t, gwerr.CodePolicyGateFailed); err != nil {
			return err
		}
	}
	return nil
}

// settle decides the task's terminal board status from verdict and
// persists it, opening a DLQ entry or writing a retry plan as needed.
func (p *Pipeline) settle(j *task.Job, t *task.Task, verdict artifacts.Verdict, now time.Time) error {
	// t.DispatchAttempts is already incremented at dispatch time (scheduler
	// step 18); settle only reads it to decide DLQ vs retry.
	usage := usageOf(j)

	switch verdict.Verdict {
	case artifacts.VerdictPass:
		if err := p.Board.SetStatus(t.ID, task.StatusDone); err != nil {
			return err
		}
		if _, err := p.Board.RecordCompletion(t); err != nil {
			return err
		}
		if t.ParentID != "" {
			if err := p.Board.BumpParentProgress(t.ParentID, string(policy.EventSuccess), nil, usage, "", 0); err != nil {
				return err
			}
		}
		return nil

	case artifacts.VerdictEscalate:
		if t.ParentID != "" {
			if err := p.Board.BumpParentProgress(t.ParentID, string(policy.EventPreflightFailed), map[string]any{"reasons": verdict.Reasons}, usage, "", 0); err != nil {
				return err
			}
		}
		return p.Board.SetStatus(t.ID, task.StatusNeedsSplit)

	default: // FAIL
		maxAttempts := p.Policy.MaxTotalAttempts()
		if t.ParentID != "" {
			if err := p.Board.BumpParentProgress(t.ParentID, string(policy.EventCIFailed), map[string]any{"reasons": verdict.Reasons}, usage, "", 0); err != nil {
				return err
			}
		}
		if t.DispatchAttempts >= maxAttempts {
			if p.Recovery != nil {
				reason := gwerr.CodeRetryExhausted
				if len(verdict.Reasons) > 0 {
					reason = gwerr.Code(verdict.Reasons[0])
				}
				if err := p.Recovery.OpenDlqForTask(recovery.DlqEntryInput{
					Task: t, ReasonCode: string(reason),
					Summary: "retry budget exhausted", LastEvent: string(policy.EventRetryExhausted),
				}, now); err != nil {
					return err
				}
			}
			return p.Board.SetStatus(t.ID, task.StatusFailed)
		}
		if p.Recovery != nil {
			eventType := policy.EventCIFailed
			if len(verdict.Reasons) > 0 {
				eventType = verdict.Reasons[0]
			}
			lane := p.Policy.RouteLaneForEventType(eventType)
			if err := p.Recovery.WriteRetryPlan(t, eventType, eventType, t.DispatchAttempts+1, maxAttempts, "", lane); err != nil {
				return err
			}
		}
		return p.Board.SetStatus(t.ID, task.StatusReady)
	}
}

func usageOf(j *task.Job) task.Usage {
	if j.Usage == nil {
		return task.Usage{}
	}
	return *j.Usage
}
