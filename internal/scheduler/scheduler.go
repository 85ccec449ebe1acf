// Package scheduler implements C8: the dispatch-time contract, the internal
// runloop, and executor/model routing.
//
// Grounded on internal/attractor/engine's node-dispatch sequence (a
// linearly ordered chain of precondition checks before a node may execute)
// and its executor-selection/model-fallback logic for provider routing.
package scheduler

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/scc-gateway/scc-gateway/internal/board"
	"github.com/scc-gateway/scc-gateway/internal/contextpack"
	"github.com/scc-gateway/scc-gateway/internal/gwerr"
	"github.com/scc-gateway/scc-gateway/internal/pins"
	"github.com/scc-gateway/scc-gateway/internal/policy"
	"github.com/scc-gateway/scc-gateway/internal/recovery"
	"github.com/scc-gateway/scc-gateway/internal/snapshot"
	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

// RolePolicySource resolves a role's read/write glob policy for pins
// scoping (ValidateRolePolicy) and preflight write-scope checks.
type RolePolicySource interface {
	RolePolicy(role string) (*pins.RolePolicy, bool)
	RoleExists(role string) bool
	SkillAllowed(role, skill string) bool
	RequiresRealTest(role string) bool
}

var realTestRoles = map[string]bool{
	"engineer": true, "integrator": true, "qa": true,
	"doc": true, "designer": true, "architect": true,
}

// Fuses reports whether time-bounded dispatch fuses are currently tripped.
type Fuses interface {
	TimeoutFuseTripped(now time.Time) bool
	OccliFuseTripped(now time.Time) bool
}

// RootLedger reports the root parent's cumulative usage against budgets
// (spec §4.8 step 3, the "budget governor").
type RootLedger interface {
	RootUsage(t *task.Task) (tokens int, verifyMinutes float64)
}

// Queue is the job queue: Push enqueues, ActiveCount reports currently
// running/queued jobs for WIP accounting.
type Queue interface {
	Push(j *task.Job)
	ActiveCount(lane task.Lane, runner task.Runner) int
	HasActiveForTask(taskID string) bool
}

// Scheduler wires Board/Policy/Pins/Snapshot/ContextPack/Queue together to
// implement DispatchTask.
type Scheduler struct {
	Board      *board.Board
	Policy     *policy.Policy
	Store      *store.Store
	Roles      RolePolicySource
	Fuses      Fuses
	Ledger     RootLedger
	Queue      Queue
	ContextPack *contextpack.Renderer
	Recovery   *recovery.Recovery
	RepoRoot   string

	ContextPackV1Required bool

	mu       sync.Mutex
	occliRR  int
}

// breakerState is consulted for quarantine checks; callers own its
// persistence (internal/policy.CircuitBreakerState).
type breakerState interface {
	Quarantined(now time.Time) bool
}

var quarantineAllowedLanes = map[task.Lane]bool{
	task.LaneFastlane:   true,
	task.LaneQuarantine: true,
	task.LaneDLQ:        true,
}

var quarantineAllowedClasses = map[string]bool{
	"ci_fixup_v1": true, "pins_fixup_v1": true, "schema_fixup_v1": true, "retry_exhausted_v1": true,
}

// DispatchTask runs the full ordered precondition chain and, on success,
// creates and enqueues a Job. Any failed check returns a *gwerr.Error typed
// by the failing check.
func (s *Scheduler) DispatchTask(ctx context.Context, taskID string, now time.Time, breaker breakerState, classTemplate *task.Pins) (*task.Job, error) {
	t, ok := s.Board.GetTask(taskID)
	if !ok {
		return nil, gwerr.New(gwerr.CodeException, "unknown task %s", taskID)
	}

	// 1. exists, atomic, ready/backlog.
	if !t.IsAtomic() || (t.Status != task.StatusReady && t.Status != task.StatusBacklog) {
		return nil, gwerr.New(gwerr.CodeBadStatus, "task %s not dispatchable (status=%s)", taskID, t.Status)
	}
	// 2. pins not pending.
	if t.PinsPending {
		return nil, gwerr.New(gwerr.CodePinsPending, "task %s pins pending", taskID)
	}
	// 3. budget governor.
	if s.Ledger != nil {
		budgets := s.Policy.FactoryBudgets()
		tokens, verifyMin := s.Ledger.RootUsage(t)
		if tokens >= budgets.MaxTotalTokensBudget || verifyMin >= float64(budgets.MaxTotalVerifyMinutes) {
			return nil, gwerr.New(gwerr.CodeBudgetExhausted, "task %s root budget exhausted", taskID)
		}
	}
	// 4. quarantine.
	if breaker != nil && breaker.Quarantined(now) {
		if !quarantineAllowedLanes[t.Lane] && !quarantineAllowedClasses[t.TaskClassID] {
			return nil, gwerr.New(gwerr.CodeQuarantined, "task %s blocked by active quarantine", taskID)
		}
	}
	// 5. stop-the-bleeding.
	action, matched := s.Policy.ComputeDegradationAction(policy.DegradationSignals{})
	if matched && !policy.ShouldAllowUnderStopTheBleeding(action, t) {
		s.Board.SetStatus(taskID, task.StatusBlocked)
		cool := now.Add(5 * time.Minute)
		t.CooldownUntil = &cool
		return nil, gwerr.New(gwerr.CodeStopTheBleeding, "task %s blocked under stop_the_bleeding", taskID)
	}
	// 6. timeout fuse.
	if s.Fuses != nil && t.Runner == task.RunnerExternal && s.Fuses.TimeoutFuseTripped(now) {
		return nil, gwerr.New(gwerr.CodeTimeoutFused, "external dispatch fused for task %s", taskID)
	}
	// 7. role + skills.
	if s.Roles != nil {
		if t.Role != "" && !s.Roles.RoleExists(t.Role) {
			return nil, gwerr.New(gwerr.CodeInvalidRole, "unknown role %q", t.Role)
		}
		for _, sk := range t.Skills {
			if !s.Roles.SkillAllowed(t.Role, sk) {
				return nil, gwerr.New(gwerr.CodeInvalidRole, "role %q not permitted skill %q", t.Role, sk)
			}
		}
	}
	// 8. real-test requirement.
	if realTestRoles[t.Role] && len(t.AllowedTests) == 0 {
		return nil, gwerr.New(gwerr.CodeMissingRealTest, "task %s role %q requires a real test", taskID, t.Role)
	}
	// 9. idempotency.
	if s.Queue != nil && s.Queue.HasActiveForTask(taskID) {
		return nil, gwerr.New(gwerr.CodeAlreadyDispatched, "task %s already has an active job", taskID)
	}
	// 10. retry budget.
	maxAttempts := s.Policy.MaxTotalAttempts()
	if t.DispatchAttempts >= maxAttempts {
		t.Lane = task.LaneDLQ
		s.Board.SetStatus(taskID, task.StatusFailed)
		s.openRetryExhaustedDlq(t, maxAttempts, now)
		return nil, gwerr.New(gwerr.CodeRetryExhausted, "task %s exhausted %d attempts", taskID, maxAttempts)
	}
	// 11. pick executor/model.
	executor, err := PickExecutor(t, s.Fuses, now)
	if err != nil {
		return nil, err
	}
	model := s.PickModel(t, executor)

	// 12. quality gate — left to caller-supplied hook via Ledger/stats; a
	// bare scheduler with no quality-rate tracker never blocks here.

	// 13. resolve effective pins.
	effectivePins := t.Pins
	if effectivePins == nil {
		effectivePins, err = pins.ResolvePins(t, classTemplate)
		if err != nil {
			return nil, err
		}
	}

	// 14. role policy validation.
	var rp *pins.RolePolicy
	if s.Roles != nil {
		rp, _ = s.Roles.RolePolicy(t.Role)
	}
	if rp != nil {
		for _, p := range effectivePins.AllowedPaths {
			allowed := len(rp.WriteAllowGlobs) == 0
			for _, g := range rp.WriteAllowGlobs {
				if ok, _ := globMatch(g, p); ok {
					allowed = true
					break
				}
			}
			if !allowed {
				return nil, gwerr.New(gwerr.CodeRoleWriteAllowPaths, "task %s path %q outside role write allowlist", taskID, p)
			}
			for _, g := range rp.WriteDenyGlobs {
				if ok, _ := globMatch(g, p); ok {
					return nil, gwerr.New(gwerr.CodeRoleWriteDenyPaths, "task %s path %q denied by role policy", taskID, p)
				}
			}
		}
	}

	// 15. preflight.
	pf, err := pins.Preflight(s.RepoRoot, t, effectivePins, rp)
	if err != nil {
		return nil, err
	}
	if !pf.Pass {
		if len(pf.Missing.Files) == 0 && len(pf.Missing.Symbols) == 0 && len(pf.Missing.WriteScope) == 0 && len(pf.Missing.Tests) > 0 {
			fixed, ferr := pins.AutoFixAllowedTests(s.RepoRoot, t, effectivePins, rp, nil, nil)
			if ferr == nil && fixed {
				pf, err = pins.Preflight(s.RepoRoot, t, effectivePins, rp)
				if err != nil {
					return nil, err
				}
			}
		}
		if !pf.Pass {
			return nil, gwerr.New(gwerr.CodePreflightFailed, "task %s preflight failed: %+v", taskID, pf.Missing)
		}
	}

	// 16. pre-snapshot + Context Pack v1 + nonce.
	preSnap, preFull, serr := snapshot.CapturePreSnapshot(s.RepoRoot, t, effectivePins)
	if serr != nil {
		return nil, serr
	}

	job := &task.Job{
		ID: newJobID(), TaskID: taskID, Executor: executor, Model: model,
		TaskType: task.TaskTypeAtomic, Runner: t.Runner, Lane: t.Lane,
		Status: task.JobQueued, CreatedAt: now, Priority: s.priorityFor(t),
	}
	job.PreSnapshot = preSnap
	job.PreSnapshotFull = preFull

	if s.ContextPack != nil {
		packID, perr := s.ContextPack.Render(job, t, effectivePins, pf)
		if perr != nil {
			if s.ContextPackV1Required {
				return nil, gwerr.Wrap(gwerr.CodeContextPackRender, perr, "task %s context pack render failed", taskID)
			}
		} else {
			job.ContextPackV1ID = packID
			job.ContextPackID = packID
			job.AttestationNonce = newNonce()
		}
	}
	if s.ContextPackV1Required && job.ContextPackV1ID == "" {
		return nil, gwerr.New(gwerr.CodeContextPackMissing, "task %s context pack v1 required but missing", taskID)
	}

	// 17. WIP backpressure.
	limits := s.Policy.WipLimits()
	if matched {
		limits = policy.ApplyDegradationToWipLimits(limits, action)
	}
	if s.Queue != nil {
		if blocked, code := s.wipBlocked(t, limits); blocked {
			return nil, gwerr.New(code, "WIP limit reached for lane=%s runner=%s", t.Lane, t.Runner)
		}
	}

	// 18. create job, enqueue, update task.
	if s.Queue != nil {
		s.Queue.Push(job)
	}
	t.Status = task.StatusInProgress
	t.DispatchAttempts++
	t.LastJobID = job.ID
	s.Board.UpdateTask(taskID, map[string]any{})

	return job, nil
}

// openRetryExhaustedDlq opens the task's DLQ entry and synthesizes the
// retry_exhausted_v1 follow-up task required once dispatch attempts hit
// the policy's max_total_attempts (spec §4.8 step 10).
func (s *Scheduler) openRetryExhaustedDlq(t *task.Task, maxAttempts int, now time.Time) {
	if s.Recovery == nil {
		return
	}
	_ = s.Recovery.OpenDlqForTask(recovery.DlqEntryInput{
		Task:       t,
		ReasonCode: "retry_exhausted",
		Summary:    "task exhausted its dispatch attempt budget",
		LastEvent:  "RETRY_EXHAUSTED",
	}, now)

	ft, err := s.Board.CreateTask(board.CreateTaskPayload{
		Kind: task.KindAtomic, Title: "retry_exhausted_v1 for " + t.ID,
		Goal:     "Investigate and unblock " + t.ID + " after exhausting retry budget",
		ParentID: t.ParentID, Role: "integrator", Area: t.Area,
	})
	if err != nil {
		return
	}
	ft.TaskClassID = "retry_exhausted_v1"
	ft.Lane = task.LaneQuarantine
	s.Board.UpdateTask(ft.ID, map[string]any{})
}

func (s *Scheduler) wipBlocked(t *task.Task, limits policy.WipLimits) (bool, gwerr.Code) {
	total := s.Queue.ActiveCount("", "")
	if total >= limits.Total {
		return true, gwerr.CodeWIPTotalMax
	}
	switch t.Lane {
	case task.LaneBatchlane:
		if s.Queue.ActiveCount(t.Lane, t.Runner) >= limits.Batch {
			return true, gwerr.CodeWIPBatchMax
		}
	default:
		if s.Queue.ActiveCount(t.Lane, t.Runner) >= limits.Exec {
			return true, gwerr.CodeWIPExecMax
		}
	}
	return false, ""
}

func (s *Scheduler) priorityFor(t *task.Task) int {
	score := s.Policy.LanePriorityScore(t.Lane)
	if t.Priority != nil {
		score += *t.Priority
	}
	return score
}

func globMatch(glob, p string) (bool, error) {
	return doublestar.Match(glob, p)
}

// newJobID mints a sortable, filesystem-safe job ID, grounded on the
// teacher's ulid.Make().String() call-ID pattern (engine/handlers.go).
func newJobID() string {
	return ulid.Make().String()
}

// newNonce mints the 128-bit attestation nonce binding a worker's
// Context Pack v1 proof to this dispatch (spec §4.9). It must not be
// replayable across process restarts, so it is drawn from crypto/rand
// rather than a seeded math/rand source.
func newNonce() string {
	buf := make([]byte, 16)
	if _, err := cryptorand.Read(buf); err != nil {
		panic("scheduler: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// RunLoop is the internal scheduler loop: every tick, take the jobs next
// returns, order them by descending priority then ascending CreatedAt, and
// run fn on each in turn. WIP limits are not consulted here; DispatchTask
// checks them when a job is dispatched.
func (s *Scheduler) RunLoop(ctx context.Context, tick time.Duration, next func() []*task.Job, fn func(*task.Job)) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs := next()
			sort.SliceStable(jobs, func(i, j int) bool {
				if jobs[i].Priority != jobs[j].Priority {
					return jobs[i].Priority > jobs[j].Priority
				}
				return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
			})
			for _, j := range jobs {
				fn(j)
			}
		}
	}
}
