// Package board implements C7: task CRUD, parent progress ledgers, and the
// periodic audit-task trigger.
//
// Grounded on internal/attractor/runstate (the teacher's authoritative
// in-memory run state backed by atomic JSON persistence) generalized from a
// single run's node states into a full task board with parent/child
// relationships.
package board

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scc-gateway/scc-gateway/internal/gwerr"
	"github.com/scc-gateway/scc-gateway/internal/policy"
	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

// RoleSystem resolves whether a role exists and which skills/areas it
// permits; a concrete implementation is loaded from roles/registry.json and
// roles/role_skill_matrix.json.
type RoleSystem interface {
	RoleExists(role string) bool
	SkillAllowed(role, skill string) bool
}

// Board owns the single authoritative in-memory task map, guarded by one
// writer mutex per spec §5 ("single authoritative in-memory state").
type Board struct {
	mu    sync.RWMutex
	tasks map[string]*task.Task

	st     *store.Store
	pol    *policy.Policy
	roles  RoleSystem

	auditCounter int
	auditEveryN  int
}

// New builds a Board backed by st, using pol for lane defaults under
// degradation and roles for creation-time validation.
func New(st *store.Store, pol *policy.Policy, roles RoleSystem, auditTriggerEveryN int) *Board {
	if auditTriggerEveryN <= 0 {
		auditTriggerEveryN = 10
	}
	return &Board{tasks: map[string]*task.Task{}, st: st, pol: pol, roles: roles, auditEveryN: auditTriggerEveryN}
}

// Load restores the board's task map from board/tasks.json, if present.
func (b *Board) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var all map[string]*task.Task
	if err := b.st.LoadJSON(filepath.Join("board", "tasks.json"), &all); err != nil {
		return nil // absent store is a fresh board, not an error
	}
	b.tasks = all
	return nil
}

func (b *Board) persistLocked() error {
	return b.st.SaveJSON(filepath.Join("board", "tasks.json"), b.tasks)
}

// CreateTaskPayload is the caller-supplied shape for CreateTask, prior to
// server-assigned fields (ID, timestamps, status).
type CreateTaskPayload struct {
	Kind     task.Kind
	Title    string
	Goal     string
	ParentID string
	Role     string
	Skills   []string
	Area     string
	Files    []string
	Pins     *task.Pins
	Contract *task.Contract
	Runner   task.Runner
}

// CreateTask validates role/skills/parent-budget invariants (pins are
// stored as given and not checked here) and
// assigns defaults (lane from area or the policy-preferred lane under
// degradation), returning the persisted Task.
func (b *Board) CreateTask(p CreateTaskPayload) (*task.Task, error) {
	if p.Role != "" && b.roles != nil && !b.roles.RoleExists(p.Role) {
		return nil, gwerr.New(gwerr.CodeInvalidRole, "unknown role %q", p.Role)
	}
	if b.roles != nil {
		for _, sk := range p.Skills {
			if !b.roles.SkillAllowed(p.Role, sk) {
				return nil, gwerr.New(gwerr.CodeInvalidRole, "role %q not permitted skill %q", p.Role, sk)
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	budgets := b.pol.FactoryBudgets()
	depth := 0
	if p.ParentID != "" {
		parent, ok := b.tasks[p.ParentID]
		if !ok {
			return nil, gwerr.New(gwerr.CodeException, "unknown parent %s", p.ParentID)
		}
		depth = parent.Depth + 1
		if depth > budgets.MaxDepth {
			return nil, gwerr.New(gwerr.CodeException, "parent depth budget exceeded for %s", p.ParentID)
		}
		children := b.childrenLocked(p.ParentID)
		if len(children) >= budgets.MaxChildren {
			return nil, gwerr.New(gwerr.CodeException, "parent child budget exceeded for %s", p.ParentID)
		}
	}

	now := time.Now()
	t := &task.Task{
		ID:        uuid.NewString(),
		Kind:      p.Kind,
		Title:     p.Title,
		Goal:      p.Goal,
		ParentID:  p.ParentID,
		Role:      p.Role,
		Skills:    p.Skills,
		Area:      p.Area,
		Files:     p.Files,
		Pins:      p.Pins,
		Contract:  p.Contract,
		Runner:    p.Runner,
		Status:    task.StatusBacklog,
		Lane:      b.defaultLane(p.Area),
		CreatedAt: now,
		UpdatedAt: now,
		Depth:     depth,
		MaxChildren: budgets.MaxChildren,
		MaxDepth:    budgets.MaxDepth,
	}
	if t.Runner == "" {
		t.Runner = task.RunnerInternal
	}
	b.tasks[t.ID] = t
	if err := b.persistLocked(); err != nil {
		return nil, err
	}
	if p.ParentID != "" {
		if err := b.ensureParentLedgersLocked(p.ParentID); err != nil {
			return nil, err
		}
	}
	return t, nil
}

var areaLane = map[string]task.Lane{
	"control_plane": task.LaneFastlane,
	"hotfix":        task.LaneFastlane,
	"batch":         task.LaneBatchlane,
}

func (b *Board) defaultLane(area string) task.Lane {
	if lane, ok := areaLane[area]; ok {
		return lane
	}
	if action, ok := b.pol.ComputeDegradationAction(policy.DegradationSignals{}); ok && action.PreferLane != "" {
		return task.Lane(action.PreferLane)
	}
	return task.LaneMainlane
}

// GetTask returns a copy-free pointer to the task; callers must not mutate
// it outside Board methods.
func (b *Board) GetTask(id string) (*task.Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	return t, ok
}

// List returns every task, unordered.
func (b *Board) List() []*task.Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*task.Task, 0, len(b.tasks))
	for _, t := range b.tasks {
		out = append(out, t)
	}
	return out
}

func (b *Board) childrenLocked(parentID string) []*task.Task {
	var out []*task.Task
	for _, t := range b.tasks {
		if t.ParentID == parentID {
			out = append(out, t)
		}
	}
	return out
}

// UpdateTask applies patch (a field->value map for the subset of Task
// fields callers may externally mutate) and persists the result.
func (b *Board) UpdateTask(id string, patch map[string]any) (*task.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, gwerr.New(gwerr.CodeException, "unknown task %s", id)
	}
	applyPatch(t, patch)
	t.UpdatedAt = time.Now()
	if err := b.persistLocked(); err != nil {
		return nil, err
	}
	return t, nil
}

func applyPatch(t *task.Task, patch map[string]any) {
	if v, ok := patch["title"].(string); ok {
		t.Title = v
	}
	if v, ok := patch["goal"].(string); ok {
		t.Goal = v
	}
	if v, ok := patch["role"].(string); ok {
		t.Role = v
	}
	if v, ok := patch["area"].(string); ok {
		t.Area = v
	}
	if v, ok := patch["files"].([]string); ok {
		t.Files = v
	}
}

// SetStatus transitions t to status and persists.
func (b *Board) SetStatus(id string, status task.Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return gwerr.New(gwerr.CodeException, "unknown task %s", id)
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	return b.persistLocked()
}

// DeleteTask removes a task outright.
func (b *Board) DeleteTask(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tasks, id)
	return b.persistLocked()
}

// ParentLedger is the task_ledger.json shape: per-status child counts.
type ParentLedger struct {
	Counts map[task.Status]int `json:"counts"`
}

// ProgressLedger is the progress_ledger.json shape: aggregate usage and
// stall tracking for a parent's children.
type ProgressLedger struct {
	Usage struct {
		Attempts      int     `json:"attempts"`
		TokensInput   int     `json:"tokens_input"`
		TokensOutput  int     `json:"tokens_output"`
		VerifyMinutes float64 `json:"verify_minutes"`
	} `json:"usage"`
	LastProgressAt time.Time `json:"last_progress_at"`
	StallReason    string    `json:"stall_reason,omitempty"`
}

func ledgerPath(parentID, name string) string {
	return filepath.Join("artifacts", parentID, name)
}

// EnsureParentLedgers creates task_ledger.json and progress_ledger.json for
// parentID if they do not already exist.
func (b *Board) EnsureParentLedgers(parentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureParentLedgersLocked(parentID)
}

func (b *Board) ensureParentLedgersLocked(parentID string) error {
	if !b.st.Exists(ledgerPath(parentID, "task_ledger.json")) {
		if err := b.st.SaveJSON(ledgerPath(parentID, "task_ledger.json"), ParentLedger{Counts: map[task.Status]int{}}); err != nil {
			return err
		}
	}
	if !b.st.Exists(ledgerPath(parentID, "progress_ledger.json")) {
		if err := b.st.SaveJSON(ledgerPath(parentID, "progress_ledger.json"), ProgressLedger{LastProgressAt: time.Now()}); err != nil {
			return err
		}
	}
	return nil
}

// BumpParentProgress updates parentID's ledgers: recomputes child status
// counts, adds usageDelta, updates stall tracking against
// ledgerStallMinutes, and appends a progress_events.jsonl line.
func (b *Board) BumpParentProgress(parentID, eventType string, details map[string]any, usageDelta task.Usage, stallReason string, ledgerStallMinutes float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureParentLedgersLocked(parentID); err != nil {
		return err
	}

	var ledger ParentLedger
	if err := b.st.LoadJSON(ledgerPath(parentID, "task_ledger.json"), &ledger); err != nil {
		ledger = ParentLedger{Counts: map[task.Status]int{}}
	}
	ledger.Counts = map[task.Status]int{}
	for _, c := range b.childrenLocked(parentID) {
		ledger.Counts[c.Status]++
	}
	if err := b.st.SaveJSON(ledgerPath(parentID, "task_ledger.json"), ledger); err != nil {
		return err
	}

	var progress ProgressLedger
	if err := b.st.LoadJSON(ledgerPath(parentID, "progress_ledger.json"), &progress); err != nil {
		progress = ProgressLedger{}
	}
	now := time.Now()
	progress.Usage.Attempts++
	progress.Usage.TokensInput += usageDelta.TokensInput
	progress.Usage.TokensOutput += usageDelta.TokensOutput
	progress.Usage.VerifyMinutes += usageDelta.VerifyMinutes

	if stallReason != "" {
		progress.StallReason = stallReason
	} else {
		minutesSince := now.Sub(progress.LastProgressAt).Minutes()
		if minutesSince >= ledgerStallMinutes {
			progress.StallReason = "no_progress"
		} else {
			progress.StallReason = ""
			progress.LastProgressAt = now
		}
	}
	if err := b.st.SaveJSON(ledgerPath(parentID, "progress_ledger.json"), progress); err != nil {
		return err
	}

	rec := map[string]any{"parent_id": parentID, "event_type": eventType, "details": details, "at": now}
	return b.st.AppendJSONL(ledgerPath(parentID, "progress_events.jsonl"), rec)
}

// RootUsage walks t's ParentID chain to the root parent and returns its
// cumulative token/verify-minute usage, for the scheduler's budget-governor
// check (spec §4.8 step 3). A task with no parent chain reports zero usage.
func (b *Board) RootUsage(t *task.Task) (tokens int, verifyMinutes float64) {
	b.mu.RLock()
	root := t
	for root.ParentID != "" {
		p, ok := b.tasks[root.ParentID]
		if !ok {
			break
		}
		root = p
	}
	rootID := root.ID
	b.mu.RUnlock()

	if rootID == "" || rootID == t.ID && t.ParentID == "" {
		return 0, 0
	}
	var progress ProgressLedger
	if err := b.st.LoadJSON(ledgerPath(rootID, "progress_ledger.json"), &progress); err != nil {
		return 0, 0
	}
	return progress.Usage.TokensInput + progress.Usage.TokensOutput, progress.Usage.VerifyMinutes
}

var auditExemptRoles = map[string]bool{"auditor": true, "status_review": true}

// shouldCountForAudit reports whether a completed task counts toward the
// periodic audit trigger (atomic, done, and not itself an audit/review
// task).
func shouldCountForAudit(t *task.Task) bool {
	return t.IsAtomic() && t.Status == task.StatusDone && !auditExemptRoles[t.Role]
}

// RecordCompletion is invoked after every task completion; when
// shouldCountForAudit(t), it bumps the audit counter and, upon reaching
// auditEveryN, creates one status_review_audit_v1 task over the last N done
// tasks.
func (b *Board) RecordCompletion(t *task.Task) (*task.Task, error) {
	if !shouldCountForAudit(t) {
		return nil, nil
	}
	b.mu.Lock()
	b.auditCounter++
	fire := b.auditCounter >= b.auditEveryN
	if fire {
		b.auditCounter = 0
	}
	b.mu.Unlock()
	if !fire {
		return nil, nil
	}

	recent := b.recentDone(b.auditEveryN)
	payload := CreateTaskPayload{
		Kind:  task.KindAtomic,
		Title: fmt.Sprintf("status_review_audit_v1 over last %d done tasks", len(recent)),
		Goal:  "Audit the most recently completed tasks for quality/process drift.",
		Role:  "status_review",
		Area:  "control_plane",
	}
	return b.CreateTask(payload)
}

func (b *Board) recentDone(n int) []*task.Task {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var done []*task.Task
	for _, t := range b.tasks {
		if t.Status == task.StatusDone {
			done = append(done, t)
		}
	}
	if len(done) > n {
		done = done[len(done)-n:]
	}
	return done
}
