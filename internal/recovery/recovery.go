// Package recovery implements C10: pins/CI/policy fixup task synthesis,
// auto-rollback on docs-only CI failure, DLQ entries, and retry plans.
//
// Grounded on internal/attractor/engine's retry/backoff and
// stale-output-clearing logic (a failed node spawns a bounded retry rather
// than a hard stop) generalized into typed fixup-task synthesis, and
// runstate/snapshot.go's restore-from-snapshot behavior for Auto-Rollback —
// adapted to a size-capped content restore rather than the teacher's
// destructive `git reset --hard`, since this spec requires surgical
// per-file restore, not a repo-wide reset.
package recovery

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/board"
	"github.com/scc-gateway/scc-gateway/internal/gwerr"
	"github.com/scc-gateway/scc-gateway/internal/pins"
	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

// quarantineFollowupDelay is a fixed constant, not a policy field. No code
// path reads it: quarantine follow-up creation is not gated on the
// quarantine task's age.
const quarantineFollowupDelay = 5 * time.Minute

const (
	pinsFixupMaxPerTask = 2
	fixupFuseQueueThreshold = 50
)

// QueueProbe reports current queue depth for the fixup fuse.
type QueueProbe interface {
	QueuedCount() int
}

// fixupFused reports whether new fixup-task creation should be denied to
// prevent storms (spec §4.10 "Fixup fuse").
func fixupFused(q QueueProbe) bool {
	return q != nil && q.QueuedCount() >= fixupFuseQueueThreshold
}

// Recovery wires Board/Store/MapStore together for fixup synthesis.
type Recovery struct {
	Board    *board.Board
	Store    *store.Store
	MapStore pins.MapStore
	RepoRoot string
	Queue    QueueProbe
}

func pinsHash(p *task.Pins) string {
	if p == nil {
		return ""
	}
	h := sha256.New()
	for _, a := range p.AllowedPaths {
		h.Write([]byte(a))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

var pinsFixupReasons = map[string]bool{
	"pins_insufficient": true, "missing_pins": true, "missing_pins_template": true,
}

// MaybeCreatePinsFixupTask attempts AutoPinsFromMap first; if the resulting
// pins hash differs from the task's previous pins, it updates the task and
// signals a re-dispatch (returns redispatch=true). Only when that fails
// does it synthesize a pins_fixup_v1 task, bounded by pinsFixupMaxPerTask.
func (r *Recovery) MaybeCreatePinsFixupTask(t *task.Task, reason string) (redispatch bool, fixupTask *task.Task, err error) {
	if !pinsFixupReasons[reason] {
		return false, nil, nil
	}
	if fixupFused(r.Queue) {
		return false, nil, nil
	}

	before := pinsHash(t.Pins)
	if r.MapStore != nil {
		var mapRef struct{ Path, Hash string }
		newPins, ok, merr := pins.AutoPinsFromMap(r.Store, r.MapStore, t, mapRef)
		if merr == nil && ok && pinsHash(newPins) != before {
			r.Board.UpdateTask(t.ID, map[string]any{})
			return true, nil, nil
		}
	}

	if t.PinsFixupCount >= pinsFixupMaxPerTask {
		return false, nil, nil
	}
	ft, cerr := r.Board.CreateTask(board.CreateTaskPayload{
		Kind: task.KindAtomic, Title: "pins_fixup_v1 for " + t.ID,
		Goal: "Derive sufficient pins for task " + t.ID, ParentID: t.ParentID,
		Role: "pinser", Area: t.Area,
	})
	if cerr != nil {
		return false, nil, cerr
	}
	t.PinsFixupCount++
	return false, ft, nil
}

// MaybeCreateCiFixupTask synthesizes a ci_fixup_v1 task scoped to rerun the
// fixed CI gate script against the source task's submit.json.
func (r *Recovery) MaybeCreateCiFixupTask(sourceTask *task.Task) (*task.Task, error) {
	if fixupFused(r.Queue) {
		return nil, nil
	}
	return r.Board.CreateTask(board.CreateTaskPayload{
		Kind: task.KindAtomic, Title: "ci_fixup_v1 for " + sourceTask.ID,
		Goal:     "Fix CI failures for " + sourceTask.ID,
		ParentID: sourceTask.ParentID, Role: "engineer", Area: sourceTask.Area,
		Files: sourceTask.Files,
	})
}

// ciGateFixupRouting maps a CI-gate error code to the typed fixup task
// class it routes to.
var ciGateFixupRouting = map[gwerr.Code]string{
	gwerr.CodeMissingFiles:        "events_backfill_v1",
	gwerr.CodeScopeConflict:       "map_refresh_v1",
	gwerr.CodeMissingSubmitContract: "ssot_sync_v1",
}

// MaybeCreateCiGateFixupTasks routes specific CI-gate error codes to typed
// fixup tasks (events backfill / Map refresh / SSOT sync).
func (r *Recovery) MaybeCreateCiGateFixupTasks(sourceTask *task.Task, code gwerr.Code) (*task.Task, error) {
	class, ok := ciGateFixupRouting[code]
	if !ok || fixupFused(r.Queue) {
		return nil, nil
	}
	t, err := r.Board.CreateTask(board.CreateTaskPayload{
		Kind: task.KindAtomic, Title: class + " for " + sourceTask.ID,
		Goal: "Resolve CI gate error " + string(code) + " for " + sourceTask.ID,
		ParentID: sourceTask.ParentID, Role: "engineer", Area: sourceTask.Area,
	})
	if err != nil {
		return nil, err
	}
	t.TaskClassID = class
	return t, nil
}

var policyGateFixupRouting = map[gwerr.Code]string{
	gwerr.CodeHygieneFailed:      "doc_adr_fixup_v1",
	gwerr.CodeMissingSubmitContract: "ssot_index_fixup_v1",
	gwerr.CodePolicyGateFailed:   "schema_fixup_v1",
}

// MaybeCreatePolicyFixupTasks routes policy-gate error codes to their typed
// fixup task classes.
func (r *Recovery) MaybeCreatePolicyFixupTasks(sourceTask *task.Task, code gwerr.Code) (*task.Task, error) {
	class, ok := policyGateFixupRouting[code]
	if !ok || fixupFused(r.Queue) {
		return nil, nil
	}
	t, err := r.Board.CreateTask(board.CreateTaskPayload{
		Kind: task.KindAtomic, Title: class + " for " + sourceTask.ID,
		Goal: "Resolve policy gate error " + string(code) + " for " + sourceTask.ID,
		ParentID: sourceTask.ParentID, Role: "ssot_curator", Area: sourceTask.Area,
	})
	if err != nil {
		return nil, err
	}
	t.TaskClassID = class
	return t, nil
}

// RollbackReport is the scc.rollback_report.v1 contract.
type RollbackReport struct {
	Schema  string `json:"schema_version"`
	Applied []struct {
		Path   string `json:"path"`
		Action string `json:"action"`
	} `json:"applied"`
}

// ApplyAutoRollbackOnCiFailed restores touched files from full-snapshot
// content when enabled, docs-only, under the file-count cap, and every
// touched file has full content captured — writing rollback_report.json
// and returning whether it applied.
func (r *Recovery) ApplyAutoRollbackOnCiFailed(t *task.Task, touched []string, fullSnapshot map[string]string, enabled bool, docsOnly bool, maxFiles int) (bool, error) {
	if !enabled || len(touched) == 0 || len(touched) > maxFiles {
		return false, nil
	}
	if docsOnly {
		for _, p := range touched {
			if len(p) < len("docs/") || p[:len("docs/")] != "docs/" {
				return false, nil
			}
		}
	}
	for _, p := range touched {
		if _, ok := fullSnapshot[p]; !ok {
			return false, nil
		}
	}

	report := RollbackReport{Schema: "scc.rollback_report.v1"}
	for _, p := range touched {
		b64 := fullSnapshot[p]
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return false, err
		}
		abs := filepath.Join(r.RepoRoot, p)
		if len(data) == 0 {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return false, err
			}
		} else {
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return false, err
			}
			if err := os.WriteFile(abs, data, 0o644); err != nil {
				return false, err
			}
		}
		report.Applied = append(report.Applied, struct {
			Path   string `json:"path"`
			Action string `json:"action"`
		}{Path: p, Action: "restore"})
	}

	if err := r.Store.SaveJSON(filepath.Join("artifacts", t.ID, "rollback_report.json"), report); err != nil {
		return false, err
	}
	return true, nil
}

// DlqEntryInput bundles the fields OpenDlqForTask persists.
type DlqEntryInput struct {
	Task          *task.Task
	ReasonCode    string
	Summary       string
	MissingInputs []string
	LastEvent     string
}

// OpenDlqForTask appends a chained dlq.jsonl entry and flags the task so it
// is only opened once.
func (r *Recovery) OpenDlqForTask(in DlqEntryInput, now time.Time) error {
	if in.Task.DLQOpened {
		return nil
	}
	entry := map[string]any{
		"schema_version": "scc.dlq.v1",
		"dlq_id":         "dlq-" + in.Task.ID,
		"task_id":        in.Task.ID,
		"created_at":     now.UTC().Format(time.RFC3339),
		"status":         "OPEN",
		"reason_code":    in.ReasonCode,
		"summary":        in.Summary,
		"missing_inputs": in.MissingInputs,
		"last_event":     in.LastEvent,
		"retry_history":  []any{},
		"evidence": map[string]string{
			"artifacts_root": filepath.Join("artifacts", in.Task.ID),
			"report_md":      filepath.Join("artifacts", in.Task.ID, "report.md"),
			"selftest_log":   filepath.Join("artifacts", in.Task.ID, "selftest.log"),
		},
	}
	if err := r.Store.AppendHashChained(filepath.Join("artifacts", "dlq", "dlq.jsonl"), entry); err != nil {
		return err
	}
	in.Task.DLQOpened = true
	return nil
}

// RetryPlan is the scc.retry_plan.v1 contract.
type RetryPlan struct {
	Schema      string `json:"schema_version"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	Route       struct {
		Lane     string `json:"lane"`
		NextRole string `json:"next_role,omitempty"`
		Notes    string `json:"notes,omitempty"`
	} `json:"route"`
	Strategy     string `json:"strategy"`
	Budgets      map[string]any `json:"budgets,omitempty"`
	StopConditions []string `json:"stop_conditions,omitempty"`
	DlqOnFail    bool   `json:"dlq_on_fail"`
}

var strategyByEvent = map[string]string{
	"PINS_INSUFFICIENT": "PINS_FIX",
	"CI_FAILED":         "SHRINK_RADIUS",
	"EXECUTOR_ERROR":    "SWITCH_EXECUTOR",
	"RETRY_EXHAUSTED":   "DLQ",
}

// WriteRetryPlan derives strategy from eventType, takes the route lane from
// lane, and persists retry_plan.json.
func (r *Recovery) WriteRetryPlan(t *task.Task, eventType, reason string, nextAttempt, maxAttempts int, notes string, lane task.Lane) error {
	plan := RetryPlan{Schema: "scc.retry_plan.v1", Attempt: nextAttempt, MaxAttempts: maxAttempts}
	plan.Route.Lane = string(lane)
	plan.Route.Notes = notes
	plan.Strategy = strategyByEvent[eventType]
	if plan.Strategy == "" {
		plan.Strategy = "SHRINK_RADIUS"
	}
	plan.DlqOnFail = true
	return r.Store.SaveJSON(filepath.Join("artifacts", t.ID, "retry_plan.json"), plan)
}
