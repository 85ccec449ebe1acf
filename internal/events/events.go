// Package events implements the state-event logging spec §3 requires: one
// append-only, hash-chained state_events.jsonl global log plus a per-task
// artifacts/<id>/events.jsonl log carrying the same records, kept in global
// chronological order (spec §8: "state_events.jsonl is a superset of each
// task's artifacts/<id>/events.jsonl").
//
// Grounded on internal/store's AppendHashChained helper (itself grounded on
// the teacher's tolerant JSONL reader idiom); this package is the thin
// record-shape layer on top of it that the scheduler, pipeline, and recovery
// packages all emit through.
package events

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/scheduler"
	"github.com/scc-gateway/scc-gateway/internal/store"
)

const globalLog = "state_events.jsonl"

func taskLog(taskID string) string {
	return filepath.Join("artifacts", taskID, "events.jsonl")
}

// Record is one state-event entry; Details carries event-specific fields
// (e.g. reason codes, model, executor) beyond the common envelope.
type Record struct {
	TaskID   string         `json:"task_id"`
	JobID    string         `json:"job_id,omitempty"`
	Type     string         `json:"event_type"`
	Model    string         `json:"model,omitempty"`
	Executor string         `json:"executor,omitempty"`
	Success  bool           `json:"success"`
	Details  map[string]any `json:"details,omitempty"`
	At       time.Time      `json:"at"`
}

func recordFields(r Record) map[string]any {
	return map[string]any{
		"task_id": r.TaskID, "job_id": r.JobID, "event_type": r.Type,
		"model": r.Model, "executor": r.Executor, "success": r.Success,
		"details": r.Details, "at": r.At.UTC().Format(time.RFC3339Nano),
	}
}

// Log emits chained state-event records to both the global and per-task
// logs, each chained independently (the two files are separate hash chains
// over the same logical records, per spec §3).
type Log struct {
	Store *store.Store
}

// NewLog builds a Log backed by st.
func NewLog(st *store.Store) *Log {
	return &Log{Store: st}
}

// Emit appends r to state_events.jsonl and artifacts/<task_id>/events.jsonl.
func (l *Log) Emit(r Record) error {
	fields := recordFields(r)
	if err := l.Store.AppendHashChained(globalLog, fields); err != nil {
		return err
	}
	if r.TaskID == "" {
		return nil
	}
	return l.Store.AppendHashChained(taskLog(r.TaskID), fields)
}

// RecentEvents returns the global log's recent records for model, mapped
// into scheduler.StateEvent, for PickCodexModel's statistics-driven pick
// (internal/scheduler.StatsSource). Only records carrying a model and an
// event_type of SUCCESS, CI_FAILED, EXECUTOR_ERROR or POLICY_VIOLATION count as routing
// samples; others (pins/policy fixups, audits) are not executor outcomes.
func (l *Log) RecentEvents(model string) []scheduler.StateEvent {
	lines, err := l.Store.ReadJSONLTail(globalLog, 500)
	if err != nil {
		return nil
	}
	var out []scheduler.StateEvent
	for _, line := range lines {
		var rec struct {
			Model   string `json:"model"`
			Type    string `json:"event_type"`
			Success bool   `json:"success"`
		}
		if json.Unmarshal(line, &rec) != nil {
			continue
		}
		if rec.Model != model || !isRoutingSample(rec.Type) {
			continue
		}
		out = append(out, scheduler.StateEvent{Model: rec.Model, Success: rec.Success})
	}
	return out
}

func isRoutingSample(eventType string) bool {
	switch strings.ToUpper(eventType) {
	case "SUCCESS", "CI_FAILED", "EXECUTOR_ERROR", "POLICY_VIOLATION":
		return true
	default:
		return false
	}
}
