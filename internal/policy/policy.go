// Package policy loads and interprets factory_policy.json (spec §4.2): WIP
// limits, lane priority, degradation actions, event routing, and circuit
// breaker definitions.
//
// Grounded on the teacher's RunConfigFile loading (engine.LoadRunConfigFile):
// a single strictly-decoded JSON/YAML document, mtime-cached, exposing typed
// accessor methods rather than letting callers poke at a raw map.
package policy

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/gwerr"
	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

// WipLimits is the WIP-limit tuple returned by Policy.WipLimits.
type WipLimits struct {
	Total          int `json:"total"`
	Exec           int `json:"exec"`
	Batch          int `json:"batch"`
	TotalExternal  int `json:"total_external"`
	TotalInternal  int `json:"total_internal"`
	ExecExternal   int `json:"exec_external"`
	ExecInternal   int `json:"exec_internal"`
	BatchExternal  int `json:"batch_external"`
	BatchInternal  int `json:"batch_internal"`
}

// Budgets is the FactoryBudgets() result.
type Budgets struct {
	MaxChildren           int `json:"max_children"`
	MaxDepth              int `json:"max_depth"`
	MaxTotalTokensBudget  int `json:"max_total_tokens_budget"`
	MaxTotalVerifyMinutes int `json:"max_total_verify_minutes"`
}

// DegradationSignals is the named-boolean input to ComputeDegradationAction.
type DegradationSignals struct {
	QueueOverload  bool `json:"queue_overload"`
	RepoUnhealthy  bool `json:"repo_unhealthy"`
	TokenBudgetLow bool `json:"token_budget_low"`
	StopTheBleeding bool `json:"stop_the_bleeding"`
}

func (s DegradationSignals) match(cond map[string]any) bool {
	vals := map[string]bool{
		"queue_overload":   s.QueueOverload,
		"repo_unhealthy":   s.RepoUnhealthy,
		"token_budget_low": s.TokenBudgetLow,
		"stop_the_bleeding": s.StopTheBleeding,
	}
	for k, want := range cond {
		wb, ok := want.(bool)
		if !ok {
			return false
		}
		got, known := vals[k]
		if !known || got != wb {
			return false
		}
	}
	return true
}

// DegradationRule is one entry in degradation_matrix.
type DegradationRule struct {
	When map[string]any `json:"when"`
	Do   DegradationAction `json:"do"`
}

// DegradationAction is the "do" clause of a matched degradation rule.
type DegradationAction struct {
	ReduceWipExecMaxTo int      `json:"reduce_WIP_EXEC_MAX_to,omitempty"`
	PreferLane         string   `json:"prefer_lane,omitempty"`
	VerificationTier   string   `json:"verification_tier,omitempty"`
	Mode               string   `json:"mode,omitempty"`
	AllowTaskClasses   []string `json:"allow_task_classes,omitempty"`
}

// BreakerDef is one circuit_breakers[] entry.
type BreakerDef struct {
	Name  string `json:"name"`
	Match struct {
		EventType string `json:"event_type"`
	} `json:"match"`
	Trip struct {
		ConsecutiveFailures int `json:"consecutive_failures"`
	} `json:"trip"`
	Action struct {
		Lane string `json:"lane"`
	} `json:"action"`
	// CooldownMS bounds how long a trip holds quarantine before it can be
	// re-evaluated; defaults to 30 minutes when zero.
	CooldownMS int64 `json:"cooldown_ms,omitempty"`
}

// File is the strictly decoded shape of factory_policy.json
// (scc.factory_policy.v1).
type File struct {
	Schema string `json:"schema"`

	WipLimits struct {
		Total         int `json:"total"`
		Exec          int `json:"exec"`
		Batch         int `json:"batch"`
		TotalExternal int `json:"total_external"`
		TotalInternal int `json:"total_internal"`
		ExecExternal  int `json:"exec_external"`
		ExecInternal  int `json:"exec_internal"`
		BatchExternal int `json:"batch_external"`
		BatchInternal int `json:"batch_internal"`
	} `json:"wip_limits"`

	DegradationMatrix []DegradationRule `json:"degradation_matrix"`
	CircuitBreakers   []BreakerDef      `json:"circuit_breakers"`

	EventRouting map[string]string `json:"event_routing"`

	Budgets struct {
		MaxChildren           int `json:"max_children"`
		MaxDepth              int `json:"max_depth"`
		MaxTotalTokensBudget  int `json:"max_total_tokens_budget"`
		MaxTotalVerifyMinutes int `json:"max_total_verify_minutes"`
	} `json:"budgets"`

	MaxTotalAttempts int `json:"max_total_attempts"`

	VerificationTiers map[string][]string `json:"verification_tiers"`

	// Hook thresholds. These are decoded from the policy file, but no
	// Policy accessor exposes them and internal/hooks does not read them:
	// the hooks use their own struct fields with built-in defaults.
	StabilityWindow        int     `json:"stability_window,omitempty"`
	LearnedPatternsMinHits int     `json:"learned_patterns_min_hits,omitempty"`
	TokenCFOWarnRatio      float64 `json:"token_cfo_warn_ratio,omitempty"`

	SSOTAutoApplyMaxPerTask int `json:"ssot_auto_apply_max_per_task,omitempty"`

	CIGate struct {
		Enabled       bool  `json:"enabled"`
		EnforceSinceMS int64 `json:"enforce_since_ms,omitempty"`
		Strict        bool  `json:"strict,omitempty"`
	} `json:"ci_gate"`

	AutoRollback struct {
		Enabled  bool `json:"enabled"`
		MaxFiles int  `json:"max_files,omitempty"`
	} `json:"auto_rollback"`
}

// Policy wraps a cached File with typed accessors.
type Policy struct {
	cached *store.Cached[File]
}

// New builds a Policy backed by an mtime-cached load of path.
func New(path string) *Policy {
	return &Policy{cached: store.NewCached(path, func(b []byte) (File, error) {
		var f File
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return File{}, gwerr.Wrap(gwerr.CodeException, err, "policy: decode factory_policy.json")
		}
		applyDefaults(&f)
		return f, nil
	})}
}

func applyDefaults(f *File) {
	if f.WipLimits.Total == 0 {
		f.WipLimits.Total = 12
	}
	if f.WipLimits.Exec == 0 {
		f.WipLimits.Exec = 4
	}
	if f.WipLimits.Batch == 0 {
		f.WipLimits.Batch = 1
	}
	if f.MaxTotalAttempts == 0 {
		f.MaxTotalAttempts = 3
	}
	if f.Budgets.MaxChildren == 0 {
		f.Budgets.MaxChildren = 12
	}
	if f.Budgets.MaxDepth == 0 {
		f.Budgets.MaxDepth = 2
	}
	if f.Budgets.MaxTotalTokensBudget == 0 {
		f.Budgets.MaxTotalTokensBudget = 200000
	}
	if f.Budgets.MaxTotalVerifyMinutes == 0 {
		f.Budgets.MaxTotalVerifyMinutes = 60
	}
	if f.SSOTAutoApplyMaxPerTask == 0 {
		f.SSOTAutoApplyMaxPerTask = 1
	}
	if f.AutoRollback.MaxFiles == 0 {
		f.AutoRollback.MaxFiles = 5
	}
}

func (p *Policy) file() File {
	f, err := p.cached.Get()
	if err != nil {
		return File{}
	}
	return f
}

// WipLimits returns the effective {total, exec, batch, ...} tuple, with
// defaults (12,4,1) and runner-specific fallbacks to the aggregate values
// when a runner-specific field is unset.
func (p *Policy) WipLimits() WipLimits {
	f := p.file()
	w := WipLimits{
		Total: f.WipLimits.Total, Exec: f.WipLimits.Exec, Batch: f.WipLimits.Batch,
		TotalExternal: f.WipLimits.TotalExternal, TotalInternal: f.WipLimits.TotalInternal,
		ExecExternal: f.WipLimits.ExecExternal, ExecInternal: f.WipLimits.ExecInternal,
		BatchExternal: f.WipLimits.BatchExternal, BatchInternal: f.WipLimits.BatchInternal,
	}
	if w.TotalExternal == 0 {
		w.TotalExternal = w.Total
	}
	if w.TotalInternal == 0 {
		w.TotalInternal = w.Total
	}
	if w.ExecExternal == 0 {
		w.ExecExternal = w.Exec
	}
	if w.ExecInternal == 0 {
		w.ExecInternal = w.Exec
	}
	if w.BatchExternal == 0 {
		w.BatchExternal = w.Batch
	}
	if w.BatchInternal == 0 {
		w.BatchInternal = w.Batch
	}
	return w
}

var lanePriority = map[task.Lane]int{
	task.LaneFastlane:   4,
	task.LaneMainlane:   3,
	task.LaneBatchlane:  2,
	task.LaneDLQ:        1,
	task.LaneQuarantine: 1,
}

// LanePriorityScore ranks lanes: fastlane > mainlane > batchlane > {dlq,quarantine}.
func (p *Policy) LanePriorityScore(lane task.Lane) int {
	if s, ok := lanePriority[lane]; ok {
		return s
	}
	return 0
}

// MaxTotalAttempts is the default attempt ceiling (3 unless overridden).
func (p *Policy) MaxTotalAttempts() int { return p.file().MaxTotalAttempts }

// CIGateSettings returns the CI gate's {enabled, enforce-since, strict} tuple.
func (p *Policy) CIGateSettings() (enabled bool, enforceSinceMS int64, strict bool) {
	f := p.file()
	return f.CIGate.Enabled, f.CIGate.EnforceSinceMS, f.CIGate.Strict
}

// AutoRollbackSettings returns whether Auto-Rollback is enabled and the max
// number of files it may restore in one pass.
func (p *Policy) AutoRollbackSettings() (enabled bool, maxFiles int) {
	f := p.file()
	return f.AutoRollback.Enabled, f.AutoRollback.MaxFiles
}

// FactoryBudgets returns the resolved budget envelope.
func (p *Policy) FactoryBudgets() Budgets {
	f := p.file()
	return Budgets{
		MaxChildren:           f.Budgets.MaxChildren,
		MaxDepth:              f.Budgets.MaxDepth,
		MaxTotalTokensBudget:  f.Budgets.MaxTotalTokensBudget,
		MaxTotalVerifyMinutes: f.Budgets.MaxTotalVerifyMinutes,
	}
}

// SSOTAutoApplyMax returns the default-1 per-task SSOT auto-apply cap.
func (p *Policy) SSOTAutoApplyMax() int { return p.file().SSOTAutoApplyMaxPerTask }

// Event types routed by RouteLaneForEventType.
const (
	EventPinsInsufficient = "PINS_INSUFFICIENT"
	EventCIFailed         = "CI_FAILED"
	EventExecutorError    = "EXECUTOR_ERROR"
	EventPolicyViolation  = "POLICY_VIOLATION"
	EventPreflightFailed  = "PREFLIGHT_FAILED"
	EventRetryExhausted   = "RETRY_EXHAUSTED"
	EventSuccess          = "SUCCESS"
)

var defaultRouting = map[string]task.Lane{
	EventPinsInsufficient: task.LaneMainlane,
	EventCIFailed:         task.LaneMainlane,
	EventExecutorError:    task.LaneMainlane,
	EventPolicyViolation:  task.LaneMainlane,
	EventPreflightFailed:  task.LaneMainlane,
	EventRetryExhausted:   task.LaneQuarantine,
	EventSuccess:          task.LaneMainlane,
}

// RouteLaneForEventType maps a board/job event type to the lane a follow-up
// or fixup task should be filed into.
func (p *Policy) RouteLaneForEventType(eventType string) task.Lane {
	f := p.file()
	if lane, ok := f.EventRouting[eventType]; ok && lane != "" {
		return task.Lane(lane)
	}
	if lane, ok := defaultRouting[eventType]; ok {
		return lane
	}
	return task.LaneMainlane
}

// ComputeDegradationAction linearly scans degradation_matrix and returns the
// action of the first rule whose "when" clause matches signals.
func (p *Policy) ComputeDegradationAction(signals DegradationSignals) (DegradationAction, bool) {
	for _, rule := range p.file().DegradationMatrix {
		if signals.match(rule.When) {
			return rule.Do, true
		}
	}
	return DegradationAction{}, false
}

// ApplyDegradationToWipLimits caps exec/exec_external/exec_internal by
// action.ReduceWipExecMaxTo, leaving other limits untouched.
func ApplyDegradationToWipLimits(limits WipLimits, action DegradationAction) WipLimits {
	if action.ReduceWipExecMaxTo <= 0 {
		return limits
	}
	limit := action.ReduceWipExecMaxTo
	if limits.Exec > limit {
		limits.Exec = limit
	}
	if limits.ExecExternal > limit {
		limits.ExecExternal = limit
	}
	if limits.ExecInternal > limit {
		limits.ExecInternal = limit
	}
	return limits
}

var stopTheBleedingRoles = map[string]bool{
	"doc":             true,
	"doc_adr_scribe":  true,
	"ssot_curator":    true,
}

// ShouldAllowUnderStopTheBleeding reports whether t may still be dispatched
// when action.Mode == "stop_the_bleeding": whitelisted task classes, the
// control_plane area, doc-ish roles, or tasks whose files and pins are
// entirely under docs/ are allowed through; everything else is blocked.
func ShouldAllowUnderStopTheBleeding(action DegradationAction, t *task.Task) bool {
	if action.Mode != "stop_the_bleeding" {
		return true
	}
	for _, c := range action.AllowTaskClasses {
		if c == t.TaskClassID {
			return true
		}
	}
	if t.Area == "control_plane" {
		return true
	}
	if stopTheBleedingRoles[t.Role] {
		return true
	}
	return docsOnly(t)
}

// DocsOnly reports whether every file/pin path t touches lives under docs/,
// the precondition Auto-Rollback requires beyond stop-the-bleeding.
func DocsOnly(t *task.Task) bool { return docsOnly(t) }

func docsOnly(t *task.Task) bool {
	for _, f := range t.Files {
		if !underDocs(f) {
			return false
		}
	}
	if t.Pins != nil {
		for _, p := range t.Pins.AllowedPaths {
			if !underDocs(p) {
				return false
			}
		}
	}
	return len(t.Files) > 0 || (t.Pins != nil && len(t.Pins.AllowedPaths) > 0)
}

func underDocs(p string) bool {
	return len(p) >= len("docs/") && p[:len("docs/")] == "docs/"
}

// CircuitBreakerState is the persisted per-breaker trip tracking (spec's
// Data Model "Circuit-Breaker State").
type CircuitBreakerState struct {
	Breakers         map[string]*BreakerTrack `json:"breakers"`
	QuarantineUntil  *time.Time               `json:"quarantine_until,omitempty"`
	QuarantineReason string                   `json:"quarantine_reason,omitempty"`
	QuarantineBreaker string                  `json:"quarantine_breaker,omitempty"`
	QuarantineTaskCreatedAt *time.Time        `json:"quarantine_task_created_at,omitempty"`
}

// BreakerTrack is per-breaker consecutive-failure tracking.
type BreakerTrack struct {
	Consecutive    int        `json:"consecutive"`
	LastEventType  string     `json:"last_event_type,omitempty"`
	TrippedAt      *time.Time `json:"tripped_at,omitempty"`
	TrippedUntil   *time.Time `json:"tripped_until,omitempty"`
}

// RecordEvent feeds eventType into every circuit breaker definition,
// incrementing a breaker's consecutive-failure counter when eventType
// matches its match.event_type and resetting it otherwise. Returns the
// breaker that tripped, if any.
func (p *Policy) RecordEvent(state *CircuitBreakerState, eventType string, now time.Time) *BreakerDef {
	if state.Breakers == nil {
		state.Breakers = map[string]*BreakerTrack{}
	}
	var tripped *BreakerDef
	defs := p.file().CircuitBreakers
	for i := range defs {
		def := defs[i]
		track, ok := state.Breakers[def.Name]
		if !ok {
			track = &BreakerTrack{}
			state.Breakers[def.Name] = track
		}
		if def.Match.EventType != eventType {
			track.Consecutive = 0
			track.LastEventType = eventType
			continue
		}
		track.Consecutive++
		track.LastEventType = eventType
		if track.Consecutive >= def.Trip.ConsecutiveFailures && track.TrippedAt == nil {
			t := now
			track.TrippedAt = &t
			cooldown := time.Duration(def.CooldownMS) * time.Millisecond
			if cooldown <= 0 {
				cooldown = 30 * time.Minute
			}
			until := now.Add(cooldown)
			track.TrippedUntil = &until
			if def.Action.Lane == string(task.LaneQuarantine) {
				state.QuarantineUntil = &until
				state.QuarantineReason = def.Name
				state.QuarantineBreaker = def.Name
				created := now
				state.QuarantineTaskCreatedAt = &created
			}
			d := def
			tripped = &d
		}
	}
	return tripped
}

// Quarantined reports whether state currently holds an active quarantine.
func (state *CircuitBreakerState) Quarantined(now time.Time) bool {
	return state.QuarantineUntil != nil && now.Before(*state.QuarantineUntil)
}
