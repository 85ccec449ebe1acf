// Package hooks implements C11: rate-limited overload/pattern-detection
// hooks and the timeout/occli-flake dispatch fuses.
//
// Grounded on internal/attractor/engine's deterministic-seeded retry/backoff
// (sha256(runID:nodeID:attempt) jitter) generalized into a rate-limiter
// keyed by "type:reason", and its executor-flake tracking (N failures
// within a window trips a cooldown) which this package's fuses mirror
// directly.
package hooks

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/board"
	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

// RateLimiter tracks the last-fired time per "type:reason" key, shared by
// every hook in this package (spec §4.11: "All hooks share a rate-limited
// state file").
type RateLimiter struct {
	mu    sync.Mutex
	st    *store.Store
	state map[string]time.Time
}

func NewRateLimiter(st *store.Store) *RateLimiter {
	rl := &RateLimiter{st: st, state: map[string]time.Time{}}
	var saved map[string]time.Time
	if err := st.LoadJSON(filepath.Join("hooks", "rate_limit_state.json"), &saved); err == nil {
		rl.state = saved
	}
	return rl
}

// Allow reports whether key may fire now, given it last fired at most once
// per minPeriod; on success it records the firing.
func (rl *RateLimiter) Allow(key string, now time.Time, minPeriod time.Duration) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if last, ok := rl.state[key]; ok && now.Sub(last) < minPeriod {
		return false
	}
	rl.state[key] = now
	_ = rl.st.SaveJSON(filepath.Join("hooks", "rate_limit_state.json"), rl.state)
	return true
}

// fuseWindow is a sliding window of recent trip events plus the cooldown
// deadline once the window's threshold has been crossed.
type fuseWindow struct {
	Events       []time.Time `json:"events,omitempty"`
	TrippedUntil time.Time   `json:"tripped_until,omitempty"`
}

// FuseState is the persisted hooks/fuse_state.json shape: one window per
// fuse, surviving restarts (spec §4.11: "persisted across restarts").
type FuseState struct {
	Timeout fuseWindow `json:"timeout"`
	Occli   fuseWindow `json:"occli"`
}

// Fuses implements scheduler.Fuses: the timeout fuse (≥3 timeout events
// within 5 min blocks external dispatch for 10 min) and the occli flake
// fuse (≥3 flake events within 5 min blocks opencodecli routing for 10
// min).
type Fuses struct {
	mu    sync.Mutex
	st    *store.Store
	state FuseState
}

func NewFuses(st *store.Store) *Fuses {
	f := &Fuses{st: st}
	_ = st.LoadJSON(filepath.Join("hooks", "fuse_state.json"), &f.state)
	return f
}

func recordAndCheck(w *fuseWindow, now time.Time, window time.Duration, threshold int, cooldown time.Duration) {
	w.Events = append(w.Events, now)
	cutoff := now.Add(-window)
	kept := w.Events[:0]
	for _, e := range w.Events {
		if e.After(cutoff) {
			kept = append(kept, e)
		}
	}
	w.Events = kept
	if len(w.Events) >= threshold {
		w.TrippedUntil = now.Add(cooldown)
		w.Events = nil
	}
}

// RecordTimeout registers a job timeout event (pipeline.RunInternal records
// one when an internal run hits its deadline).
func (f *Fuses) RecordTimeout(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recordAndCheck(&f.state.Timeout, now, 5*time.Minute, 3, 10*time.Minute)
	_ = f.st.SaveJSON(filepath.Join("hooks", "fuse_state.json"), f.state)
}

// RecordOccliFlake registers an opencode-cli exited-nonzero-with-empty-output
// event.
func (f *Fuses) RecordOccliFlake(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recordAndCheck(&f.state.Occli, now, 5*time.Minute, 3, 10*time.Minute)
	_ = f.st.SaveJSON(filepath.Join("hooks", "fuse_state.json"), f.state)
}

// TimeoutFuseTripped reports whether the timeout fuse's cooldown is active.
func (f *Fuses) TimeoutFuseTripped(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return now.Before(f.state.Timeout.TrippedUntil)
}

// OccliFuseTripped reports whether the occli flake fuse's cooldown is
// active.
func (f *Fuses) OccliFuseTripped(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return now.Before(f.state.Occli.TrippedUntil)
}

// Hooks wires the Board + rate limiter together to spawn response tasks.
type Hooks struct {
	Board   *board.Board
	Limiter *RateLimiter

	StabilityQueueThreshold  int
	LearnedPatternsDelta     int
	TokenCFOUnusedRatio      float64
	TokenCFOMinIncluded      int
	FiveWhysLineDelta        int
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// QueueSnapshot is the minimal queue telemetry hooks consult.
type QueueSnapshot struct {
	QueuedInternal int
	WIPTotalSaturated bool
}

// CheckStability spawns a stability_overload_v1 task when internal queue
// depth breaches the threshold, or WIP is saturated with a non-empty queue.
func (h *Hooks) CheckStability(q QueueSnapshot, now time.Time) (*task.Task, error) {
	threshold := defaultInt(h.StabilityQueueThreshold, 20)
	if q.QueuedInternal < threshold && !(q.WIPTotalSaturated && q.QueuedInternal > 0) {
		return nil, nil
	}
	if !h.Limiter.Allow("stability:queue_overload", now, 10*time.Minute) {
		return nil, nil
	}
	return h.Board.CreateTask(board.CreateTaskPayload{
		Kind: task.KindAtomic, Title: "stability_overload_v1",
		Goal: "Queue overload detected; reduce intake or raise WIP caps.",
		Role: "engineer", Area: "control_plane",
	})
}

// FailureSummary is the rolling failure-reason tally consulted by
// CheckLearnedPatterns.
type FailureSummary struct {
	TopReason      string
	TopReasonCount int
	PrevTopReason  string
	PrevCount      int
}

// CheckLearnedPatterns spawns learned_patterns_response_v1 when the top
// failure reason shifts or its count jumps by at least the configured
// delta.
func (h *Hooks) CheckLearnedPatterns(s FailureSummary, now time.Time) (*task.Task, error) {
	delta := defaultInt(h.LearnedPatternsDelta, 5)
	shifted := s.TopReason != s.PrevTopReason
	jumped := s.TopReasonCount-s.PrevCount >= delta
	if !shifted && !jumped {
		return nil, nil
	}
	if !h.Limiter.Allow("learned_patterns:"+s.TopReason, now, 30*time.Minute) {
		return nil, nil
	}
	return h.Board.CreateTask(board.CreateTaskPayload{
		Kind: task.KindAtomic, Title: "learned_patterns_response_v1",
		Goal: "Top failure reason shifted to " + s.TopReason + "; investigate.",
		Role: "engineer", Area: "control_plane",
	})
}

// ContextPackUsage is a single context pack's utilization sample.
type ContextPackUsage struct {
	UnusedRatio float64
	Included    int
}

// CheckTokenCFO spawns token_cfo_response_v1 when a context pack's unused
// ratio and included-file count both cross their thresholds.
func (h *Hooks) CheckTokenCFO(u ContextPackUsage, now time.Time) (*task.Task, error) {
	ratio := h.TokenCFOUnusedRatio
	if ratio <= 0 {
		ratio = 0.6
	}
	minIncluded := defaultInt(h.TokenCFOMinIncluded, 3)
	if u.UnusedRatio < ratio || u.Included < minIncluded {
		return nil, nil
	}
	if !h.Limiter.Allow("token_cfo:overinclusion", now, 30*time.Minute) {
		return nil, nil
	}
	return h.Board.CreateTask(board.CreateTaskPayload{
		Kind: task.KindAtomic, Title: "token_cfo_response_v1",
		Goal: "Context packs are over-including unused content; tighten pins.",
		Role: "engineer", Area: "control_plane",
	})
}

// CheckFiveWhys spawns a five-whys review when failures.jsonl has grown by
// at least the configured line delta since the last trigger.
func (h *Hooks) CheckFiveWhys(linesSinceLastTrigger int, now time.Time) (*task.Task, error) {
	delta := defaultInt(h.FiveWhysLineDelta, 10)
	if linesSinceLastTrigger < delta {
		return nil, nil
	}
	if !h.Limiter.Allow("five_whys:failures_growth", now, time.Hour) {
		return nil, nil
	}
	return h.Board.CreateTask(board.CreateTaskPayload{
		Kind: task.KindAtomic, Title: "five_whys_response_v1",
		Goal: "Failure log grew significantly; run a five-whys review.",
		Role: "engineer", Area: "control_plane",
	})
}

// FeedbackEvent is a dispatch-rejection/gate-result signal consulted by
// RecordFeedback.
type FeedbackEvent struct {
	Type   string
	Reason string
}

var feedbackWorthy = map[string]bool{
	"ci_gate_result": true, "ci_gate_skipped": true, "pins_apply_failed": true,
	"job_lease_expired": true, "underutilized": true, "autorescue": true,
}

var feedbackWorthyReasons = map[string]bool{
	"missing_pins": true, "missing_contract": true, "missing_pins_template": true,
}

// RecordFeedback rate-limits feedback-worthy dispatch rejections/gate
// events per "type:reason" key, spawning nothing itself — feedback hooks
// are pure signal recording consumed by the five-whys/instinct pipelines.
func (h *Hooks) RecordFeedback(e FeedbackEvent, now time.Time) bool {
	worthy := feedbackWorthy[e.Type] || feedbackWorthyReasons[e.Reason]
	if !worthy {
		return false
	}
	return h.Limiter.Allow("feedback:"+e.Type+":"+e.Reason, now, 5*time.Minute)
}
