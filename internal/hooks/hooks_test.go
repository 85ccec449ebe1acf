package hooks

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/board"
	"github.com/scc-gateway/scc-gateway/internal/policy"
	"github.com/scc-gateway/scc-gateway/internal/store"
)

func newTestHooks(t *testing.T) *Hooks {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "policy"), 0o755); err != nil {
		t.Fatal(err)
	}
	policyPath := filepath.Join(root, "policy", "factory_policy.json")
	if err := os.WriteFile(policyPath, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	st := store.New(root, true)
	pol := policy.New(policyPath)
	brd := board.New(st, pol, nil, 20)
	return &Hooks{Board: brd, Limiter: NewRateLimiter(st)}
}

func TestCheckStabilityThreshold(t *testing.T) {
	h := newTestHooks(t)
	now := time.Now()

	if got, err := h.CheckStability(QueueSnapshot{QueuedInternal: 5}, now); err != nil || got != nil {
		t.Fatalf("below threshold: got %v, %v, want nil, nil", got, err)
	}

	tsk, err := h.CheckStability(QueueSnapshot{QueuedInternal: 25}, now)
	if err != nil {
		t.Fatalf("CheckStability: %v", err)
	}
	if tsk == nil || tsk.Title != "stability_overload_v1" {
		t.Fatalf("CheckStability = %v, want a stability_overload_v1 task", tsk)
	}
}

func TestCheckStabilityRateLimited(t *testing.T) {
	h := newTestHooks(t)
	now := time.Now()

	if _, err := h.CheckStability(QueueSnapshot{QueuedInternal: 25}, now); err != nil {
		t.Fatalf("first CheckStability: %v", err)
	}
	tsk, err := h.CheckStability(QueueSnapshot{QueuedInternal: 25}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("second CheckStability: %v", err)
	}
	if tsk != nil {
		t.Fatalf("second CheckStability = %v, want nil (rate-limited)", tsk)
	}

	tsk, err = h.CheckStability(QueueSnapshot{QueuedInternal: 25}, now.Add(11*time.Minute))
	if err != nil {
		t.Fatalf("third CheckStability: %v", err)
	}
	if tsk == nil {
		t.Fatalf("third CheckStability = nil, want a task once the cooldown elapsed")
	}
}

func TestCheckStabilityWIPSaturatedWithNonemptyQueue(t *testing.T) {
	h := newTestHooks(t)
	now := time.Now()

	tsk, err := h.CheckStability(QueueSnapshot{QueuedInternal: 1, WIPTotalSaturated: true}, now)
	if err != nil {
		t.Fatalf("CheckStability: %v", err)
	}
	if tsk == nil {
		t.Fatalf("CheckStability = nil, want a task (WIP saturated with nonempty queue)")
	}
}

func TestCheckLearnedPatternsShiftOrJump(t *testing.T) {
	h := newTestHooks(t)
	now := time.Now()

	tsk, err := h.CheckLearnedPatterns(FailureSummary{TopReason: "timeout", PrevTopReason: "flake"}, now)
	if err != nil {
		t.Fatalf("CheckLearnedPatterns (shift): %v", err)
	}
	if tsk == nil {
		t.Fatalf("CheckLearnedPatterns (shift) = nil, want a task")
	}

	tsk, err = h.CheckLearnedPatterns(FailureSummary{TopReason: "flake", PrevTopReason: "flake", TopReasonCount: 2, PrevCount: 1}, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("CheckLearnedPatterns (small jump): %v", err)
	}
	if tsk != nil {
		t.Fatalf("CheckLearnedPatterns (small jump) = %v, want nil", tsk)
	}
}

func TestCheckTokenCFO(t *testing.T) {
	h := newTestHooks(t)
	now := time.Now()

	if tsk, err := h.CheckTokenCFO(ContextPackUsage{UnusedRatio: 0.3, Included: 5}, now); err != nil || tsk != nil {
		t.Fatalf("below ratio threshold: got %v, %v", tsk, err)
	}
	if tsk, err := h.CheckTokenCFO(ContextPackUsage{UnusedRatio: 0.7, Included: 1}, now); err != nil || tsk != nil {
		t.Fatalf("below min-included threshold: got %v, %v", tsk, err)
	}
	tsk, err := h.CheckTokenCFO(ContextPackUsage{UnusedRatio: 0.7, Included: 5}, now)
	if err != nil {
		t.Fatalf("CheckTokenCFO: %v", err)
	}
	if tsk == nil {
		t.Fatalf("CheckTokenCFO = nil, want a task")
	}
}

func TestCheckFiveWhys(t *testing.T) {
	h := newTestHooks(t)
	now := time.Now()

	if tsk, err := h.CheckFiveWhys(3, now); err != nil || tsk != nil {
		t.Fatalf("below delta: got %v, %v", tsk, err)
	}
	tsk, err := h.CheckFiveWhys(15, now)
	if err != nil {
		t.Fatalf("CheckFiveWhys: %v", err)
	}
	if tsk == nil {
		t.Fatalf("CheckFiveWhys = nil, want a task")
	}
}

func TestRecordFeedback(t *testing.T) {
	h := newTestHooks(t)
	now := time.Now()

	if h.RecordFeedback(FeedbackEvent{Type: "not_worthy"}, now) {
		t.Fatalf("RecordFeedback(not_worthy) = true, want false")
	}
	if !h.RecordFeedback(FeedbackEvent{Type: "ci_gate_result"}, now) {
		t.Fatalf("RecordFeedback(ci_gate_result) = false, want true")
	}
	if h.RecordFeedback(FeedbackEvent{Type: "ci_gate_result"}, now.Add(time.Minute)) {
		t.Fatalf("RecordFeedback(ci_gate_result) second call = true, want rate-limited false")
	}
	if !h.RecordFeedback(FeedbackEvent{Reason: "missing_pins"}, now) {
		t.Fatalf("RecordFeedback(missing_pins reason) = false, want true")
	}
}
