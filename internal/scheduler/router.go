package scheduler

import (
	"sort"
	"strings"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/task"
)

// defaultStrictDesignerModel is the codex model designer-role tasks are
// pinned to. It is a fixed constant: no Scheduler field or environment
// variable overrides it.
const defaultStrictDesignerModel = "gpt-5-codex"

// StateEvent is one state_events.jsonl record consulted by PickCodexModel's
// statistics-driven pick.
type StateEvent struct {
	Model   string
	Success bool
}

// StatsSource exposes recent routing statistics; a nil StatsSource degrades
// PickCodexModel to its preferred-order fallback.
type StatsSource interface {
	RecentEvents(model string) []StateEvent
}

// PickExecutor chooses codex or opencodecli for t: designer roles are
// pinned to codex; a single-allowed executor is used as-is; otherwise,
// unless the occli fuse is tripped, the choice falls back to whichever
// executor t allows (codex preferred). No free/paid running-share
// heuristic is applied, and there is no hook to plug one in.
func PickExecutor(t *task.Task, fuses Fuses, now time.Time) (task.Executor, error) {
	if t.Role == "designer" {
		return task.ExecutorCodex, nil
	}
	if len(t.AllowedExecutors) == 1 {
		return t.AllowedExecutors[0], nil
	}
	allowsCodex, allowsOccli := false, false
	for _, e := range t.AllowedExecutors {
		switch e {
		case task.ExecutorCodex:
			allowsCodex = true
		case task.ExecutorOpenCodeCLI:
			allowsOccli = true
		}
	}
	if !allowsCodex && !allowsOccli {
		return task.ExecutorCodex, nil // default when unspecified
	}
	if allowsOccli && fuses != nil && fuses.OccliFuseTripped(now) {
		allowsOccli = false
	}
	if allowsCodex && !allowsOccli {
		return task.ExecutorCodex, nil
	}
	if allowsOccli && !allowsCodex {
		return task.ExecutorOpenCodeCLI, nil
	}
	return task.ExecutorCodex, nil
}

// PickModel dispatches to PickCodexModel or PickOccliModel per executor.
func (s *Scheduler) PickModel(t *task.Task, executor task.Executor) string {
	switch executor {
	case task.ExecutorCodex:
		return s.PickCodexModel(t)
	case task.ExecutorOpenCodeCLI:
		return s.PickOccliModel(t)
	default:
		return ""
	}
}

var defaultCodexModel = "gpt-5-codex"

const routerStatsMinSamples = 5

// PickCodexModel resolves the codex model: a designer role is pinned to
// defaultStrictDesignerModel; there is no task-level forced-model override.
// Otherwise, among t.AllowedModels (filtered to non-opencode/ entries), when
// there are ≥2 candidates and the Ledger is a StatsSource, the candidate
// with the best success rate among those with at least
// routerStatsMinSamples samples is picked; failing that, the first
// candidate, or the package default when there are none.
func (s *Scheduler) PickCodexModel(t *task.Task) string {
	if t.Role == "designer" {
		return defaultStrictDesignerModel
	}
	var candidates []string
	for _, m := range t.AllowedModels {
		if !strings.HasPrefix(m, "opencode/") {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return defaultCodexModel
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	if stats, ok := s.Ledger.(StatsSource); ok {
		best, bestRate, haveBest := "", 0.0, false
		for _, c := range candidates {
			events := stats.RecentEvents(c)
			if len(events) < routerStatsMinSamples {
				continue
			}
			successes := 0
			for _, e := range events {
				if e.Success {
					successes++
				}
			}
			rate := float64(successes) / float64(len(events))
			if !haveBest || rate > bestRate {
				best, bestRate, haveBest = c, rate, true
			}
		}
		if haveBest {
			return best
		}
	}
	return candidates[0]
}

// PickOccliModel resolves the opencodecli model from t.AllowedModels
// entries prefixed opencode/ only (there is no free pool and no blacklist
// filter), using mode strong_first (strength-descending), ladder
// (indexed by t.ModelAttempt, clamped), or rr (an in-memory round-robin
// index on Scheduler that is not persisted and restarts at 0). Defaults
// to strong_first when mode is unset.
func (s *Scheduler) PickOccliModel(t *task.Task) string {
	var pool []string
	for _, m := range t.AllowedModels {
		if strings.HasPrefix(m, "opencode/") {
			pool = append(pool, m)
		}
	}
	if len(pool) == 0 {
		return ""
	}
	mode := occliMode(t)
	switch mode {
	case "ladder":
		idx := t.ModelAttempt
		if idx < 0 {
			idx = 0
		}
		if idx >= len(pool) {
			idx = len(pool) - 1
		}
		return pool[idx]
	case "rr":
		s.mu.Lock()
		idx := s.occliRR % len(pool)
		s.occliRR++
		s.mu.Unlock()
		return pool[idx]
	default: // strong_first
		sorted := append([]string{}, pool...)
		sort.Strings(sorted) // lexical proxy for strength ordering absent external strength data
		return sorted[len(sorted)-1]
	}
}

func occliMode(t *task.Task) string {
	if v, ok := t.TaskClassParams["occli_model_mode"].(string); ok {
		return v
	}
	return "strong_first"
}
