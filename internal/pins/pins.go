// Package pins implements C3: resolving a task's effective file/symbol
// footprint (Pins) and running Preflight checks against it before dispatch.
//
// Grounded on the teacher's node-input resolution in
// internal/attractor/engine (merging a node's declared inputs with graph
// defaults before execution) and on gitutil's allow/deny path matching used
// to decide whether a git diff touched forbidden territory.
package pins

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/scc-gateway/scc-gateway/internal/gwerr"
	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

// artifactsGlob is always forbidden, regardless of what a pins template or
// instance says — the resolver rewrites this invariant into every result.
const artifactsGlob = "artifacts/**"

// ResolvePins computes the effective Pins for t: explicit t.Pins wins;
// otherwise classTemplate is merged with t.PinsInstance. The result always
// forbids artifacts/** and must have a non-empty AllowedPaths.
func ResolvePins(t *task.Task, classTemplate *task.Pins) (*task.Pins, error) {
	var resolved task.Pins

	switch {
	case t.Pins != nil:
		resolved = *t.Pins
	case classTemplate != nil:
		resolved = *classTemplate
		if t.PinsInstance != nil {
			inst := t.PinsInstance
			resolved.AllowedPaths = append(append([]string{}, resolved.AllowedPaths...), inst.AllowedPathsAdd...)
			resolved.ForbiddenPaths = append(append([]string{}, resolved.ForbiddenPaths...), inst.ForbiddenPathsAdd...)
			resolved.Symbols = append(append([]string{}, resolved.Symbols...), inst.SymbolsAdd...)
			if inst.LineWindows != nil {
				resolved.LineWindows = inst.LineWindows
			}
			if inst.MaxFiles > 0 {
				resolved.MaxFiles = inst.MaxFiles
			}
			if inst.MaxLOC > 0 {
				resolved.MaxLOC = inst.MaxLOC
			}
			if len(inst.SSOTAssumptions) > 0 {
				resolved.SSOTAssumptions = inst.SSOTAssumptions
			}
		}
	default:
		return nil, gwerr.New(gwerr.CodeMissingPinsTemplate, "no explicit pins and no class template for task %s", t.ID)
	}

	resolved.ForbiddenPaths = ensureForbidden(resolved.ForbiddenPaths, artifactsGlob)

	if len(resolved.AllowedPaths) == 0 {
		return nil, gwerr.New(gwerr.CodeMissingPinsAllowlist, "resolved pins for task %s have empty allowed_paths", t.ID)
	}
	return &resolved, nil
}

func ensureForbidden(list []string, glob string) []string {
	for _, g := range list {
		if g == glob {
			return list
		}
	}
	return append(list, glob)
}

// inferExts is the safe fallback extension allowlist for InferFilesFromText.
var inferExts = map[string]bool{
	".md": true, ".mjs": true, ".js": true, ".ts": true, ".tsx": true,
	".py": true, ".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".ps1": true, ".sh": true,
}

var pathRe = regexp.MustCompile(`[A-Za-z0-9_\-./]+\.[A-Za-z0-9]+`)

// InferFilesFromText regex-extracts repo-relative-looking paths from title
// and goal whose extension is in the safe fallback allowlist, used when a
// task lacks an explicit files list.
func InferFilesFromText(title, goal string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range pathRe.FindAllString(title+"\n"+goal, -1) {
		ext := strings.ToLower(filepath.Ext(m))
		if !inferExts[ext] {
			continue
		}
		if strings.HasPrefix(m, "http://") || strings.HasPrefix(m, "https://") {
			continue
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// MapStoreRequest is the payload sent to a MapStore to auto-derive pins.
type MapStoreRequest struct {
	ChildTask task.Task      `json:"child_task"`
	Signals   map[string]any `json:"signals,omitempty"`
	MapRef    struct {
		Path string `json:"path"`
		Hash string `json:"hash"`
	} `json:"map_ref"`
	Budgets map[string]any `json:"budgets,omitempty"`
}

// MapStore is the out-of-core collaborator that can derive a pins spec from
// repo structural knowledge. A concrete implementation lives outside this
// package's scope; internal/mapstore provides a minimal local one.
type MapStore interface {
	AutoPins(req MapStoreRequest) (*task.Pins, bool, error)
}

// AutoPinsFromMap asks mapStore for a pins spec when t has none, persisting
// the result onto t and writing artifacts/<id>/pins/* via st. mapRef's Path
// and Hash are forwarded to mapStore as the request's MapRef.
func AutoPinsFromMap(st *store.Store, mapStore MapStore, t *task.Task, mapRef struct {
	Path string
	Hash string
}) (*task.Pins, bool, error) {
	if t.Pins != nil {
		return t.Pins, false, nil
	}
	req := MapStoreRequest{ChildTask: *t}
	req.MapRef.Path = mapRef.Path
	req.MapRef.Hash = mapRef.Hash

	pins, ok, err := mapStore.AutoPins(req)
	if err != nil || !ok || pins == nil || len(pins.AllowedPaths) == 0 {
		return nil, false, err
	}
	t.Pins = pins

	if err := st.SaveJSON(filepath.Join("artifacts", t.ID, "pins", "pins.json"), pins); err != nil {
		return pins, true, err
	}
	if err := st.SaveBytes(filepath.Join("artifacts", t.ID, "pins", "pins.md"), []byte(renderPinsMD(pins))); err != nil {
		return pins, true, err
	}
	return pins, true, nil
}

func renderPinsMD(p *task.Pins) string {
	var b strings.Builder
	b.WriteString("# Pins\n\n## Allowed paths\n")
	for _, ap := range p.AllowedPaths {
		b.WriteString("- " + ap + "\n")
	}
	if len(p.ForbiddenPaths) > 0 {
		b.WriteString("\n## Forbidden paths\n")
		for _, f := range p.ForbiddenPaths {
			b.WriteString("- " + f + "\n")
		}
	}
	return b.String()
}

// RolePolicy bounds what paths a role may read/write, via glob lists.
type RolePolicy struct {
	Role            string   `json:"role"`
	ReadAllowGlobs  []string `json:"read_allow_globs,omitempty"`
	ReadDenyGlobs   []string `json:"read_deny_globs,omitempty"`
	WriteAllowGlobs []string `json:"write_allow_globs,omitempty"`
	WriteDenyGlobs  []string `json:"write_deny_globs,omitempty"`
}

func matchesAny(globs []string, p string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, p); ok {
			return true
		}
	}
	return false
}

// allowedTestPrefixes is Preflight's fixed allow-prefix list for allowedTests
// commands.
var allowedTestPrefixes = []string{
	"bun test", "npm test", "pnpm test", "yarn test",
	"pytest", "python -m pytest",
	"python scc-top/tools/scc/ops/task_selftest.py",
	"python tools/scc/gates/run_ci_gates.py",
	"go test", "cargo test", "dotnet test",
}

var unsafeShellChars = regexp.MustCompile(`[;&|$` + "`" + `<>\n]`)

func isSelftest(cmd string) bool {
	return strings.Contains(cmd, "task_selftest.py")
}

func validTestCommand(cmd string) bool {
	if strings.TrimSpace(cmd) == "" {
		return false
	}
	if unsafeShellChars.MatchString(cmd) {
		return false
	}
	for _, prefix := range allowedTestPrefixes {
		if strings.HasPrefix(strings.TrimSpace(cmd), prefix) {
			return true
		}
	}
	return false
}

// PreflightResult is the {pass, missing} report (spec §4.3).
type PreflightResult struct {
	Pass    bool `json:"pass"`
	Missing struct {
		Files      []string `json:"files"`
		Symbols    []string `json:"symbols"`
		Tests      []string `json:"tests"`
		WriteScope []string `json:"write_scope"`
	} `json:"missing"`
}

// Preflight checks childTask's declared files exist, its allowedTests
// commands are safe and allow-listed (with at least one non-selftest
// command present), and pins.AllowedPaths stay within rolePolicy's write
// scope.
func Preflight(repoRoot string, childTask *task.Task, pins *task.Pins, rolePolicy *RolePolicy) (PreflightResult, error) {
	var res PreflightResult

	for _, f := range childTask.Files {
		abs := filepath.Join(repoRoot, f)
		if _, err := os.Stat(abs); err != nil {
			res.Missing.Files = append(res.Missing.Files, f)
		}
	}

	hasNonSelftest := false
	for _, cmd := range childTask.AllowedTests {
		if !validTestCommand(cmd) {
			res.Missing.Tests = append(res.Missing.Tests, cmd)
			continue
		}
		if !isSelftest(cmd) {
			hasNonSelftest = true
		}
	}
	if len(childTask.AllowedTests) == 0 || !hasNonSelftest {
		res.Missing.Tests = append(res.Missing.Tests, "<no non-selftest allowedTests command>")
	}

	if rolePolicy != nil && pins != nil {
		for _, p := range pins.AllowedPaths {
			inAllow := len(rolePolicy.WriteAllowGlobs) == 0 || matchesAny(rolePolicy.WriteAllowGlobs, p)
			denied := matchesAny(rolePolicy.WriteDenyGlobs, p)
			if !inAllow || denied {
				res.Missing.WriteScope = append(res.Missing.WriteScope, p)
			}
		}
	}

	res.Pass = len(res.Missing.Files) == 0 && len(res.Missing.Symbols) == 0 &&
		len(res.Missing.Tests) == 0 && len(res.Missing.WriteScope) == 0
	return res, nil
}

// fallbackTestCandidates are tried, in order, after eval-manifest and
// Map-detected entry points are exhausted.
var fallbackTestCandidates = []string{
	"python -m compileall .",
	"pytest -q",
	"python -m pytest -q",
}

// AutoFixAllowedTests is invoked when Preflight reports only missing.tests.
// It tries candidates drawn from the eval manifest's tier-appropriate
// entries, then Map-detected entry points, then the fixed fallbacks; the
// first candidate whose re-run Preflight reports no missing tests is
// persisted onto the task.
func AutoFixAllowedTests(repoRoot string, childTask *task.Task, pins *task.Pins, rolePolicy *RolePolicy, evalCandidates []string, mapCandidates []string) (bool, error) {
	candidates := append(append(append([]string{}, evalCandidates...), mapCandidates...), fallbackTestCandidates...)
	for _, cand := range candidates {
		trial := *childTask
		trial.AllowedTests = []string{cand}
		res, err := Preflight(repoRoot, &trial, pins, rolePolicy)
		if err != nil {
			return false, err
		}
		if len(res.Missing.Tests) == 0 {
			childTask.AllowedTests = []string{cand}
			return true, nil
		}
	}
	return false, nil
}
