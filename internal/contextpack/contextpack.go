// Package contextpack renders Context Pack v1 — the byte-fixed textual
// context handed to an executor — and computes the nonce-bound attestation
// hashes the worker API's Complete handler verifies against.
//
// Grounded on the teacher's rendered-prompt assembly in
// internal/attractor/engine (building the final prompt text from graph
// node inputs before invoking a provider) and its task-bundle-style
// artifact directory conventions.
package contextpack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

// Renderer renders Context Pack v1 text for a task and persists it plus its
// task_bundle/ companion files, returning the pack id used to bind a job.
type Renderer struct {
	Store *store.Store
}

// New builds a Renderer backed by st.
func New(st *store.Store) *Renderer {
	return &Renderer{Store: st}
}

func runDir(packID string) string {
	return filepath.Join("artifacts", "scc_runs", packID)
}

// Render writes rendered_context_pack.json and the task_bundle/ manifest,
// pins, preflight, and task files for t, returning the pack id (== job id,
// by convention, since a pack is rendered once per dispatched job).
func (r *Renderer) Render(j *task.Job, t *task.Task, pins *task.Pins, preflight any) (packID string, err error) {
	packID = j.ID
	dir := runDir(packID)

	packDoc := map[string]any{
		"schema_version": "scc.context_pack_v1",
		"task_id":        t.ID,
		"job_id":         j.ID,
		"title":          t.Title,
		"goal":           t.Goal,
		"files":          t.Files,
	}
	if err := r.Store.SaveJSON(filepath.Join(dir, "rendered_context_pack.json"), packDoc); err != nil {
		return "", err
	}

	bundle := filepath.Join(dir, "task_bundle")
	manifest := map[string]any{"schema_version": "scc.task_bundle_manifest.v1", "task_id": t.ID, "files": []string{"pins.json", "preflight.json", "task.json"}}
	if err := r.Store.SaveJSON(filepath.Join(bundle, "manifest.json"), manifest); err != nil {
		return "", err
	}
	if err := r.Store.SaveJSON(filepath.Join(bundle, "pins.json"), pins); err != nil {
		return "", err
	}
	if err := r.Store.SaveJSON(filepath.Join(bundle, "preflight.json"), preflight); err != nil {
		return "", err
	}
	if err := r.Store.SaveJSON(filepath.Join(bundle, "task.json"), t); err != nil {
		return "", err
	}

	return packID, nil
}

// RenderedText reassembles the plain-text injected prompt: context pack v1
// text, then the original task prompt — the exact format is not contractual
// beyond concatenation order (spec §4.9: "exact format not required").
func (r *Renderer) RenderedText(t *task.Task, originalPrompt string) string {
	return fmt.Sprintf("# Context Pack v1\n\nTask: %s\nGoal: %s\nFiles: %v\n\n---\n\n%s", t.Title, t.Goal, t.Files, originalPrompt)
}

// Proof is the set of local-vs-payload attestation comparisons performed by
// Complete. BundleSHA256 (and BundleAttestSHA256 for the attested side)
// holds per-file sha256 for the required bundle files plus
// replay_bundle.json when present.
type Proof struct {
	PackSHA256        string
	PackAttestSHA256  string
	BundleSHA256      map[string]string
	BundleAttestSHA256 map[string]string
}

// requiredBundleFiles are mandatory; replay_bundle.json is optional.
var requiredBundleFiles = []string{"manifest.json", "pins.json", "preflight.json", "task.json"}

// ComputeLocalProof reads the rendered pack + bundle files for packID and
// computes their sha256 and nonce-bound attestation sha256 for comparison
// against worker-submitted payload hashes.
func (r *Renderer) ComputeLocalProof(packID string, nonce string) (Proof, error) {
	dir := runDir(packID)
	packBytes, err := r.Store.ReadBytesIfExists(filepath.Join(dir, "rendered_context_pack.json"))
	if err != nil {
		return Proof{}, err
	}

	p := Proof{
		PackSHA256:         sha256hex(packBytes),
		PackAttestSHA256:   sha256hex(append([]byte(nonce), packBytes...)),
		BundleSHA256:       map[string]string{},
		BundleAttestSHA256: map[string]string{},
	}

	bundle := filepath.Join(dir, "task_bundle")
	for _, name := range requiredBundleFiles {
		b, err := r.Store.ReadBytesIfExists(filepath.Join(bundle, name))
		if err != nil {
			return Proof{}, err
		}
		p.BundleSHA256[name] = sha256hex(b)
		p.BundleAttestSHA256[name] = sha256hex(append([]byte(nonce), b...))
	}
	if b, err := r.Store.ReadBytesIfExists(filepath.Join(bundle, "replay_bundle.json")); err == nil && b != nil {
		p.BundleSHA256["replay_bundle.json"] = sha256hex(b)
		p.BundleAttestSHA256["replay_bundle.json"] = sha256hex(append([]byte(nonce), b...))
	}
	return p, nil
}

func sha256hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// MustJSON is a small helper so callers can embed arbitrary structured data
// into a bundle file without each caller re-deriving a schema type.
func MustJSON(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
