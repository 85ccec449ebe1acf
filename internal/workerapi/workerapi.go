// Package workerapi implements C9: external worker registration,
// heartbeat, long-poll claim, and the attestation-verifying Complete
// handler.
//
// Grounded on internal/attractor/engine's provider-runtime lease/heartbeat
// bookkeeping (tracking a running subprocess's liveness) generalized to a
// cross-process worker lease, and the teacher's CommandError-style coded
// failure reporting for Complete's verification contract.
package workerapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/contextpack"
	"github.com/scc-gateway/scc-gateway/internal/gwerr"
	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

const (
	defaultStalePruneWindow = 10 * time.Minute
	defaultLeaseDuration    = 12 * time.Minute
	rescueLeaseGrace        = 30 * time.Second
	claimPollInterval       = 500 * time.Millisecond
)

// JobSource is the subset of the job queue workerapi needs: scanning
// eligible queued jobs and claiming/updating one.
type JobSource interface {
	EligibleQueued(executor task.Executor, models []string) []*task.Job
	Get(id string) (*task.Job, bool)
	Save(j *task.Job)
}

// API implements the worker-facing HTTP contract's business logic.
type API struct {
	Store       *store.Store
	Jobs        JobSource
	ContextPack *contextpack.Renderer

	mu      sync.Mutex
	workers map[string]*task.Worker

	RequireContextPackV1 bool
}

// New builds an API with an empty in-memory worker set.
func New(st *store.Store, jobs JobSource, cp *contextpack.Renderer) *API {
	return &API{Store: st, Jobs: jobs, ContextPack: cp, workers: map[string]*task.Worker{}}
}

func workerKey(name string, executors []task.Executor) string {
	sorted := append([]task.Executor{}, executors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	parts := make([]string, len(sorted))
	for i, e := range sorted {
		parts[i] = string(e)
	}
	return name + "|" + strings.Join(parts, ",")
}

// RegisterWorker is idempotent by name|sorted(executors): repeated calls
// with the same key return the same worker id, updating lastSeen/models.
func (a *API) RegisterWorker(name string, executors []task.Executor, models []string, now time.Time) *task.Worker {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := workerKey(name, executors)
	for _, w := range a.workers {
		if workerKey(w.Name, w.Executors) == key {
			w.LastSeen = now
			w.Models = models
			return w
		}
	}
	w := &task.Worker{
		ID: stableWorkerID(key), Name: name, Executors: executors, Models: models,
		StartedAt: now, LastSeen: now,
	}
	a.workers[w.ID] = w
	return w
}

func stableWorkerID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "w-" + hex.EncodeToString(sum[:8])
}

// PruneStale removes workers with no running job last seen more than
// staleWindow ago (default 10 minutes).
func (a *API) PruneStale(now time.Time, staleWindow time.Duration) {
	if staleWindow <= 0 {
		staleWindow = defaultStalePruneWindow
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, w := range a.workers {
		if w.RunningJobID == "" && now.Sub(w.LastSeen) > staleWindow {
			delete(a.workers, id)
		}
	}
}

// Heartbeat bumps lastSeen and, when runningJobID points back to id on a
// running job, extends its lease.
func (a *API) Heartbeat(id string, runningJobID string, now time.Time, leaseDuration time.Duration) error {
	a.mu.Lock()
	w, ok := a.workers[id]
	a.mu.Unlock()
	if !ok {
		return gwerr.New(gwerr.CodeException, "unknown worker %s", id)
	}
	w.LastSeen = now
	if runningJobID == "" {
		return nil
	}
	j, ok := a.Jobs.Get(runningJobID)
	if !ok || j.WorkerID != id || j.Status != task.JobRunning {
		return nil
	}
	if leaseDuration <= 0 {
		leaseDuration = defaultLeaseDuration
	}
	until := now.Add(leaseDuration)
	j.LeaseUntil = &until
	a.Jobs.Save(j)
	return nil
}

// ClaimResult is returned to a worker on a successful claim.
type ClaimResult struct {
	ID         string   `json:"id"`
	Executor   task.Executor `json:"executor"`
	Model      string   `json:"model"`
	TaskType   task.TaskType `json:"taskType"`
	TimeoutMS  int      `json:"timeoutMs"`
	Attestation struct {
		Nonce string `json:"nonce"`
		Algo  string `json:"algo"`
	} `json:"attestation"`
	ContextPackV1 struct {
		Paths map[string]string `json:"paths"`
	} `json:"contextPackV1"`
	TaskBundle struct {
		Paths map[string]string `json:"paths"`
	} `json:"taskBundle"`
	Prompt string `json:"prompt"`
}

// Claim long-polls up to waitMs (capped at 60s), scanning for an eligible
// queued external job matching executor and the worker's model support set
// (empty = any), sorted by createdAt, transitioning the first match to
// running.
func (a *API) Claim(ctx context.Context, workerID string, executor task.Executor, waitMs int, now func() time.Time) (*ClaimResult, bool, error) {
	if waitMs > 60000 {
		waitMs = 60000
	}
	deadline := now().Add(time.Duration(waitMs) * time.Millisecond)

	a.mu.Lock()
	w, ok := a.workers[workerID]
	a.mu.Unlock()
	if !ok {
		return nil, false, gwerr.New(gwerr.CodeException, "unknown worker %s", workerID)
	}

	for {
		jobs := a.Jobs.EligibleQueued(executor, w.Models)
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
		if len(jobs) > 0 {
			j := jobs[0]
			t := now()
			j.Status = task.JobRunning
			j.WorkerID = workerID
			until := t.Add(defaultLeaseDuration)
			j.LeaseUntil = &until
			j.StartedAt = &t
			j.Attempts++
			if j.AttestationNonce == "" {
				j.AttestationNonce = fmt.Sprintf("%x", sha256.Sum256([]byte(j.ID+workerID+t.String())))[:32]
			}
			a.Jobs.Save(j)

			a.mu.Lock()
			w.RunningJobID = j.ID
			a.mu.Unlock()

			res := &ClaimResult{ID: j.ID, Executor: j.Executor, Model: j.Model, TaskType: j.TaskType, TimeoutMS: j.TimeoutMS}
			res.Attestation.Nonce = j.AttestationNonce
			res.Attestation.Algo = "sha256"
			res.Prompt = j.Prompt
			return res, true, nil
		}
		if !now().Before(deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(claimPollInterval):
		}
	}
}

// CompletePayload is the worker-submitted Complete body.
type CompletePayload struct {
	WorkerID                     string
	Stdout, Stderr               string
	ExitCode                     int
	ContextPackV1ID              string
	AttestationNonce             string
	ContextPackV1JSONSHA256      string
	ContextPackV1JSONAttestSHA256 string
	TaskBundleManifestSHA256     string
	TaskBundleFilesSHA256        map[string]string
	TaskBundleFilesAttestSHA256  map[string]string
}

// Complete verifies p against job j's bound worker/nonce/pack identity and
// the local attestation proof, fail-closed when requireContextPackV1. On
// any violation it sets status=failed/error=policy_violation/reason=<first
// code>, persists policy_violations and contextPackV1Proof (always, win or
// lose), and returns the resulting job.
func (a *API) Complete(j *task.Job, p CompletePayload, now time.Time) (*task.Job, error) {
	var violations []task.PolicyViolation
	fail := func(code gwerr.Code, msg string) {
		violations = append(violations, task.PolicyViolation{Code: string(code), Message: msg})
	}

	rescueAllowed := j.LeaseUntil != nil && now.After(j.LeaseUntil.Add(rescueLeaseGrace))
	if p.WorkerID != j.WorkerID && !rescueAllowed {
		fail(gwerr.CodePolicyViolation, "workerId mismatch")
	}
	if p.ContextPackV1ID != j.ContextPackV1ID {
		fail(gwerr.CodeContextPackMismatch, "contextPackV1Id mismatch")
	}
	if p.AttestationNonce != j.AttestationNonce {
		fail(gwerr.CodeContextPackNonce, "attestation_nonce mismatch")
	}

	var proof task.ContextPackV1Proof
	proof.ContextPackV1ID = j.ContextPackV1ID
	if a.ContextPack != nil && j.ContextPackV1ID != "" {
		local, err := a.ContextPack.ComputeLocalProof(j.ContextPackV1ID, j.AttestationNonce)
		if err != nil {
			return nil, err
		}
		proof.PackJSONSHA256Local = local.PackSHA256
		proof.PackJSONSHA256Payload = p.ContextPackV1JSONSHA256
		proof.PackAttestSHA256Local = local.PackAttestSHA256
		proof.PackAttestSHA256Payload = p.ContextPackV1JSONAttestSHA256
		proof.BundleFilesOK = map[string]bool{}

		if local.PackSHA256 != p.ContextPackV1JSONSHA256 {
			fail(gwerr.CodeContextPackMismatch, "pack json sha256 mismatch")
		}
		if local.PackAttestSHA256 != p.ContextPackV1JSONAttestSHA256 {
			fail(gwerr.CodeContextPackAttest, "pack json attest sha256 mismatch")
		}
		for name, localSum := range local.BundleSHA256 {
			payloadSum := p.TaskBundleFilesSHA256[name]
			payloadAttest := p.TaskBundleFilesAttestSHA256[name]
			ok := payloadSum == localSum && payloadAttest == local.BundleAttestSHA256[name]
			proof.BundleFilesOK[name] = ok
			if !ok && isRequiredBundleFile(name) {
				fail(gwerr.CodeContextPackAttest, "bundle file "+name+" attestation mismatch")
			}
		}
	}
	proof.OK = len(violations) == 0
	j.ContextPackV1Proof = &proof

	if len(violations) > 0 {
		j.Status = task.JobFailed
		j.Error = string(gwerr.CodePolicyViolation)
		j.Reason = violations[0].Code
		j.PolicyViolations = violations
		a.Jobs.Save(j)
		return j, nil
	}

	j.Stdout, j.Stderr = p.Stdout, p.Stderr
	j.ExitCode = &p.ExitCode
	if p.ExitCode == 0 {
		j.Status = task.JobDone
	} else {
		j.Status = task.JobFailed
		j.Reason = string(gwerr.CodeException)
	}
	finished := now
	j.FinishedAt = &finished
	a.Jobs.Save(j)
	return j, nil
}

func isRequiredBundleFile(name string) bool {
	switch name {
	case "manifest.json", "pins.json", "preflight.json", "task.json":
		return true
	default:
		return false
	}
}
