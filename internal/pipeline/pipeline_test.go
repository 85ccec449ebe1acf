package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/scc-gateway/scc-gateway/internal/board"
	"github.com/scc-gateway/scc-gateway/internal/events"
	"github.com/scc-gateway/scc-gateway/internal/gates"
	"github.com/scc-gateway/scc-gateway/internal/policy"
	"github.com/scc-gateway/scc-gateway/internal/schemavalidator"
	"github.com/scc-gateway/scc-gateway/internal/snapshot"
	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/task"
)

type fakeExecutor struct {
	stdout   string
	exitCode int
	err      error
}

func (f *fakeExecutor) Run(ctx context.Context, j *task.Job, t *task.Task, renderedPrompt string) (string, string, int, error) {
	return f.stdout, "", f.exitCode, f.err
}

func newTestPipeline(t *testing.T, exec Executor) (*Pipeline, *board.Board, string) {
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

	pl := &Pipeline{
		Board:     brd,
		Store:     st,
		Policy:    pol,
		Validator: schemavalidator.New(),
		Events:    events.NewLog(st),
		Gates:     gates.Config{RepoRoot: root, Store: st, BlobCAS: store.NewBlobCAS(st)},
		Executor:  exec,
		RepoRoot:  root,
	}
	return pl, brd, root
}

func newAtomicTask(t *testing.T, brd *board.Board) *task.Task {
	t.Helper()
	tsk, err := brd.CreateTask(board.CreateTaskPayload{Kind: task.KindAtomic, Title: "t", Goal: "g"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := brd.SetStatus(tsk.ID, task.StatusReady); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	tsk, _ = brd.GetTask(tsk.ID)
	return tsk
}

func TestApproximatePatchStats(t *testing.T) {
	diff := []task.SnapshotEntry{
		{Path: "a.go", Exists: true},
		{Path: "b.go", Exists: false},
	}
	got := approximatePatchStats(diff)
	want := &task.PatchStats{Files: []string{"a.go", "b.go"}, Added: 1, Removed: 1}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("approximatePatchStats mismatch (-want +got):\n%s", diff)
	}
}

func TestRunInternalPass(t *testing.T) {
	pl, brd, root := newTestPipeline(t, &fakeExecutor{exitCode: 0})
	tsk := newAtomicTask(t, brd)

	preSnap, preFull, err := snapshot.CapturePreSnapshot(root, tsk, nil)
	if err != nil {
		t.Fatalf("CapturePreSnapshot: %v", err)
	}
	job := &task.Job{ID: "job-1", TaskID: tsk.ID, PreSnapshot: preSnap, PreSnapshotFull: preFull}

	if err := pl.RunInternal(context.Background(), job, tsk, "hello"); err != nil {
		t.Fatalf("RunInternal: %v", err)
	}
	if job.Verdict != "PASS" {
		t.Fatalf("Verdict = %q, want PASS", job.Verdict)
	}
	got, _ := brd.GetTask(tsk.ID)
	if got.Status != task.StatusDone {
		t.Fatalf("task status = %q, want done", got.Status)
	}
}

func TestRunInternalToolingFailure(t *testing.T) {
	pl, brd, root := newTestPipeline(t, &fakeExecutor{exitCode: 1})
	tsk := newAtomicTask(t, brd)

	preSnap, preFull, err := snapshot.CapturePreSnapshot(root, tsk, nil)
	if err != nil {
		t.Fatalf("CapturePreSnapshot: %v", err)
	}
	job := &task.Job{ID: "job-2", TaskID: tsk.ID, PreSnapshot: preSnap, PreSnapshotFull: preFull}

	if err := pl.RunInternal(context.Background(), job, tsk, "hello"); err != nil {
		t.Fatalf("RunInternal: %v", err)
	}
	if job.Verdict != "FAIL" {
		t.Fatalf("Verdict = %q, want FAIL", job.Verdict)
	}
	got, _ := brd.GetTask(tsk.ID)
	if got.Status != task.StatusReady {
		t.Fatalf("task status = %q, want ready (retry budget not exhausted)", got.Status)
	}
}

func TestFinishPolicyViolationIsTerminal(t *testing.T) {
	pl, brd, root := newTestPipeline(t, &fakeExecutor{exitCode: 0})
	tsk := newAtomicTask(t, brd)

	preSnap, preFull, err := snapshot.CapturePreSnapshot(root, tsk, nil)
	if err != nil {
		t.Fatalf("CapturePreSnapshot: %v", err)
	}
	job := &task.Job{
		ID: "job-3", TaskID: tsk.ID, PreSnapshot: preSnap, PreSnapshotFull: preFull,
		PolicyViolations: []task.PolicyViolation{{Code: "attestation_nonce_mismatch", Message: "attestation_nonce mismatch"}},
	}

	if err := pl.Finish(context.Background(), job, tsk, true); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if job.Verdict != "FAIL" {
		t.Fatalf("Verdict = %q, want FAIL", job.Verdict)
	}
	got, _ := brd.GetTask(tsk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("task status = %q, want failed (policy violations are terminal, never retried)", got.Status)
	}
}
