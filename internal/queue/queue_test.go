package queue

import (
	"testing"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/task"
)

func newJob(id string, status task.JobStatus, runner task.Runner, lane task.Lane) *task.Job {
	return &task.Job{
		ID:        id,
		TaskID:    "t-" + id,
		Status:    status,
		Runner:    runner,
		Lane:      lane,
		CreatedAt: time.Now(),
	}
}

func TestPushGetList(t *testing.T) {
	q := New()
	j := newJob("1", task.JobQueued, task.RunnerInternal, task.LaneFastlane)
	q.Push(j)

	got, ok := q.Get("1")
	if !ok || got.ID != "1" {
		t.Fatalf("Get(1) = %v, %v", got, ok)
	}
	if _, ok := q.Get("missing"); ok {
		t.Fatalf("Get(missing) should not be found")
	}
	if len(q.List()) != 1 {
		t.Fatalf("List() len = %d, want 1", len(q.List()))
	}
}

func TestActiveCountFiltersByLaneAndRunner(t *testing.T) {
	q := New()
	q.Push(newJob("1", task.JobQueued, task.RunnerInternal, task.LaneFastlane))
	q.Push(newJob("2", task.JobRunning, task.RunnerExternal, task.LaneMainlane))
	q.Push(newJob("3", task.JobDone, task.RunnerInternal, task.LaneFastlane))

	if n := q.ActiveCount("", ""); n != 2 {
		t.Fatalf("ActiveCount(all) = %d, want 2", n)
	}
	if n := q.ActiveCount(task.LaneFastlane, ""); n != 1 {
		t.Fatalf("ActiveCount(fastlane) = %d, want 1", n)
	}
	if n := q.ActiveCount("", task.RunnerExternal); n != 1 {
		t.Fatalf("ActiveCount(external) = %d, want 1", n)
	}
}

func TestQueuedCount(t *testing.T) {
	q := New()
	q.Push(newJob("1", task.JobQueued, task.RunnerInternal, task.LaneFastlane))
	q.Push(newJob("2", task.JobRunning, task.RunnerInternal, task.LaneFastlane))
	q.Push(newJob("3", task.JobQueued, task.RunnerExternal, task.LaneMainlane))

	if n := q.QueuedCount(); n != 2 {
		t.Fatalf("QueuedCount() = %d, want 2", n)
	}
}

func TestHasActiveForTask(t *testing.T) {
	q := New()
	j := newJob("1", task.JobRunning, task.RunnerInternal, task.LaneFastlane)
	j.TaskID = "task-a"
	q.Push(j)

	if !q.HasActiveForTask("task-a") {
		t.Fatalf("HasActiveForTask(task-a) = false, want true")
	}
	if q.HasActiveForTask("task-b") {
		t.Fatalf("HasActiveForTask(task-b) = true, want false")
	}
}

func TestEligibleQueuedFiltersByExecutorRunnerAndModel(t *testing.T) {
	q := New()
	internalJob := newJob("1", task.JobQueued, task.RunnerInternal, task.LaneFastlane)
	internalJob.Executor = task.ExecutorCodex
	q.Push(internalJob)

	wrongExecutor := newJob("2", task.JobQueued, task.RunnerExternal, task.LaneFastlane)
	wrongExecutor.Executor = task.ExecutorOpenCodeCLI
	q.Push(wrongExecutor)

	match := newJob("3", task.JobQueued, task.RunnerExternal, task.LaneFastlane)
	match.Executor = task.ExecutorCodex
	match.Model = "gpt-5"
	q.Push(match)

	got := q.EligibleQueued(task.ExecutorCodex, nil)
	if len(got) != 1 || got[0].ID != "3" {
		t.Fatalf("EligibleQueued(any model) = %v, want [3]", got)
	}

	got = q.EligibleQueued(task.ExecutorCodex, []string{"gpt-4"})
	if len(got) != 0 {
		t.Fatalf("EligibleQueued(gpt-4) = %v, want none", got)
	}

	got = q.EligibleQueued(task.ExecutorCodex, []string{"gpt-5"})
	if len(got) != 1 || got[0].ID != "3" {
		t.Fatalf("EligibleQueued(gpt-5) = %v, want [3]", got)
	}
}

func TestNextInternalOnlyQueuedInternal(t *testing.T) {
	q := New()
	q.Push(newJob("1", task.JobQueued, task.RunnerInternal, task.LaneFastlane))
	q.Push(newJob("2", task.JobRunning, task.RunnerInternal, task.LaneFastlane))
	q.Push(newJob("3", task.JobQueued, task.RunnerExternal, task.LaneFastlane))

	got := q.NextInternal()
	if len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("NextInternal() = %v, want [1]", got)
	}
}

func TestCancelAllRunningToQueuedClearsWorkerAndLease(t *testing.T) {
	q := New()
	j := newJob("1", task.JobRunning, task.RunnerExternal, task.LaneFastlane)
	j.WorkerID = "worker-1"
	lease := time.Now().Add(time.Minute)
	j.LeaseUntil = &lease
	q.Push(j)
	q.Push(newJob("2", task.JobQueued, task.RunnerInternal, task.LaneFastlane))

	q.CancelAllRunningToQueued()

	got, _ := q.Get("1")
	if got.Status != task.JobQueued {
		t.Fatalf("job 1 status = %s, want queued", got.Status)
	}
	if got.WorkerID != "" {
		t.Fatalf("job 1 WorkerID = %q, want cleared", got.WorkerID)
	}
	if got.LeaseUntil != nil {
		t.Fatalf("job 1 LeaseUntil = %v, want nil", got.LeaseUntil)
	}
}

func TestCancelOnlyFromQueuedOrRunning(t *testing.T) {
	q := New()
	q.Push(newJob("1", task.JobQueued, task.RunnerInternal, task.LaneFastlane))
	q.Push(newJob("2", task.JobDone, task.RunnerInternal, task.LaneFastlane))

	if !q.Cancel("1") {
		t.Fatalf("Cancel(1) = false, want true")
	}
	got, _ := q.Get("1")
	if got.Status != task.JobCancelled {
		t.Fatalf("job 1 status = %s, want cancelled", got.Status)
	}

	if q.Cancel("2") {
		t.Fatalf("Cancel(2) = true, want false (job already done)")
	}
	if q.Cancel("missing") {
		t.Fatalf("Cancel(missing) = true, want false")
	}
}

func TestRequeueOnlyFromFailedOrCancelled(t *testing.T) {
	q := New()
	failed := newJob("1", task.JobFailed, task.RunnerExternal, task.LaneFastlane)
	failed.WorkerID = "worker-1"
	q.Push(failed)
	q.Push(newJob("2", task.JobQueued, task.RunnerInternal, task.LaneFastlane))

	if !q.Requeue("1") {
		t.Fatalf("Requeue(1) = false, want true")
	}
	got, _ := q.Get("1")
	if got.Status != task.JobQueued {
		t.Fatalf("job 1 status = %s, want queued", got.Status)
	}
	if got.WorkerID != "" {
		t.Fatalf("job 1 WorkerID = %q, want cleared", got.WorkerID)
	}

	if q.Requeue("2") {
		t.Fatalf("Requeue(2) = true, want false (job already queued)")
	}
}
