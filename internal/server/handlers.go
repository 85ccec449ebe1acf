package server

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/board"
	"github.com/scc-gateway/scc-gateway/internal/gwerr"
	"github.com/scc-gateway/scc-gateway/internal/mapstore"
	"github.com/scc-gateway/scc-gateway/internal/pins"
	"github.com/scc-gateway/scc-gateway/internal/policy"
	"github.com/scc-gateway/scc-gateway/internal/task"
	"github.com/scc-gateway/scc-gateway/internal/workerapi"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeGwerr(w http.ResponseWriter, err error) {
	if e, ok := err.(*gwerr.Error); ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": e.Message, "code": string(e.Code)})
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"tasks":  len(s.deps.Board.List()),
		"jobs":   len(s.deps.Queue.List()),
	})
}

// --- Board ---

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.deps.Board.List()})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var p board.CreateTaskPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := s.deps.Board.CreateTask(p)
	if err != nil {
		writeGwerr(w, err)
		return
	}
	s.taskEvents.Send(t.ID, map[string]any{"event": "created", "taskId": t.ID, "status": t.Status})
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.deps.Board.GetTask(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSetTaskStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status task.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Board.SetStatus(id, body.Status); err != nil {
		writeGwerr(w, err)
		return
	}
	s.taskEvents.Send(id, map[string]any{"event": "status", "taskId": id, "status": body.Status})
	t, _ := s.deps.Board.GetTask(id)
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := s.deps.Board.UpdateTask(r.PathValue("id"), patch)
	if err != nil {
		writeGwerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDispatchTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, err := s.deps.Scheduler.DispatchTask(r.Context(), id, time.Now().UTC(), nil, nil)
	if err != nil {
		writeGwerr(w, err)
		return
	}
	s.taskEvents.Send(id, map[string]any{"event": "dispatched", "taskId": id, "jobId": j.ID})
	s.jobEvents.Send(j.ID, map[string]any{"event": "queued", "jobId": j.ID})
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleSplitTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, ok := s.deps.Board.GetTask(id)
	if !ok {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	j, err := s.deps.Scheduler.DispatchTask(r.Context(), id, time.Now().UTC(), nil, nil)
	if err != nil {
		writeGwerr(w, err)
		return
	}
	t.SplitJobID = j.ID
	writeJSON(w, http.StatusOK, map[string]any{"taskId": id, "splitJobId": j.ID})
}

func (s *Server) handleSplitApply(w http.ResponseWriter, r *http.Request) {
	parentID := r.PathValue("id")
	var body struct {
		Children []board.CreateTaskPayload `json:"children"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	var created []*task.Task
	for _, c := range body.Children {
		c.ParentID = parentID
		ct, err := s.deps.Board.CreateTask(c)
		if err != nil {
			writeGwerr(w, err)
			return
		}
		created = append(created, ct)
	}
	if err := s.deps.Board.EnsureParentLedgers(parentID); err != nil {
		writeGwerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"parentId": parentID, "children": created})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	WriteSSE(w, r, s.taskEvents.Get(r.PathValue("id")))
}

func (s *Server) handleTaskArchive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dir := filepath.Join(s.deps.RepoRoot, "artifacts", id)
	if _, err := os.Stat(dir); err != nil {
		writeError(w, http.StatusNotFound, "no artifacts for task")
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-attempt.tgz"`, id))
	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()
	filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(dir, p)
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return nil
		}
		hdr.Name = rel
		if tw.WriteHeader(hdr) != nil {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer f.Close()
		io.Copy(tw, f)
		return nil
	})
}

// --- Executor / Worker API ---

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.deps.Queue.List()})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var j task.Job
	if err := json.NewDecoder(r.Body).Decode(&j); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if j.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	j.Status = task.JobQueued
	j.CreatedAt = time.Now().UTC()
	s.deps.Queue.Push(&j)
	writeJSON(w, http.StatusCreated, &j)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	WriteSSE(w, r, s.jobEvents.Get(r.PathValue("id")))
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string          `json:"name"`
		Executors []task.Executor `json:"executors"`
		Models    []string        `json:"models"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	wk := s.deps.Workers.RegisterWorker(body.Name, body.Executors, body.Models, time.Now().UTC())
	writeJSON(w, http.StatusOK, wk)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RunningJobID string `json:"runningJobId"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	if err := s.deps.Workers.Heartbeat(r.PathValue("id"), body.RunningJobID, time.Now().UTC(), 0); err != nil {
		writeGwerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	executor := task.Executor(r.URL.Query().Get("executor"))
	waitMs, _ := strconv.Atoi(r.URL.Query().Get("waitMs"))
	res, ok, err := s.deps.Workers.Claim(r.Context(), r.PathValue("id"), executor, waitMs, func() time.Time { return time.Now().UTC() })
	if err != nil {
		writeGwerr(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.jobEvents.Send(res.ID, map[string]any{"event": "claimed", "jobId": res.ID})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	j, ok := s.deps.Queue.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	var p workerapi.CompletePayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	updated, err := s.deps.Workers.Complete(j, p, time.Now().UTC())
	if err != nil {
		writeGwerr(w, err)
		return
	}
	if s.deps.Pipeline != nil && updated.TaskID != "" {
		if t, ok := s.deps.Board.GetTask(updated.TaskID); ok {
			if ferr := s.deps.Pipeline.Finish(r.Context(), updated, t, true); ferr != nil {
				s.logger.Printf("pipeline finish for job %s: %v", updated.ID, ferr)
			}
		}
	}
	s.jobEvents.Send(id, map[string]any{"event": "completed", "jobId": id, "status": updated.Status})
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Queue.Cancel(id) {
		writeError(w, http.StatusConflict, "job not cancellable in its current state")
		return
	}
	s.jobEvents.Send(id, map[string]any{"event": "cancelled", "jobId": id})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleJobRequeue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.deps.Queue.Requeue(id) {
		writeError(w, http.StatusConflict, "job not requeueable in its current state")
		return
	}
	s.jobEvents.Send(id, map[string]any{"event": "requeued", "jobId": id})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Map ---

func (s *Server) handleMapVersion(w http.ResponseWriter, r *http.Request) {
	v, ok, err := mapstore.LoadVersion(s.deps.RepoRoot)
	if err != nil {
		writeGwerr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no map version built yet")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleMapQuery(w http.ResponseWriter, r *http.Request) {
	// Out-of-core MapStore query surface (spec Non-goals excludes the Map
	// index builder); this stub answers from the locally built version doc.
	v, ok, err := mapstore.LoadVersion(s.deps.RepoRoot)
	if err != nil {
		writeGwerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": ok, "version": v})
}

func (s *Server) handleMapLinkReport(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"schema_version": "scc.map_link_report.v1", "broken_links": []string{}})
}

func (s *Server) handleMapBuild(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.MapStore.BuildVersion()
	if err != nil {
		writeGwerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// --- Pins / Preflight ---

func (s *Server) handlePinsBuild(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task           *task.Task `json:"task"`
		ClassTemplate  *task.Pins `json:"classTemplate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Task == nil {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	resolved, err := pins.ResolvePins(body.Task, body.ClassTemplate)
	if err != nil {
		writeGwerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handlePreflightCheck(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Task *task.Task `json:"task"`
		Pins *task.Pins `json:"pins"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	var rp *pins.RolePolicy
	if rs, ok := s.deps.Scheduler.Roles.(interface {
		RolePolicy(string) (*pins.RolePolicy, bool)
	}); ok && body.Task != nil {
		rp, _ = rs.RolePolicy(body.Task.Role)
	}
	res, err := pins.Preflight(s.deps.RepoRoot, body.Task, body.Pins, rp)
	if err != nil {
		writeGwerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Context Pack v1 ---

func (s *Server) handleContextRender(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Job       *task.Job  `json:"job"`
		Task      *task.Task `json:"task"`
		Pins      *task.Pins `json:"pins"`
		Preflight any        `json:"preflight"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	packID, err := s.deps.ContextPack.Render(body.Job, body.Task, body.Pins, body.Preflight)
	if err != nil {
		writeGwerr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"contextPackV1Id": packID})
}

func (s *Server) handleContextPackFetch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b, err := s.deps.Store.ReadBytesIfExists(filepath.Join("artifacts", "scc_runs", id, "rendered_context_pack.json"))
	if err != nil || b == nil {
		writeError(w, http.StatusNotFound, "context pack not found")
		return
	}
	writeRaw(w, r, b)
}

func (s *Server) handleTaskBundleFetch(w http.ResponseWriter, r *http.Request) {
	id, file := r.PathValue("id"), r.PathValue("file")
	b, err := s.deps.Store.ReadBytesIfExists(filepath.Join("artifacts", "scc_runs", id, "task_bundle", file))
	if err != nil || b == nil {
		writeError(w, http.StatusNotFound, "task bundle file not found")
		return
	}
	writeRaw(w, r, b)
}

func writeRaw(w http.ResponseWriter, r *http.Request, b []byte) {
	switch r.URL.Query().Get("format") {
	case "raw", "txt":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(b)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	}
}

// --- DLQ / Verdict / Events / Replay ---

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("n"))
	if n <= 0 {
		n = 50
	}
	lines, err := s.deps.Store.ReadJSONLTail(filepath.Join("artifacts", "dlq", "dlq.jsonl"), n)
	if err != nil {
		writeGwerr(w, err)
		return
	}
	entries := make([]json.RawMessage, len(lines))
	for i, l := range lines {
		entries[i] = json.RawMessage(l)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleVerdict(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	b, err := s.deps.Store.ReadBytesIfExists(filepath.Join("artifacts", taskID, "verdict.json"))
	if err != nil || b == nil {
		writeError(w, http.StatusNotFound, "no verdict for task")
		return
	}
	writeRaw(w, r, b)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.taskEvents.Get(taskID).History()})
}

// History exposes a Broadcaster's retained events for non-streaming callers
// (GET /events reads the replay buffer rather than upgrading to SSE).
func (b *Broadcaster) History() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, len(b.history))
	copy(out, b.history)
	return out
}

func (s *Server) handleReplayTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("taskId")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}
	b, err := s.deps.Store.ReadBytesIfExists(filepath.Join("artifacts", taskID, "replay_bundle.json"))
	if err != nil || b == nil {
		writeError(w, http.StatusNotFound, "no replay bundle for task")
		return
	}
	writeRaw(w, r, b)
}

// --- Factory introspection ---

func (s *Server) handleFactoryPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"wipLimits":        s.deps.Policy.WipLimits(),
		"maxTotalAttempts": s.deps.Policy.MaxTotalAttempts(),
		"factoryBudgets":   s.deps.Policy.FactoryBudgets(),
	})
}

func (s *Server) handleFactoryWip(w http.ResponseWriter, r *http.Request) {
	limits := s.deps.Policy.WipLimits()
	writeJSON(w, http.StatusOK, map[string]any{
		"limits": limits,
		"active": map[string]int{
			"total": s.deps.Queue.ActiveCount("", ""),
			"exec":  s.deps.Queue.ActiveCount(task.LaneMainlane, ""),
			"batch": s.deps.Queue.ActiveCount(task.LaneBatchlane, ""),
		},
	})
}

func (s *Server) handleFactoryDegradation(w http.ResponseWriter, r *http.Request) {
	action, matched := s.deps.Policy.ComputeDegradationAction(policy.DegradationSignals{})
	writeJSON(w, http.StatusOK, map[string]any{"matched": matched, "action": action})
}

func (s *Server) handleFactoryHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":       len(s.deps.Board.List()),
		"jobsActive":  s.deps.Queue.ActiveCount("", ""),
		"jobsQueued":  s.deps.Queue.QueuedCount(),
	})
}

func (s *Server) handleFactoryRouting(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"defaultRouting": map[string]string{
			"pins_insufficient": string(s.deps.Policy.RouteLaneForEventType(policy.EventPinsInsufficient)),
		},
	})
}
