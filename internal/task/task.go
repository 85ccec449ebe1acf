// Package task defines the Task/Job/Worker data model (spec §3).
//
// Types are strongly typed structs with option-valued (pointer or
// zero-value) fields rather than an open/dynamic payload map, per spec §9:
// "Dynamic named parameters / open objects -> a strongly typed Task struct
// with option-valued fields".
package task

import "time"

// Kind distinguishes composite parent tasks from leaf atomic tasks.
type Kind string

const (
	KindParent Kind = "parent"
	KindAtomic Kind = "atomic"
)

// Status is the task lifecycle state (spec §3 Task Lifecycle).
type Status string

const (
	StatusBacklog    Status = "backlog"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusNeedsSplit Status = "needs_split"
	StatusBlocked    Status = "blocked"
)

// Lane is the scheduling class (spec Glossary: Lane).
type Lane string

const (
	LaneFastlane   Lane = "fastlane"
	LaneMainlane   Lane = "mainlane"
	LaneBatchlane  Lane = "batchlane"
	LaneDLQ        Lane = "dlq"
	LaneQuarantine Lane = "quarantine"
)

// Executor identifies which external CLI kind a task/job may use.
type Executor string

const (
	ExecutorCodex      Executor = "codex"
	ExecutorOpenCodeCLI Executor = "opencodecli"
)

// Runner distinguishes internal (in-process) execution from external
// (worker-claimed) execution.
type Runner string

const (
	RunnerInternal Runner = "internal"
	RunnerExternal Runner = "external"
)

// Pins bounds an atomic task's read/write footprint (spec Glossary: Pins).
type Pins struct {
	AllowedPaths    []string            `json:"allowed_paths"`
	ForbiddenPaths  []string            `json:"forbidden_paths,omitempty"`
	Symbols         []string            `json:"symbols,omitempty"`
	LineWindows     map[string][2]int   `json:"line_windows,omitempty"`
	MaxFiles        int                 `json:"max_files,omitempty"`
	MaxLOC          int                 `json:"max_loc,omitempty"`
	SSOTAssumptions []string            `json:"ssot_assumptions,omitempty"`
}

// PinsInstance carries the per-task overrides merged onto a class-level pins
// template by pins.ResolvePins.
type PinsInstance struct {
	AllowedPathsAdd   []string          `json:"allowed_paths_add,omitempty"`
	ForbiddenPathsAdd []string          `json:"forbidden_paths_add,omitempty"`
	SymbolsAdd        []string          `json:"symbols_add,omitempty"`
	LineWindows       map[string][2]int `json:"line_windows,omitempty"`
	MaxFiles          int               `json:"max_files,omitempty"`
	MaxLOC            int               `json:"max_loc,omitempty"`
	SSOTAssumptions   []string          `json:"ssot_assumptions,omitempty"`
}

// Contract captures the role contract a task was created under (consumed by
// Board.CreateTask validation; exact shape is out-of-core and treated
// opaquely beyond an ID/version pair needed for artifact trace hashing).
type Contract struct {
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
}

// Task is the strongly typed spec §3 Task entity.
type Task struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Title    string `json:"title"`
	Goal     string `json:"goal"`
	ParentID string `json:"parentId,omitempty"`

	Status Status `json:"status"`
	Role   string `json:"role"`
	Lane   Lane   `json:"lane"`

	Priority *int `json:"priority,omitempty"`

	AllowedExecutors []Executor `json:"allowedExecutors,omitempty"`
	AllowedModels    []string   `json:"allowedModels,omitempty"`
	Files            []string   `json:"files,omitempty"`
	Skills           []string   `json:"skills,omitempty"`

	Pins             *Pins         `json:"pins,omitempty"`
	PinsInstance     *PinsInstance `json:"pins_instance,omitempty"`
	PinsPending      bool          `json:"pins_pending"`
	PinsTargetID     string        `json:"pins_target_id,omitempty"`
	PinsMapHash      string        `json:"pins_map_hash,omitempty"`

	Contract    *Contract `json:"contract,omitempty"`
	Assumptions []string  `json:"assumptions,omitempty"`
	AllowedTests []string `json:"allowedTests,omitempty"`

	Area                string         `json:"area,omitempty"`
	TaskClassID         string         `json:"task_class_id,omitempty"`
	TaskClassCandidate  bool           `json:"task_class_candidate,omitempty"`
	TaskClassParams     map[string]any `json:"task_class_params,omitempty"`

	Runner    Runner `json:"runner"`
	TimeoutMS *int   `json:"timeoutMs,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	LastJobID   string `json:"lastJobId,omitempty"`
	SplitJobID  string `json:"splitJobId,omitempty"`

	DispatchAttempts int `json:"dispatch_attempts"`
	TimeoutRetries   int `json:"timeoutRetries"`
	ToolingRetries   int `json:"toolingRetries"`
	ModelAttempt     int `json:"modelAttempt"`

	CIFixupCount       int `json:"ci_fixup_count"`
	PinsFixupCount     int `json:"pins_fixup_count"`
	PolicyFixupCount   int `json:"policy_fixup_count"`
	PinsRequeueCount   int `json:"pins_requeue_count"`
	CIRequeueCount     int `json:"ci_requeue_count"`
	PolicyRequeueCount int `json:"policy_requeue_count"`
	SSOTAutoApplyCount int `json:"ssot_auto_apply_count"`

	DLQOpened bool `json:"dlq_opened"`

	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`

	Pointers  map[string]string `json:"pointers,omitempty"`
	PromptRef string            `json:"prompt_ref,omitempty"`

	// MaxChildren/MaxDepth are hard caps for parents with ParentID set,
	// resolved from policy at creation time and frozen onto the task so
	// later policy changes don't retroactively alter an in-flight tree.
	MaxChildren int `json:"max_children,omitempty"`
	MaxDepth    int `json:"max_depth,omitempty"`
	Depth       int `json:"depth,omitempty"`
}

// IsAtomic reports whether the task is a leaf unit.
func (t *Task) IsAtomic() bool { return t.Kind == KindAtomic }

// StageStatus is the outcome a single job/attempt reports (spec §8, modeled
// after runtime.StageStatus in the teacher — canonical five-value status
// plus tolerant parsing of legacy synonyms).
type StageStatus string

const (
	StageSuccess        StageStatus = "success"
	StagePartialSuccess StageStatus = "partial_success"
	StageRetry          StageStatus = "retry"
	StageFail           StageStatus = "fail"
	StageSkipped        StageStatus = "skipped"
)

// JobStatus is the Job lifecycle state (spec §3 Job Lifecycle).
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// TaskType distinguishes the kind of work a Job represents.
type TaskType string

const (
	TaskTypeAtomic       TaskType = "atomic"
	TaskTypeBoard        TaskType = "board"
	TaskTypeBoardSplit   TaskType = "board_split"
	TaskTypePinsGenerate TaskType = "pins_generate"
)

// PatchStats summarizes a unified diff's touched-file footprint.
type PatchStats struct {
	Files   []string `json:"files"`
	Added   int      `json:"added"`
	Removed int      `json:"removed"`
}

// Usage tracks token/attempt/verify-minute consumption for budget governance.
type Usage struct {
	TokensInput  int     `json:"tokens_input"`
	TokensOutput int     `json:"tokens_output"`
	VerifyMinutes float64 `json:"verify_minutes"`
}

// SnapshotEntry is one pre-run file observation (spec §4.4).
type SnapshotEntry struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// GateResult is the common shape returned by RunCiGate/RunPolicyGate.
type GateResult struct {
	Ran           bool   `json:"ran"`
	Required      bool   `json:"required"`
	Skipped       bool   `json:"skipped,omitempty"`
	OK            bool   `json:"ok"`
	ExitCode      int    `json:"exitCode"`
	DurationMS    int64  `json:"durationMs"`
	Command       string `json:"command"`
	TimedOut      bool   `json:"timedOut"`
	StdoutPath    string `json:"stdoutPath,omitempty"`
	StderrPath    string `json:"stderrPath,omitempty"`
	StdoutSHA256  string `json:"stdoutSha256,omitempty"`
	StderrSHA256  string `json:"stderrSha256,omitempty"`
}

// PolicyViolation is one fail-closed attestation/scope violation.
type PolicyViolation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ContextPackV1Proof records the attestation hash comparisons performed
// during Complete (spec §4.9), regardless of outcome.
type ContextPackV1Proof struct {
	ContextPackV1ID       string `json:"context_pack_v1_id"`
	PackJSONSHA256Local   string `json:"pack_json_sha256_local"`
	PackJSONSHA256Payload string `json:"pack_json_sha256_payload"`
	PackAttestSHA256Local string `json:"pack_attest_sha256_local"`
	PackAttestSHA256Payload string `json:"pack_attest_sha256_payload"`
	BundleFilesOK         map[string]bool `json:"bundle_files_ok,omitempty"`
	OK                     bool            `json:"ok"`
}

// Job is the strongly typed spec §3 Job entity.
type Job struct {
	ID       string `json:"id"`
	TaskID   string `json:"taskId,omitempty"`
	Prompt   string `json:"prompt"`
	PromptRef string `json:"prompt_ref,omitempty"`

	Model          string   `json:"model"`
	ModelEffective string   `json:"model_effective,omitempty"`
	Executor       Executor `json:"executor"`
	TaskType       TaskType `json:"taskType"`
	Runner         Runner   `json:"runner"`
	Lane           Lane     `json:"lane,omitempty"`

	WorkerID   string     `json:"workerId,omitempty"`
	LeaseUntil *time.Time `json:"leaseUntil,omitempty"`

	Status   JobStatus `json:"status"`
	Attempts int       `json:"attempts"`
	Priority int       `json:"priority"`

	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	LastUpdate *time.Time `json:"lastUpdate,omitempty"`

	ExitCode *int   `json:"exit_code,omitempty"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
	Error    string `json:"error,omitempty"`
	Reason   string `json:"reason,omitempty"`
	WarnedLong bool `json:"warned_long,omitempty"`

	ContextPackID       string `json:"contextPackId,omitempty"`
	ContextPackV1ID     string `json:"contextPackV1Id,omitempty"`
	AttestationNonce    string `json:"attestationNonce,omitempty"`
	ContextPackV1Proof  *ContextPackV1Proof `json:"contextPackV1Proof,omitempty"`

	PreSnapshot   []SnapshotEntry `json:"pre_snapshot,omitempty"`
	PreSnapshotFull map[string]string `json:"pre_snapshot_full,omitempty"`
	SnapshotDiff  []SnapshotEntry `json:"snapshot_diff,omitempty"`
	PatchStats    *PatchStats     `json:"patch_stats,omitempty"`
	Submit        map[string]any `json:"submit,omitempty"`
	Usage         *Usage         `json:"usage,omitempty"`

	CIGate        *GateResult `json:"ci_gate,omitempty"`
	PolicyGate    *GateResult `json:"policy_gate,omitempty"`
	AllowedTests  *GateResult `json:"allowed_tests,omitempty"`

	Verdict          string            `json:"verdict,omitempty"`
	PolicyViolations []PolicyViolation `json:"policy_violations,omitempty"`

	TimeoutMS int `json:"timeoutMs,omitempty"`
}

// Worker is the spec §3 Worker entity.
type Worker struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Executors     []Executor `json:"executors"`
	Models        []string   `json:"models,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	LastSeen      time.Time  `json:"lastSeen"`
	RunningJobID  string     `json:"runningJobId,omitempty"`
}

// Active reports whether the worker has been seen within activeWindow of now.
func (w *Worker) Active(now time.Time, activeWindow time.Duration) bool {
	return now.Sub(w.LastSeen) <= activeWindow
}
