// Command gateway is the scc-gateway HTTP server entrypoint.
//
// Grounded on the teacher's cmd/kilroy/main.go: a manual switch-based
// subcommand dispatcher (no flag/cobra library), with a signal-cancellable
// context for the run loop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/board"
	"github.com/scc-gateway/scc-gateway/internal/contextpack"
	"github.com/scc-gateway/scc-gateway/internal/events"
	"github.com/scc-gateway/scc-gateway/internal/gates"
	"github.com/scc-gateway/scc-gateway/internal/hooks"
	"github.com/scc-gateway/scc-gateway/internal/mapstore"
	"github.com/scc-gateway/scc-gateway/internal/pipeline"
	"github.com/scc-gateway/scc-gateway/internal/policy"
	"github.com/scc-gateway/scc-gateway/internal/queue"
	"github.com/scc-gateway/scc-gateway/internal/recovery"
	"github.com/scc-gateway/scc-gateway/internal/roles"
	"github.com/scc-gateway/scc-gateway/internal/schemavalidator"
	"github.com/scc-gateway/scc-gateway/internal/scheduler"
	"github.com/scc-gateway/scc-gateway/internal/server"
	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/task"
	"github.com/scc-gateway/scc-gateway/internal/workerapi"
)

// rootLedger composes the board's per-root token/verify-minute usage with
// the event log's recent-routing-stats lookup, satisfying both
// scheduler.RootLedger and (via type assertion in PickCodexModel)
// scheduler.StatsSource from a single field on Scheduler.
type rootLedger struct {
	board *board.Board
	log   *events.Log
}

func (l rootLedger) RootUsage(t *task.Task) (int, float64) { return l.board.RootUsage(t) }

func (l rootLedger) RecentEvents(model string) []scheduler.StateEvent {
	return l.log.RecentEvents(model)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Println("scc-gateway dev")
		os.Exit(0)
	case "serve":
		serve(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  gateway --version")
	fmt.Fprintln(os.Stderr, "  gateway serve [--config <file.yaml>] [--addr <host:port>] [--repo <path>] [--audit-every-n <n>]")
}

func signalCancelContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func serve(args []string) {
	addr := "127.0.0.1:8085"
	repoRoot := "."
	auditEveryN := 20
	var configPath string
	addrSet, repoSet, auditSet := false, false, false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
			addrSet = true
		case "--repo":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--repo requires a value")
				os.Exit(1)
			}
			repoRoot = args[i]
			repoSet = true
		case "--audit-every-n":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--audit-every-n requires a value")
				os.Exit(1)
			}
			var n int
			if _, err := fmt.Sscanf(args[i], "%d", &n); err != nil || n <= 0 {
				fmt.Fprintln(os.Stderr, "--audit-every-n requires a positive integer")
				os.Exit(1)
			}
			auditEveryN = n
			auditSet = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	if configPath != "" {
		fc, err := loadFileConfig(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if fc.Addr != "" && !addrSet {
			addr = fc.Addr
		}
		if fc.Repo != "" && !repoSet {
			repoRoot = fc.Repo
		}
		if fc.AuditEveryN != 0 && !auditSet {
			auditEveryN = fc.AuditEveryN
		}
	}

	absRepo, err := filepath.Abs(repoRoot)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	st := store.New(absRepo, true)
	pol := policy.New(filepath.Join(absRepo, "policy", "factory_policy.json"))

	registryPath, matrixPath := roles.DefaultPaths(absRepo)
	roleSystem := roles.New(registryPath, matrixPath)

	brd := board.New(st, pol, roleSystem, auditEveryN)
	q := queue.New()
	cp := contextpack.New(st)
	ms := mapstore.New(absRepo)
	validator := schemavalidator.New()
	evLog := events.NewLog(st)

	fuses := hooks.NewFuses(st)
	ledger := rootLedger{board: brd, log: evLog}

	rec := &recovery.Recovery{
		Board:    brd,
		Store:    st,
		MapStore: ms,
		RepoRoot: absRepo,
		Queue:    q,
	}

	sch := &scheduler.Scheduler{
		Board:                 brd,
		Policy:                pol,
		Store:                 st,
		Roles:                 roleSystem,
		Fuses:                 fuses,
		Ledger:                ledger,
		Queue:                 q,
		ContextPack:           cp,
		Recovery:              rec,
		RepoRoot:              absRepo,
		ContextPackV1Required: true,
	}

	workers := workerapi.New(st, q, cp)

	rl := hooks.NewRateLimiter(st)
	hk := &hooks.Hooks{Board: brd, Limiter: rl}

	ciEnabled, ciEnforceSinceMS, ciStrict := pol.CIGateSettings()
	rollbackEnabled, rollbackMaxFiles := pol.AutoRollbackSettings()

	pl := &pipeline.Pipeline{
		Board:     brd,
		Store:     st,
		Policy:    pol,
		Roles:     roleSystem,
		Validator: validator,
		Recovery:  rec,
		Hooks:     hk,
		Fuses:     fuses,
		Events:    evLog,
		Gates: gates.Config{
			RepoRoot: absRepo,
			Store:    st,
			BlobCAS:  store.NewBlobCAS(st),
			Timeout:  2 * time.Minute,
		},
		Executor: &pipeline.CLIExecutor{
			RepoRoot:       absRepo,
			DefaultTimeout: 10 * time.Minute,
		},
		RepoRoot:             absRepo,
		CIGateEnabled:        ciEnabled,
		CIEnforceSinceMS:     ciEnforceSinceMS,
		CIStrict:             ciStrict,
		AutoRollbackEnabled:  rollbackEnabled,
		AutoRollbackMaxFiles: rollbackMaxFiles,
	}

	ctx, cleanup := signalCancelContext()
	defer cleanup()

	go sch.RunLoop(ctx, 2*time.Second, q.NextInternal, func(j *task.Job) {
		runInternalJob(ctx, brd, cp, pl, j)
	})

	go runStabilityWatch(ctx, hk, q, pol)

	srv := server.New(server.Config{Addr: addr}, server.Deps{
		Store:       st,
		Board:       brd,
		Policy:      pol,
		Scheduler:   sch,
		Queue:       q,
		Workers:     workers,
		Pipeline:    pl,
		Recovery:    rec,
		MapStore:    ms,
		ContextPack: cp,
		Validator:   validator,
		RepoRoot:    absRepo,
	})

	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runStabilityWatch periodically feeds current queue depth into the
// stability/overload hook (C11), spawning a response task when the queue
// backs up past threshold.
func runStabilityWatch(ctx context.Context, hk *hooks.Hooks, q *queue.Queue, pol *policy.Policy) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limits := pol.WipLimits()
			active := q.ActiveCount("", "")
			snap := hooks.QueueSnapshot{
				QueuedInternal:    len(q.NextInternal()),
				WIPTotalSaturated: active >= limits.Total,
			}
			if _, err := hk.CheckStability(snap, time.Now()); err != nil {
				fmt.Fprintf(os.Stderr, "stability hook: %v\n", err)
			}
		}
	}
}

// runInternalJob executes one internally-routed job (runner internal,
// never claimed by an external worker) synchronously through
// the execution pipeline, and recovers from a handler panic as a failed
// outcome rather than letting it crash the runloop goroutine.
//
// Grounded on the teacher's Engine.executeWithRetry: per-job panic
// recovery around the work, with the job's terminal state always recorded
// even on an unexpected failure.
func runInternalJob(ctx context.Context, brd *board.Board, cp *contextpack.Renderer, pl *pipeline.Pipeline, j *task.Job) {
	defer func() {
		if r := recover(); r != nil {
			j.Status = task.JobFailed
			_ = brd.SetStatus(j.TaskID, task.StatusFailed)
		}
	}()

	t, ok := brd.GetTask(j.TaskID)
	if !ok {
		j.Status = task.JobFailed
		return
	}

	rendered := cp.RenderedText(t, j.Prompt)
	if err := pl.RunInternal(ctx, j, t, rendered); err != nil {
		j.Status = task.JobFailed
		_ = brd.SetStatus(j.TaskID, task.StatusFailed)
	}
}
