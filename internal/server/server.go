// Package server implements the gateway's HTTP wiring: board/executor/map/
// pins/preflight/scc-context/dlq/verdict/events/replay/factory endpoints,
// SSE event streaming, a CSRF/origin guard, and graceful shutdown.
//
// Grounded on the teacher's internal/server/server.go: Go 1.22+
// method+pattern mux routing, a csrfProtect wrapper restricting POST to
// localhost-family Origins, and a Shutdown that cancels in-flight work
// before closing the listener.
package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scc-gateway/scc-gateway/internal/board"
	"github.com/scc-gateway/scc-gateway/internal/contextpack"
	"github.com/scc-gateway/scc-gateway/internal/mapstore"
	"github.com/scc-gateway/scc-gateway/internal/pipeline"
	"github.com/scc-gateway/scc-gateway/internal/policy"
	"github.com/scc-gateway/scc-gateway/internal/queue"
	"github.com/scc-gateway/scc-gateway/internal/recovery"
	"github.com/scc-gateway/scc-gateway/internal/schemavalidator"
	"github.com/scc-gateway/scc-gateway/internal/scheduler"
	"github.com/scc-gateway/scc-gateway/internal/store"
	"github.com/scc-gateway/scc-gateway/internal/workerapi"
)

// Config holds server configuration.
type Config struct {
	Addr string // listen address, e.g. ":8085"
}

// Deps bundles every collaborator the HTTP layer delegates to.
type Deps struct {
	Store       *store.Store
	Board       *board.Board
	Policy      *policy.Policy
	Scheduler   *scheduler.Scheduler
	Queue       *queue.Queue
	Workers     *workerapi.API
	Pipeline    *pipeline.Pipeline
	Recovery    *recovery.Recovery
	MapStore    *mapstore.Local
	ContextPack *contextpack.Renderer
	Validator   schemavalidator.SchemaValidator
	RepoRoot    string
}

// Server is the gateway's HTTP server.
type Server struct {
	config  Config
	deps    Deps
	baseCtx context.Context
	cancel  context.CancelFunc
	httpSrv *http.Server
	logger  *log.Logger

	jobEvents  *BroadcasterSet
	taskEvents *BroadcasterSet
}

// New wires every handler onto a fresh mux.
func New(cfg Config, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		deps:       deps,
		baseCtx:    ctx,
		cancel:     cancel,
		logger:     log.New(os.Stderr, "[scc-gateway] ", log.LstdFlags),
		jobEvents:  NewBroadcasterSet(),
		taskEvents: NewBroadcasterSet(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /board/tasks", s.handleListTasks)
	mux.HandleFunc("POST /board/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /board/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /board/tasks/{id}/status", s.handleSetTaskStatus)
	mux.HandleFunc("POST /board/tasks/{id}/update", s.handleUpdateTask)
	mux.HandleFunc("POST /board/tasks/{id}/dispatch", s.handleDispatchTask)
	mux.HandleFunc("POST /board/tasks/{id}/split", s.handleSplitTask)
	mux.HandleFunc("POST /board/tasks/{id}/split/apply", s.handleSplitApply)
	mux.HandleFunc("GET /board/tasks/{id}/events", s.handleTaskEvents)
	mux.HandleFunc("GET /board/tasks/{id}/archive", s.handleTaskArchive)

	mux.HandleFunc("GET /executor/jobs", s.handleListJobs)
	mux.HandleFunc("POST /executor/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /executor/jobs/{id}/events", s.handleJobEvents)
	mux.HandleFunc("POST /executor/workers/register", s.handleRegisterWorker)
	mux.HandleFunc("POST /executor/workers/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /executor/workers/{id}/claim", s.handleClaim)
	mux.HandleFunc("POST /executor/jobs/{id}/complete", s.handleComplete)
	mux.HandleFunc("POST /executor/jobs/{id}/cancel", s.handleJobCancel)
	mux.HandleFunc("POST /executor/jobs/{id}/requeue", s.handleJobRequeue)

	mux.HandleFunc("GET /map/v1/version", s.handleMapVersion)
	mux.HandleFunc("GET /map/v1/query", s.handleMapQuery)
	mux.HandleFunc("GET /map/v1/link_report", s.handleMapLinkReport)
	mux.HandleFunc("POST /map/v1/build", s.handleMapBuild)

	mux.HandleFunc("POST /pins/v1/build", s.handlePinsBuild)
	mux.HandleFunc("POST /pins/v2/build", s.handlePinsBuild)
	mux.HandleFunc("POST /preflight/v1/check", s.handlePreflightCheck)

	mux.HandleFunc("POST /scc/context/render", s.handleContextRender)
	mux.HandleFunc("GET /scc/context/pack/{id}", s.handleContextPackFetch)
	mux.HandleFunc("GET /scc/context/run/{id}/task_bundle/{file}", s.handleTaskBundleFetch)

	mux.HandleFunc("GET /dlq", s.handleDLQ)
	mux.HandleFunc("GET /verdict", s.handleVerdict)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /replay/task", s.handleReplayTask)

	mux.HandleFunc("GET /factory/policy", s.handleFactoryPolicy)
	mux.HandleFunc("GET /factory/wip", s.handleFactoryWip)
	mux.HandleFunc("GET /factory/degradation", s.handleFactoryDegradation)
	mux.HandleFunc("GET /factory/health", s.handleFactoryHealth)
	mux.HandleFunc("GET /factory/routing", s.handleFactoryRouting)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests from non-localhost Origins,
// blocking browser CSRF while allowing CLI/programmatic callers.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown flips running jobs back to queued, cancels in-flight work, and
// drains HTTP connections before stopping.
func (s *Server) Shutdown() {
	s.deps.Queue.CancelAllRunningToQueued()
	s.jobEvents.CloseAll()
	s.taskEvents.CloseAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}
