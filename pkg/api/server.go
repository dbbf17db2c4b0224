// Package api is the ingress/egress surface of spec.md §4.F: the REST
// client API, the worker channel, and the unauthenticated health/metrics
// endpoints, all served over plain net/http in the manner of the teacher's
// health server rather than a generated RPC stub set.
package api

import (
	"net/http"
	"time"

	"github.com/octaskly/octaskly/pkg/auth"
	"github.com/octaskly/octaskly/pkg/events"
	"github.com/octaskly/octaskly/pkg/log"
	"github.com/octaskly/octaskly/pkg/metrics"
	"github.com/octaskly/octaskly/pkg/queue"
	"github.com/octaskly/octaskly/pkg/registry"
	"github.com/octaskly/octaskly/pkg/scheduler"
	"github.com/octaskly/octaskly/pkg/storage"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Server wires the HTTP surface to the dispatcher core. It holds no
// business logic of its own: every handler validates and authorizes, then
// delegates to queue/registry/scheduler/store.
type Server struct {
	cfg       Config
	queue     *queue.Queue
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	store     storage.Store
	broker    *events.Broker
	verifier  *auth.Verifier
	whitelist *auth.Whitelist
	hub       *WorkerHub
	logger    zerolog.Logger
	started   time.Time

	mux *http.ServeMux
}

// Config carries the subset of pkg/config.Config the API surface needs.
type Config struct {
	RateLimitPerSecond float64
	RateLimitBurst     int
}

// NewServer constructs a Server and registers every route.
func NewServer(cfg Config, q *queue.Queue, r *registry.Registry, sch *scheduler.Scheduler, store storage.Store, broker *events.Broker, verifier *auth.Verifier, whitelist *auth.Whitelist) *Server {
	s := &Server{
		cfg:       cfg,
		queue:     q,
		registry:  r,
		scheduler: sch,
		store:     store,
		broker:    broker,
		verifier:  verifier,
		whitelist: whitelist,
		hub:       newWorkerHub(),
		logger:    log.WithComponent("api"),
		started:   time.Now(),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// Hub exposes the worker send capability so the dispatcher can attach it to
// the scheduler as a transport.Sender.
func (s *Server) Hub() *WorkerHub {
	return s.hub
}

func (s *Server) routes() {
	limiter := newLimiterMiddleware(s.cfg.RateLimitPerSecond, s.cfg.RateLimitBurst)

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())

	s.mux.Handle("/api/v1/tasks", limiter(s.dispatch(map[string]route{
		http.MethodPost: {auth.PermTaskCreate, "", s.handleCreateTask},
		http.MethodGet:  {auth.PermTaskList, auth.PermTaskListOwn, s.handleListTasks},
	})))
	s.mux.Handle("/api/v1/tasks/", limiter(s.dispatch(map[string]route{
		http.MethodGet:    {auth.PermTaskGet, auth.PermTaskGetOwn, s.handleGetTask},
		http.MethodDelete: {auth.PermTaskCancel, "", s.handleCancelTask},
	})))
	s.mux.Handle("/api/v1/stats", limiter(s.requireAuth(auth.PermStatsRead, "", s.handleStats)))

	s.mux.Handle("/api/v1/workers/announce", limiter(s.requireAuth(auth.PermWorkerRegister, "", s.handleAnnounce)))
	s.mux.Handle("/api/v1/workers/heartbeat", limiter(s.requireAuth(auth.PermWorkerRegister, "", s.handleHeartbeat)))
	s.mux.Handle("/api/v1/workers/completed", limiter(s.requireAuth(auth.PermTaskResult, "", s.handleCompleted)))
	s.mux.Handle("/api/v1/workers/progress", limiter(s.requireAuth(auth.PermTaskResult, "", s.handleProgress)))
}

// Handler returns the assembled mux for embedding in an http.Server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on addr. It blocks until the
// server stops or returns an error.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return srv.ListenAndServe()
}

// authedHandler is a request handler that has already passed
// authentication/authorization. ownOnly is true when the caller was granted
// only the *_own variant of the required permission (a Client principal),
// so the handler must restrict its result to the caller's own tasks.
type authedHandler func(w http.ResponseWriter, r *http.Request, claims *auth.Claims, ownOnly bool)

// route pairs the full and owner-scoped permission that satisfy an
// endpoint, plus the handler to run once one of them is held. own may be
// empty when no owner-scoped variant exists for that operation.
type route struct {
	full    auth.Permission
	own     auth.Permission
	handler authedHandler
}

// dispatch dispatches by HTTP method to a set of routes.
func (s *Server) dispatch(routes map[string]route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt, ok := routes[r.Method]
		if !ok {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.requireAuth(rt.full, rt.own, rt.handler).ServeHTTP(w, r)
	})
}

func newLimiterMiddleware(perSecond float64, burst int) func(http.Handler) http.Handler {
	if perSecond <= 0 {
		return func(h http.Handler) http.Handler { return h }
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, overloadedErr("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
