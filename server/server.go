// Package server exposes the dispatcher over HTTP: the cluster endpoints
// analysts poll and report to, and the admin endpoints behind the CLI.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/mediaplane/overseer/api"
	"github.com/mediaplane/overseer/dispatch/jobs"
	"github.com/mediaplane/overseer/dispatch/lifecycle"
	"github.com/mediaplane/overseer/dispatch/queue"
	"github.com/mediaplane/overseer/dispatch/registry"
	"github.com/mediaplane/overseer/metrics"
)

var log = logging.Logger("server")

// AnalystHeader names the endpoint of the analyst making a cluster request.
const AnalystHeader = "X-Analyst-Endpoint"

// maxBodySize bounds request bodies; expand events carry asset lists.
const maxBodySize = 8 << 20

type Server struct {
	registry  *registry.Registry
	queue     *queue.Manager
	lifecycle *lifecycle.Coordinator
	jobs      *jobs.Launcher
}

func New(reg *registry.Registry, q *queue.Manager, lc *lifecycle.Coordinator, jl *jobs.Launcher) *Server {
	return &Server{registry: reg, queue: q, lifecycle: lc, jobs: jl}
}

type Options struct {
	// RequestsPerSecond limits the whole API. 0 means unlimited.
	RequestsPerSecond int
	// Metrics is served on /debug/metrics when set.
	Metrics http.Handler
	// Live reports whether the process can serve; nil means always.
	Live func(context.Context) error
}

// Handler returns the http.Handler serving every route, to be mounted as-is.
func (s *Server) Handler(opts Options) http.Handler {
	m := mux.NewRouter()

	s.route(m, "ping", "/cluster/_ping", http.MethodPost, s.ping)
	s.route(m, "queue", "/cluster/_queue", http.MethodPut, s.poll)
	s.route(m, "event", "/cluster/_event", http.MethodPost, s.event)

	v1 := m.PathPrefix("/api/v1").Subrouter()
	s.route(v1, "tenants.create", "/tenants", http.MethodPost, s.createTenant)
	s.route(v1, "tenants.list", "/tenants", http.MethodGet, s.listTenants)
	s.route(v1, "jobs.launch", "/jobs", http.MethodPost, s.launchJob)
	s.route(v1, "jobs.list", "/jobs", http.MethodGet, s.listJobs)
	s.route(v1, "jobs.get", "/jobs/{id}", http.MethodGet, s.getJob)
	s.route(v1, "jobs.tasks", "/jobs/{id}/tasks", http.MethodGet, s.jobTasks)
	s.route(v1, "jobs.stats", "/jobs/{id}/stats", http.MethodGet, s.jobStats)
	s.route(v1, "jobs.cancel", "/jobs/{id}/_cancel", http.MethodPut, s.cancelJob)
	s.route(v1, "jobs.restart", "/jobs/{id}/_restart", http.MethodPut, s.restartJob)
	s.route(v1, "taskerrors.search", "/taskerrors/_search", http.MethodPost, s.searchTaskErrors)
	s.route(v1, "tasks.get", "/tasks/{id}", http.MethodGet, s.getTask)
	s.route(v1, "analysts.list", "/analysts", http.MethodGet, s.listAnalysts)
	s.route(v1, "analysts.lock", "/analysts/{id}/_lock", http.MethodPut, s.lockAnalyst(api.Locked))
	s.route(v1, "analysts.unlock", "/analysts/{id}/_unlock", http.MethodPut, s.lockAnalyst(api.Unlocked))

	if opts.Metrics != nil {
		m.Handle("/debug/metrics", opts.Metrics)
	}
	m.Handle("/health/livez", liveHandler(opts.Live))

	return NewRateLimiterHandler(m, opts.RequestsPerSecond)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

func (s *Server) route(m *mux.Router, name, path, method string, h handlerFunc) {
	m.Handle(path, instrument(name, h)).Methods(method)
}

func instrument(name string, h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := tag.New(r.Context(), tag.Upsert(metrics.Route, name))
		stop := metrics.Timer(ctx, metrics.APIRequestDuration)
		defer stop()

		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		if err := h(w, r.WithContext(ctx)); err != nil {
			writeError(w, r, err)
		}
	})
}

// StatusOf maps an error to the HTTP status it is reported with.
func StatusOf(err error) int {
	switch {
	case xerrors.Is(err, api.ErrNotFound):
		return http.StatusNotFound
	case xerrors.Is(err, api.ErrInvalidEvent), xerrors.Is(err, api.ErrInvalidArgument):
		return http.StatusBadRequest
	case xerrors.Is(err, api.ErrNotAssigned), xerrors.Is(err, api.ErrConflict):
		return http.StatusConflict
	case api.IsTransient(err), xerrors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusOf(err)
	switch {
	case code >= 500:
		log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	case code == http.StatusBadRequest:
		log.Warnw("rejected request", "method", r.Method, "path", r.URL.Path, "analyst", r.Header.Get(AnalystHeader), "error", err)
	default:
		log.Debugw("request refused", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSON(w, code, ErrorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugw("writing response", "error", err)
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return xerrors.Errorf("decoding request body: %s: %w", err, api.ErrInvalidArgument)
	}
	return nil
}

func liveHandler(live func(context.Context) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if live != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			if err := live(ctx); err != nil {
				log.Warnw("liveness check failed", "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}

// RateLimiterHandler rejects requests beyond the configured rate with 429.
type RateLimiterHandler struct {
	handler http.Handler
	limiter *rate.Limiter
}

func NewRateLimiterHandler(handler http.Handler, perSecond int) *RateLimiterHandler {
	return &RateLimiterHandler{handler: handler, limiter: limiterFromRate(perSecond)}
}

func (h *RateLimiterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		stats.Record(r.Context(), metrics.RateLimitCount.M(1))
		writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: "rate limit exceeded"})
		return
	}
	h.handler.ServeHTTP(w, r)
}

func limiterFromRate(perSecond int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(perSecond), perSecond)
}
