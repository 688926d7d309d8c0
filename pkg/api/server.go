// Package api serves the admin HTTP interface: policy CRUD, cache
// validation, the status feed (polling and websocket), installed flows,
// topology and endpoint registration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/netopt/internal/governance"
	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/feed"
	"github.com/polisai/netopt/pkg/monitor"
	"github.com/polisai/netopt/pkg/storage"
	"github.com/polisai/netopt/pkg/topology"
)

const maxBodyBytes = 1 << 20

// FlowLister exposes the installed flow table.
type FlowLister interface {
	List() []domain.InstalledFlow
}

// Deps are the components the API reads and mutates. Nil components disable
// their routes with 503.
type Deps struct {
	Store     storage.PolicyStore
	Feed      *feed.Feed
	Flows     FlowLister
	Model     *topology.Model
	Endpoints *monitor.Registry
	Metrics   *Metrics
	Limiter   *governance.RateLimiter
	Logger    *slog.Logger
}

// Server implements the admin HTTP API.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a Server. Metrics default to a fresh registry.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	return &Server{deps: deps, logger: logger}
}

// Handler returns the traced router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Router(), "netopt.api")
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.deps.Metrics.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	r.Get("/policies", s.handleListPolicies)
	r.Get("/policies/version", s.handlePolicyVersion)
	r.Get("/policies/{id}", s.handleGetPolicy)
	r.Get("/status", s.handleStatus)
	r.Get("/status/stream", s.handleStatusStream)
	r.Get("/flows", s.handleFlows)
	r.Get("/topology", s.handleTopology)
	r.Get("/endpoints", s.handleListEndpoints)
	r.Post("/cache-check", s.handleCacheCheck)

	r.Group(func(r chi.Router) {
		if s.deps.Limiter != nil {
			r.Use(s.deps.Limiter.Middleware)
		}
		r.Post("/policies", s.handleCreatePolicy)
		r.Put("/policies/{id}", s.handleUpdatePolicy)
		r.Delete("/policies/{id}", s.handleDeletePolicy)
		r.Post("/policies/{id}/enable", s.handleSetEnabled(true))
		r.Post("/policies/{id}/disable", s.handleSetEnabled(false))
		r.Post("/endpoints", s.handleRegisterEndpoint)
		r.Delete("/endpoints/{id}", s.handleUnregisterEndpoint)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if s.deps.Store != nil {
		version, err := s.deps.Store.Version(ctx)
		if err != nil {
			status["ok"] = false
			status["store"] = "down"
			status["error"] = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["store"] = "up"
		status["policy_version"] = version
	}
	if s.deps.Model != nil {
		nodes, links, samples := s.deps.Model.Counts()
		status["topology"] = map[string]int{"nodes": nodes, "links": links, "samples": samples}
	}
	respondJSON(w, http.StatusOK, status)
}

type cacheCheckRequest struct {
	PolicyVersion int64 `json:"policy_version"`
}

type cacheCheckResponse struct {
	Valid          bool  `json:"valid"`
	CurrentVersion int64 `json:"current_version"`
}

func (s *Server) handleCacheCheck(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	var req cacheCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	version, err := s.deps.Store.Version(r.Context())
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	s.deps.Metrics.SetPolicyVersion(version)
	respondJSON(w, http.StatusOK, cacheCheckResponse{
		Valid:          req.PolicyVersion == version,
		CurrentVersion: version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feed == nil {
		s.respondError(w, r, http.StatusServiceUnavailable, "FEED_UNAVAILABLE", "status feed not configured")
		return
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.respondError(w, r, http.StatusBadRequest, "BAD_REQUEST", "since must be a sequence number")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"sequence": s.deps.Feed.Sequence(),
			"records":  s.deps.Feed.Since(after),
		})
		return
	}
	if pair := r.URL.Query().Get("pair"); pair != "" {
		rec, ok := s.deps.Feed.LatestFor(pair)
		if !ok {
			s.respondError(w, r, http.StatusNotFound, "PAIR_NOT_FOUND", "no status for pair "+pair)
			return
		}
		respondJSON(w, http.StatusOK, rec)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"sequence": s.deps.Feed.Sequence(),
		"records":  s.deps.Feed.Latest(),
	})
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	if s.deps.Flows == nil {
		s.respondError(w, r, http.StatusServiceUnavailable, "FLOWS_UNAVAILABLE", "flow manager not configured")
		return
	}
	flows := s.deps.Flows.List()
	if flows == nil {
		flows = []domain.InstalledFlow{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"flows": flows})
}

type topologyResponse struct {
	Nodes      []domain.NetworkNode       `json:"nodes"`
	Links      []domain.NetworkLink       `json:"links"`
	Samples    []domain.MeasurementSample `json:"samples"`
	CapturedAt time.Time                  `json:"captured_at"`
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	if s.deps.Model == nil {
		s.respondError(w, r, http.StatusServiceUnavailable, "TOPOLOGY_UNAVAILABLE", "network model not configured")
		return
	}
	snap := s.deps.Model.Snapshot()
	resp := topologyResponse{
		Nodes:      make([]domain.NetworkNode, 0, len(snap.Nodes)),
		Links:      append([]domain.NetworkLink{}, snap.Links...),
		Samples:    make([]domain.MeasurementSample, 0, len(snap.Samples)),
		CapturedAt: snap.CapturedAt,
	}
	for _, node := range snap.Nodes {
		resp.Nodes = append(resp.Nodes, node)
	}
	for _, sample := range snap.Samples {
		resp.Samples = append(resp.Samples, sample)
	}
	sortTopology(&resp)
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	if s.deps.Endpoints == nil {
		s.respondError(w, r, http.StatusServiceUnavailable, "ENDPOINTS_UNAVAILABLE", "endpoint registry not configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"endpoints": s.deps.Endpoints.List(),
		"pairs":     len(s.deps.Endpoints.Pairs()),
	})
}

func (s *Server) handleRegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Endpoints == nil {
		s.respondError(w, r, http.StatusServiceUnavailable, "ENDPOINTS_UNAVAILABLE", "endpoint registry not configured")
		return
	}
	var ep domain.Endpoint
	if err := decodeJSON(w, r, &ep); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	stored, err := s.deps.Endpoints.Register(ep)
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, "INVALID_ENDPOINT", err.Error())
		return
	}
	s.logger.Info("endpoint registered", "endpoint_id", stored.ID, "ip", stored.IP, "role", stored.Role)
	respondJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleUnregisterEndpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.Endpoints == nil {
		s.respondError(w, r, http.StatusServiceUnavailable, "ENDPOINTS_UNAVAILABLE", "endpoint registry not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if !s.deps.Endpoints.Unregister(id) {
		s.respondError(w, r, http.StatusNotFound, "ENDPOINT_NOT_FOUND", "endpoint "+id+" not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "code", code, "error", msg)
	}
	resp := domain.ErrorResponse{Code: code, Message: msg}
	if sc := trace.SpanContextFromContext(r.Context()); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	respondJSON(w, status, resp)
}

// respondStoreError maps store errors onto HTTP statuses.
func (s *Server) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.respondError(w, r, http.StatusNotFound, "POLICY_NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrDuplicateID):
		s.respondError(w, r, http.StatusConflict, "POLICY_EXISTS", err.Error())
	case errors.Is(err, domain.ErrConfigInvalid):
		s.respondError(w, r, http.StatusBadRequest, "INVALID_POLICY", err.Error())
	default:
		s.respondError(w, r, http.StatusInternalServerError, "STORE_ERROR", err.Error())
	}
}

func (s *Server) requireStore(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Store == nil {
		s.respondError(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "policy store not configured")
		return false
	}
	return true
}
