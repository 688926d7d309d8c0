package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/polisai/netopt/pkg/domain"
	"github.com/polisai/netopt/pkg/storage"
)

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	var p domain.Policy
	if err := decodeJSON(w, r, &p); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	id, err := s.deps.Store.Create(r.Context(), p)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	created, err := s.deps.Store.Get(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	s.logger.Info("policy created", "policy_id", id, "name", created.Name, "priority", created.Priority)
	w.Header().Set("Location", "/policies/"+id)
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	q := r.URL.Query()
	filter := storage.Filter{Domain: q.Get("domain"), Tag: q.Get("tag")}
	if raw := q.Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			s.respondError(w, r, http.StatusBadRequest, "BAD_REQUEST", "enabled must be a boolean")
			return
		}
		filter.Enabled = &enabled
	}
	policies, err := s.deps.Store.List(r.Context(), filter)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	if policies == nil {
		policies = []domain.Policy{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	p, err := s.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	var patch domain.PolicyPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	s.update(w, r, patch)
}

func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireStore(w, r) {
			return
		}
		s.update(w, r, domain.PolicyPatch{Enabled: &enabled})
	}
}

func (s *Server) update(w http.ResponseWriter, r *http.Request, patch domain.PolicyPatch) {
	id := chi.URLParam(r, "id")
	updated, err := s.deps.Store.Update(r.Context(), id, patch)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	s.logger.Info("policy updated", "policy_id", id, "enabled", updated.Enabled)
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	existed, err := s.deps.Store.Delete(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	if !existed {
		s.respondError(w, r, http.StatusNotFound, "POLICY_NOT_FOUND", "policy "+id+" not found")
		return
	}
	s.logger.Info("policy deleted", "policy_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePolicyVersion(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w, r) {
		return
	}
	version, err := s.deps.Store.Version(r.Context())
	if err != nil {
		s.respondStoreError(w, r, err)
		return
	}
	s.deps.Metrics.SetPolicyVersion(version)
	respondJSON(w, http.StatusOK, map[string]int64{"version": version})
}
