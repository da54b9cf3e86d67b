package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/nimbusrun/nimbus/internal/apierr"
	"github.com/nimbusrun/nimbus/internal/runner"
	"github.com/nimbusrun/nimbus/internal/types"
)

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	namespaceID, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runners, err := runner.List(r.Context(), s.Driver, namespaceID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runners": runners})
}

func (s *Server) handleGetRunnerConfig(w http.ResponseWriter, r *http.Request) {
	namespaceID, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	cfg, err := runner.GetConfig(r.Context(), s.Driver, namespaceID, chi.URLParam(r, "runnerName"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cfg == nil {
		writeError(w, r, apierr.NotFound)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutRunnerConfig(w http.ResponseWriter, r *http.Request) {
	namespaceID, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	var body types.RunnerConfig
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, apierr.InvalidReqBody)
		return
	}
	body.NamespaceID = namespaceID
	body.RunnerName = chi.URLParam(r, "runnerName")
	if err := runner.PutConfig(r.Context(), s.Driver, &body); err != nil {
		writeError(w, r, apierr.Validationf("%s", err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDeleteRunnerConfig(w http.ResponseWriter, r *http.Request) {
	namespaceID, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	if err := runner.DeleteConfig(r.Context(), s.Driver, namespaceID, chi.URLParam(r, "runnerName")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRefreshMetadata(w http.ResponseWriter, r *http.Request) {
	namespaceID, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	meta, err := runner.RefreshMetadata(r.Context(), s.Driver, s.httpClient, namespaceID, chi.URLParam(r, "runnerName"))
	if err != nil {
		writeError(w, r, apierr.UpstreamError.Wrap(err))
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleServerlessHealthCheck(w http.ResponseWriter, r *http.Request) {
	var body types.ServerlessConfig
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, apierr.InvalidReqBody)
		return
	}
	if err := runner.HealthCheckServerless(r.Context(), s.httpClient, &body); err != nil {
		writeError(w, r, apierr.UpstreamError.Wrap(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
