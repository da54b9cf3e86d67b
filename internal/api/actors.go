package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/nimbusrun/nimbus/internal/actor"
	"github.com/nimbusrun/nimbus/internal/apierr"
	"github.com/nimbusrun/nimbus/internal/namespace"
	"github.com/nimbusrun/nimbus/internal/types"
)

// resolveNamespace turns the ?namespace= query param into a
// namespace_id, since every actor/runner record is keyed by id.
func (s *Server) resolveNamespace(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.URL.Query().Get("namespace")
	if name == "" {
		writeError(w, r, apierr.Validationf("namespace query parameter is required"))
		return "", false
	}
	ns, err := namespace.GetByName(r.Context(), s.Driver, name)
	if err != nil {
		writeError(w, r, err)
		return "", false
	}
	if ns == nil {
		writeError(w, r, apierr.NotFound)
		return "", false
	}
	return ns.NamespaceID, true
}

func (s *Server) handleListActors(w http.ResponseWriter, r *http.Request) {
	namespaceID, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	cursor, _ := strconv.ParseInt(q.Get("cursor"), 10, 64)
	var actorIDs []string
	if v := q.Get("actor_ids"); v != "" {
		actorIDs = strings.Split(v, ",")
	}
	actors, err := actor.List(r.Context(), s.Driver, actor.ListQuery{
		NamespaceID:      namespaceID,
		Name:             q.Get("name"),
		Key:              q.Get("key"),
		ActorIDs:         actorIDs,
		Cursor:           cursor,
		Limit:            limit,
		IncludeDestroyed: q.Get("include_destroyed") == "true",
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actors": actors})
}

func (s *Server) handleListActorNames(w http.ResponseWriter, r *http.Request) {
	namespaceID, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	names, err := actor.ListNames(r.Context(), s.Driver, namespaceID, q.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"names": names})
}

type createActorRequest struct {
	Datacenter         string            `json:"datacenter"`
	Name               string            `json:"name"`
	Key                string            `json:"key"`
	Input              []byte            `json:"input"`
	RunnerNameSelector string            `json:"runner_name_selector"`
	CrashPolicy        types.CrashPolicy `json:"crash_policy"`
}

const maxActorInputBytes = 4 * 1024 * 1024

func (s *Server) parseCreateActor(w http.ResponseWriter, r *http.Request, namespaceID string) (actor.CreateInput, bool) {
	var body createActorRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, apierr.InvalidReqBody)
		return actor.CreateInput{}, false
	}
	if body.Name == "" {
		writeError(w, r, apierr.Validationf("name is required"))
		return actor.CreateInput{}, false
	}
	if len(body.Input) > maxActorInputBytes {
		writeError(w, r, apierr.Validationf("input exceeds %d bytes", maxActorInputBytes))
		return actor.CreateInput{}, false
	}
	if len(body.Key) > 1024 {
		writeError(w, r, apierr.Validationf("key exceeds 1024 bytes"))
		return actor.CreateInput{}, false
	}
	return actor.CreateInput{
		NamespaceID:        namespaceID,
		Name:               body.Name,
		Key:                body.Key,
		RunnerNameSelector: body.RunnerNameSelector,
		Input:              body.Input,
		CrashPolicy:        body.CrashPolicy,
		Datacenter:         body.Datacenter,
	}, true
}

func (s *Server) handleCreateActor(w http.ResponseWriter, r *http.Request) {
	namespaceID, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	in, ok := s.parseCreateActor(w, r, namespaceID)
	if !ok {
		return
	}
	id, err := actor.GetOrCreate(r.Context(), s.Driver, s.Engine, s.Zone, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"actor_id": id, "token": s.mintToken(id, namespaceID)})
}

// mintToken returns a bearer token scoping its holder to actorID, or
// "" if this server has no Auth issuer configured.
func (s *Server) mintToken(actorID, namespaceID string) string {
	if s.Auth == nil {
		return ""
	}
	token, err := s.Auth.Issue(actorID, namespaceID)
	if err != nil {
		return ""
	}
	return token
}

func (s *Server) handleGetOrCreateActor(w http.ResponseWriter, r *http.Request) {
	namespaceID, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	in, ok := s.parseCreateActor(w, r, namespaceID)
	if !ok {
		return
	}
	if in.Key == "" {
		writeError(w, r, apierr.Validationf("key is required for get-or-create"))
		return
	}
	id, err := actor.GetOrCreate(r.Context(), s.Driver, s.Engine, s.Zone, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"actor_id": id, "token": s.mintToken(id, namespaceID)})
}

func (s *Server) handleGetActor(w http.ResponseWriter, r *http.Request) {
	namespaceID, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	a, err := actor.Get(r.Context(), s.Driver, namespaceID, chi.URLParam(r, "actorID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if a == nil {
		writeError(w, r, apierr.ActorNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDestroyActor(w http.ResponseWriter, r *http.Request) {
	namespaceID, ok := s.resolveNamespace(w, r)
	if !ok {
		return
	}
	if err := actor.Destroy(r.Context(), s.Driver, s.Engine, namespaceID, chi.URLParam(r, "actorID")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActorKVGet(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	key := chi.URLParam(r, "key")
	entries, _, err := s.KV.Get(r.Context(), actorID, []string{key})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(entries) == 0 {
		writeError(w, r, apierr.NotFound)
		return
	}
	writeJSON(w, http.StatusOK, entries[0])
}

func (s *Server) handleActorKVList(w http.ResponseWriter, r *http.Request) {
	actorID := chi.URLParam(r, "actorID")
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	query := actorkvQueryFromParams(q)
	entries, err := s.KV.List(r.Context(), actorID, query, q.Get("reverse") == "true", limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
