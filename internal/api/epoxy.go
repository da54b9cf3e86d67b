package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/nimbusrun/nimbus/internal/apierr"
	"github.com/nimbusrun/nimbus/internal/epoxy"
)

// handleEpoxyReplicaDebug backs "nimbusctl epoxy replica-debug": dumps
// every log instance a replica holds.
func (s *Server) handleEpoxyReplicaDebug(w http.ResponseWriter, r *http.Request) {
	out, err := epoxy.Debug(r.Context(), s.Driver, chi.URLParam(r, "replicaID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEpoxyKeyDebug backs "nimbusctl epoxy key-debug": filters a
// replica's log down to the instances touching one key.
func (s *Server) handleEpoxyKeyDebug(w http.ResponseWriter, r *http.Request) {
	out, err := epoxy.KeyDebug(r.Context(), s.Driver, chi.URLParam(r, "replicaID"), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEpoxyGetLocal backs "nimbusctl epoxy get-local": a consensus-
// bypassing read of this zone's directory snapshot.
func (s *Server) handleEpoxyGetLocal(w http.ResponseWriter, r *http.Request) {
	value, found, err := epoxy.GetLocal(r.Context(), s.Driver, chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !found {
		writeError(w, r, apierr.NotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": chi.URLParam(r, "key"), "value": value})
}

type epoxySetRequest struct {
	Key      string `json:"key"`
	Value    []byte `json:"value"`
	Expected []byte `json:"expected,omitempty"`
}

// handleEpoxySet backs "nimbusctl epoxy set": proposes a Set command
// through this zone's replica, requiring quorum before it returns.
func (s *Server) handleEpoxySet(w http.ResponseWriter, r *http.Request) {
	if s.Replica == nil {
		writeError(w, r, apierr.ServiceUnavail.Wrap(errNoEpoxyReplica))
		return
	}
	var body epoxySetRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, apierr.InvalidReqBody)
		return
	}
	cmd := epoxy.Command{Op: "set", Key: body.Key, Value: body.Value, Expected: body.Expected}
	if err := s.Replica.Propose(r.Context(), cmd); err != nil {
		writeError(w, r, apierr.UpstreamError.Wrap(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var errNoEpoxyReplica = errEpoxyDisabled{}

type errEpoxyDisabled struct{}

func (errEpoxyDisabled) Error() string { return "this zone does not run an epoxy replica" }
