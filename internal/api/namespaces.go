package api

import (
	"net/http"

	"github.com/nimbusrun/nimbus/internal/apierr"
	"github.com/nimbusrun/nimbus/internal/namespace"
)

func (s *Server) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	namespaces, err := namespace.List(r.Context(), s.Driver)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": namespaces})
}

func (s *Server) handleCreateNamespace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, r, apierr.InvalidReqBody)
		return
	}
	ns, err := namespace.Create(r.Context(), s.Driver, body.Name, body.DisplayName)
	if err != nil {
		switch err {
		case namespace.ErrInvalidName:
			writeError(w, r, apierr.Validationf("namespace name must match %s", namespace.NameRegex.String()))
		case namespace.ErrNameTaken:
			writeError(w, r, apierr.Validationf("namespace name %q is already taken", body.Name))
		default:
			writeError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, ns)
}
