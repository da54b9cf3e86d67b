// Package api implements nimbusd's control-plane HTTP surface (spec
// §6): actor and runner CRUD, per-actor KV reads, runner-config
// management, and introspection, all as JSON over go-chi/chi/v5.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/nimbusrun/nimbus/internal/actorkv"
	"github.com/nimbusrun/nimbus/internal/authtoken"
	"github.com/nimbusrun/nimbus/internal/epoxy"
	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/obs/log"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/nimbusrun/nimbus/internal/workflow"
	"github.com/rs/zerolog"
)

// Server holds every dependency the HTTP handlers call into. It has no
// state of its own beyond these references.
type Server struct {
	Driver    kv.Driver
	Engine    *workflow.Engine
	KV        *actorkv.Store
	Metrics   *metrics.Metrics
	Zone      string
	PeerZones map[string]string

	// Replica is nil unless this zone runs an EPaxos replica for the
	// cross-zone directories (spec §4.9); the epoxy set route answers
	// 503 without one, and the other /epoxy/* routes do not use it.
	Replica *epoxy.Replica

	// Auth mints the bearer tokens returned alongside new actor ids.
	// Nil means created actors get an empty token, for deployments
	// that don't enforce the gateway's token check.
	Auth *authtoken.Issuer

	httpClient *http.Client
	logger     zerolog.Logger
}

// New constructs a Server and its chi.Router.
func New(driver kv.Driver, e *workflow.Engine, kvStore *actorkv.Store, m *metrics.Metrics, zone string, peerZones map[string]string) *Server {
	return &Server{
		Driver:     driver,
		Engine:     e,
		KV:         kvStore,
		Metrics:    m,
		Zone:       zone,
		PeerZones:  peerZones,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     log.WithComponent("api").Logger(),
	}
}

// Router builds the chi router for nimbusd's HTTP API.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Get("/metadata", s.handleMetadata)
	r.Get("/datacenters", s.handleDatacenters)
	r.Get("/health/fanout", s.handleHealthFanout)

	r.Route("/namespaces", func(r chi.Router) {
		r.Get("/", s.handleListNamespaces)
		r.Post("/", s.handleCreateNamespace)
	})

	r.Route("/actors", func(r chi.Router) {
		r.Get("/", s.handleListActors)
		r.Post("/", s.handleCreateActor)
		r.Put("/", s.handleGetOrCreateActor)
		r.Get("/names", s.handleListActorNames)
		r.Route("/{actorID}", func(r chi.Router) {
			r.Get("/", s.handleGetActor)
			r.Delete("/", s.handleDestroyActor)
			r.Get("/kv/keys", s.handleActorKVList)
			r.Get("/kv/keys/{key}", s.handleActorKVGet)
		})
	})

	r.Route("/runners", func(r chi.Router) {
		r.Get("/", s.handleListRunners)
	})

	r.Route("/runner-configs", func(r chi.Router) {
		r.Post("/serverless-health-check", s.handleServerlessHealthCheck)
		r.Route("/{runnerName}", func(r chi.Router) {
			r.Get("/", s.handleGetRunnerConfig)
			r.Put("/", s.handlePutRunnerConfig)
			r.Delete("/", s.handleDeleteRunnerConfig)
			r.Post("/refresh-metadata", s.handleRefreshMetadata)
		})
	})

	r.Route("/epoxy", func(r chi.Router) {
		r.Get("/replica-debug/{replicaID}", s.handleEpoxyReplicaDebug)
		r.Get("/key-debug/{replicaID}/{key}", s.handleEpoxyKeyDebug)
		r.Get("/get-local/{key}", s.handleEpoxyGetLocal)
		r.Post("/set", s.handleEpoxySet)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func rayID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}
