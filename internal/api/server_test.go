package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nimbusrun/nimbus/internal/actor"
	"github.com/nimbusrun/nimbus/internal/actorkv"
	"github.com/nimbusrun/nimbus/internal/api"
	"github.com/nimbusrun/nimbus/internal/kv/memkv"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/nimbusrun/nimbus/internal/pubsub/membus"
	"github.com/nimbusrun/nimbus/internal/runner"
	"github.com/nimbusrun/nimbus/internal/serverless"
	"github.com/nimbusrun/nimbus/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	driver := memkv.New()
	bus := membus.New()
	m := metrics.New(prometheus.NewRegistry())

	e := workflow.New(driver, bus, m)
	actor.RegisterWorkflow(e)
	actor.RegisterActivities(e, driver, m)
	runner.RegisterWorkflow(e)
	runner.RegisterActivities(e, driver, m)
	runner.RegisterPoolWorkflow(e)
	runner.RegisterPoolActivities(e, driver, m)
	serverless.RegisterWorkflow(e)
	serverless.RegisterActivities(e, serverless.NewHTTPRequester(nil), bus, m)

	pool := workflow.NewWorkerPool(e, []string{actor.WorkflowName, runner.WorkflowName, runner.PoolWorkflowName, serverless.WorkflowName})
	pool.Start()
	t.Cleanup(pool.Stop)

	kvStore := actorkv.New(driver, m)
	s := api.New(driver, e, kvStore, m, "zone-a", map[string]string{})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthAndMetadata(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metadata")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "zone-a", body["zone"])
}

func TestCreateNamespaceThenActor(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/namespaces", "application/json", strings.NewReader(`{"name":"default","display_name":"Default"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ns map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ns))
	resp.Body.Close()
	require.NotEmpty(t, ns["NamespaceID"])

	resp, err = http.Post(srv.URL+"/actors?namespace=default", "application/json", strings.NewReader(`{"name":"my-actor"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created["actor_id"])
	require.Empty(t, created["token"], "no Auth issuer configured, token should be empty")
}

func TestCreateNamespaceRejectsDuplicateName(t *testing.T) {
	srv := newTestServer(t)

	body := `{"name":"dup","display_name":"Dup"}`
	resp, err := http.Post(srv.URL+"/namespaces", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/namespaces", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetActorNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/namespaces", "application/json", strings.NewReader(`{"name":"default","display_name":"Default"}`))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/actors/does-not-exist?namespace=default")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListActorsRequiresNamespace(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/actors")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEpoxyGetLocalNotFound(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/epoxy/get-local/some-key")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEpoxySetReturnsServiceUnavailableWithoutReplica(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/epoxy/set", "application/json", strings.NewReader(`{"key":"k","value":"dg=="}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
