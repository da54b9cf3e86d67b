package runner_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nimbusrun/nimbus/internal/kv/memkv"
	"github.com/nimbusrun/nimbus/internal/runner"
	"github.com/nimbusrun/nimbus/internal/types"
	"github.com/stretchr/testify/require"
)

func TestPutGetDeleteConfigRoundTrips(t *testing.T) {
	driver := memkv.New()
	ctx := context.Background()
	cfg := &types.RunnerConfig{NamespaceID: "ns", RunnerName: "rn", Kind: types.RunnerConfigNormal}

	require.NoError(t, runner.PutConfig(ctx, driver, cfg))

	got, err := runner.GetConfig(ctx, driver, "ns", "rn")
	require.NoError(t, err)
	require.Equal(t, cfg.RunnerName, got.RunnerName)

	require.NoError(t, runner.DeleteConfig(ctx, driver, "ns", "rn"))
	got, err = runner.GetConfig(ctx, driver, "ns", "rn")
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, runner.DeleteConfig(ctx, driver, "ns", "missing"))
}

func TestPutConfigRejectsMissingServerlessBlock(t *testing.T) {
	driver := memkv.New()
	cfg := &types.RunnerConfig{NamespaceID: "ns", RunnerName: "rn", Kind: types.RunnerConfigServerless}
	err := runner.PutConfig(context.Background(), driver, cfg)
	require.Error(t, err)
}

func TestHealthCheckServerlessUsesPOSTMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/metadata", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sc := &types.ServerlessConfig{URL: srv.URL}
	err := runner.HealthCheckServerless(context.Background(), srv.Client(), sc)
	require.NoError(t, err)
}
