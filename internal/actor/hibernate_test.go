package actor

import (
	"context"
	"testing"

	"github.com/nimbusrun/nimbus/internal/kv/memkv"
	"github.com/stretchr/testify/require"
)

func TestHibernatingRequestRoundTrip(t *testing.T) {
	driver := memkv.New()
	ctx := context.Background()

	req := HibernatingRequest{ActorID: "act-1", GatewayID: "gw-1", RequestID: "req-1", CreatedTS: 100}
	require.NoError(t, PutHibernatingRequest(ctx, driver, req))

	got, err := ListHibernatingRequests(ctx, driver, "act-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, req, got[0])

	require.NoError(t, ClearHibernatingRequest(ctx, driver, req))

	got, err = ListHibernatingRequests(ctx, driver, "act-1")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestHibernatingRequestScopedByActor(t *testing.T) {
	driver := memkv.New()
	ctx := context.Background()

	require.NoError(t, PutHibernatingRequest(ctx, driver, HibernatingRequest{ActorID: "act-1", GatewayID: "gw-1", RequestID: "req-1", CreatedTS: 1}))
	require.NoError(t, PutHibernatingRequest(ctx, driver, HibernatingRequest{ActorID: "act-2", GatewayID: "gw-1", RequestID: "req-2", CreatedTS: 1}))

	got, err := ListHibernatingRequests(ctx, driver, "act-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "req-1", got[0].RequestID)
}
