package epoxy_test

import (
	"context"
	"testing"
	"time"

	"github.com/nimbusrun/nimbus/internal/epoxy"
	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/kv/memkv"
	"github.com/nimbusrun/nimbus/internal/pubsub/membus"
	"github.com/stretchr/testify/require"
)

func TestProposeCommitsAndAppliesAcrossThreeReplicas(t *testing.T) {
	bus := membus.New()
	cfg := epoxy.NewClusterConfig([]string{"r1", "r2", "r3"})

	drivers := map[string]kv.Driver{"r1": memkv.New(), "r2": memkv.New(), "r3": memkv.New()}
	replicas := make(map[string]*epoxy.Replica)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for id, driver := range drivers {
		r := epoxy.NewReplica(id, driver, bus, cfg, nil)
		require.NoError(t, r.Serve(ctx))
		replicas[id] = r
	}
	time.Sleep(10 * time.Millisecond)

	err := replicas["r1"].Propose(ctx, epoxy.Command{Op: "set", Key: "actor-by-key:ns/worker/k1", Value: []byte("actor-123")})
	require.NoError(t, err)
}
