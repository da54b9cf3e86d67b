package actor

import (
	"context"
	"testing"
	"time"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/kv/memkv"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/nimbusrun/nimbus/internal/pubsub/membus"
	"github.com/nimbusrun/nimbus/internal/types"
	"github.com/nimbusrun/nimbus/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestBackfillRunnerNameSelectorAddsMissingIndexEntry(t *testing.T) {
	driver := memkv.New()
	ctx := context.Background()

	a := &types.Actor{
		ActorID:            "act-1",
		NamespaceID:        "ns-1",
		Name:               "worker",
		RunnerNameSelector: "default",
		CreateTS:           time.Now().UnixMilli(),
	}
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		return putActor(tx, a)
	})
	require.NoError(t, err)

	migrated, err := BackfillRunnerNameSelector(ctx, driver)
	require.NoError(t, err)
	require.Equal(t, 1, migrated)

	_, err = kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		v, err := tx.Get(pendingPlacementKey(a.NamespaceID, a.RunnerNameSelector, a.CreateTS, a.ActorID))
		require.NoError(t, err)
		require.NotNil(t, v)
		return nil
	})
	require.NoError(t, err)

	// Running it again must not re-add or double count.
	migrated, err = BackfillRunnerNameSelector(ctx, driver)
	require.NoError(t, err)
	require.Equal(t, 0, migrated)
}

func TestBackfillRunnerNameSelectorSkipsAllocatedActors(t *testing.T) {
	driver := memkv.New()
	ctx := context.Background()

	a := &types.Actor{
		ActorID:            "act-2",
		NamespaceID:        "ns-1",
		Name:               "worker",
		RunnerNameSelector: "default",
		RunnerID:           "runner-1",
		CreateTS:           time.Now().UnixMilli(),
	}
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		return putActor(tx, a)
	})
	require.NoError(t, err)

	migrated, err := BackfillRunnerNameSelector(ctx, driver)
	require.NoError(t, err)
	require.Equal(t, 0, migrated)
}

// TestBackfillRunnerNameSelectorIgnoresActiveActorKeySetByInit guards
// against treating activeActorKey as a placement signal: actor_init
// sets it unconditionally for every non-destroyed actor, so a backfill
// that skips on its presence would never migrate anything created
// through the real workflow.
func TestBackfillRunnerNameSelectorIgnoresActiveActorKeySetByInit(t *testing.T) {
	driver := memkv.New()
	bus := membus.New()
	m := metrics.New(prometheus.NewRegistry())
	e := workflow.New(driver, bus, m)
	RegisterWorkflow(e)
	RegisterActivities(e, driver, m)

	ctx := context.Background()
	actorID := "act-legacy"
	in := initInput{ActorID: actorID, Create: CreateInput{NamespaceID: "ns-1", Name: "worker", RunnerNameSelector: "default"}}
	require.NoError(t, e.Start(ctx, WorkflowName, actorID, in))

	_, err := e.Execute(ctx, actorID)
	require.NoError(t, err)

	var a *types.Actor
	_, err = kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		var loadErr error
		a, loadErr = loadActor(tx, actorID)
		return loadErr
	})
	require.NoError(t, err)
	require.NotNil(t, a)

	// Simulate a record from before the pending-placement index existed:
	// activeActorKey is already set by the real actor_init above, but the
	// index entry it implies is missing.
	_, err = kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		tx.Clear(pendingPlacementKey(a.NamespaceID, a.RunnerNameSelector, a.CreateTS, a.ActorID))
		return nil
	})
	require.NoError(t, err)

	migrated, err := BackfillRunnerNameSelector(ctx, driver)
	require.NoError(t, err)
	require.Equal(t, 1, migrated, "activeActorKey being set by actor_init must not suppress a real backfill candidate")

	_, err = kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		v, err := tx.Get(pendingPlacementKey(a.NamespaceID, a.RunnerNameSelector, a.CreateTS, a.ActorID))
		require.NoError(t, err)
		require.NotNil(t, v)
		return nil
	})
	require.NoError(t, err)
}

func TestBackfillRunnerNameSelectorSkipsDestroyedActors(t *testing.T) {
	driver := memkv.New()
	ctx := context.Background()

	a := &types.Actor{
		ActorID:            "act-3",
		NamespaceID:        "ns-1",
		Name:               "worker",
		RunnerNameSelector: "default",
		CreateTS:           time.Now().UnixMilli(),
		DestroyTS:          time.Now().UnixMilli(),
	}
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		return putActor(tx, a)
	})
	require.NoError(t, err)

	migrated, err := BackfillRunnerNameSelector(ctx, driver)
	require.NoError(t, err)
	require.Equal(t, 0, migrated)
}
