package epoxy

import (
	"context"
	"testing"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/kv/memkv"
	"github.com/stretchr/testify/require"
)

func TestGetLocalReturnsAppliedValue(t *testing.T) {
	driver := memkv.New()
	ctx := context.Background()

	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		return applyCommand(tx, Command{Op: "set", Key: "zone-a/directory", Value: []byte("hello")})
	})
	require.NoError(t, err)

	value, found, err := GetLocal(ctx, driver, "zone-a/directory")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("hello"), value)
}

func TestGetLocalMissingKey(t *testing.T) {
	driver := memkv.New()
	_, found, err := GetLocal(context.Background(), driver, "nope")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDebugListsReplicaInstances(t *testing.T) {
	driver := memkv.New()
	ctx := context.Background()

	inst := &Instance{
		ID:      InstanceID{ReplicaID: "r1", InstanceNumber: 1},
		Command: Command{Op: "set", Key: "k1", Value: []byte("v1")},
	}
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		return putInstance(tx, inst)
	})
	require.NoError(t, err)

	out, err := Debug(ctx, driver, "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", out.ReplicaID)
	require.Len(t, out.Instances, 1)
	require.Equal(t, "k1", out.Instances[0].Command.Key)
}

func TestKeyDebugFiltersByKey(t *testing.T) {
	driver := memkv.New()
	ctx := context.Background()

	instA := &Instance{ID: InstanceID{ReplicaID: "r1", InstanceNumber: 1}, Command: Command{Op: "set", Key: "k1", Value: []byte("v1")}}
	instB := &Instance{ID: InstanceID{ReplicaID: "r1", InstanceNumber: 2}, Command: Command{Op: "set", Key: "k2", Value: []byte("v2")}}
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		if err := putInstance(tx, instA); err != nil {
			return err
		}
		return putInstance(tx, instB)
	})
	require.NoError(t, err)

	out, err := KeyDebug(ctx, driver, "r1", "k2")
	require.NoError(t, err)
	require.Len(t, out.Instances, 1)
	require.Equal(t, uint64(2), out.Instances[0].ID.InstanceNumber)
}
