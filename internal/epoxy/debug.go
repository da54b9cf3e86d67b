package epoxy

import (
	"context"

	"github.com/nimbusrun/nimbus/internal/kv"
)

// GetLocal reads key directly out of this node's directory snapshot,
// bypassing consensus — for the nimbusctl "get-local" debug command
// and for callers willing to accept a possibly-stale local read.
func GetLocal(ctx context.Context, driver kv.Driver, key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		raw, err := tx.Get(directoryKey(key))
		if err != nil {
			return err
		}
		found = raw != nil
		value = raw
		return nil
	})
	return value, found, err
}

// ReplicaDebug is the log state nimbusctl's "replica-debug" command
// prints for one replica id.
type ReplicaDebug struct {
	ReplicaID string
	Instances []*Instance
}

// Debug returns every log instance replicaID holds, for the
// "replica-debug" and "key-debug" nimbusctl commands.
func Debug(ctx context.Context, driver kv.Driver, replicaID string) (*ReplicaDebug, error) {
	var out *ReplicaDebug
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		instances, err := listInstances(tx, replicaID)
		if err != nil {
			return err
		}
		out = &ReplicaDebug{ReplicaID: replicaID, Instances: instances}
		return nil
	})
	return out, err
}

// KeyDebug filters Debug's output down to instances whose command
// touches key, the shape "key-debug" actually wants.
func KeyDebug(ctx context.Context, driver kv.Driver, replicaID, key string) (*ReplicaDebug, error) {
	full, err := Debug(ctx, driver, replicaID)
	if err != nil {
		return nil, err
	}
	filtered := &ReplicaDebug{ReplicaID: replicaID}
	for _, inst := range full.Instances {
		if inst.Command.Key == key {
			filtered.Instances = append(filtered.Instances, inst)
		}
	}
	return filtered, nil
}
