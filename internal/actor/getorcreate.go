package actor

import (
	"context"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/workflow"
)

// GetOrCreate resolves (namespaceID, name, key) against the ActorByKey
// index and returns the existing live actor id, or starts a new actor
// lifecycle workflow and returns its id. localZone fills in.Datacenter
// when the caller didn't pin a zone.
func GetOrCreate(ctx context.Context, driver kv.Driver, e *workflow.Engine, localZone string, in CreateInput) (string, error) {
	var existing string
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		id, err := byKeyLookup(tx, in.NamespaceID, in.Name, in.Key)
		if err != nil {
			return err
		}
		existing = id
		return nil
	})
	if err != nil {
		return "", err
	}
	if existing != "" {
		return existing, nil
	}
	if in.Datacenter == "" {
		in.Datacenter = localZone
	}
	id := NewActorID()
	payload := initInput{ActorID: id, Create: in}
	if err := e.Start(ctx, WorkflowName, id, payload); err != nil {
		return "", err
	}
	return id, nil
}
