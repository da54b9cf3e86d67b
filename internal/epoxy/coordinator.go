package epoxy

import (
	"context"
	"encoding/json"

	"github.com/nimbusrun/nimbus/internal/pubsub"
	"github.com/nimbusrun/nimbus/internal/workflow"
)

// CoordinatorWorkflowName is the registered name of the ClusterConfig
// coordinator workflow (spec §4.9 "Config changes happen via a
// coordinator workflow that receives ReplicaStatusChange signals").
const CoordinatorWorkflowName = "epoxy_cluster_config"

// CoordinatorInput identifies which config group this run coordinates.
type CoordinatorInput struct {
	GroupID string
}

// ReplicaStatusChange is the signal payload that triggers a membership
// update: a replica joining or leaving the cluster.
type ReplicaStatusChange struct {
	ReplicaID string
	Joined    bool
}

// UpdateConfigRequest is broadcast to every replica once a membership
// change commits, so Replica.SetConfig can pick up the new view.
type UpdateConfigRequest struct {
	Replicas []string
}

// RegisterCoordinatorWorkflow installs the workflow against e.
func RegisterCoordinatorWorkflow(e *workflow.Engine) {
	e.RegisterWorkflow(CoordinatorWorkflowName, RunCoordinator)
}

// RunCoordinator loops forever applying replica_status_change signals
// to the raft-backed ClusterConfig and broadcasting the result.
func RunCoordinator(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
	var in CoordinatorInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}

	state, _ := json.Marshal(0)
	return c.Loope(state, func(lc *workflow.Context, st json.RawMessage) (json.RawMessage, error) {
		sigs, err := lc.ListenN([]string{"replica_status_change"}, 1)
		if err != nil {
			return nil, err
		}
		for _, sig := range sigs {
			if _, err := lc.Activity("epoxy_apply_config_change", applyConfigInput{
				GroupID: in.GroupID,
				Change:  sig.Payload,
			}, nil); err != nil {
				return nil, err
			}
		}
		return st, nil
	})
}

type applyConfigInput struct {
	GroupID string
	Change  json.RawMessage
}

// RegisterCoordinatorActivities wires epoxy_apply_config_change against
// group (the raft group whose membership this coordinator manages) and
// bus (used to broadcast UpdateConfigRequest to every replica listed in
// the new config).
func RegisterCoordinatorActivities(e *workflow.Engine, group *ConfigGroup, bus pubsub.Bus) {
	e.RegisterActivity("epoxy_apply_config_change", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in applyConfigInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		var change ReplicaStatusChange
		if err := json.Unmarshal(in.Change, &change); err != nil {
			return nil, err
		}

		op := "remove_replica"
		if change.Joined {
			op = "add_replica"
		}
		if err := group.ApplyChange(op, change.ReplicaID); err != nil {
			return nil, err
		}

		req := UpdateConfigRequest{Replicas: group.Config().Replicas()}
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, err
		}
		for _, replicaID := range req.Replicas {
			_ = bus.Publish(ctx, "epoxy."+replicaID+".update_config", payload, pubsub.PublishOptions{Behavior: pubsub.OneSubscriber})
		}
		return json.Marshal(struct{}{})
	})
}
