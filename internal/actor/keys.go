// Package actor implements the actor lifecycle workflow and scheduler
// described in spec §4.4: per-actor state machine (Init, Allocate,
// Ready, Run, Destroy), the runner allocation index, key-based
// get-or-create, and cross-datacenter placement.
package actor

import "github.com/nimbusrun/nimbus/internal/kv"

const subspace = "actor"

func actorKey(id string) []byte { return kv.Tuple{subspace, "rec", id}.Pack() }

func activeActorKey(namespaceID, runnerName, id string) []byte {
	return kv.Tuple{subspace, "active", namespaceID, runnerName, id}.Pack()
}

func activeActorPrefix(namespaceID, runnerName string) []byte {
	return kv.Tuple{subspace, "active", namespaceID, runnerName}.Pack()
}

func byKeyKey(namespaceID, name, key string) []byte {
	return kv.Tuple{subspace, "by_key", namespaceID, name, key}.Pack()
}

// listIdxKey sorts every actor within a namespace by create_ts so
// GET /actors can page through them with a create_ts cursor. Written
// once at creation and never cleared, so destroyed actors still appear
// when include_destroyed is requested.
func listIdxKey(namespaceID string, createTS int64, actorID string) []byte {
	return kv.Tuple{subspace, "list_idx", namespaceID, uint64(createTS), actorID}.Pack()
}

func listIdxPrefix(namespaceID string) []byte {
	return kv.Tuple{subspace, "list_idx", namespaceID}.Pack()
}

// nameIdxKey sorts actor names within a namespace for GET /actors/names.
func nameIdxKey(namespaceID, name, actorID string) []byte {
	return kv.Tuple{subspace, "name_idx", namespaceID, name, actorID}.Pack()
}

func nameIdxPrefix(namespaceID string) []byte {
	return kv.Tuple{subspace, "name_idx", namespaceID}.Pack()
}

func pendingPlacementKey(namespaceID, runnerNameSelector string, createTS int64, actorID string) []byte {
	return kv.Tuple{subspace, "pending_placement", namespaceID, runnerNameSelector, uint64(createTS), actorID}.Pack()
}

func pendingPlacementPrefix(namespaceID, runnerNameSelector string) []byte {
	return kv.Tuple{subspace, "pending_placement", namespaceID, runnerNameSelector}.Pack()
}

// runnerKey/runnerAllocIdxKey/runnerActorKey live in the runner
// subspace since runners are owned by internal/runner, but the
// scheduler needs to read/write the alloc index directly inside the
// same transaction as the actor's placement decision.
func runnerKey(id string) []byte { return kv.Tuple{"runner", "rec", id}.Pack() }

// runnerAllocIdxKey sorts by (namespace, runner_name, remaining_millislots
// DESC, last_ping_ts DESC, runner_id) per spec §4.4/§3. Descending sort
// on millislots is achieved by encoding 1000-millislots so ascending
// tuple order yields the runner with the most remaining slots first.
func runnerAllocIdxKey(namespaceID, runnerName string, invertedMillislots uint64, invertedPingTS uint64, runnerID string) []byte {
	return kv.Tuple{"runner", "alloc_idx", namespaceID, runnerName, invertedMillislots, invertedPingTS, runnerID}.Pack()
}

func runnerAllocIdxPrefix(namespaceID, runnerName string) []byte {
	return kv.Tuple{"runner", "alloc_idx", namespaceID, runnerName}.Pack()
}

func runnerActorKey(runnerID, actorID string) []byte {
	return kv.Tuple{"runner", "actor", runnerID, actorID}.Pack()
}

func serverlessDesiredKey(namespaceID, runnerName string) []byte {
	return kv.Tuple{"runner", "serverless_desired", namespaceID, runnerName}.Pack()
}

const (
	invertMillislotBase = uint64(1000)
	invertTSBase        = uint64(1) << 62
)

// metricsDeltaKey records one actor's awake-duration contribution,
// pending aggregation into the namespace-scoped counter by
// MetricsAggregator. Keyed by destroy_ts so entries sort and page the
// same way listIdxKey does.
func metricsDeltaKey(namespaceID string, destroyTS int64, actorID string) []byte {
	return kv.Tuple{subspace, "metrics_delta", namespaceID, uint64(destroyTS), actorID}.Pack()
}

func metricsDeltaPrefix() []byte {
	return kv.Tuple{subspace, "metrics_delta"}.Pack()
}

// HibernatingRequestKey records a WebSocket request a gateway handed
// off mid-flight: (Actor, HibernatingRequest, actor_id, ts, gateway_id,
// request_id). A runner that reconnects for actor_id resolves pending
// rows under hibernatingRequestPrefix to resume them.
func HibernatingRequestKey(actorID string, ts int64, gatewayID, requestID string) []byte {
	return kv.Tuple{subspace, "hibernating_request", actorID, uint64(ts), gatewayID, requestID}.Pack()
}

func hibernatingRequestPrefix(actorID string) []byte {
	return kv.Tuple{subspace, "hibernating_request", actorID}.Pack()
}
