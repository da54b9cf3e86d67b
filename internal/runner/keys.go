// Package runner implements the per-runner lifecycle workflow and the
// per-(namespace,runner_name) pool workflow described in spec §4.5:
// slot accounting, draining, version-upgrade eviction, and serverless
// autoscaling via subordinate connection workflows (internal/serverless).
package runner

import "github.com/nimbusrun/nimbus/internal/kv"

// Key layout mirrors internal/actor's runner subspace byte-for-byte
// (actor's scheduler activities write the same rows inside the same
// transaction as an actor's placement decision; see the note in
// internal/actor/keys.go). Both packages must agree on this layout.
const runnerSubspace = "runner"

func runnerKey(id string) []byte { return kv.Tuple{runnerSubspace, "rec", id}.Pack() }

func runnerAllocIdxKey(namespaceID, runnerName string, invertedMillislots, invertedPingTS uint64, runnerID string) []byte {
	return kv.Tuple{runnerSubspace, "alloc_idx", namespaceID, runnerName, invertedMillislots, invertedPingTS, runnerID}.Pack()
}

func runnerActorKey(runnerID, actorID string) []byte {
	return kv.Tuple{runnerSubspace, "actor", runnerID, actorID}.Pack()
}

func runnerActorPrefix(runnerID string) []byte {
	return kv.Tuple{runnerSubspace, "actor", runnerID}.Pack()
}

func serverlessDesiredKey(namespaceID, runnerName string) []byte {
	return kv.Tuple{runnerSubspace, "serverless_desired", namespaceID, runnerName}.Pack()
}

func activeRunnerByKeyKey(namespaceID, name, key string) []byte {
	return kv.Tuple{runnerSubspace, "by_key", namespaceID, name, key}.Pack()
}

// listIdxKey sorts every runner within a namespace for GET /runners,
// mirroring internal/actor's listIdxKey convention.
func listIdxKey(namespaceID, runnerID string) []byte {
	return kv.Tuple{runnerSubspace, "list_idx", namespaceID, runnerID}.Pack()
}

func listIdxPrefix(namespaceID string) []byte {
	return kv.Tuple{runnerSubspace, "list_idx", namespaceID}.Pack()
}

func runnerConfigKey(namespaceID, runnerName string) []byte {
	return kv.Tuple{"ns", namespaceID, "runner_config", runnerName}.Pack()
}

func poolConnectionsKey(namespaceID, runnerName string) []byte {
	return kv.Tuple{runnerSubspace, "pool_connections", namespaceID, runnerName}.Pack()
}

const (
	invertMillislotBase = uint64(1000)
	invertTSBase        = uint64(1) << 62
)

func invertMillislots(v uint64) uint64 { return invertMillislotBase - v }
func invertPingTS(ts int64) uint64     { return invertTSBase - uint64(ts) }
