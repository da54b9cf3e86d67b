package runner

import (
	"encoding/json"
	"fmt"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/types"
)

func loadRunner(tx *kv.Transaction, id string) (*types.Runner, error) {
	raw, err := tx.Get(runnerKey(id))
	if err != nil || raw == nil {
		return nil, err
	}
	var r types.Runner
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("runner: decode %s: %w", id, err)
	}
	return &r, nil
}

func putRunner(tx *kv.Transaction, r *types.Runner) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return tx.Set(runnerKey(r.RunnerID), raw)
}

func writeAllocIdx(tx *kv.Transaction, r *types.Runner) error {
	return tx.Set(runnerAllocIdxKey(r.NamespaceID, r.Name, invertMillislots(r.MilliSlots()), invertPingTS(r.LastPingTS), r.RunnerID), []byte{})
}

func clearAllocIdx(tx *kv.Transaction, r *types.Runner) {
	tx.Clear(runnerAllocIdxKey(r.NamespaceID, r.Name, invertMillislots(r.MilliSlots()), invertPingTS(r.LastPingTS), r.RunnerID))
}

func loadRunnerConfig(tx *kv.Transaction, namespaceID, runnerName string) (*types.RunnerConfig, error) {
	raw, err := tx.Get(runnerConfigKey(namespaceID, runnerName))
	if err != nil || raw == nil {
		return nil, err
	}
	var c types.RunnerConfig
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("runner: decode config %s/%s: %w", namespaceID, runnerName, err)
	}
	return &c, nil
}

// PutRunnerConfig is exported for the HTTP API's RunnerConfig CRUD
// handlers (spec §6 `PUT /runner-configs/{runner_name}`).
func PutRunnerConfig(tx *kv.Transaction, c *types.RunnerConfig) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return tx.Set(runnerConfigKey(c.NamespaceID, c.RunnerName), raw)
}

// DeleteRunnerConfig clears a (namespace, runner_name) policy. Per
// spec §7 idempotence guarantee, deleting a config that doesn't exist
// in this zone must still succeed.
func DeleteRunnerConfig(tx *kv.Transaction, namespaceID, runnerName string) {
	tx.Clear(runnerConfigKey(namespaceID, runnerName))
}

// GetRunnerConfig is the read-side counterpart of PutRunnerConfig.
func GetRunnerConfig(tx *kv.Transaction, namespaceID, runnerName string) (*types.RunnerConfig, error) {
	return loadRunnerConfig(tx, namespaceID, runnerName)
}

// poolConnection is one outbound serverless connection workflow the
// pool is tracking.
type poolConnection struct {
	ID           string
	DetailsHash  string
	Draining     bool
}

type connectionsRecord struct {
	Connections []poolConnection
}

func loadConnections(tx *kv.Transaction, namespaceID, runnerName string) ([]poolConnection, error) {
	raw, err := tx.Get(poolConnectionsKey(namespaceID, runnerName))
	if err != nil || raw == nil {
		return nil, err
	}
	var rec connectionsRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec.Connections, nil
}

func putConnections(tx *kv.Transaction, namespaceID, runnerName string, conns []poolConnection) error {
	raw, err := json.Marshal(connectionsRecord{Connections: conns})
	if err != nil {
		return err
	}
	return tx.Set(poolConnectionsKey(namespaceID, runnerName), raw)
}
