package epoxy

import (
	"encoding/json"
	"fmt"

	"github.com/nimbusrun/nimbus/internal/kv"
)

func instanceKey(id InstanceID) []byte {
	return kv.Tuple{"Epoxy", "Replica", "Instance", id.ReplicaID, id.InstanceNumber}.Pack()
}

func instancePrefix(replicaID string) []byte {
	return kv.Tuple{"Epoxy", "Replica", "Instance", replicaID}.Pack()
}

func directoryKey(key string) []byte {
	return kv.Tuple{"Epoxy", "Data", key}.Pack()
}

func loadInstance(tx *kv.Transaction, id InstanceID) (*Instance, error) {
	raw, err := tx.Get(instanceKey(id))
	if err != nil || raw == nil {
		return nil, err
	}
	var inst Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("epoxy: decode instance %+v: %w", id, err)
	}
	return &inst, nil
}

func putInstance(tx *kv.Transaction, inst *Instance) error {
	raw, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return tx.Set(instanceKey(inst.ID), raw)
}

// listInstances returns every instance a replica's log holds, used by
// DownloadInstances to bulk-transfer a joining replica's missing log.
func listInstances(tx *kv.Transaction, replicaID string) ([]*Instance, error) {
	begin, end := kv.PrefixRange(instancePrefix(replicaID))
	rows, err := tx.GetRange(begin, end, 0, false)
	if err != nil {
		return nil, err
	}
	out := make([]*Instance, 0, len(rows))
	for _, row := range rows {
		var inst Instance
		if err := json.Unmarshal(row.Value, &inst); err != nil {
			continue
		}
		out = append(out, &inst)
	}
	return out, nil
}

// applyCommand executes a committed instance's effect against the
// directory it protects. Command errors (e.g. a failed compare-and-set)
// are returned to the caller but the instance's Committed state is not
// rolled back — spec §4.9 step 3.
func applyCommand(tx *kv.Transaction, cmd Command) error {
	switch cmd.Op {
	case "set":
		if cmd.Expected != nil {
			cur, err := tx.Get(directoryKey(cmd.Key))
			if err != nil {
				return err
			}
			if string(cur) != string(cmd.Expected) {
				return fmt.Errorf("epoxy: expected value does not match for key %q", cmd.Key)
			}
		}
		return tx.Set(directoryKey(cmd.Key), cmd.Value)
	case "delete":
		tx.Clear(directoryKey(cmd.Key))
		return nil
	default:
		return fmt.Errorf("epoxy: unknown command op %q", cmd.Op)
	}
}
