package actor

import (
	"encoding/json"
	"fmt"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/types"
)

func loadActor(tx *kv.Transaction, id string) (*types.Actor, error) {
	raw, err := tx.Get(actorKey(id))
	if err != nil || raw == nil {
		return nil, err
	}
	var a types.Actor
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("actor: decode %s: %w", id, err)
	}
	return &a, nil
}

func putActor(tx *kv.Transaction, a *types.Actor) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return tx.Set(actorKey(a.ActorID), raw)
}

func loadRunner(tx *kv.Transaction, id string) (*types.Runner, error) {
	raw, err := tx.Get(runnerKey(id))
	if err != nil || raw == nil {
		return nil, err
	}
	var r types.Runner
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("actor: decode runner %s: %w", id, err)
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

// writeAllocIdx rewrites r's allocation index row. The caller must
// have already cleared any previous row for r (old millislot value) in
// the same transaction, since the key embeds the millislot.
func writeAllocIdx(tx *kv.Transaction, r *types.Runner) error {
	inverted := invertMillislotBase - r.MilliSlots()
	invertedPing := invertTSBase - uint64(r.LastPingTS)
	return tx.Set(runnerAllocIdxKey(r.NamespaceID, r.Name, inverted, invertedPing, r.RunnerID), []byte{})
}

func clearAllocIdx(tx *kv.Transaction, r *types.Runner) {
	inverted := invertMillislotBase - r.MilliSlots()
	invertedPing := invertTSBase - uint64(r.LastPingTS)
	tx.Clear(runnerAllocIdxKey(r.NamespaceID, r.Name, inverted, invertedPing, r.RunnerID))
}

// byKeyLookup resolves (namespace, name, key) to a live actor id, or
// "" if none exists (or the only match is already destroyed).
func byKeyLookup(tx *kv.Transaction, namespaceID, name, key string) (string, error) {
	raw, err := tx.Get(byKeyKey(namespaceID, name, key))
	if err != nil || raw == nil {
		return "", err
	}
	id := string(raw)
	a, err := loadActor(tx, id)
	if err != nil {
		return "", err
	}
	if a == nil || a.IsDestroyed() {
		return "", nil
	}
	return id, nil
}
