package actor

import (
	"context"
	"encoding/json"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/types"
)

// BackfillRunnerNameSelector scans every actor record and restores the
// pending-placement index entry for any actor that predates the index:
// one created with a runner_name_selector but never given a matching
// pending_placement row, and not already allocated to a runner. It is
// a one-shot migration, safe to run repeatedly since it skips actors
// that already have the index entry.
func BackfillRunnerNameSelector(ctx context.Context, driver kv.Driver) (int, error) {
	var migrated int
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		begin, end := kv.PrefixRange(kv.Tuple{subspace, "rec"}.Pack())
		rows, err := tx.GetRange(begin, end, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			var a types.Actor
			if err := json.Unmarshal(row.Value, &a); err != nil {
				continue
			}
			if a.RunnerNameSelector == "" || a.IsDestroyed() || a.RunnerID != "" {
				continue
			}
			pendingKey := pendingPlacementKey(a.NamespaceID, a.RunnerNameSelector, a.CreateTS, a.ActorID)
			existing, err := tx.Get(pendingKey)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			if err := tx.Set(pendingKey, []byte{}); err != nil {
				return err
			}
			migrated++
		}
		return nil
	})
	return migrated, err
}
