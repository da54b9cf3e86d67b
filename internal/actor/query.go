package actor

import (
	"context"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/types"
	"github.com/nimbusrun/nimbus/internal/workflow"
)

// ListQuery selects GET /actors filters. NamespaceID is required; the
// remaining fields are optional narrowing filters applied in-memory
// after the create_ts-ordered index scan.
type ListQuery struct {
	NamespaceID      string
	Name             string
	Key              string
	ActorIDs         []string
	Cursor           int64 // create_ts to resume after, 0 = from the start
	Limit            int
	IncludeDestroyed bool
}

const defaultListLimit = 100
const maxActorIDsFilter = 32

// List resolves GET /actors: a create_ts-ordered page of actors within
// q.NamespaceID, honoring q's filters.
func List(ctx context.Context, driver kv.Driver, q ListQuery) ([]*types.Actor, error) {
	limit := q.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	idFilter := map[string]bool{}
	for i, id := range q.ActorIDs {
		if i >= maxActorIDsFilter {
			break
		}
		idFilter[id] = true
	}

	var out []*types.Actor
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		out = nil
		begin, end := kv.PrefixRange(listIdxPrefix(q.NamespaceID))
		if q.Cursor > 0 {
			begin = listIdxKey(q.NamespaceID, q.Cursor, "\xff")
		}
		rows, err := tx.GetRange(begin, end, 0, false)
		if err != nil {
			return err
		}
		for _, row := range rows {
			t, err := kv.Unpack(row.Key)
			if err != nil || len(t) == 0 {
				continue
			}
			id, _ := t[len(t)-1].(string)
			if id == "" {
				continue
			}
			if len(idFilter) > 0 && !idFilter[id] {
				continue
			}
			a, err := loadActor(tx, id)
			if err != nil || a == nil {
				continue
			}
			if !q.IncludeDestroyed && a.IsDestroyed() {
				continue
			}
			if q.Name != "" && a.Name != q.Name {
				continue
			}
			if q.Key != "" && a.Key != q.Key {
				continue
			}
			out = append(out, a)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// ListNames returns the distinct actor names registered within a
// namespace, ordered and paged by name.
func ListNames(ctx context.Context, driver kv.Driver, namespaceID, cursor string, limit int) ([]string, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	var names []string
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		names = nil
		begin, end := kv.PrefixRange(nameIdxPrefix(namespaceID))
		rows, err := tx.GetRange(begin, end, 0, false)
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, row := range rows {
			t, err := kv.Unpack(row.Key)
			if err != nil || len(t) < 2 {
				continue
			}
			name, _ := t[len(t)-2].(string)
			if name == "" || seen[name] {
				continue
			}
			if cursor != "" && name <= cursor {
				continue
			}
			seen[name] = true
			names = append(names, name)
			if len(names) >= limit {
				break
			}
		}
		return nil
	})
	return names, err
}

// Get resolves a single actor by id within namespaceID, returning nil
// if it does not exist or belongs to a different namespace.
func Get(ctx context.Context, driver kv.Driver, namespaceID, actorID string) (*types.Actor, error) {
	var a *types.Actor
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		rec, err := loadActor(tx, actorID)
		if err != nil || rec == nil {
			return err
		}
		if rec.NamespaceID != namespaceID {
			return nil
		}
		a = rec
		return nil
	})
	return a, err
}

// GetByID resolves a single actor by id regardless of namespace, for
// callers (the gateway) that only have actor_id and a bearer token to
// go on.
func GetByID(ctx context.Context, driver kv.Driver, actorID string) (*types.Actor, error) {
	var a *types.Actor
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		rec, err := loadActor(tx, actorID)
		if err != nil || rec == nil {
			return err
		}
		a = rec
		return nil
	})
	return a, err
}

// Destroy sends the destroy_started signal to actorID's lifecycle
// workflow. Per §7's idempotence guarantee, destroying an
// already-destroyed or nonexistent actor is not an error: the signal
// is simply dropped by SignalBypass if the workflow has already
// finished.
func Destroy(ctx context.Context, driver kv.Driver, e *workflow.Engine, namespaceID, actorID string) error {
	a, err := Get(ctx, driver, namespaceID, actorID)
	if err != nil {
		return err
	}
	if a == nil || a.IsDestroyed() {
		return nil
	}
	return e.SignalBypass(ctx, actorID, "destroy_started", nil)
}
