package actor

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/nimbusrun/nimbus/internal/runner"
	"github.com/nimbusrun/nimbus/internal/types"
	"github.com/nimbusrun/nimbus/internal/workflow"
)

// poolWorkflowID is the deterministic workflow id for a
// (namespace, runner_name) serverless pool, shared with internal/runner.
func poolWorkflowID(namespaceID, runnerName string) string {
	return "pool:" + namespaceID + ":" + runnerName
}

// CreateInput is the payload handed to the actor workflow on Start.
type CreateInput struct {
	NamespaceID        string
	Name               string
	Key                string
	RunnerNameSelector string
	Input              []byte
	CrashPolicy        types.CrashPolicy
	// Datacenter pins the actor to a zone; empty means "wherever this
	// workflow happens to run", which GetOrCreate resolves to the
	// local zone before starting the workflow.
	Datacenter string
}

type allocResult struct {
	Allocated bool
	RunnerID  string
}

// RegisterActivities wires every side-effecting step of the actor
// workflow into e, bound against driver for KV access and m for the
// scheduling-latency/actor-count metrics spec §4.4 calls for.
func RegisterActivities(e *workflow.Engine, driver kv.Driver, m *metrics.Metrics) {
	e.RegisterActivity("actor_init", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in struct {
			ActorID string
			Create  CreateInput
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		now := time.Now().UnixMilli()
		a := &types.Actor{
			ActorID:            in.ActorID,
			Datacenter:         in.Create.Datacenter,
			NamespaceID:        in.Create.NamespaceID,
			Name:               in.Create.Name,
			Key:                in.Create.Key,
			RunnerNameSelector: in.Create.RunnerNameSelector,
			Input:              in.Create.Input,
			CreateTS:           now,
			WorkflowID:         in.ActorID,
			CrashPolicy:        in.Create.CrashPolicy,
		}
		_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			if err := putActor(tx, a); err != nil {
				return err
			}
			if a.Key != "" {
				if err := tx.Set(byKeyKey(a.NamespaceID, a.Name, a.Key), []byte(a.ActorID)); err != nil {
					return err
				}
			}
			if err := tx.Set(activeActorKey(a.NamespaceID, a.RunnerNameSelector, a.ActorID), []byte{}); err != nil {
				return err
			}
			if err := tx.Set(listIdxKey(a.NamespaceID, now, a.ActorID), []byte{}); err != nil {
				return err
			}
			if err := tx.Set(nameIdxKey(a.NamespaceID, a.Name, a.ActorID), []byte{}); err != nil {
				return err
			}
			return tx.Set(pendingPlacementKey(a.NamespaceID, a.RunnerNameSelector, now, a.ActorID), []byte{})
		})
		if err != nil {
			return nil, err
		}
		if m != nil {
			m.ActorsTotal.WithLabelValues(a.NamespaceID, "active").Inc()
		}
		return json.Marshal(struct{}{})
	})

	e.RegisterActivity("actor_try_allocate", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var actorID string
		if err := json.Unmarshal(input, &actorID); err != nil {
			return nil, err
		}
		timer := metrics.NewTimer()
		var res allocResult
		var needsBump bool
		var poolID, namespaceID, runnerName string
		_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			res = allocResult{}
			a, err := loadActor(tx, actorID)
			if err != nil || a == nil {
				return err
			}
			begin, end := kv.PrefixRange(runnerAllocIdxPrefix(a.NamespaceID, a.RunnerNameSelector))
			rows, err := tx.GetRange(begin, end, 1, false)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				tx.AtomicOp(serverlessDesiredKey(a.NamespaceID, a.RunnerNameSelector), []byte{1, 0, 0, 0}, kv.OpAdd)
				needsBump, poolID = true, poolWorkflowID(a.NamespaceID, a.RunnerNameSelector)
				namespaceID, runnerName = a.NamespaceID, a.RunnerNameSelector
				return nil
			}
			t, err := kv.Unpack(rows[0].Key)
			if err != nil || len(t) == 0 {
				return err
			}
			runnerID, _ := t[len(t)-1].(string)
			r, err := loadRunner(tx, runnerID)
			if err != nil || r == nil || r.RemainingSlots == 0 || r.IsDraining() {
				return nil
			}
			clearAllocIdx(tx, r)
			r.RemainingSlots--
			if err := writeAllocIdx(tx, r); err != nil {
				return err
			}
			if err := putRunner(tx, r); err != nil {
				return err
			}
			a.RunnerID = r.RunnerID
			tx.Clear(pendingPlacementKey(a.NamespaceID, a.RunnerNameSelector, a.CreateTS, a.ActorID))
			if err := putActor(tx, a); err != nil {
				return err
			}
			if err := tx.Set(runnerActorKey(r.RunnerID, a.ActorID), []byte{}); err != nil {
				return err
			}
			res = allocResult{Allocated: true, RunnerID: r.RunnerID}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if res.Allocated && m != nil {
			timer.ObserveDuration(m.SchedulingLatency)
			m.ActorsScheduled.Inc()
		}
		if needsBump {
			_ = e.Start(ctx, runner.PoolWorkflowName, poolID, runner.PoolInitInput{NamespaceID: namespaceID, RunnerName: runnerName})
			_ = e.SignalBypass(ctx, poolID, "bump", nil)
		}
		return json.Marshal(res)
	})

	e.RegisterActivity("actor_release_runner", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var actorID string
		if err := json.Unmarshal(input, &actorID); err != nil {
			return nil, err
		}
		_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			a, err := loadActor(tx, actorID)
			if err != nil || a == nil || a.RunnerID == "" {
				return err
			}
			r, err := loadRunner(tx, a.RunnerID)
			if err != nil {
				return err
			}
			if r != nil {
				clearAllocIdx(tx, r)
				r.RemainingSlots++
				if err := writeAllocIdx(tx, r); err != nil {
					return err
				}
				if err := putRunner(tx, r); err != nil {
					return err
				}
			}
			tx.Clear(runnerActorKey(a.RunnerID, a.ActorID))
			a.RunnerID = ""
			return putActor(tx, a)
		})
		return json.Marshal(struct{}{}), err
	})

	e.RegisterActivity("actor_mark_connectable", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var actorID string
		if err := json.Unmarshal(input, &actorID); err != nil {
			return nil, err
		}
		readySince := time.Now().UnixMilli()
		_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			a, err := loadActor(tx, actorID)
			if err != nil || a == nil {
				return err
			}
			a.Connectable = true
			return putActor(tx, a)
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(readySince)
	})

	// actor_bump_generation persists a new Generation on the actor
	// record and returns it, so the workflow's local counter always
	// reflects what a GetActor caller sees.
	e.RegisterActivity("actor_bump_generation", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var actorID string
		if err := json.Unmarshal(input, &actorID); err != nil {
			return nil, err
		}
		var gen uint32
		_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			a, err := loadActor(tx, actorID)
			if err != nil || a == nil {
				return err
			}
			a.Generation++
			gen = a.Generation
			return putActor(tx, a)
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(gen)
	})

	// actor_sleep records that the actor has parked with no runner, so
	// IsSleeping reports true until actor_wake clears it.
	e.RegisterActivity("actor_sleep", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var actorID string
		if err := json.Unmarshal(input, &actorID); err != nil {
			return nil, err
		}
		_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			a, err := loadActor(tx, actorID)
			if err != nil || a == nil {
				return err
			}
			a.SleepTS = time.Now().UnixMilli()
			return putActor(tx, a)
		})
		return json.Marshal(struct{}{}), err
	})

	e.RegisterActivity("actor_wake", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var actorID string
		if err := json.Unmarshal(input, &actorID); err != nil {
			return nil, err
		}
		_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			a, err := loadActor(tx, actorID)
			if err != nil || a == nil {
				return err
			}
			a.SleepTS = 0
			return putActor(tx, a)
		})
		return json.Marshal(struct{}{}), err
	})

	e.RegisterActivity("actor_destroy", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var actorID string
		if err := json.Unmarshal(input, &actorID); err != nil {
			return nil, err
		}
		var namespaceID string
		_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			a, err := loadActor(tx, actorID)
			if err != nil || a == nil {
				return err
			}
			namespaceID = a.NamespaceID
			a.DestroyTS = time.Now().UnixMilli()
			a.Connectable = false
			tx.Clear(activeActorKey(a.NamespaceID, a.RunnerNameSelector, a.ActorID))
			if a.Key != "" {
				tx.Clear(byKeyKey(a.NamespaceID, a.Name, a.Key))
			}
			if awakeMillis := a.DestroyTS - a.CreateTS; awakeMillis > 0 {
				delta := make([]byte, 8)
				binary.BigEndian.PutUint64(delta, uint64(awakeMillis))
				if err := tx.Set(metricsDeltaKey(a.NamespaceID, a.DestroyTS, a.ActorID), delta); err != nil {
					return err
				}
			}
			return putActor(tx, a)
		})
		if err != nil {
			return nil, err
		}
		if m != nil && namespaceID != "" {
			m.ActorsTotal.WithLabelValues(namespaceID, "active").Dec()
		}
		return json.Marshal(struct{}{}), nil
	})
}

// NewActorID mints a globally unique actor id. Callers that need
// cross-DC routing embed a zone label as a prefix at a higher layer;
// the workflow engine itself treats ids as opaque strings.
func NewActorID() string { return uuid.NewString() }
