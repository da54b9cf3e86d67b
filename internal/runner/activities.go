package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/nimbusrun/nimbus/internal/types"
	"github.com/nimbusrun/nimbus/internal/workflow"
)

// pingRTTCap mirrors the "clamped to u32::MAX" rule in spec §4.5 for
// the (exceedingly unlikely) case a ping timestamp is bogus.
const pingRTTCap = ^uint32(0)

// RegisterActivities wires the runner lifecycle's side-effecting steps
// into e. e is also the engine actor workflows run on (they
// share one KV-backed workflow store); it is used to deliver Drain/
// Stopped signals to an evicted actor's workflow.
func RegisterActivities(e *workflow.Engine, driver kv.Driver, m *metrics.Metrics) {
	e.RegisterActivity("runner_init", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in InitInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		now := time.Now().UnixMilli()
		r := &types.Runner{
			RunnerID:        in.RunnerID,
			NamespaceID:     in.NamespaceID,
			Name:            in.Name,
			Key:             in.Key,
			Version:         in.Version,
			TotalSlots:      in.TotalSlots,
			RemainingSlots:  in.TotalSlots,
			LastPingTS:      now,
			WorkflowID:      in.RunnerID,
			ProtocolVersion: in.ProtocolVersion,
		}
		_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			if err := putRunner(tx, r); err != nil {
				return err
			}
			if r.Key != "" {
				if err := tx.Set(activeRunnerByKeyKey(r.NamespaceID, r.Name, r.Key), []byte(r.RunnerID)); err != nil {
					return err
				}
			}
			if err := tx.Set(listIdxKey(r.NamespaceID, r.RunnerID), []byte{}); err != nil {
				return err
			}
			return writeAllocIdx(tx, r)
		})
		if err != nil {
			return nil, err
		}
		if m != nil {
			m.RunnersTotal.WithLabelValues(r.NamespaceID, "active").Inc()
		}
		maybeSignalDrainOnVersionUpgrade(ctx, driver, e, r)
		return json.Marshal(struct{}{})
	})

	e.RegisterActivity("runner_update_ping", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in pingInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		now := time.Now().UnixMilli()
		_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			r, err := loadRunner(tx, in.RunnerID)
			if err != nil || r == nil {
				return err
			}
			clearAllocIdx(tx, r)
			rtt := int64(2 * (now - in.SentAtUnixMilli))
			if rtt < 0 {
				rtt = 0
			}
			if rtt > int64(pingRTTCap) {
				r.LastRTT = pingRTTCap
			} else {
				r.LastRTT = uint32(rtt)
			}
			r.LastPingTS = now
			if err := writeAllocIdx(tx, r); err != nil {
				return err
			}
			return putRunner(tx, r)
		})
		return json.Marshal(struct{}{}), err
	})

	e.RegisterActivity("runner_begin_drain", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in drainInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		var actorIDs []string
		_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			r, err := loadRunner(tx, in.RunnerID)
			if err != nil || r == nil {
				return err
			}
			clearAllocIdx(tx, r)
			r.DrainTS = time.Now().UnixMilli()
			if err := putRunner(tx, r); err != nil {
				return err
			}
			begin, end := kv.PrefixRange(runnerActorPrefix(in.RunnerID))
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
				if id != "" {
					actorIDs = append(actorIDs, id)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		// Graceful drains (explicit stop, version upgrade) reschedule
		// transparently; an expiry looks like a crash to the actor, so
		// its crash_policy decides what happens next (spec §4.4 Run).
		signalName := "drain"
		if in.Reason == reasonExpired {
			signalName = "stopped"
		}
		for _, actorID := range actorIDs {
			_ = e.SignalBypass(ctx, actorID, signalName, nil)
		}
		if m != nil {
			m.RunnersTotal.WithLabelValues("", "draining").Inc()
		}
		return json.Marshal(evictResult{ActorCount: len(actorIDs)})
	})

	e.RegisterActivity("runner_finalize_stop", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var runnerID string
		if err := json.Unmarshal(input, &runnerID); err != nil {
			return nil, err
		}
		var namespaceID string
		_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			r, err := loadRunner(tx, runnerID)
			if err != nil || r == nil {
				return err
			}
			namespaceID = r.NamespaceID
			r.StopTS = time.Now().UnixMilli()
			return putRunner(tx, r)
		})
		if err != nil {
			return nil, err
		}
		if m != nil && namespaceID != "" {
			m.RunnersTotal.WithLabelValues(namespaceID, "active").Dec()
		}
		return json.Marshal(struct{}{}), nil
	})
}

// maybeSignalDrainOnVersionUpgrade implements spec §4.5 "Drain on
// version upgrade": when r comes up with a newer version and its
// RunnerConfig opts in, every older peer of the same (namespace, name)
// is told to drain. Scans the alloc index rather than a dedicated
// by-version index since pools are expected to be small.
func maybeSignalDrainOnVersionUpgrade(ctx context.Context, driver kv.Driver, e *workflow.Engine, r *types.Runner) {
	var cfg *types.RunnerConfig
	var peers []*types.Runner
	_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
		c, err := loadRunnerConfig(tx, r.NamespaceID, r.Name)
		if err != nil {
			return err
		}
		cfg = c
		if cfg == nil || !cfg.DrainOnVersionUpgrade {
			return nil
		}
		begin, end := kv.PrefixRange(runnerAllocIdxKey0(r.NamespaceID, r.Name))
		rows, err := tx.GetRange(begin, end, 0, false)
		if err != nil {
			return err
		}
		peers = nil
		for _, row := range rows {
			t, err := kv.Unpack(row.Key)
			if err != nil || len(t) == 0 {
				continue
			}
			id, _ := t[len(t)-1].(string)
			if id == "" || id == r.RunnerID {
				continue
			}
			peer, err := loadRunner(tx, id)
			if err != nil || peer == nil {
				continue
			}
			if peer.Version < r.Version {
				peers = append(peers, peer)
			}
		}
		return nil
	})
	if err != nil || cfg == nil || !cfg.DrainOnVersionUpgrade {
		return
	}
	for _, peer := range peers {
		_ = e.SignalBypass(ctx, peer.RunnerID, "drain_version_upgrade", nil)
	}
}

func runnerAllocIdxKey0(namespaceID, runnerName string) []byte {
	return kv.Tuple{runnerSubspace, "alloc_idx", namespaceID, runnerName}.Pack()
}
