package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nimbusrun/nimbus/internal/kv"
	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/nimbusrun/nimbus/internal/serverless"
	"github.com/nimbusrun/nimbus/internal/types"
	"github.com/nimbusrun/nimbus/internal/workflow"
)

// RegisterPoolActivities wires pool_reconcile, the pool workflow's sole
// activity, against e.
func RegisterPoolActivities(e *workflow.Engine, driver kv.Driver, m *metrics.Metrics) {
	e.RegisterActivity("pool_reconcile", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in PoolInitInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}

		var cfg *types.RunnerConfig
		var desiredSlots int64
		var conns []poolConnection
		_, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			c, err := loadRunnerConfig(tx, in.NamespaceID, in.RunnerName)
			if err != nil {
				return err
			}
			cfg = c
			if cfg == nil || cfg.Kind != types.RunnerConfigServerless || cfg.Serverless == nil {
				return nil
			}
			raw, err := tx.Get(serverlessDesiredKey(in.NamespaceID, in.RunnerName))
			if err != nil {
				return err
			}
			desiredSlots = decodeSlotCounter(raw)
			cs, err := loadConnections(tx, in.NamespaceID, in.RunnerName)
			if err != nil {
				return err
			}
			conns = cs
			return nil
		})
		if err != nil {
			return nil, err
		}
		if cfg == nil || cfg.Kind != types.RunnerConfigServerless || cfg.Serverless == nil {
			return json.Marshal(reconcileResult{Serverless: false})
		}

		sc := cfg.Serverless
		hash := detailsHash(sc)
		desiredCount := ComputeDesiredCount(desiredSlots, sc.SlotsPerRunner, sc.MinRunners, sc.MaxRunners, sc.RunnersMargin)

		live := make([]poolConnection, 0, len(conns))
		for _, conn := range conns {
			if conn.Draining {
				continue
			}
			if conn.DetailsHash != hash {
				conn.Draining = true
				drainConnection(ctx, e, in, conn)
				continue
			}
			live = append(live, conn)
		}

		sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
		if excess := len(live) - int(desiredCount); excess > 0 {
			for _, conn := range live[:excess] {
				conn.Draining = true
				drainConnection(ctx, e, in, conn)
			}
			live = live[excess:]
		}

		for len(live) < int(desiredCount) {
			id := fmt.Sprintf("%s:%s:%d", in.NamespaceID, in.RunnerName, len(conns)+len(live)+1)
			if err := e.Start(ctx, serverless.WorkflowName, id, serverless.InitInput{
				ConnectionID: id,
				NamespaceID:  in.NamespaceID,
				RunnerName:   in.RunnerName,
				Config:       *sc,
				DetailsHash:  hash,
			}); err != nil {
				break
			}
			live = append(live, poolConnection{ID: id, DetailsHash: hash})
		}

		all := make([]poolConnection, 0, len(live))
		all = append(all, live...)
		for _, conn := range conns {
			if conn.Draining {
				all = append(all, conn)
			}
		}
		if _, err := kv.Run(ctx, driver, func(tx *kv.Transaction) error {
			return putConnections(tx, in.NamespaceID, in.RunnerName, all)
		}); err != nil {
			return nil, err
		}

		if m != nil {
			m.ServerlessDesiredSlots.WithLabelValues(in.NamespaceID, in.RunnerName).Set(float64(desiredSlots))
			m.ServerlessConnections.WithLabelValues(in.NamespaceID, in.RunnerName).Set(float64(len(live)))
		}

		return json.Marshal(reconcileResult{
			Serverless:   true,
			DesiredCount: int(desiredCount),
			ActiveCount:  len(live),
		})
	})
}

// drainConnection sends a "drain" signal to a connection workflow.
// serverless.Run does not listen for signals, so the connection still
// waits out its request_lifespan before it drains and force-closes.
func drainConnection(ctx context.Context, e *workflow.Engine, in PoolInitInput, conn poolConnection) {
	_ = e.SignalBypass(ctx, conn.ID, "drain", nil)
}

// detailsHash fingerprints the parts of a ServerlessConfig that, if
// changed, require replacing rather than reusing existing connections.
func detailsHash(sc *types.ServerlessConfig) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%d|%d|%d", sc.URL, sc.RequestLifespan, sc.SlotsPerRunner, sc.MinRunners, sc.MaxRunners)
	keys := make([]string, 0, len(sc.Headers))
	for k := range sc.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, sc.Headers[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// decodeSlotCounter reads the little-endian int32 maintained by
// kv.OpAdd against serverlessDesiredKey (spec §4.5's desired_slots
// counter, bumped by actor_try_allocate when no runner has room).
func decodeSlotCounter(raw []byte) int64 {
	if len(raw) < 4 {
		return 0
	}
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(raw[i]) << (8 * uint(i))
	}
	return int64(int32(v))
}
