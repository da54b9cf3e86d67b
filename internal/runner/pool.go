package runner

import (
	"encoding/json"

	"github.com/nimbusrun/nimbus/internal/workflow"
)

// PoolWorkflowName is the registered name of the per-(namespace,
// runner_name) pool workflow (spec §4.5).
const PoolWorkflowName = "runner_pool"

// PoolInitInput identifies the pool a workflow run manages.
type PoolInitInput struct {
	NamespaceID string
	RunnerName  string
}

// RegisterPoolWorkflow installs the serverless autoscaler loop.
func RegisterPoolWorkflow(e *workflow.Engine) {
	e.RegisterWorkflow(PoolWorkflowName, RunPool)
}

// RunPool is the pool workflow body. Each iteration reconciles the
// outbound connection count against desired_slots/RunnerConfig, then
// waits for something to change before reconciling again.
//
// Starting/stopping connection workflows is done inside the
// pool_reconcile activity rather than via Context.SubWorkflow: a pool
// owns many concurrent, independently-lived connections, and
// SubWorkflow blocks its caller's cursor until the child completes,
// which is the wrong shape for a fire-and-forget child. The activity
// itself is idempotent (keyed by connection id) so replay is safe.
func RunPool(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
	var in PoolInitInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}

	state, _ := json.Marshal(0)
	_, err := c.Loope(state, func(lc *workflow.Context, st json.RawMessage) (json.RawMessage, error) {
		out, err := lc.Activity("pool_reconcile", in, nil)
		if err != nil {
			return nil, err
		}
		var res reconcileResult
		if err := json.Unmarshal(out, &res); err != nil {
			return nil, err
		}
		if !res.Serverless {
			return nil, &workflow.LoopBreak{Output: out}
		}
		if _, err := lc.ListenN([]string{"bump", "runner_drain_started", "connection_done"}, 1); err != nil {
			return nil, err
		}
		return st, nil
	})
	return nil, err
}

type reconcileResult struct {
	Serverless    bool
	DesiredCount  int
	ActiveCount   int
}

// ComputeDesiredCount applies spec §4.5's clamp formula: a negative
// desiredSlots is treated as 0 before the ceil/margin computation.
func ComputeDesiredCount(desiredSlots int64, slotsPerRunner, minRunners, maxRunners, runnersMargin uint32) uint32 {
	if desiredSlots < 0 {
		desiredSlots = 0
	}
	if slotsPerRunner == 0 {
		slotsPerRunner = 1
	}
	needed := uint32((desiredSlots + int64(slotsPerRunner) - 1) / int64(slotsPerRunner))
	desired := runnersMargin + needed
	if desired < minRunners {
		desired = minRunners
	}
	if desired > maxRunners {
		desired = maxRunners
	}
	return desired
}
