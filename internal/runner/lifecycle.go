package runner

import (
	"encoding/json"
	"time"

	"github.com/nimbusrun/nimbus/internal/workflow"
)

// quiesceWindow bounds how long a draining runner's workflow waits for
// its actors to report stopped on their own before force-finalizing
// (spec §4.5 "waits for outstanding actors to quiesce or a deadline").
const quiesceWindow = 5 * time.Second

// WorkflowName is the registered name of the per-runner lifecycle
// workflow (spec §4.5).
const WorkflowName = "runner_lifecycle"

// InitInput is the payload handed to the runner workflow on connect.
type InitInput struct {
	RunnerID        string
	NamespaceID     string
	Name            string
	Key             string
	Version         uint32
	TotalSlots      uint32
	ProtocolVersion uint16
}

// PingPayload carries the ping round-trip timestamp a runner reports.
type PingPayload struct {
	SentAtUnixMilli int64
}

// stopReason distinguishes why a runner is being drained, since that
// decides whether its actors get Drain (transparent reschedule) or
// Stopped (crash-policy evaluation) signals.
type stopReason string

const (
	reasonStopSignal      stopReason = "stop"
	reasonVersionUpgrade  stopReason = "version_upgrade"
	reasonExpired         stopReason = "expired"
)

// RegisterWorkflow installs the runner lifecycle state machine.
func RegisterWorkflow(e *workflow.Engine) {
	e.RegisterWorkflow(WorkflowName, Run)
}

// Run is the runner workflow body: connect -> active (ping loop) ->
// drain -> stop.
func Run(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
	var in InitInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}

	if _, err := c.Activity("runner_init", in, nil); err != nil {
		return nil, err
	}

	for {
		sigs, err := c.ListenN([]string{"ping", "stop", "drain_version_upgrade", "runner_expired"}, 1)
		if err != nil {
			return nil, err
		}
		sig := sigs[0]
		switch sig.Name {
		case "ping":
			var p PingPayload
			_ = json.Unmarshal(sig.Payload, &p)
			if _, err := c.Activity("runner_update_ping", pingInput{RunnerID: in.RunnerID, SentAtUnixMilli: p.SentAtUnixMilli}, nil); err != nil {
				return nil, err
			}
		case "stop":
			return drain(c, in.RunnerID, reasonStopSignal)
		case "drain_version_upgrade":
			return drain(c, in.RunnerID, reasonVersionUpgrade)
		case "runner_expired":
			return drain(c, in.RunnerID, reasonExpired)
		}
	}
}

type pingInput struct {
	RunnerID        string
	SentAtUnixMilli int64
}

type drainInput struct {
	RunnerID string
	Reason   stopReason
}

func drain(c *workflow.Context, runnerID string, reason stopReason) (json.RawMessage, error) {
	out, err := c.Activity("runner_begin_drain", drainInput{RunnerID: runnerID, Reason: reason}, nil)
	if err != nil {
		return nil, err
	}
	var evicted evictResult
	if err := json.Unmarshal(out, &evicted); err != nil {
		return nil, err
	}

	// Expiry means the runner is already gone; there is no websocket to
	// wait on closing, so finalize immediately. A live stop/drain waits
	// briefly in case more actors report stopped on their own before
	// the hard deadline.
	if reason != reasonExpired {
		if err := c.Sleep(quiesceWindow); err != nil {
			return nil, err
		}
	}

	if _, err := c.Activity("runner_finalize_stop", runnerID, nil); err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		RunnerID       string
		ActorsEvicted  int
	}{runnerID, evicted.ActorCount})
}

type evictResult struct {
	ActorCount int
}
