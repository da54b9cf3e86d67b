// Package serverless implements the outbound serverless connection
// described in spec §4.6: a bounded-lifespan HTTP/SSE request that
// keeps one remote runner process alive, with a drain grace period and
// a forced close if the runner doesn't disconnect on its own.
package serverless

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nimbusrun/nimbus/internal/obs/metrics"
	"github.com/nimbusrun/nimbus/internal/pubsub"
	"github.com/nimbusrun/nimbus/internal/types"
	"github.com/nimbusrun/nimbus/internal/workflow"
)

// WorkflowName is the registered name of the connection workflow.
const WorkflowName = "serverless_connection"

// drainGrace is subtracted from request_lifespan: the connection is
// held for request_lifespan - 5s and then drained.
const drainGrace = 5 * time.Second

// forceCloseWait is how long the workflow waits after signalling the
// drain before serverless_force_close publishes a close notice to the
// runner's receiver subject, whether or not the runner has disconnected.
// The notice is a plain JSON {RunnerID} object, not a wire.Envelope;
// there is no ToClientClose message kind.
const forceCloseWait = 5 * time.Second

// InitInput starts a connection workflow against one serverless pool.
type InitInput struct {
	ConnectionID string
	NamespaceID  string
	RunnerName   string
	Config       types.ServerlessConfig
	DetailsHash  string
}

// StartResult is serverless_begin's output: the remote runner's id,
// decoded from the first SSE message's ToServerlessServerInit payload.
type StartResult struct {
	RunnerID string
}

// Requester performs the outbound GET {url}/start and returns the
// runner id announced in the first SSE message. Production wiring
// uses an HTTP+SSE implementation; tests substitute a fake.
type Requester interface {
	Start(ctx context.Context, in InitInput) (StartResult, error)
}

// RegisterWorkflow installs the connection workflow against e.
func RegisterWorkflow(e *workflow.Engine) {
	e.RegisterWorkflow(WorkflowName, Run)
}

// RegisterActivities wires serverless_begin/serverless_signal_drain/
// serverless_force_close against req and bus. serverless_signal_drain
// notifies the owning pool workflow and stops the runner through e's
// signals; bus, which may be nil, carries the force-close notice.
func RegisterActivities(e *workflow.Engine, req Requester, bus pubsub.Bus, m *metrics.Metrics) {
	e.RegisterActivity("serverless_begin", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in InitInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		res, err := req.Start(ctx, in)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})

	e.RegisterActivity("serverless_signal_drain", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in drainSignalInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		_ = e.SignalBypass(ctx, poolWorkflowID(in.NamespaceID, in.RunnerName), "connection_done", in.ConnectionID)
		_ = e.SignalBypass(ctx, in.RunnerID, "stop", nil)
		return json.Marshal(struct{}{}), nil
	})

	e.RegisterActivity("serverless_force_close", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var runnerID string
		if err := json.Unmarshal(input, &runnerID); err != nil {
			return nil, err
		}
		if bus != nil {
			payload, _ := json.Marshal(struct{ RunnerID string }{runnerID})
			_ = bus.Publish(ctx, "runner."+runnerID+".receiver", payload, pubsub.PublishOptions{Behavior: pubsub.Broadcast})
		}
		return json.Marshal(struct{}{}), nil
	})
}

type drainSignalInput struct {
	NamespaceID string
	RunnerName  string
	ConnectionID string
	RunnerID    string
}

// poolWorkflowID is the deterministic workflow id for a
// (namespace, runner_name) pool, shared with internal/runner.
func poolWorkflowID(namespaceID, runnerName string) string {
	return "pool:" + namespaceID + ":" + runnerName
}

// Run is the connection workflow body. A failed serverless_begin is
// retried indefinitely: each attempt uses the engine's activity
// backoff, and the run sleeps one second between attempts. Once
// started, the connection is held for request_lifespan - 5s, then
// drained.
func Run(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
	var in InitInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}

	out, err := c.Activity("serverless_begin", in, nil)
	for err != nil {
		if serr := c.Sleep(time.Second); serr != nil {
			return nil, serr
		}
		out, err = c.Activity("serverless_begin", in, nil)
	}
	var started StartResult
	if err := json.Unmarshal(out, &started); err != nil {
		return nil, err
	}

	lifespan := in.Config.RequestLifespan
	if lifespan > drainGrace {
		lifespan -= drainGrace
	} else {
		lifespan = 0
	}
	if err := c.Sleep(lifespan); err != nil {
		return nil, err
	}

	if _, err := c.Activity("serverless_signal_drain", drainSignalInput{
		NamespaceID:  in.NamespaceID,
		RunnerName:   in.RunnerName,
		ConnectionID: in.ConnectionID,
		RunnerID:     started.RunnerID,
	}, nil); err != nil {
		return nil, err
	}

	if err := c.Sleep(forceCloseWait); err != nil {
		return nil, err
	}

	if _, err := c.Activity("serverless_force_close", started.RunnerID, nil); err != nil {
		return nil, err
	}

	return json.Marshal(started)
}
