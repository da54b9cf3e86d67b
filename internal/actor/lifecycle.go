package actor

import (
	"encoding/json"
	"time"

	"github.com/nimbusrun/nimbus/internal/types"
	"github.com/nimbusrun/nimbus/internal/workflow"
)

// WorkflowName is the registered name of the actor lifecycle workflow.
const WorkflowName = "actor_lifecycle"

// maxRestartAttempts caps how many times a Restart-policy actor comes
// back from a crash before the workflow gives up and destroys it.
const maxRestartAttempts = 5

// successWindow is how long an actor has to stay up before a later
// crash no longer counts against its restart budget.
const successWindow = 5 * time.Minute

type initInput struct {
	ActorID string
	Create  CreateInput
}

// RegisterWorkflow installs the actor lifecycle state machine (spec
// §4.4) against e: Init, Allocate, Ready, Run, Destroy.
func RegisterWorkflow(e *workflow.Engine) {
	e.RegisterWorkflow(WorkflowName, Run)
}

// Run is the actor lifecycle workflow body.
func Run(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
	var in initInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, err
	}

	if _, err := c.Activity("actor_init", in, nil); err != nil {
		return nil, err
	}

	generation := uint32(0)
	restartAttempts := 0

allocate:
	allocState, _ := json.Marshal(0)
	allocOut, err := c.Loope(allocState, func(lc *workflow.Context, state json.RawMessage) (json.RawMessage, error) {
		out, err := lc.Activity("actor_try_allocate", in.ActorID, nil)
		if err != nil {
			return nil, err
		}
		var res allocResult
		if err := json.Unmarshal(out, &res); err != nil {
			return nil, err
		}
		if res.Allocated {
			return nil, &workflow.LoopBreak{Output: out}
		}
		if err := lc.Sleep(2 * time.Second); err != nil {
			return nil, err
		}
		return state, nil
	})
	if err != nil {
		return nil, err
	}
	var alloc allocResult
	_ = json.Unmarshal(allocOut, &alloc)

	// Ready: wait for the runner's ack before marking connectable.
	if _, err := c.ListenN([]string{"ready"}, 1); err != nil {
		return nil, err
	}
	readyOut, err := c.Activity("actor_mark_connectable", in.ActorID, nil)
	if err != nil {
		return nil, err
	}
	var readySinceMillis int64
	if err := json.Unmarshal(readyOut, &readySinceMillis); err != nil {
		return nil, err
	}
	readySince := time.UnixMilli(readySinceMillis)

run:
	sigs, err := c.ListenN([]string{"stopped", "failed", "destroy_started", "wake", "set_alarm", "drain"}, 1)
	if err != nil {
		return nil, err
	}
	switch sigs[0].Name {
	case "destroy_started":
		goto destroy
	case "drain":
		genOut, err := c.Activity("actor_bump_generation", in.ActorID, nil)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(genOut, &generation); err != nil {
			return nil, err
		}
		restartAttempts = 0
		goto allocate
	case "stopped", "failed":
		// A crash that lands well after the actor settled into Run
		// doesn't count against the restart budget accumulated by
		// earlier, closely-spaced crashes.
		if sigs[0].CreatedAt.Sub(readySince) >= successWindow {
			restartAttempts = 0
		}
		switch in.Create.CrashPolicy {
		case types.CrashPolicyDestroy, "":
			goto destroy
		case types.CrashPolicyIndefiniteSleep:
			if _, err := c.Activity("actor_release_runner", in.ActorID, nil); err != nil {
				return nil, err
			}
			if _, err := c.Activity("actor_sleep", in.ActorID, nil); err != nil {
				return nil, err
			}
			if _, err := c.ListenN([]string{"wake", "set_alarm"}, 1); err != nil {
				return nil, err
			}
			if _, err := c.Activity("actor_wake", in.ActorID, nil); err != nil {
				return nil, err
			}
			genOut, err := c.Activity("actor_bump_generation", in.ActorID, nil)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(genOut, &generation); err != nil {
				return nil, err
			}
			goto allocate
		case types.CrashPolicyRestart:
			restartAttempts++
			if restartAttempts > maxRestartAttempts {
				goto destroy
			}
			if _, err := c.Activity("actor_release_runner", in.ActorID, nil); err != nil {
				return nil, err
			}
			genOut, err := c.Activity("actor_bump_generation", in.ActorID, nil)
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(genOut, &generation); err != nil {
				return nil, err
			}
			goto allocate
		}
	default:
		goto run
	}

destroy:
	if _, err := c.Activity("actor_release_runner", in.ActorID, nil); err != nil {
		return nil, err
	}
	if _, err := c.Activity("actor_destroy", in.ActorID, nil); err != nil {
		return nil, err
	}
	_ = generation
	_ = alloc
	return json.Marshal(struct {
		ActorID    string
		Generation uint32
	}{in.ActorID, generation})
}
