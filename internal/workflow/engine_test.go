package workflow_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nimbusrun/nimbus/internal/kv/memkv"
	"github.com/nimbusrun/nimbus/internal/workflow"
	"github.com/stretchr/testify/require"
)

func TestActivityRunsOnceAcrossReplays(t *testing.T) {
	driver := memkv.New()
	e := workflow.New(driver, nil, nil)

	calls := 0
	e.RegisterActivity("increment", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.Marshal(calls)
	})
	e.RegisterWorkflow("counter", func(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
		out, err := c.Activity("increment", nil, nil)
		if err != nil {
			return nil, err
		}
		return out, nil
	})

	ctx := context.Background()
	require.NoError(t, e.Start(ctx, "counter", "run-1", nil))

	done, err := e.Execute(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, 1, calls)

	// A second Execute call on an already-completed run must not
	// re-invoke the activity.
	done, err = e.Execute(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, 1, calls)
}

func TestSleepYieldsAndResumesWithoutBlocking(t *testing.T) {
	driver := memkv.New()
	e := workflow.New(driver, nil, nil)

	e.RegisterWorkflow("napper", func(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
		if err := c.Sleep(10 * time.Millisecond); err != nil {
			return nil, err
		}
		return json.Marshal("awake")
	})

	ctx := context.Background()
	require.NoError(t, e.Start(ctx, "napper", "run-2", nil))

	start := time.Now()
	done, err := e.Execute(ctx, "run-2")
	require.NoError(t, err)
	require.False(t, done)
	require.Less(t, time.Since(start), 5*time.Millisecond)

	time.Sleep(15 * time.Millisecond)
	done, err = e.Execute(ctx, "run-2")
	require.NoError(t, err)
	require.True(t, done)
}

func TestSignalSendAndListen(t *testing.T) {
	driver := memkv.New()
	e := workflow.New(driver, nil, nil)

	e.RegisterWorkflow("sender", func(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
		return nil, c.SignalSend("receiver-1", "ping", "hello")
	})
	e.RegisterWorkflow("receiver", func(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
		sigs, err := c.ListenN([]string{"ping"}, 1)
		if err != nil {
			return nil, err
		}
		return sigs[0].Payload, nil
	})

	ctx := context.Background()
	require.NoError(t, e.Start(ctx, "receiver", "receiver-1", nil))
	require.NoError(t, e.Start(ctx, "sender", "sender-1", nil))

	// receiver has nothing to consume yet: yields.
	done, err := e.Execute(ctx, "receiver-1")
	require.NoError(t, err)
	require.False(t, done)

	done, err = e.Execute(ctx, "sender-1")
	require.NoError(t, err)
	require.True(t, done)

	done, err = e.Execute(ctx, "receiver-1")
	require.NoError(t, err)
	require.True(t, done)
}

func TestLoopeCheckpointsAndBreaks(t *testing.T) {
	driver := memkv.New()
	e := workflow.New(driver, nil, nil)

	e.RegisterWorkflow("looper", func(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
		initial, _ := json.Marshal(0)
		return c.Loope(initial, func(lc *workflow.Context, state json.RawMessage) (json.RawMessage, error) {
			var n int
			_ = json.Unmarshal(state, &n)
			n++
			if n >= 3 {
				out, _ := json.Marshal(n)
				return nil, &workflow.LoopBreak{Output: out}
			}
			return json.Marshal(n)
		})
	})

	ctx := context.Background()
	require.NoError(t, e.Start(ctx, "looper", "loop-1", nil))
	done, err := e.Execute(ctx, "loop-1")
	require.NoError(t, err)
	require.True(t, done)
}

func TestActivityPermanentFailureFailsWorkflow(t *testing.T) {
	driver := memkv.New()
	e := workflow.New(driver, nil, nil)
	e.ActivityRetryCap = 1
	e.ActivityRetryDelay = time.Millisecond

	e.RegisterWorkflow("flaky", func(c *workflow.Context, input json.RawMessage) (json.RawMessage, error) {
		return c.Activity("always_fails", nil, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return nil, errAlways
		})
	})

	ctx := context.Background()
	require.NoError(t, e.Start(ctx, "flaky", "run-3", nil))
	done, err := e.Execute(ctx, "run-3")
	require.NoError(t, err)
	require.True(t, done)
}

var errAlways = &alwaysErr{}

type alwaysErr struct{}

func (*alwaysErr) Error() string { return "always fails" }
