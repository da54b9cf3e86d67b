package serverless_test

import (
	"context"
	"testing"
	"time"

	"github.com/nimbusrun/nimbus/internal/kv/memkv"
	"github.com/nimbusrun/nimbus/internal/pubsub/membus"
	"github.com/nimbusrun/nimbus/internal/serverless"
	"github.com/nimbusrun/nimbus/internal/types"
	"github.com/nimbusrun/nimbus/internal/workflow"
	"github.com/stretchr/testify/require"
)

type fakeRequester struct {
	runnerID string
	calls    int
}

func (f *fakeRequester) Start(ctx context.Context, in serverless.InitInput) (serverless.StartResult, error) {
	f.calls++
	return serverless.StartResult{RunnerID: f.runnerID}, nil
}

func TestConnectionWorkflowRunsBeginDrainAndForceClose(t *testing.T) {
	driver := memkv.New()
	bus := membus.New()
	e := workflow.New(driver, bus, nil)
	req := &fakeRequester{runnerID: "runner-1"}

	serverless.RegisterWorkflow(e)
	serverless.RegisterActivities(e, req, bus, nil)

	ctx := context.Background()
	in := serverless.InitInput{
		ConnectionID: "conn-1",
		NamespaceID:  "ns1",
		RunnerName:   "worker",
		Config: types.ServerlessConfig{
			URL:             "https://example.test/start",
			RequestLifespan: 1 * time.Millisecond,
		},
		DetailsHash: "abc",
	}
	require.NoError(t, e.Start(ctx, serverless.WorkflowName, "conn-1", in))

	var done bool
	var err error
	for i := 0; i < 50 && !done; i++ {
		done, err = e.Execute(ctx, "conn-1")
		require.NoError(t, err)
		if !done {
			time.Sleep(5 * time.Millisecond)
		}
	}
	require.True(t, done)
	require.Equal(t, 1, req.calls)
}
