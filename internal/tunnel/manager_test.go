package tunnel_test

import (
	"context"
	"testing"
	"time"

	"github.com/nimbusrun/nimbus/internal/pubsub/membus"
	"github.com/nimbusrun/nimbus/internal/tunnel"
	"github.com/nimbusrun/nimbus/internal/tunnel/wire"
	"github.com/stretchr/testify/require"
)

func TestAckRemovesPending(t *testing.T) {
	bus := membus.New()
	mgr := tunnel.New("mgr-1", bus, nil, nil)
	mgr.Start()
	defer mgr.Stop()

	ctx := context.Background()
	env := wire.Envelope{RequestID: "req-1", MessageID: "msg-1", Kind: wire.KindToClientHTTPStart}
	require.NoError(t, mgr.SendToRunner(ctx, "runner-1", env, nil))
	require.Equal(t, 1, mgr.PendingCount("req-1"))

	mgr.Ack(wire.TunnelAck{RequestID: "req-1", MessageID: "msg-1"})
	require.Equal(t, 0, mgr.PendingCount("req-1"))
}

func TestPendingLimitReached(t *testing.T) {
	bus := membus.New()
	mgr := tunnel.New("mgr-1", bus, nil, nil)
	ctx := context.Background()
	for i := 0; i < tunnel.MaxPendingMsgsPerReq; i++ {
		env := wire.Envelope{RequestID: "req-full", MessageID: uuidFor(i)}
		require.NoError(t, mgr.SendToRunner(ctx, "runner-1", env, nil))
	}
	env := wire.Envelope{RequestID: "req-full", MessageID: "overflow"}
	err := mgr.SendToRunner(ctx, "runner-1", env, nil)
	require.ErrorIs(t, err, tunnel.ErrPendingLimitReached)
}

func uuidFor(i int) string {
	return time.Now().Add(time.Duration(i)).String()
}

func TestEnvelopeEncodeDecodeRoundTrips(t *testing.T) {
	env := wire.Envelope{Version: wire.Mk2, RequestID: "r1", MessageID: "m1", Kind: wire.KindToServerKvRequest}
	frame, err := wire.Encode(env)
	require.NoError(t, err)

	decoded, err := wire.Decode(frame)
	require.NoError(t, err)
	require.Equal(t, env.Version, decoded.Version)
	require.Equal(t, env.RequestID, decoded.RequestID)
	require.Equal(t, env.Kind, decoded.Kind)
}
