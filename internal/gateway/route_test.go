package gateway

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractActorRoutePathForm(t *testing.T) {
	r, err := ExtractActorRoute("/gateway/act_123@tok_abc/foo/bar", "")
	require.NoError(t, err)
	require.Equal(t, "act_123", r.ActorID)
	require.Equal(t, "tok_abc", r.Token)
	require.Equal(t, "/foo/bar", r.Rest)
}

func TestExtractActorRoutePathFormNoToken(t *testing.T) {
	r, err := ExtractActorRoute("/gateway/act_123", "")
	require.NoError(t, err)
	require.Equal(t, "act_123", r.ActorID)
	require.Equal(t, "", r.Token)
	require.Equal(t, "/", r.Rest)
}

func TestExtractActorRouteRejectsWrongPrefix(t *testing.T) {
	_, err := ExtractActorRoute("/other/act_123", "")
	require.Error(t, err)
}

func TestExtractActorRouteRejectsEmptyID(t *testing.T) {
	_, err := ExtractActorRoute("/gateway/", "")
	require.Error(t, err)
}

func TestExtractActorRouteWSProtocolForm(t *testing.T) {
	r, err := ExtractActorRoute("/gateway/ws", "rivet, rivet_target.actor, rivet_actor.act_999, rivet_token.tok_999")
	require.NoError(t, err)
	require.Equal(t, "act_999", r.ActorID)
	require.Equal(t, "tok_999", r.Token)
	require.Equal(t, "/gateway/ws", r.Rest)
}

func TestExtractActorRouteWSProtocolFormFallsBackToPath(t *testing.T) {
	r, err := ExtractActorRoute("/gateway/act_111", "not-a-rivet-protocol")
	require.NoError(t, err)
	require.Equal(t, "act_111", r.ActorID)
}
