package authtoken_test

import (
	"testing"
	"time"

	"github.com/nimbusrun/nimbus/internal/authtoken"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	issuer := authtoken.NewIssuer([]byte("test-key"), 0)
	token, err := issuer.Issue("actor-1", "ns-1")
	require.NoError(t, err)
	require.NoError(t, issuer.Verify(token, "actor-1"))
}

func TestVerifyRejectsWrongActor(t *testing.T) {
	issuer := authtoken.NewIssuer([]byte("test-key"), 0)
	token, err := issuer.Issue("actor-1", "ns-1")
	require.NoError(t, err)
	require.Error(t, issuer.Verify(token, "actor-2"))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	issuer := authtoken.NewIssuer([]byte("test-key"), 0)
	token, err := issuer.Issue("actor-1", "ns-1")
	require.NoError(t, err)

	other := authtoken.NewIssuer([]byte("other-key"), 0)
	require.Error(t, other.Verify(token, "actor-1"))
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	issuer := authtoken.NewIssuer([]byte("test-key"), -time.Minute)
	token, err := issuer.Issue("actor-1", "ns-1")
	require.NoError(t, err)
	require.Error(t, issuer.Verify(token, "actor-1"))
}
